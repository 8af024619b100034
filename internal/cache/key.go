package cache

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// maxKeyLen bounds raw key length; longer keys are replaced by their hash so
// callers can use arbitrarily large parameter sets.
const maxKeyLen = 96

// Namespaces group cache entries for semantic invalidation.
const NamespaceSystem = "system"

// NamespaceUser scopes entries to one user so a user mutation can evict
// everything it may have affected.
func NamespaceUser(userID string) string { return "user:" + userID }

// NamespaceJob scopes entries to one job.
func NamespaceJob(jobID string) string { return "job:" + jobID }

// Key derives a deterministic cache key from an operation and its
// parameters. Query params are sorted so map iteration order never changes
// the key; extra dimensions are appended in caller order.
func Key(method, path string, params map[string]string, extra ...string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for k := range params {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteByte('?')
		for i, k := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(params[k])
		}
	}
	for _, dim := range extra {
		b.WriteByte('|')
		b.WriteString(dim)
	}
	key := b.String()
	if len(key) > maxKeyLen {
		sum := xxhash.Sum64String(key)
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(sum >> (8 * (7 - i)))
		}
		return "h:" + hex.EncodeToString(buf[:])
	}
	return key
}

// entryKey builds the stored key: cache:{namespace}:{key}
func entryKey(namespace, key string) string {
	return "cache:" + namespace + ":" + key
}

// namespacePattern matches every entry in a namespace.
func namespacePattern(namespace string) string {
	return "cache:" + namespace + ":*"
}
