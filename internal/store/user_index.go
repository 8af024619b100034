package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"vidgen/internal/kv"
)

// UserIndex maps a user id to the set of job ids they own. It is used for
// listing and ownership checks, never as the source of truth for job
// existence.
type UserIndex struct {
	rdb *redis.Client
}

func NewUserIndex(rdb *redis.Client) *UserIndex {
	return &UserIndex{rdb: rdb}
}

func (u *UserIndex) Add(ctx context.Context, userID, jobID string) error {
	return kv.Wrap("index add", u.rdb.SAdd(ctx, UserJobsKey(userID), jobID).Err())
}

func (u *UserIndex) Remove(ctx context.Context, userID, jobID string) error {
	return kv.Wrap("index remove", u.rdb.SRem(ctx, UserJobsKey(userID), jobID).Err())
}

func (u *UserIndex) Members(ctx context.Context, userID string) ([]string, error) {
	ids, err := u.rdb.SMembers(ctx, UserJobsKey(userID)).Result()
	if err != nil {
		return nil, kv.Wrap("index members", err)
	}
	return ids, nil
}

func (u *UserIndex) Count(ctx context.Context, userID string) (int64, error) {
	n, err := u.rdb.SCard(ctx, UserJobsKey(userID)).Result()
	if err != nil {
		return 0, kv.Wrap("index count", err)
	}
	return n, nil
}

func (u *UserIndex) Contains(ctx context.Context, userID, jobID string) (bool, error) {
	ok, err := u.rdb.SIsMember(ctx, UserJobsKey(userID), jobID).Result()
	if err != nil {
		return false, kv.Wrap("index contains", err)
	}
	return ok, nil
}
