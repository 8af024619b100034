package models

import "time"

// BatchStatus is derived from member jobs; a batch has no state machine of
// its own.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
	BatchPartial    BatchStatus = "completed_with_errors"
)

// Batch groups jobs created together. Member order is creation order.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	UserID    string    `json:"user_id"`
	JobIDs    []string  `json:"job_ids"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// DeriveBatchStatus computes the aggregate status by scanning member jobs.
func DeriveBatchStatus(jobs []*Job) BatchStatus {
	if len(jobs) == 0 {
		return BatchQueued
	}
	var completed, failed, cancelled, processing int
	for _, j := range jobs {
		switch j.Status {
		case StatusProcessing:
			processing++
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	n := len(jobs)
	switch {
	case processing > 0:
		return BatchProcessing
	case completed == n:
		return BatchCompleted
	case failed == n:
		return BatchFailed
	case cancelled == n:
		return BatchCancelled
	case completed+failed+cancelled == n:
		return BatchPartial
	default:
		return BatchQueued
	}
}
