package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in the job record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible except an
// explicit retry from failed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the single source of truth for the job state machine.
// processing -> processing is the self-transition workers use for periodic
// progress and stage reports. failed -> queued is reachable only through the
// explicit retry operation, which consults the retry budget before applying
// it.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders jobs within the queue. Higher tiers are drained first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityTiers lists priorities in dequeue order, most urgent first.
var PriorityTiers = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobError captures why a job failed. It is present exactly while the job is
// in the failed state; the retry budget lives on the job record so it
// survives the record being cleared on retry.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// JobMetrics holds resource usage reported incrementally by workers.
type JobMetrics struct {
	CPUPercent     float64       `json:"cpu_percent,omitempty"`
	MemoryMB       float64       `json:"memory_mb,omitempty"`
	DiskMB         float64       `json:"disk_mb,omitempty"`
	NetworkKB      float64       `json:"network_kb,omitempty"`
	QueueTime      time.Duration `json:"queue_time,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}

// Job is a single requested video generation tracked as a durable state
// machine. Mutations go through the lifecycle manager, never directly
// against the record store.
type Job struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	JobType  JobType   `json:"job_type"`
	Priority Priority  `json:"priority"`
	Config   JobConfig `json:"config"`

	Status          Status   `json:"status"`
	Progress        int      `json:"progress"`
	CurrentStage    string   `json:"current_stage,omitempty"`
	CompletedStages []string `json:"completed_stages,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Error      *JobError   `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	Metrics    *JobMetrics `json:"metrics,omitempty"`

	Deleted   bool       `json:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Active reports whether the job should be reachable from the queue.
func (j *Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusProcessing
}

// Retryable reports whether the retry budget has room for another attempt.
func (j *Job) Retryable() bool {
	return j.RetryCount < j.MaxRetries
}

// StageSeen reports whether the stage label was already recorded.
func (j *Job) StageSeen(stage string) bool {
	for _, s := range j.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}
