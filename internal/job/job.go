package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every persisted job record. Bump it whenever
// the Job shape changes in a way older readers cannot ignore.
const SchemaVersion = 1

// Status represents the current status of a job
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for statuses a job never leaves
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority orders waiting jobs; higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// MaxPriority is the highest priority a job can carry.
const MaxPriority = PriorityCritical

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// HistoryEntry is one line of a job's audit trail.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Job represents a queued job
type Job struct {
	SchemaVersion int             `json:"schemaVersion"`
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	// Seq is assigned by the store on insert and breaks priority ties in
	// insertion order.
	Seq          uint64        `json:"seq"`
	Status       Status        `json:"status"`
	AttemptsMade uint32        `json:"attemptsMade"`
	MaxAttempts  uint32        `json:"maxAttempts"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	DelayUntil  *time.Time `json:"delayUntil,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	// StartedAt marks the beginning of the current (or last) ACTIVE episode.
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	LastError       string          `json:"lastError,omitempty"`
	LastFailureKind FailureKind     `json:"lastFailureKind,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	History         []HistoryEntry  `json:"statusHistory"`
}

// Options tune a job at creation time.
type Options struct {
	Priority    Priority
	Delay       time.Duration
	MaxAttempts uint32
	Timeout     time.Duration
}

// New creates a WAITING job with its creation history entry.
func New(id, queue, typ string, payload json.RawMessage, opts Options, now time.Time) *Job {
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	j := &Job{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Queue:         queue,
		Type:          typ,
		Payload:       payload,
		Priority:      opts.Priority,
		Status:        StatusWaiting,
		MaxAttempts:   maxAttempts,
		Timeout:       opts.Timeout,
		CreatedAt:     now,
	}
	if opts.Delay > 0 {
		j.DelayUntil = timePtr(now.Add(opts.Delay))
	}
	j.record(StatusWaiting, now, "created")
	return j
}

// IsReady returns true if job is waiting and its delay has passed
func (j *Job) IsReady(now time.Time) bool {
	return j.Status == StatusWaiting && (j.DelayUntil == nil || !j.DelayUntil.After(now))
}

// ShouldRetry returns true if another attempt is allowed
func (j *Job) ShouldRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// ProcessingTime is the duration of the last ACTIVE episode that ended in
// completion. Zero when the job has not completed.
func (j *Job) ProcessingTime() time.Duration {
	if j.CompletedAt == nil || j.StartedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Result = cloneBytes(j.Result)
	c.DelayUntil = cloneTime(j.DelayUntil)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.History = append([]HistoryEntry(nil), j.History...)
	return &c
}

func (j *Job) record(s Status, now time.Time, msg string) {
	j.History = append(j.History, HistoryEntry{Status: s, Timestamp: now, Message: msg})
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
