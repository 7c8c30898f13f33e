// Package occurrence holds the catalog's durable Occurrence aggregate: one
// firing of a Job, and the lifecycle state machine that governs it.
package occurrence

import (
	"errors"
	"time"
)

// Status is a point in the occurrence lifecycle.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
	TimedOut  Status = "timed_out"
	Unknown   Status = "unknown"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, TimedOut, Unknown:
		return true
	default:
		return false
	}
}

// FailureLike reports whether s should drive AutoDisableEvaluator and feed
// FailedOccurrenceHandler.
func (s Status) FailureLike() bool {
	switch s {
	case Failed, TimedOut, Unknown:
		return true
	default:
		return false
	}
}

var ErrInvalidTransition = errors.New("occurrence: invalid status transition")

// transitions enumerates the allowed edges from spec.md section 4.9. Running
// may reach any terminal state; Queued may reach any terminal state except
// Completed (it must pass through Running first); terminal->terminal is rejected
// except the Unknown->{authoritative terminal} override, which is handled
// separately by AllowOverride because it depends on elapsed time, not just
// the state pair.
var transitions = map[Status]map[Status]bool{
	Queued: {
		Running:   true,
		Cancelled: true,
		Unknown:   true,
		Failed:    true,
		TimedOut:  true,
	},
	Running: {
		Completed: true,
		Failed:    true,
		Cancelled: true,
		TimedOut:  true,
		Unknown:   true,
	},
}

// CanTransition reports whether from->to is allowed by the state machine,
// ignoring the Unknown-override grace window (see AllowOverride).
func CanTransition(from, to Status) bool {
	if from == to {
		// Idempotent re-delivery of the same terminal status is tolerated by
		// the caller (it is a no-op, not a transition), but is not itself a
		// transition edge.
		return false
	}
	if edges, ok := transitions[from]; ok {
		return edges[to]
	}
	return false
}

// UnknownOverrideWindow is how long after an occurrence lands in Unknown a
// later authoritative terminal status from the worker is still accepted.
// Fixed per the Open Question in spec.md section 9, resolved in
// SPEC_FULL.md against original_source/ behavior.
const UnknownOverrideWindow = 10 * time.Minute

// AllowOverride reports whether a terminal `to` may overwrite an existing
// Unknown status, given how long ago the occurrence became Unknown.
func AllowOverride(to Status, unknownSince time.Time, now time.Time) bool {
	switch to {
	case Completed, Failed, Cancelled, TimedOut:
		return now.Sub(unknownSince) <= UnknownOverrideWindow
	default:
		return false
	}
}

// StatusChange is one entry in the append-only statusChangeLog.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// LogLevel mirrors the worker-reported log severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one user-visible line attached to an occurrence.
type LogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         LogLevel  `json:"level"`
	Message       string    `json:"message"`
	Category      string    `json:"category,omitempty"`
	Data          string    `json:"data,omitempty"` // opaque JSON blob
	ExceptionType string    `json:"exceptionType,omitempty"`
}

// Occurrence is one firing of a Job; the unit of status/log reporting.
type Occurrence struct {
	OccurrenceID  string // == CorrelationID
	CorrelationID string
	JobID         string
	JobVersion    int
	JobName       string

	WorkerInstanceID *string
	Status           Status

	StartTime  *time.Time
	EndTime    *time.Time
	DurationMs *int64

	Result    *string
	Exception *string

	Logs            []LogEntry
	StatusChangeLog []StatusChange

	RetryCount    int
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// New seeds a freshly dispatched occurrence in Queued, per spec.md
// section 4.8 step 4d: both IDs equal, one seeded statusChangeLog entry,
// one seeded dispatcher log line.
func New(id, jobID string, jobVersion int, jobName string, now time.Time) Occurrence {
	return Occurrence{
		OccurrenceID:  id,
		CorrelationID: id,
		JobID:         jobID,
		JobVersion:    jobVersion,
		JobName:       jobName,
		Status:        Queued,
		CreatedAt:     now,
		StatusChangeLog: []StatusChange{
			{From: "", To: Queued, Timestamp: now, Reason: "dispatched"},
		},
		Logs: []LogEntry{
			{Timestamp: now, Level: LevelInfo, Category: "Dispatcher", Message: "dispatched"},
		},
	}
}

// AppendLog appends a log entry, capping the slice at maxCount by dropping
// the oldest entries (spec.md section 3, "Log cap" invariant).
func (o *Occurrence) AppendLog(entry LogEntry, maxCount int) {
	o.Logs = append(o.Logs, entry)
	if maxCount > 0 && len(o.Logs) > maxCount {
		o.Logs = o.Logs[len(o.Logs)-maxCount:]
	}
}

// ApplyTransition validates and records a status change. now is the
// statusChangeLog timestamp and, for a terminal status, the EndTime when none
// is set yet; reason is recorded as the entry's text.
func (o *Occurrence) ApplyTransition(to Status, reason string, now time.Time) error {
	from := o.Status

	if from == to {
		return nil // idempotent re-delivery, not an edge
	}

	if from.Terminal() {
		if from != Unknown || !AllowOverride(to, lastTransitionTime(o, now), now) {
			return ErrInvalidTransition
		}
	} else if !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	o.Status = to
	o.StatusChangeLog = append(o.StatusChangeLog, StatusChange{
		From: from, To: to, Timestamp: now, Reason: reason,
	})

	if to.Terminal() {
		if o.EndTime == nil {
			o.EndTime = &now
		}
		if o.DurationMs == nil && o.StartTime != nil {
			d := now.Sub(*o.StartTime).Milliseconds()
			o.DurationMs = &d
		}
		if to == Completed {
			o.Exception = nil
		}
	}

	return nil
}

func lastTransitionTime(o *Occurrence, fallback time.Time) time.Time {
	if len(o.StatusChangeLog) == 0 {
		return fallback
	}
	return o.StatusChangeLog[len(o.StatusChangeLog)-1].Timestamp
}
