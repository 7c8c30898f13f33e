// Package job holds the catalog's durable Job aggregate: a user-registered
// scheduled unit, recurring or one-shot, targeting a worker class.
package job

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidSchedule   = errors.New("exactly one of cronExpression or executeAt must be set")
	ErrVersionConflict   = errors.New("job version conflict")
	ErrDisabledJobActive = errors.New("a disabled job cannot be marked active")
)

// ConcurrentPolicy controls what happens when a job's prior occurrence is
// still non-terminal at the next firing.
type ConcurrentPolicy string

const (
	// PolicySkip drops the firing (RunningSet.tryMarkRunning fails).
	PolicySkip ConcurrentPolicy = "skip"
	// PolicyQueue always dispatches a new occurrence regardless of overlap.
	PolicyQueue ConcurrentPolicy = "queue"
)

func (p ConcurrentPolicy) IsValid() bool {
	switch p {
	case PolicySkip, PolicyQueue:
		return true
	default:
		return false
	}
}

// AutoDisableConfig is per-job override of the global auto-disable policy.
type AutoDisableConfig struct {
	Enabled       bool `json:"enabled"`
	Threshold     int  `json:"threshold"`
	WindowMinutes int  `json:"windowMinutes"`
}

// AutoDisableState is the mutable counter StatusTracker advances.
type AutoDisableState struct {
	ConsecutiveFailureCount int        `json:"consecutiveFailureCount"`
	LastFailureTime         *time.Time `json:"lastFailureTime,omitempty"`
	DisabledAt              *time.Time `json:"disabledAt,omitempty"`
}

// Job is the catalog's durable scheduled-unit record.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OwnerUser   string   `json:"ownerUser,omitempty"`

	WorkerClass string `json:"workerClass"`
	JobKind     string `json:"jobKind"`
	JobData     []byte `json:"jobData,omitempty"` // opaque JSON blob, verbatim to workers

	// Schedule: exactly one of these is set.
	CronExpression *string    `json:"cronExpression,omitempty"`
	ExecuteAt      *time.Time `json:"executeAt,omitempty"`

	IsActive                bool             `json:"isActive"`
	ConcurrentPolicy        ConcurrentPolicy `json:"concurrentPolicy"`
	ExecutionTimeoutSeconds *int             `json:"executionTimeoutSeconds,omitempty"`
	ZombieTimeoutMinutes    *int             `json:"zombieTimeoutMinutes,omitempty"`

	Version int `json:"version"`

	AutoDisableConfig AutoDisableConfig `json:"autoDisableConfig"`
	AutoDisableState  AutoDisableState  `json:"autoDisableState"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsCron reports whether this job fires off a cron expression rather than a
// single executeAt instant.
func (j Job) IsCron() bool {
	return j.CronExpression != nil
}

// Disabled reports whether auto-disable has fired for this job.
func (j Job) Disabled() bool {
	return j.AutoDisableState.DisabledAt != nil
}

// Validate enforces the data-model invariants from spec section 3.
func (j Job) Validate() error {
	hasCron := j.CronExpression != nil && *j.CronExpression != ""
	hasOnce := j.ExecuteAt != nil

	if hasCron == hasOnce {
		return ErrInvalidSchedule
	}
	if j.Disabled() && j.IsActive {
		return ErrDisabledJobActive
	}
	if !j.ConcurrentPolicy.IsValid() {
		return errors.New("invalid concurrentPolicy")
	}
	return nil
}

// CreateRequest is the input the catalog layer uses to construct a new Job.
// It is the contract the (out-of-scope) HTTP/CQRS layer is expected to
// produce; the scheduler core only consumes it.
type CreateRequest struct {
	Name                    string
	Description             string
	Tags                    []string
	OwnerUser               string
	WorkerClass             string
	JobKind                 string
	JobData                 json.RawMessage
	CronExpression          *string
	ExecuteAt               *time.Time
	ConcurrentPolicy        ConcurrentPolicy
	ExecutionTimeoutSeconds *int
	ZombieTimeoutMinutes    *int
	AutoDisableConfig       AutoDisableConfig
}

// New builds a fresh, active Job at version 1 from a creation request. The
// caller (catalog repo) is responsible for assigning an ID.
func New(id string, req CreateRequest) Job {
	now := time.Now().UTC()

	policy := req.ConcurrentPolicy
	if policy == "" {
		policy = PolicySkip
	}

	return Job{
		ID:                      id,
		Name:                    req.Name,
		Description:             req.Description,
		Tags:                    req.Tags,
		OwnerUser:               req.OwnerUser,
		WorkerClass:             req.WorkerClass,
		JobKind:                 req.JobKind,
		JobData:                 req.JobData,
		CronExpression:          req.CronExpression,
		ExecuteAt:               req.ExecuteAt,
		IsActive:                true,
		ConcurrentPolicy:        policy,
		ExecutionTimeoutSeconds: req.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    req.ZombieTimeoutMinutes,
		Version:                 1,
		AutoDisableConfig:       req.AutoDisableConfig,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}
