package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNoProviderAvailable means the registry filter came back empty after
	// health gating. No plan is created.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrSchedulerStopped means the scheduler is in emergency stop and the
	// engine refuses new plans. In-flight plans complete.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrSchedulerLocked means a scheduler mode transition was rejected
	// because the scheduler is stopped.
	ErrSchedulerLocked = errors.New("scheduler locked")

	// ErrCancelled means the caller cancelled the plan or a timeout cascaded.
	ErrCancelled = errors.New("cancelled")
)

// UnderQuorumError is returned when an ensemble deadline elapsed before
// MinResponses providers succeeded. The partial envelope still carries the
// traces of every attempted provider.
type UnderQuorumError struct {
	Got  int
	Want int
}

func (e *UnderQuorumError) Error() string {
	return fmt.Sprintf("ensemble under quorum: %d of %d required responses", e.Got, e.Want)
}

// ValidationFailedError is returned when a validation stage hard-failed
// non-retryably or retries were exhausted below the confidence floor.
type ValidationFailedError struct {
	Stage  Stage
	Reason string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed at stage %s: %s", e.Stage, e.Reason)
}

// ConfigInvalidError is rejected at the config-update boundary; the old
// config version remains active.
type ConfigInvalidError struct {
	Domain string
	Key    string
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid config %s.%s: %s", e.Domain, e.Key, e.Reason)
}
