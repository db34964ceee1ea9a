package types

import "fmt"

// ItemError records a single item's failure within a stage. Item errors are
// aggregated into the run summary and never abort a stage on their own.
type ItemError struct {
	// ItemID is the item (or cluster) that failed
	ItemID string `json:"item_id"`
	// Reason is a human-readable failure reason
	Reason string `json:"reason"`
	// Retriable indicates whether the failure was transient
	Retriable bool `json:"retriable"`
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s failed: %s", e.ItemID, e.Reason)
}

// ConfigError indicates a bad run configuration. Raised before any stage
// starts; the run never leaves validation.
type ConfigError struct {
	// Field is the configuration field that failed validation
	Field string
	// Reason explains why the value was rejected
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// StageError indicates a stage-level failure: either the failure ratio
// exceeded the threshold policy or the capability signaled a structural
// failure. Always fatal to the run.
type StageError struct {
	// Stage is the stage that failed
	Stage Stage
	// Reason is a human-readable failure reason
	Reason string
	// FailedCount and TotalCount describe the failure ratio (threshold failures)
	FailedCount int
	TotalCount  int
}

func (e *StageError) Error() string {
	if e.TotalCount > 0 {
		return fmt.Sprintf("stage %s failed: %s (%d/%d items failed)", e.Stage, e.Reason, e.FailedCount, e.TotalCount)
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

// DataInvariantError indicates a data-model invariant violation, such as an
// insight carrying evidence outside its cluster. Always fatal; indicates a
// programming defect, never user-recoverable.
type DataInvariantError struct {
	// Invariant is the invariant that was violated
	Invariant string
	// Detail describes the specific violation
	Detail string
}

func (e *DataInvariantError) Error() string {
	return fmt.Sprintf("data invariant violated: %s: %s", e.Invariant, e.Detail)
}
