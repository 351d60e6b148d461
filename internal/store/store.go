package store

// Store persists optimization run state. Implementations must be safe for
// concurrent use.
//
// Error conventions:
//   - nil on success
//   - ErrNotFound when a checkpoint does not exist (Load/Delete)
//   - wrapped errors with context for I/O and serialization failures
type Store interface {
	// SaveCheckpoint atomically writes the checkpoint for a job, replacing
	// any previous one. Implementations must never leave a half-written
	// checkpoint behind.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint for a job, or ErrNotFound.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for every stored checkpoint. The
	// slice is empty when nothing has been saved yet.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint and any associated run
	// artifacts (iteration trace included). Returns ErrNotFound when the
	// job has no checkpoint.
	DeleteCheckpoint(jobID string) error
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Check with errors.Is(err, ErrNotFound).
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a missing checkpoint.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
