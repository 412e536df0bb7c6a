package models

import "time"

// PayloadVersion is the fence payload schema version. A stored payload
// with a different version is treated as unreadable by the validator.
const PayloadVersion = 3

// FencePayload is the metadata stored under an active fence key.
//
// Callers must read-modify-write the whole payload, never individual
// fields: the fence store's contract is last-write-wins on the full
// object.
type FencePayload struct {
	Version   int        `json:"version"`
	ID        string     `json:"id"` // short random id, logging/correlation only
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	TaskID    *string    `json:"task_id"`
	// IndexAttemptID is set by the indexing family only.
	IndexAttemptID *int64 `json:"index_attempt_id,omitempty"`
	// NumTasks is filled in once enumeration completes.
	NumTasks *int `json:"num_tasks,omitempty"`
}
