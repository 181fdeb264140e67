package model

import "time"

type IndexAttemptStatus string

const (
	AttemptNotStarted IndexAttemptStatus = "NotStarted"
	AttemptInProgress IndexAttemptStatus = "InProgress"
	AttemptSuccess    IndexAttemptStatus = "Success"
	AttemptFailed     IndexAttemptStatus = "Failed"
	AttemptCanceled   IndexAttemptStatus = "Canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s IndexAttemptStatus) IsTerminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptCanceled
}

// IndexAttempt is one execution of indexing for a (pair, search settings).
// At most one non-terminal attempt may exist per (pair, settings) at any
// time; repository.AttemptRepo.TryCreate enforces this atomically.
type IndexAttempt struct {
	ID               int64              `json:"id"`
	PairID           int64              `json:"pairId"`
	SearchSettingsID int64              `json:"searchSettingsId"`
	Status           IndexAttemptStatus `json:"status"`
	FromBeginning    bool               `json:"fromBeginning"`
	TaskID           string             `json:"taskId"`
	ErrorMsg         *string            `json:"errorMsg,omitempty"`
	Checkpoint       *string            `json:"checkpoint,omitempty"`

	// Progress counters, updated as batches complete.
	DocsIndexed   int `json:"docsIndexed"`
	DocsRemoved   int `json:"docsRemoved"`
	ChunksIndexed int `json:"chunksIndexed"`

	// PollRangeEnd records the window end handed to Poll/Checkpointed
	// connectors so the next attempt can resume from it.
	PollRangeEnd *time.Time `json:"pollRangeEnd,omitempty"`

	TimeCreated time.Time  `json:"timeCreated"`
	TimeStarted *time.Time `json:"timeStarted,omitempty"`
	TimeUpdated time.Time  `json:"timeUpdated"`
}

// ConnectorFailure records one document-level failure inside an attempt.
// Attempts continue past these unless continue-on-failure is disabled.
type ConnectorFailure struct {
	AttemptID  int64     `json:"attemptId"`
	DocumentID *string   `json:"documentId,omitempty"`
	Link       *string   `json:"link,omitempty"`
	Message    string    `json:"message"`
	Exception  *string   `json:"exception,omitempty"`
	Time       time.Time `json:"time"`
}
