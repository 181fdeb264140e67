package model

import (
	"encoding/json"
	"time"
)

type PairStatus string

const (
	PairActive   PairStatus = "Active"
	PairPaused   PairStatus = "Paused"
	PairDeleting PairStatus = "Deleting"
)

// IndexingTrigger is a manual override requesting an immediate run.
type IndexingTrigger string

const (
	TriggerUpdate  IndexingTrigger = "update"
	TriggerReindex IndexingTrigger = "reindex"
)

// ConnectorCredentialPair binds a connector configuration to a credential.
// It is the unit of ingestion: indexing and permission sync both operate
// per pair.
type ConnectorCredentialPair struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	Source            DocumentSource   `json:"source"`
	ConnectorConfig   json.RawMessage  `json:"connectorConfig"`
	CredentialID      int64            `json:"credentialId"`
	Status            PairStatus       `json:"status"`
	RefreshFreq       *int64           `json:"refreshFreq,omitempty"` // seconds; nil = never re-poll
	IndexingTrigger   *IndexingTrigger `json:"indexingTrigger,omitempty"`
	LastTimePermSync  *time.Time       `json:"lastTimePermSync,omitempty"`
	LastTimeGroupSync *time.Time       `json:"lastTimeGroupSync,omitempty"`
	IsUserFile        bool             `json:"isUserFile"`

	// ConsecutiveFailures drives the repeated-error admin state.
	ConsecutiveFailures  int  `json:"consecutiveFailures"`
	InRepeatedErrorState bool `json:"inRepeatedErrorState"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Credential stores an opaque secret blob plus optional OAuth refresh state.
type Credential struct {
	ID             int64           `json:"id"`
	Source         DocumentSource  `json:"source"`
	Secret         json.RawMessage `json:"-"`
	AccessToken    *string         `json:"-"`
	RefreshToken   *string         `json:"-"`
	TokenExpiry    *time.Time      `json:"-"`
	NeedsAttention bool            `json:"needsAttention"`
	CreatedAt      time.Time       `json:"createdAt"`
}
