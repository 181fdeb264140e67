package model

import "time"

type SearchSettingsStatus string

const (
	SettingsPresent SearchSettingsStatus = "Present"
	SettingsFuture  SearchSettingsStatus = "Future"
	SettingsPast    SearchSettingsStatus = "Past"
)

// SearchSettings is a versioned embedding-model + tokenizer configuration.
// Exactly one row is Present at a time; a Future row exists only during a
// model swap, while the new model backfills.
type SearchSettings struct {
	ID             int64                `json:"id"`
	Status         SearchSettingsStatus `json:"status"`
	EmbeddingModel string               `json:"embeddingModel"`
	TokenizerName  string               `json:"tokenizerName"`
	EmbeddingDim   int                  `json:"embeddingDim"`
	MaxChunkTokens int                  `json:"maxChunkTokens"`
	IndexName      string               `json:"indexName"`
	CreatedAt      time.Time            `json:"createdAt"`
}
