package model

import "time"

type SectionKind string

const (
	SectionText  SectionKind = "text"
	SectionImage SectionKind = "image"
)

// Section is one ordered piece of a document: either text or a reference
// to an image stored out of band.
type Section struct {
	Kind     SectionKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Link     string      `json:"link,omitempty"`
	ImageURL string      `json:"imageUrl,omitempty"`
}

// Document is the connector-level unit of content. The ID is stable per
// source (source-prefixed, human-stable — see the id helpers in each
// connector package).
type Document struct {
	ID                 string            `json:"id"`
	Source             DocumentSource    `json:"source"`
	SemanticIdentifier string            `json:"semanticIdentifier"`
	Sections           []Section         `json:"sections"`
	DocUpdatedAt       *time.Time        `json:"docUpdatedAt,omitempty"`
	Owners             []string          `json:"owners,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// ExternalAccess, when present, is the ACL snapshot captured at fetch
	// time. Permission sync overwrites it on its own cadence.
	ExternalAccess *ExternalAccess `json:"externalAccess,omitempty"`
}

// SlimDocument carries identity plus permission metadata only, for ACL sync.
type SlimDocument struct {
	ID           string            `json:"id"`
	PermSyncData map[string]string `json:"permSyncData,omitempty"`
}

// Chunk is a token-bounded slice of a document with its embedding.
type Chunk struct {
	DocumentID     string    `json:"documentId"`
	Ordinal        int       `json:"ordinal"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"tokenCount"`
	Embedding      []float32 `json:"-"`
	TitlePrefix    string    `json:"titlePrefix,omitempty"`
	MetadataSuffix string    `json:"metadataSuffix,omitempty"`

	// LargeChunkRefs points at the ordinals of the normal chunks this
	// large chunk aggregates; empty for normal chunks.
	LargeChunkRefs []int `json:"largeChunkRefs,omitempty"`
}

// MetadataAwareChunk is a chunk decorated with everything the index needs
// to enforce access and boosts at retrieval time.
type MetadataAwareChunk struct {
	Chunk
	Access       ExternalAccess    `json:"access"`
	DocumentSets []string          `json:"documentSets,omitempty"`
	Boost        int               `json:"boost"`
	Source       DocumentSource    `json:"source"`
	SemanticID   string            `json:"semanticId"`
	DocUpdatedAt *time.Time        `json:"docUpdatedAt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
