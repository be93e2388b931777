// Package domain defines the core types, the closed scenario-mode
// enumeration, and the error kinds shared across the gateway pipeline.
// It acts as the validation gate at the pipeline entry points.
package domain

import "encoding/json"

// VectorRecord is one retrievable unit in a vector index. The struct
// marshals directly into the store's document body; optional fields are
// omitted so the same type serves all three index schemas.
type VectorRecord struct {
	// RecordID is unique and strictly increasing within an index. It is
	// also used as the store's primary key.
	RecordID int64     `json:"num_id"`
	Body     string    `json:"body"`
	Vector   []float32 `json:"body_vector"`
	DocName  string    `json:"doc_name,omitempty"`

	// Scenario general schema.
	FeatureCollection json.RawMessage `json:"feature_collection,omitempty"`

	// Scenario analyze schema.
	Location   json.RawMessage `json:"location,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	ObjectID   *int64          `json:"object_id,omitempty"`
}

// BlockKind classifies a segmented document block.
type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockTable BlockKind = "table"
)

// Block is a transient unit produced while segmenting a source document:
// a paragraph string or a serialized row-oriented table. Block order must
// match the source document's top-to-bottom order.
type Block struct {
	Content string
	Kind    BlockKind
}

// ScenarioRow is one already-structured record of a scenario batch upload.
// Territory rows carry FeatureCollection; object/cross-object rows carry
// ObjectID, Location and Properties.
type ScenarioRow struct {
	Text              string          `json:"text"`
	FeatureCollection json.RawMessage `json:"feature_collection,omitempty"`
	ObjectID          int64           `json:"object_id,omitempty"`
	Location          json.RawMessage `json:"location,omitempty"`
	Properties        json.RawMessage `json:"properties,omitempty"`
}

// Feature is a single GeoJSON feature assembled from an analyze-schema hit.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// FeatureCollection is the GeoJSON object returned alongside scenario
// answers so the caller can highlight the referenced objects.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection wraps features into a well-formed FeatureCollection.
func NewFeatureCollection(features ...Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}
