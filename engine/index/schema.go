package index

import (
	"encoding/json"
	"fmt"

	"github.com/iduclub/urbanrag/engine/domain"
)

// mappingFor builds the index creation body for a schema variant. The
// vector field is fixed to cosine similarity at the configured
// dimensionality; the record ID doubles as the store's primary key.
func mappingFor(schema domain.Schema, dims int) ([]byte, error) {
	props := map[string]any{
		"body_vector": map[string]any{
			"type":       "dense_vector",
			"dims":       dims,
			"index":      true,
			"similarity": "cosine",
		},
		"body":   map[string]any{"type": "text"},
		"num_id": map[string]any{"type": "long"},
	}

	switch schema {
	case domain.SchemaDocument:
		props["doc_name"] = map[string]any{
			"type": "text",
			"fields": map[string]any{
				"keywords": map[string]any{"type": "keyword"},
			},
		}
	case domain.SchemaGeneral:
		props["feature_collection"] = map[string]any{"type": "object", "enabled": true}
	case domain.SchemaAnalyze:
		props["location"] = map[string]any{"type": "geo_shape"}
		props["properties"] = map[string]any{"type": "object", "enabled": true}
		props["object_id"] = map[string]any{"type": "long"}
	default:
		return nil, fmt.Errorf("index: unknown schema %q", schema)
	}

	return json.Marshal(map[string]any{
		"mappings": map[string]any{"properties": props},
	})
}
