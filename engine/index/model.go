package index

import "encoding/json"

// Hit is a single k-NN search result. Document searches only populate Body
// and Score; scenario searches return the full source.
type Hit struct {
	RecordID int64   `json:"record_id"`
	Score    float64 `json:"score"`
	Body     string  `json:"body"`

	FeatureCollection json.RawMessage `json:"feature_collection,omitempty"`
	Location          json.RawMessage `json:"location,omitempty"`
	Properties        json.RawMessage `json:"properties,omitempty"`
	ObjectID          *int64          `json:"object_id,omitempty"`
}

// searchResponse is the subset of the store's search reply the gateway reads.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				RecordID          int64           `json:"num_id"`
				Body              string          `json:"body"`
				FeatureCollection json.RawMessage `json:"feature_collection"`
				Location          json.RawMessage `json:"location"`
				Properties        json.RawMessage `json:"properties"`
				ObjectID          *int64          `json:"object_id"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *searchResponse) toHits() []Hit {
	hits := make([]Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hits = append(hits, Hit{
			RecordID:          h.Source.RecordID,
			Score:             h.Score,
			Body:              h.Source.Body,
			FeatureCollection: h.Source.FeatureCollection,
			Location:          h.Source.Location,
			Properties:        h.Source.Properties,
			ObjectID:          h.Source.ObjectID,
		})
	}
	return hits
}

// bulkResponse is the subset of the store's bulk reply the gateway reads.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}
