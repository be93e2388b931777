package domain

import (
	"errors"
	"strings"
)

var (
	errEmptyQuestion  = errors.New("empty question")
	errBadIndexName   = errors.New("index name must not start with '_' or '.'")
	errMissingObject  = errors.New("object analysis requires an object_id")
	errEmptyRowText   = errors.New("scenario row has no text")
	errMissingGeodata = errors.New("analyze row requires object_id and location")
)

// ValidateIndexKey rejects index keys the store reserves for itself.
func ValidateIndexKey(key string) error {
	if key == "" || strings.HasPrefix(key, "_") || strings.HasPrefix(key, ".") {
		return NewValidationError("index_name", key, errBadIndexName)
	}
	return nil
}

// ValidateQuestion checks the free-text user question.
func ValidateQuestion(q string) error {
	if strings.TrimSpace(q) == "" {
		return NewValidationError("user_request", q, errEmptyQuestion)
	}
	return nil
}

// ValidateScenarioQuery checks a scenario question against its mode:
// single-object analysis must be scoped by an object ID.
func ValidateScenarioQuery(mode Mode, objectID *int64) error {
	if mode == ModeObject && objectID == nil {
		return NewValidationError("object_id", "", errMissingObject)
	}
	return nil
}

// ValidateScenarioRows checks a scenario batch against the schema the mode
// writes to, before any backend call is issued.
func ValidateScenarioRows(mode Mode, rows []ScenarioRow) error {
	for _, row := range rows {
		if strings.TrimSpace(row.Text) == "" {
			return NewValidationError("text", row.Text, errEmptyRowText)
		}
		if mode.Schema() == SchemaAnalyze && (row.ObjectID == 0 || len(row.Location) == 0) {
			return NewValidationError("object_id", row.Text, errMissingGeodata)
		}
	}
	return nil
}
