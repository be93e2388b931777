package domain

import "fmt"

// Mode is the closed enumeration of answer/ingestion modes. Free-form mode
// labels are parsed at the boundary; the core only ever sees Mode values.
type Mode int

const (
	// ModeGeneral is plain document QA against a topical document index.
	ModeGeneral Mode = iota
	// ModeObject analyzes a single scenario object, scoped by object ID.
	ModeObject
	// ModeCrossObject analyzes across all objects of a scenario.
	ModeCrossObject
	// ModeTerritory analyzes the scenario territory as a whole.
	ModeTerritory
)

// Schema is an index schema variant.
type Schema string

const (
	// SchemaDocument holds body/body_vector/doc_name records.
	SchemaDocument Schema = "document"
	// SchemaGeneral holds body/body_vector/feature_collection records.
	SchemaGeneral Schema = "general"
	// SchemaAnalyze holds body/body_vector/location/properties/object_id records.
	SchemaAnalyze Schema = "analyze"
)

// Human-readable scenario mode labels as used by the platform front ends.
const (
	LabelObject      = "Анализ объекта"
	LabelCrossObject = "Анализ по объектам проекта"
	LabelTerritory   = "Анализ территории проекта"
)

// ScenarioModeLabels lists every accepted scenario mode label.
func ScenarioModeLabels() []string {
	return []string{LabelObject, LabelTerritory, LabelCrossObject}
}

// ParseScenarioMode maps a mode label to its Mode. Unrecognized labels are
// rejected here, never deeper in the pipeline.
func ParseScenarioMode(label string) (Mode, error) {
	switch label {
	case LabelObject:
		return ModeObject, nil
	case LabelCrossObject:
		return ModeCrossObject, nil
	case LabelTerritory:
		return ModeTerritory, nil
	default:
		return 0, NewValidationError("mode", label, fmt.Errorf("unknown scenario mode"))
	}
}

// Schema returns the index schema variant records of this mode live in.
func (m Mode) Schema() Schema {
	switch m {
	case ModeTerritory:
		return SchemaGeneral
	case ModeObject, ModeCrossObject:
		return SchemaAnalyze
	default:
		return SchemaDocument
	}
}

func (m Mode) String() string {
	switch m {
	case ModeGeneral:
		return "general"
	case ModeObject:
		return "object"
	case ModeCrossObject:
		return "cross_object"
	case ModeTerritory:
		return "territory"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ScenarioIndexName builds the store index name for a scenario and mode,
// e.g. "1830&general" or "1830&analyze".
func ScenarioIndexName(scenarioID int64, m Mode) string {
	return fmt.Sprintf("%d&%s", scenarioID, m.Schema())
}
