package ingest

import (
	"context"
	"fmt"

	"github.com/iduclub/urbanrag/engine/domain"
)

// Questions requested per scenario row. Territory rows describe the whole
// project area and get a wider paraphrase fan-out than per-object rows.
const (
	territoryQuestions = 20
	analyzeQuestions   = 5
)

// IngestScenario writes a batch of already-structured scenario rows into
// the scenario index for the given mode. Unlike document ingestion, record
// IDs are a per-run counter starting at 1: scenario uploads rebuild their
// index rather than append to shared history. Returns the index name and
// the number of records written.
func (s *Service) IngestScenario(ctx context.Context, scenarioID int64, mode domain.Mode, rows []domain.ScenarioRow) (string, int, error) {
	if mode == domain.ModeGeneral {
		return "", 0, domain.NewValidationError("mode", mode.String(), fmt.Errorf("not a scenario mode"))
	}
	if err := domain.ValidateScenarioRows(mode, rows); err != nil {
		return "", 0, err
	}

	indexKey := domain.ScenarioIndexName(scenarioID, mode)
	general := mode.Schema() == domain.SchemaGeneral

	var records []domain.VectorRecord
	var id int64
	for _, row := range rows {
		if err := s.pace(ctx); err != nil {
			return "", 0, err
		}

		var questions []string
		var err error
		if general {
			questions, err = s.describe.DescribeText(ctx, row.Text, territoryQuestions, len(row.FeatureCollection) > 0)
		} else {
			questions, err = s.describe.DescribeText(ctx, row.Text, analyzeQuestions, false)
		}
		if err != nil {
			return "", 0, err
		}

		vectors, err := s.embedAll(ctx, questions)
		if err != nil {
			return "", 0, err
		}

		for _, vec := range vectors {
			id++
			rec := domain.VectorRecord{
				RecordID: id,
				Body:     row.Text,
				Vector:   vec,
			}
			if general {
				rec.FeatureCollection = row.FeatureCollection
			} else {
				objectID := row.ObjectID
				rec.ObjectID = &objectID
				rec.Location = row.Location
				rec.Properties = row.Properties
			}
			records = append(records, rec)
		}
	}

	if err := s.store.BulkWrite(ctx, indexKey, records); err != nil {
		return "", 0, err
	}
	s.logger.Info("scenario ingestion finished",
		"index", indexKey,
		"mode", mode.String(),
		"rows", len(rows),
		"records", len(records),
	)
	return indexKey, len(records), nil
}
