// Package ingest drives the ingestion pipeline: segment a document into
// blocks, synthesize question paraphrases per block, embed each question,
// and bulk-write one vector record per question into the store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iduclub/urbanrag/engine/docparse"
	"github.com/iduclub/urbanrag/engine/domain"
	"github.com/iduclub/urbanrag/pkg/fn"
	"golang.org/x/time/rate"
)

// embedWorkers bounds concurrent embedding calls per block.
const embedWorkers = 4

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Describer synthesizes question paraphrases via the generation backend.
type Describer interface {
	DescribeText(ctx context.Context, text string, n int, extraGeneral bool) ([]string, error)
	DescribeTable(ctx context.Context, table, surrounding string, n int) ([]string, error)
}

// Store is the slice of the vector-store gateway ingestion needs.
type Store interface {
	EnsureDocument(ctx context.Context, key string) error
	HighestRecordID(ctx context.Context, key string) (int64, error)
	BulkWrite(ctx context.Context, key string, records []domain.VectorRecord) error
}

// Options tunes how many questions a block yields and how much surrounding
// text a table sees.
type Options struct {
	// TextQuestions is the number of paraphrases requested per text block.
	TextQuestions int
	// TableQuestions is the number of questions requested per table block.
	TableQuestions int
	// TableContext is the number of neighboring text blocks included on
	// each side of a table as its surrounding context.
	TableContext int
}

// DefaultOptions mirrors the upload endpoint defaults.
func DefaultOptions() Options {
	return Options{TextQuestions: 5, TableQuestions: 10, TableContext: 5}
}

// Service is the ingestion orchestrator.
type Service struct {
	store    Store
	embed    Embedder
	describe Describer
	// limiter paces question-synthesis calls so a long upload cannot
	// saturate the generation backend.
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates the ingestion service. limiter may be nil for unpaced calls.
func New(store Store, embed Embedder, describe Describer, limiter *rate.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, embed: embed, describe: describe, limiter: limiter, logger: logger}
}

func (s *Service) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// embedAll embeds texts with bounded concurrency, preserving order.
func (s *Service) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	results := fn.ParMapResult(texts, embedWorkers, func(text string) fn.Result[[]float32] {
		vec, err := s.embed.Embed(ctx, text)
		if err != nil {
			return fn.Err[[]float32](err)
		}
		return fn.Ok(vec)
	})
	vectors, err := fn.Collect(results).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("ingest: %w: %v", domain.ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// IngestDocument segments a .docx payload and writes one record per
// synthesized question into indexKey. Record IDs continue monotonically
// from the highest ID already stored, so re-running after a failure
// appends instead of colliding; the write itself is a single batch.
// Returns the number of records written.
func (s *Service) IngestDocument(ctx context.Context, payload []byte, docName, indexKey string, opts Options) (int, error) {
	if err := domain.ValidateIndexKey(indexKey); err != nil {
		return 0, err
	}
	if err := s.store.EnsureDocument(ctx, indexKey); err != nil {
		return 0, err
	}

	lastID, err := s.store.HighestRecordID(ctx, indexKey)
	if err != nil {
		return 0, err
	}

	blocks, err := docparse.Segment(payload)
	if err != nil {
		return 0, err
	}
	s.logger.Info("document ingestion started",
		"index", indexKey,
		"doc", docName,
		"blocks", len(blocks),
		"from_id", lastID+1,
	)

	var records []domain.VectorRecord
	id := lastID
	for i, block := range blocks {
		var blockRecords []domain.VectorRecord
		switch block.Kind {
		case domain.BlockText:
			blockRecords, err = s.textRecords(ctx, block.Content, docName, &id, opts)
		case domain.BlockTable:
			blockRecords, err = s.tableRecords(ctx, blocks, i, docName, &id, opts)
		}
		if err != nil {
			return 0, err
		}
		records = append(records, blockRecords...)
	}

	if err := s.store.BulkWrite(ctx, indexKey, records); err != nil {
		return 0, err
	}
	s.logger.Info("document ingestion finished", "index", indexKey, "doc", docName, "records", len(records))
	return len(records), nil
}

// textRecords turns one prose block into records: one per paraphrase the
// backend returned, plus exactly one fallback record embedding the original
// text when the backend under-delivered, so every block contributes at
// least one record.
func (s *Service) textRecords(ctx context.Context, text, docName string, id *int64, opts Options) ([]domain.VectorRecord, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	questions, err := s.describe.DescribeText(ctx, text, opts.TextQuestions, false)
	if err != nil {
		return nil, err
	}

	embedded := questions
	if len(questions) < opts.TextQuestions {
		embedded = append(append([]string{}, questions...), text)
	}

	vectors, err := s.embedAll(ctx, embedded)
	if err != nil {
		return nil, err
	}

	records := make([]domain.VectorRecord, len(vectors))
	for i, vec := range vectors {
		*id++
		records[i] = domain.VectorRecord{
			RecordID: *id,
			Body:     text,
			Vector:   vec,
			DocName:  docName,
		}
	}
	return records, nil
}

// tableRecords turns one table block into records, one per question. The
// table's body and question prompt both carry up to TableContext text
// blocks from each side, in source order.
func (s *Service) tableRecords(ctx context.Context, blocks []domain.Block, idx int, docName string, id *int64, opts Options) ([]domain.VectorRecord, error) {
	table := blocks[idx].Content
	before := neighborText(blocks, idx-opts.TableContext, idx)
	after := neighborText(blocks, idx+1, idx+1+opts.TableContext)

	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	surrounding := joinParts(before, after)
	questions, err := s.describe.DescribeTable(ctx, table, surrounding, opts.TableQuestions)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedAll(ctx, questions)
	if err != nil {
		return nil, err
	}

	body := joinParts(before, table, after)
	records := make([]domain.VectorRecord, len(vectors))
	for i, vec := range vectors {
		*id++
		records[i] = domain.VectorRecord{
			RecordID: *id,
			Body:     body,
			Vector:   vec,
			DocName:  docName,
		}
	}
	return records, nil
}

// neighborText joins the text blocks within blocks[from:to), clamped.
func neighborText(blocks []domain.Block, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(blocks) {
		to = len(blocks)
	}
	if from >= to {
		return ""
	}
	texts := fn.FilterMap(blocks[from:to], func(b domain.Block) (string, bool) {
		return b.Content, b.Kind == domain.BlockText
	})
	return strings.Join(texts, "\n")
}

func joinParts(parts ...string) string {
	return strings.Join(fn.Filter(parts, func(p string) bool { return p != "" }), "\n")
}
