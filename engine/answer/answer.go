// Package answer orchestrates the question-answering pipeline. It accepts a
// user question, embeds it, retrieves relevant records from the vector
// store, builds a mode-specific prompt, and calls the generation backend
// for the final answer, blocking or streamed.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iduclub/urbanrag/engine/domain"
	"github.com/iduclub/urbanrag/engine/index"
	"github.com/iduclub/urbanrag/pkg/fn"
	"github.com/iduclub/urbanrag/pkg/ollama"
)

// Embedder turns a question into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher abstracts the k-NN retrieval side of the vector store.
type Searcher interface {
	Search(ctx context.Context, vector []float32, key string) ([]index.Hit, error)
	SearchScenario(ctx context.Context, vector []float32, key string, objectID *int64) ([]index.Hit, error)
}

// Generator abstracts the text-generation backend.
type Generator interface {
	BuildPrompt(mode domain.Mode, question, context string, stream bool) ollama.Request
	Generate(ctx context.Context, req ollama.Request) (string, error)
	GenerateStream(ctx context.Context, req ollama.Request) (*ollama.Stream, error)
}

// Options configures the answering pipeline.
type Options struct {
	SearchTimeout time.Duration
}

// DefaultOptions returns the default pipeline configuration.
func DefaultOptions() Options {
	return Options{SearchTimeout: 15 * time.Second}
}

// Service is the question-answering orchestrator.
type Service struct {
	embed  Embedder
	search Searcher
	llm    Generator
	reg    *index.Registry
	opts   Options
	logger *slog.Logger

	active atomic.Int64
}

// New creates an answering service.
func New(embed Embedder, search Searcher, llm Generator, reg *index.Registry, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embed:  embed,
		search: search,
		llm:    llm,
		reg:    reg,
		opts:   opts,
		logger: logger,
	}
}

// Query is one answering request. Either a document query against a named
// index, or a scenario query when Scenario is set.
type Query struct {
	Question string
	// Index is the human-readable label (or the raw key) of a document
	// index. Ignored for scenario queries.
	Index    string
	Scenario *ScenarioQuery
}

// ScenarioQuery narrows a query to one project scenario and mode.
type ScenarioQuery struct {
	ScenarioID int64
	Mode       domain.Mode
	// ObjectID filters object-mode retrieval to a single object.
	ObjectID *int64
}

// Result is the response of a blocking answer call.
type Result struct {
	Text               string            `json:"text"`
	FeatureCollections []json.RawMessage `json:"feature_collections,omitempty"`
}

// ActiveStreams reports how many answer streams are currently open. The
// count feeds the edit governor's pacing.
func (s *Service) ActiveStreams() int64 { return s.active.Load() }

// Answer runs the blocking pipeline and returns the full answer text.
func (s *Service) Answer(ctx context.Context, q Query) (*Result, error) {
	req, fcs, err := s.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	text, err := s.llm.Generate(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, FeatureCollections: fcs}, nil
}

// AnswerStream runs the pipeline up to generation and returns a live
// answer stream. The caller must drain or Close the stream; the active
// counter drops when the stream ends either way.
func (s *Service) AnswerStream(ctx context.Context, q Query) (*Stream, error) {
	req, fcs, err := s.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	inner, err := s.llm.GenerateStream(ctx, *req)
	if err != nil {
		return nil, err
	}
	s.active.Add(1)
	st := &Stream{
		FeatureCollections: fcs,
		inner:              inner,
	}
	st.release = func() { s.active.Add(-1) }
	return st, nil
}

// prepare runs embed, index resolution, retrieval, and prompt building.
func (s *Service) prepare(ctx context.Context, q Query) (*ollama.Request, []json.RawMessage, error) {
	if err := domain.ValidateQuestion(q.Question); err != nil {
		return nil, nil, err
	}
	mode := domain.ModeGeneral
	if q.Scenario != nil {
		mode = q.Scenario.Mode
		if err := domain.ValidateScenarioQuery(mode, q.Scenario.ObjectID); err != nil {
			return nil, nil, err
		}
	}

	vector, err := s.embed.Embed(ctx, q.Question)
	if err != nil {
		return nil, nil, fmt.Errorf("answer: %w: %v", domain.ErrEmbeddingFailed, err)
	}

	hits, err := s.retrieve(ctx, q, vector)
	if err != nil {
		return nil, nil, err
	}

	// Empty retrieval is not a failure: the model still answers, just
	// without grounding context.
	contextText := strings.Join(fn.Map(hits, func(h index.Hit) string {
		return strings.TrimRightFunc(h.Body, isSpace)
	}), ";")

	s.logger.Info("answer: retrieved",
		"mode", mode.String(),
		"hits", len(hits),
		"context_len", len(contextText))

	req := s.llm.BuildPrompt(mode, q.Question, contextText, false)
	return &req, featureCollections(q, hits), nil
}

func (s *Service) retrieve(ctx context.Context, q Query, vector []float32) ([]index.Hit, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	if q.Scenario != nil {
		key := domain.ScenarioIndexName(q.Scenario.ScenarioID, q.Scenario.Mode)
		return s.search.SearchScenario(sctx, vector, key, q.Scenario.ObjectID)
	}
	key, err := s.resolveKey(q.Index)
	if err != nil {
		return nil, err
	}
	return s.search.Search(sctx, vector, key)
}

// resolveKey maps a human-readable label to a store key. A raw key that is
// already registered passes through unchanged.
func (s *Service) resolveKey(label string) (string, error) {
	if key, ok := s.reg.Key(label); ok {
		return key, nil
	}
	if _, ok := s.reg.Label(label); ok {
		return label, nil
	}
	return "", fmt.Errorf("answer: index %q: %w", label, domain.ErrUnknownIndex)
}

// featureCollections derives the geometry payload returned alongside the
// answer. General scenario hits carry their own stored collections. Analyze
// hits without an object filter are wrapped into a single synthesized
// collection; with a filter the caller already knows the object, so none
// are returned.
func featureCollections(q Query, hits []index.Hit) []json.RawMessage {
	if q.Scenario == nil {
		return nil
	}
	switch q.Scenario.Mode.Schema() {
	case domain.SchemaGeneral:
		return fn.FilterMap(hits, func(h index.Hit) (json.RawMessage, bool) {
			return h.FeatureCollection, len(h.FeatureCollection) > 0
		})
	case domain.SchemaAnalyze:
		if q.Scenario.ObjectID != nil {
			return nil
		}
		features := fn.FilterMap(hits, func(h index.Hit) (domain.Feature, bool) {
			if len(h.Location) == 0 {
				return domain.Feature{}, false
			}
			return domain.Feature{
				Type:       "Feature",
				Geometry:   h.Location,
				Properties: h.Properties,
			}, true
		})
		if len(features) == 0 {
			return nil
		}
		raw, err := json.Marshal(domain.NewFeatureCollection(features...))
		if err != nil {
			return nil
		}
		return []json.RawMessage{raw}
	}
	return nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
