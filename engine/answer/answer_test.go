package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iduclub/urbanrag/engine/domain"
	"github.com/iduclub/urbanrag/engine/index"
	"github.com/iduclub/urbanrag/pkg/ollama"
)

type fakeEmbedder struct{ fail bool }

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("backend down")
	}
	return []float32{0.1, 0.2}, nil
}

type fakeSearcher struct {
	hits       []index.Hit
	lastKey    string
	lastObject *int64
}

func (s *fakeSearcher) Search(_ context.Context, _ []float32, key string) ([]index.Hit, error) {
	s.lastKey = key
	return s.hits, nil
}

func (s *fakeSearcher) SearchScenario(_ context.Context, _ []float32, key string, objectID *int64) ([]index.Hit, error) {
	s.lastKey = key
	s.lastObject = objectID
	return s.hits, nil
}

// fakeGenerator records what prompt it was asked to build and answers
// blocking calls with a fixed text.
type fakeGenerator struct {
	lastMode    domain.Mode
	lastContext string
	lastReq     ollama.Request
}

func (g *fakeGenerator) BuildPrompt(mode domain.Mode, question, context string, stream bool) ollama.Request {
	g.lastMode = mode
	g.lastContext = context
	return ollama.Request{Prompt: question, System: context, Stream: stream}
}

func (g *fakeGenerator) Generate(_ context.Context, req ollama.Request) (string, error) {
	g.lastReq = req
	return "ответ", nil
}

func (g *fakeGenerator) GenerateStream(context.Context, ollama.Request) (*ollama.Stream, error) {
	return nil, errors.New("not a streaming fake")
}

func newTestService(search Searcher, gen Generator) *Service {
	reg := index.NewRegistry(map[string]string{"general": "Общие документы"})
	return New(&fakeEmbedder{}, search, gen, reg, DefaultOptions(), nil)
}

func TestAnswerJoinsTrimmedBodies(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{
		{Body: "первый фрагмент  \n"},
		{Body: "второй фрагмент"},
	}}
	gen := &fakeGenerator{}
	svc := newTestService(search, gen)

	res, err := svc.Answer(context.Background(), Query{Question: "Что здесь?", Index: "Общие документы"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ответ" {
		t.Fatalf("text = %q", res.Text)
	}
	if search.lastKey != "general" {
		t.Fatalf("label was not resolved, key = %q", search.lastKey)
	}
	if gen.lastContext != "первый фрагмент;второй фрагмент" {
		t.Fatalf("context = %q, want right-trimmed bodies joined with ';'", gen.lastContext)
	}
	if gen.lastMode != domain.ModeGeneral {
		t.Fatalf("mode = %v", gen.lastMode)
	}
}

func TestAnswerAcceptsRawKey(t *testing.T) {
	search := &fakeSearcher{}
	svc := newTestService(search, &fakeGenerator{})
	if _, err := svc.Answer(context.Background(), Query{Question: "в", Index: "general"}); err != nil {
		t.Fatal(err)
	}
	if search.lastKey != "general" {
		t.Fatalf("key = %q", search.lastKey)
	}
}

func TestAnswerUnknownIndex(t *testing.T) {
	svc := newTestService(&fakeSearcher{}, &fakeGenerator{})
	_, err := svc.Answer(context.Background(), Query{Question: "в", Index: "нет такого"})
	if !errors.Is(err, domain.ErrUnknownIndex) {
		t.Fatalf("got %v, want ErrUnknownIndex", err)
	}
}

func TestAnswerEmptyRetrievalStillGenerates(t *testing.T) {
	gen := &fakeGenerator{}
	svc := newTestService(&fakeSearcher{hits: nil}, gen)
	res, err := svc.Answer(context.Background(), Query{Question: "в", Index: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ответ" {
		t.Fatal("generation must run even with no retrieved context")
	}
}

func TestAnswerBlankQuestion(t *testing.T) {
	svc := newTestService(&fakeSearcher{}, &fakeGenerator{})
	_, err := svc.Answer(context.Background(), Query{Question: "  ", Index: "general"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestAnswerEmbedFailure(t *testing.T) {
	reg := index.NewRegistry(map[string]string{"general": "Общие документы"})
	svc := New(&fakeEmbedder{fail: true}, &fakeSearcher{}, &fakeGenerator{}, reg, DefaultOptions(), nil)
	_, err := svc.Answer(context.Background(), Query{Question: "в", Index: "general"})
	if !errors.Is(err, domain.ErrEmbeddingFailed) {
		t.Fatalf("got %v, want ErrEmbeddingFailed", err)
	}
}

func TestAnswerScenarioGeneralCollections(t *testing.T) {
	fc := json.RawMessage(`{"type":"FeatureCollection","features":[]}`)
	search := &fakeSearcher{hits: []index.Hit{
		{Body: "a", FeatureCollection: fc},
		{Body: "b"},
	}}
	gen := &fakeGenerator{}
	svc := newTestService(search, gen)

	res, err := svc.Answer(context.Background(), Query{
		Question: "в",
		Scenario: &ScenarioQuery{ScenarioID: 1830, Mode: domain.ModeTerritory},
	})
	if err != nil {
		t.Fatal(err)
	}
	if search.lastKey != "1830&general" {
		t.Fatalf("key = %q", search.lastKey)
	}
	if len(res.FeatureCollections) != 1 {
		t.Fatalf("got %d feature collections, want the stored one only", len(res.FeatureCollections))
	}
}

func TestAnswerScenarioAnalyzeSynthesizesCollection(t *testing.T) {
	loc := json.RawMessage(`{"type":"Point","coordinates":[30.3,59.9]}`)
	search := &fakeSearcher{hits: []index.Hit{
		{Body: "a", Location: loc, Properties: json.RawMessage(`{"name":"Школа"}`)},
		{Body: "b"},
	}}
	svc := newTestService(search, &fakeGenerator{})

	res, err := svc.Answer(context.Background(), Query{
		Question: "в",
		Scenario: &ScenarioQuery{ScenarioID: 5, Mode: domain.ModeCrossObject},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FeatureCollections) != 1 {
		t.Fatalf("got %d collections, want 1 synthesized", len(res.FeatureCollections))
	}
	var fc domain.FeatureCollection
	if err := json.Unmarshal(res.FeatureCollections[0], &fc); err != nil {
		t.Fatal(err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 1 {
		t.Fatalf("collection = %+v", fc)
	}
}

func TestAnswerScenarioObjectFilter(t *testing.T) {
	loc := json.RawMessage(`{"type":"Point","coordinates":[0,0]}`)
	search := &fakeSearcher{hits: []index.Hit{{Body: "a", Location: loc}}}
	svc := newTestService(search, &fakeGenerator{})

	objectID := int64(7)
	res, err := svc.Answer(context.Background(), Query{
		Question: "в",
		Scenario: &ScenarioQuery{ScenarioID: 5, Mode: domain.ModeObject, ObjectID: &objectID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if search.lastObject == nil || *search.lastObject != 7 {
		t.Fatalf("object filter not forwarded: %v", search.lastObject)
	}
	// The caller already knows the object, so no geometry comes back.
	if len(res.FeatureCollections) != 0 {
		t.Fatalf("got %d collections, want none", len(res.FeatureCollections))
	}

	// Object mode without a filter is invalid.
	_, err = svc.Answer(context.Background(), Query{
		Question: "в",
		Scenario: &ScenarioQuery{ScenarioID: 5, Mode: domain.ModeObject},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

// streamBackend serves an /api/generate NDJSON stream for the given chunks.
func streamBackend(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func TestAnswerStreamDeliversChunksAndCounter(t *testing.T) {
	backend := streamBackend(t, []string{
		`{"response":"Градо"}`,
		`{"response":"строительство"}`,
		`{"done":true}`,
	})
	defer backend.Close()

	reg := index.NewRegistry(map[string]string{"general": "Общие документы"})
	svc := New(&fakeEmbedder{}, &fakeSearcher{}, ollama.New(backend.URL, "m"), reg, DefaultOptions(), nil)

	st, err := svc.AnswerStream(context.Background(), Query{Question: "в", Index: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.ActiveStreams(); got != 1 {
		t.Fatalf("active streams = %d, want 1", got)
	}

	var text strings.Builder
	sawDone := false
	for chunk := range st.Chunks() {
		if chunk.Done {
			sawDone = true
			continue
		}
		text.WriteString(chunk.Text)
	}
	st.Close()

	if !sawDone {
		t.Fatal("stream must deliver the terminal done chunk")
	}
	if st.Err() != nil {
		t.Fatalf("stream error: %v", st.Err())
	}
	if text.String() != "Градостроительство" {
		t.Fatalf("text = %q", text.String())
	}
	if got := svc.ActiveStreams(); got != 0 {
		t.Fatalf("active streams after close = %d, want 0", got)
	}
}

func TestAnswerStreamTruncatedBackend(t *testing.T) {
	backend := streamBackend(t, []string{`{"response":"нач"}`})
	defer backend.Close()

	reg := index.NewRegistry(map[string]string{"general": "Общие документы"})
	svc := New(&fakeEmbedder{}, &fakeSearcher{}, ollama.New(backend.URL, "m"), reg, DefaultOptions(), nil)

	st, err := svc.AnswerStream(context.Background(), Query{Question: "в", Index: "general"})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	for range st.Chunks() {
	}
	if !errors.Is(st.Err(), domain.ErrUpstreamUnavailable) {
		t.Fatalf("got %v, want ErrUpstreamUnavailable for a stream without done", st.Err())
	}
}
