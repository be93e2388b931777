package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iduclub/urbanrag/engine/domain"
)

// fakeES is a minimal in-memory stand-in for the vector store's HTTP API,
// covering the subset of routes the gateway calls.
type fakeES struct {
	indexes map[string]bool
	// searchBody captures the last search request body per index.
	searchBody map[string]string
	// searchReply is the canned _search response per index.
	searchReply map[string]string
	// bulkReply is the canned _bulk response; bulkBody captures the request.
	bulkReply string
	bulkBody  string
}

func newFakeES() *fakeES {
	return &fakeES{
		indexes:     make(map[string]bool),
		searchBody:  make(map[string]string),
		searchReply: make(map[string]string),
		bulkReply:   `{"errors":false,"items":[]}`,
	}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	name := parts[0]
	op := ""
	if len(parts) == 2 {
		op = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && path == "_alias":
		out := make(map[string]any, len(f.indexes))
		for n := range f.indexes {
			out[n] = map[string]any{"aliases": map[string]any{}}
		}
		json.NewEncoder(w).Encode(out)

	case r.Method == http.MethodHead:
		if !f.indexes[name] {
			w.WriteHeader(http.StatusNotFound)
		}

	case r.Method == http.MethodPut && op == "":
		f.indexes[name] = true
		fmt.Fprint(w, `{"acknowledged":true}`)

	case r.Method == http.MethodDelete && op == "":
		if !f.indexes[name] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"index_not_found_exception"}`)
			return
		}
		delete(f.indexes, name)
		fmt.Fprint(w, `{"acknowledged":true}`)

	case op == "_search":
		body, _ := io.ReadAll(r.Body)
		f.searchBody[name] = string(body)
		if !f.indexes[name] {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"index_not_found_exception"}`)
			return
		}
		reply := f.searchReply[name]
		if reply == "" {
			reply = `{"hits":{"total":{"value":0},"hits":[]}}`
		}
		fmt.Fprint(w, reply)

	case op == "_bulk":
		body, _ := io.ReadAll(r.Body)
		f.bulkBody = string(body)
		fmt.Fprint(w, f.bulkReply)

	case op == "_delete_by_query":
		fmt.Fprint(w, `{"deleted":3}`)

	case op == "_count":
		fmt.Fprint(w, `{"count":2}`)

	default:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":"unexpected call %s %s"}`, r.Method, r.URL.Path)
	}
}

func newTestStore(t *testing.T, es *fakeES) *Store {
	t.Helper()
	srv := httptest.NewServer(es)
	t.Cleanup(srv.Close)

	reg := NewRegistry(map[string]string{"general": "Общие документы"})
	store, err := New(DefaultConfig(srv.URL), reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestCreateAndAlreadyExists(t *testing.T) {
	es := newFakeES()
	store := newTestStore(t, es)
	ctx := context.Background()

	if err := store.Create(ctx, "Проектирование", "design"); err != nil {
		t.Fatal(err)
	}
	if !es.indexes["design"] {
		t.Fatal("index not created in store")
	}
	if label, _ := store.Registry().Label("design"); label != "Проектирование" {
		t.Fatalf("label = %q", label)
	}

	err := store.Create(ctx, "Проектирование", "design")
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsReservedKey(t *testing.T) {
	store := newTestStore(t, newFakeES())
	if err := store.Create(context.Background(), "x", "_internal"); !errors.Is(err, domain.ErrValidation) {
		t.Fatal("reserved key must be rejected")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	es := newFakeES()
	es.indexes["design"] = true
	store := newTestStore(t, es)
	ctx := context.Background()

	if err := store.Delete(ctx, "design"); err != nil {
		t.Fatal(err)
	}
	// Second delete hits an absent index and still succeeds.
	if err := store.Delete(ctx, "design"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestEnsureDocumentCreatesOnce(t *testing.T) {
	es := newFakeES()
	store := newTestStore(t, es)
	ctx := context.Background()

	if err := store.EnsureDocument(ctx, "general"); err != nil {
		t.Fatal(err)
	}
	if !es.indexes["general"] {
		t.Fatal("index not created")
	}
	if err := store.EnsureDocument(ctx, "general"); err != nil {
		t.Fatalf("ensure on existing index: %v", err)
	}
}

func TestSearchSendsMinScoreAndParsesHits(t *testing.T) {
	es := newFakeES()
	es.indexes["general"] = true
	es.searchReply["general"] = `{"hits":{"total":{"value":2},"hits":[
		{"_id":"1","_score":0.91,"_source":{"num_id":1,"body":"первый"}},
		{"_id":"2","_score":0.84,"_source":{"num_id":2,"body":"второй"}}
	]}}`
	store := newTestStore(t, es)

	hits, err := store.Search(context.Background(), []float32{0.1}, "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].Body != "первый" || hits[1].RecordID != 2 {
		t.Fatalf("hits = %+v", hits)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(es.searchBody["general"]), &body); err != nil {
		t.Fatal(err)
	}
	if body["min_score"] != 0.7 {
		t.Fatalf("min_score = %v", body["min_score"])
	}
	knn := body["knn"].(map[string]any)
	if knn["field"] != "body_vector" {
		t.Fatalf("knn field = %v", knn["field"])
	}
}

func TestSearchScenarioDeduplicatesAndFilters(t *testing.T) {
	es := newFakeES()
	es.indexes["5&analyze"] = true
	es.searchReply["5&analyze"] = `{"hits":{"total":{"value":3},"hits":[
		{"_id":"1","_score":0.9,"_source":{"num_id":1,"body":"дом","object_id":7}},
		{"_id":"2","_score":0.8,"_source":{"num_id":1,"body":"дом","object_id":7}},
		{"_id":"3","_score":0.7,"_source":{"num_id":2,"body":"школа","object_id":8}}
	]}}`
	store := newTestStore(t, es)

	objectID := int64(7)
	hits, err := store.SearchScenario(context.Background(), []float32{0.1}, "5&analyze", &objectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits after dedup, want 2", len(hits))
	}

	if !strings.Contains(es.searchBody["5&analyze"], `"object_id":7`) {
		t.Fatalf("object filter missing from query: %s", es.searchBody["5&analyze"])
	}

	// Without a filter no query clause is sent.
	if _, err := store.SearchScenario(context.Background(), []float32{0.1}, "5&analyze", nil); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(es.searchBody["5&analyze"], `"term"`) {
		t.Fatalf("unfiltered query must not carry a term clause: %s", es.searchBody["5&analyze"])
	}
}

func TestHighestRecordID(t *testing.T) {
	es := newFakeES()
	store := newTestStore(t, es)
	ctx := context.Background()

	// Absent index starts a fresh ID range.
	id, err := store.HighestRecordID(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0 for an absent index", id)
	}

	es.indexes["general"] = true
	es.searchReply["general"] = `{"hits":{"total":{"value":1},"hits":[
		{"_id":"17","_score":0,"_source":{"num_id":17}}
	]}}`
	id, err = store.HighestRecordID(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if id != 17 {
		t.Fatalf("id = %d, want 17", id)
	}
}

func TestBulkWriteUsesRecordIDAsKey(t *testing.T) {
	es := newFakeES()
	store := newTestStore(t, es)

	records := []domain.VectorRecord{
		{RecordID: 41, Body: "текст", Vector: []float32{0.1}},
		{RecordID: 42, Body: "текст", Vector: []float32{0.2}},
	}
	if err := store.BulkWrite(context.Background(), "general", records); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(es.bulkBody, `"_id":"41"`) || !strings.Contains(es.bulkBody, `"_id":"42"`) {
		t.Fatalf("bulk body lacks record IDs: %s", es.bulkBody)
	}
}

func TestBulkWriteReportsItemFailures(t *testing.T) {
	es := newFakeES()
	es.bulkReply = `{"errors":true,"items":[
		{"index":{"_id":"41","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad vector"}}},
		{"index":{"_id":"42","status":201}}
	]}`
	store := newTestStore(t, es)

	err := store.BulkWrite(context.Background(), "general", []domain.VectorRecord{
		{RecordID: 41}, {RecordID: 42},
	})
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("got %v, want ErrStore", err)
	}
	var bulkErr *domain.BulkWriteError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("got %T, want BulkWriteError", err)
	}
	if len(bulkErr.Failed) != 1 || bulkErr.Failed[0].RecordID != "41" {
		t.Fatalf("failed = %+v", bulkErr.Failed)
	}
}

func TestBulkWriteEmptyBatchIsNoop(t *testing.T) {
	es := newFakeES()
	store := newTestStore(t, es)
	if err := store.BulkWrite(context.Background(), "general", nil); err != nil {
		t.Fatal(err)
	}
	if es.bulkBody != "" {
		t.Fatal("empty batch must not reach the store")
	}
}

func TestAllIndexesSkipsInternal(t *testing.T) {
	es := newFakeES()
	es.indexes["general"] = true
	es.indexes[".kibana"] = true
	es.indexes["5&analyze"] = true
	store := newTestStore(t, es)

	names, err := store.AllIndexes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if strings.HasPrefix(n, ".") || strings.HasPrefix(n, "_") {
			t.Fatalf("internal index leaked: %q", n)
		}
	}
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
}

func TestAvailableLabelsAndScenarioIndexes(t *testing.T) {
	es := newFakeES()
	es.indexes["general"] = true
	es.indexes["5&analyze"] = true
	es.indexes["5&general"] = true
	store := newTestStore(t, es)
	ctx := context.Background()

	labels, err := store.AvailableLabels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0] != "Общие документы" {
		t.Fatalf("labels = %v", labels)
	}

	names, err := store.ScenarioIndexes(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("scenario indexes = %v", names)
	}
}
