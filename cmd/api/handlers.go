package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iduclub/urbanrag/engine/answer"
	"github.com/iduclub/urbanrag/engine/domain"
	"github.com/iduclub/urbanrag/engine/index"
	"github.com/iduclub/urbanrag/engine/ingest"
	"github.com/iduclub/urbanrag/pkg/metrics"
	"github.com/nats-io/nats.go"
)

// maxUploadBytes bounds a single .docx upload.
const maxUploadBytes = 64 << 20

type api struct {
	store  *index.Store
	ingest *ingest.Service
	answer *answer.Service
	nats   *nats.Conn
	logger *slog.Logger

	answersTotal    *metrics.Counter
	answerFailures  *metrics.Counter
	answerDuration  *metrics.Histogram
	ingestRecords   *metrics.Counter
	ingestDuration  *metrics.Histogram
	streamsActive   *metrics.Gauge
	metricsRegistry *metrics.Registry
}

func newAPI(store *index.Store, ing *ingest.Service, ans *answer.Service, nc *nats.Conn, reg *metrics.Registry, logger *slog.Logger) *api {
	return &api{
		store:  store,
		ingest: ing,
		answer: ans,
		nats:   nc,
		logger: logger,

		answersTotal:    reg.Counter("answers_total", "Answered questions"),
		answerFailures:  reg.Counter("answer_failures_total", "Failed answer requests"),
		answerDuration:  reg.Histogram("answer_duration_seconds", "Answer latency", nil),
		ingestRecords:   reg.Counter("ingest_records_total", "Records written by ingestion"),
		ingestDuration:  reg.Histogram("ingest_duration_seconds", "Document ingestion latency", nil),
		streamsActive:   reg.Gauge("answer_streams_active", "Open answer streams"),
		metricsRegistry: reg,
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", a.metricsRegistry.Handler())

	mux.HandleFunc("POST /api/answer", a.handleAnswer)
	mux.HandleFunc("POST /api/answer/stream", a.handleAnswerStream)

	mux.HandleFunc("GET /api/indexes", a.handleLabels)
	mux.HandleFunc("GET /api/indexes/all", a.handleAllIndexes)
	mux.HandleFunc("POST /api/indexes", a.handleCreateIndex)
	mux.HandleFunc("PUT /api/indexes/map", a.handleSetMapping)
	mux.HandleFunc("DELETE /api/indexes/{key}", a.handleDeleteIndex)
	mux.HandleFunc("DELETE /api/indexes/{key}/records", a.handleDeleteRecords)
	mux.HandleFunc("POST /api/indexes/{key}/documents", a.handleUploadDocument)

	mux.HandleFunc("GET /api/scenario/modes", handleScenarioModes)
	mux.HandleFunc("GET /api/scenario/{id}/indexes", a.handleScenarioIndexes)
	mux.HandleFunc("POST /api/scenario/{id}/indexes", a.handleCreateScenarioIndex)
	mux.HandleFunc("POST /api/scenario/{id}/upload", a.handleScenarioUpload)

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain error kinds to HTTP statuses. Backend and store
// failures are gateway errors, everything unexpected is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownIndex):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamUnavailable),
		errors.Is(err, domain.ErrUpstreamError),
		errors.Is(err, domain.ErrEmbeddingFailed),
		errors.Is(err, domain.ErrStore):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// answerRequest is the body of both answer endpoints. A document request
// carries index; a scenario request carries scenario_id and mode. Shapes
// are tried in that order.
type answerRequest struct {
	Question   string `json:"question"`
	Index      string `json:"index,omitempty"`
	ScenarioID *int64 `json:"scenario_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	ObjectID   *int64 `json:"object_id,omitempty"`
}

func (req *answerRequest) toQuery() (answer.Query, error) {
	q := answer.Query{Question: req.Question, Index: req.Index}
	if req.Index != "" {
		return q, nil
	}
	if req.ScenarioID == nil {
		return q, domain.NewValidationError("index", "", errors.New("neither index nor scenario_id given"))
	}
	mode, err := domain.ParseScenarioMode(req.Mode)
	if err != nil {
		return q, err
	}
	q.Scenario = &answer.ScenarioQuery{
		ScenarioID: *req.ScenarioID,
		Mode:       mode,
		ObjectID:   req.ObjectID,
	}
	return q, nil
}

func (a *api) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	q, err := req.toQuery()
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	start := time.Now()
	res, err := a.answer.Answer(r.Context(), q)
	a.answerDuration.Since(start)
	if err != nil {
		a.answerFailures.Inc()
		a.writeError(w, r, err)
		return
	}
	a.answersTotal.Inc()
	writeJSON(w, http.StatusOK, res)
}

// streamChunk is one NDJSON line of a streamed answer.
type streamChunk struct {
	Type  string          `json:"type,omitempty"`
	Chunk json.RawMessage `json:"chunk,omitempty"`
	Done  bool            `json:"done,omitempty"`
}

func (a *api) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	q, err := req.toQuery()
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	st, err := a.answer.AnswerStream(r.Context(), q)
	if err != nil {
		a.answerFailures.Inc()
		a.writeError(w, r, err)
		return
	}
	defer st.Close()
	a.streamsActive.Set(a.answer.ActiveStreams())

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Geometry first, so the client can render while text streams in.
	for _, fc := range st.FeatureCollections {
		enc.Encode(streamChunk{Type: "feature_collections", Chunk: fc})
	}
	flush()

	start := time.Now()
	for chunk := range st.Chunks() {
		if chunk.Done {
			break
		}
		raw, err := json.Marshal(chunk.Text)
		if err != nil {
			continue
		}
		enc.Encode(streamChunk{Type: "text", Chunk: raw})
		flush()
	}
	a.answerDuration.Since(start)
	a.streamsActive.Set(a.answer.ActiveStreams() - 1)

	if err := st.Err(); err != nil {
		a.answerFailures.Inc()
		a.logger.Error("answer stream failed", "error", err)
		enc.Encode(map[string]string{"error": err.Error()})
		flush()
		return
	}
	a.answersTotal.Inc()
	enc.Encode(streamChunk{Done: true})
	flush()
}

func (a *api) handleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := a.store.AvailableLabels(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"indexes": labels})
}

func (a *api) handleAllIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.AllIndexes(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"indexes": names})
}

func (a *api) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
		Key   string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := a.store.Create(r.Context(), req.Label, req.Key); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"index": req.Key})
}

func (a *api) handleSetMapping(w http.ResponseWriter, r *http.Request) {
	var mapping map[string]string
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	for key := range mapping {
		if err := domain.ValidateIndexKey(key); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.store.Registry().SetAll(mapping)
	writeJSON(w, http.StatusOK, map[string]int{"mapped": len(mapping)})
}

func (a *api) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Delete(r.Context(), r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleDeleteRecords(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteAllRecords(r.Context(), r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingestOptions reads the tunables of a document upload form.
func ingestOptions(r *http.Request) ingest.Options {
	opts := ingest.DefaultOptions()
	if n, err := strconv.Atoi(r.FormValue("text_questions")); err == nil && n > 0 {
		opts.TextQuestions = n
	}
	if n, err := strconv.Atoi(r.FormValue("table_questions")); err == nil && n > 0 {
		opts.TableQuestions = n
	}
	if n, err := strconv.Atoi(r.FormValue("table_context_size")); err == nil && n >= 0 {
		opts.TableContext = n
	}
	return opts
}

func (a *api) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := domain.ValidateIndexKey(key); err != nil {
		a.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file field is required"})
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read upload"})
		return
	}
	opts := ingestOptions(r)

	if r.FormValue("async") == "1" {
		if a.nats == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async ingestion is not configured"})
			return
		}
		jobID, err := ingest.EnqueueDocument(r.Context(), a.nats, key, header.Filename, payload, opts)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	start := time.Now()
	written, err := a.ingest.IngestDocument(r.Context(), payload, header.Filename, key, opts)
	a.ingestDuration.Since(start)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ingestRecords.Add(int64(written))
	writeJSON(w, http.StatusOK, map[string]int{"written": written})
}

func handleScenarioModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"modes": domain.ScenarioModeLabels()})
}

func scenarioID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, domain.NewValidationError("scenario_id", r.PathValue("id"), errors.New("not an integer"))
	}
	return id, nil
}

func (a *api) handleScenarioIndexes(w http.ResponseWriter, r *http.Request) {
	id, err := scenarioID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	names, err := a.store.ScenarioIndexes(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Indexes created for an upload that never finished hold no records
	// and are not answerable, so they are left out of the listing.
	populated := make([]string, 0, len(names))
	for _, name := range names {
		n, err := a.store.Count(r.Context(), name)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if n > 0 {
			populated = append(populated, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"indexes": populated})
}

func (a *api) handleCreateScenarioIndex(w http.ResponseWriter, r *http.Request) {
	id, err := scenarioID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	mode, err := domain.ParseScenarioMode(req.Mode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	key, err := a.store.CreateScenario(r.Context(), id, mode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"index": key})
}

func (a *api) handleScenarioUpload(w http.ResponseWriter, r *http.Request) {
	id, err := scenarioID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req struct {
		Mode string               `json:"mode"`
		Rows []domain.ScenarioRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	mode, err := domain.ParseScenarioMode(req.Mode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	start := time.Now()
	key, written, err := a.ingest.IngestScenario(r.Context(), id, mode, req.Rows)
	a.ingestDuration.Since(start)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ingestRecords.Add(int64(written))
	writeJSON(w, http.StatusOK, map[string]any{"index": key, "written": written})
}
