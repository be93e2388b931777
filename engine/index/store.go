package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/iduclub/urbanrag/engine/domain"
	"github.com/iduclub/urbanrag/pkg/fn"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// scenarioCandidates is the fixed candidate pool for scenario searches;
// scenario indexes are small and per-project.
const scenarioCandidates = 30

// Config tunes the store gateway.
type Config struct {
	Addresses []string
	// Dims is the embedding dimensionality baked into every index schema.
	Dims int
	// TopK and NumCandidates shape the document k-NN query.
	TopK          int
	NumCandidates int
	// MinScore excludes weak hits inside the store itself.
	MinScore float64
	// BulkTimeout bounds batch writes. Question synthesis upstream of a
	// bulk write can take minutes, so this is deliberately long.
	BulkTimeout time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig(addresses ...string) Config {
	return Config{
		Addresses:     addresses,
		Dims:          4096,
		TopK:          5,
		NumCandidates: 100,
		MinScore:      0.7,
		BulkTimeout:   20 * time.Minute,
	}
}

// Store is the sole owner of all vector-store operations.
type Store struct {
	es     *elasticsearch.Client
	reg    *Registry
	cfg    Config
	logger *slog.Logger
}

// New connects the gateway to the store.
func New(cfg Config, reg *Registry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect store: %w", err)
	}
	return &Store{es: es, reg: reg, cfg: cfg, logger: logger}, nil
}

// Registry exposes the label registry this gateway registers indexes in.
func (s *Store) Registry() *Registry { return s.reg }

func closeBody(res *esapi.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

// storeErr drains a failed response into an ErrStore-wrapped error.
func storeErr(op string, res *esapi.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("index: %s: %w: status %d: %s", op, domain.ErrStore, res.StatusCode, string(detail))
}

// Exists reports whether an index is present in the store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.es.Indices.Exists([]string{key}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("index: exists %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, storeErr("exists "+key, res)
	}
}

// EnsureIndexes creates every registered index absent from the store with
// the document schema. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, key := range s.reg.Keys() {
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		label, _ := s.reg.Label(key)
		if err := s.Create(ctx, label, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) create(ctx context.Context, key string, schema domain.Schema) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("index: create %s: %w", key, domain.ErrAlreadyExists)
	}

	mapping, err := mappingFor(schema, s.cfg.Dims)
	if err != nil {
		return err
	}
	res, err := s.es.Indices.Create(key,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(bytes.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("index: create %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return storeErr("create "+key, res)
	}
	s.logger.Info("index created", "index", key, "schema", string(schema))
	return nil
}

// Create creates a document-schema index and registers its label.
func (s *Store) Create(ctx context.Context, label, key string) error {
	if err := domain.ValidateIndexKey(key); err != nil {
		return err
	}
	if err := s.create(ctx, key, domain.SchemaDocument); err != nil {
		return err
	}
	s.reg.Register(key, label)
	return nil
}

// CreateScenario creates a scenario index for the given mode's schema.
func (s *Store) CreateScenario(ctx context.Context, scenarioID int64, mode domain.Mode) (string, error) {
	key := domain.ScenarioIndexName(scenarioID, mode)
	if err := s.create(ctx, key, mode.Schema()); err != nil {
		return "", err
	}
	return key, nil
}

// EnsureDocument creates a document-schema index for key if it is absent,
// registering the key under its known label (or under itself when the key
// was never labeled). Idempotent; used by ingestion before the first write.
func (s *Store) EnsureDocument(ctx context.Context, key string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	label, ok := s.reg.Label(key)
	if !ok {
		label = key
	}
	return s.Create(ctx, label, key)
}

// Delete removes an index. Absent-index and bad-request responses from the
// store count as success, so deleting twice is safe.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.es.Indices.Delete([]string{key}, s.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("index: delete %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	switch res.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusBadRequest:
		return nil
	default:
		return storeErr("delete "+key, res)
	}
}

// DeleteAllRecords removes every record from an index via a match-all query.
func (s *Store) DeleteAllRecords(ctx context.Context, key string) error {
	res, err := s.es.DeleteByQuery(
		[]string{key},
		strings.NewReader(`{"query":{"match_all":{}}}`),
		s.es.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index: delete records %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return storeErr("delete records "+key, res)
	}
	return nil
}

// AllIndexes lists every index name in the store, skipping internal ones.
func (s *Store) AllIndexes(ctx context.Context) ([]string, error) {
	res, err := s.es.Indices.GetAlias(s.es.Indices.GetAlias.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("index: list: %w: %v", domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, storeErr("list", res)
	}

	var aliases map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&aliases); err != nil {
		return nil, fmt.Errorf("index: decode list: %w", err)
	}
	var names []string
	for name := range aliases {
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// AvailableLabels returns the human labels of registered indexes that
// actually exist in the store.
func (s *Store) AvailableLabels(ctx context.Context) ([]string, error) {
	names, err := s.AllIndexes(ctx)
	if err != nil {
		return nil, err
	}
	return fn.FilterMap(names, func(name string) (string, bool) {
		return s.reg.Label(name)
	}), nil
}

// ScenarioIndexes lists the store indexes belonging to one scenario.
func (s *Store) ScenarioIndexes(ctx context.Context, scenarioID int64) ([]string, error) {
	names, err := s.AllIndexes(ctx)
	if err != nil {
		return nil, err
	}
	id := strconv.FormatInt(scenarioID, 10)
	return fn.Filter(names, func(name string) bool {
		return strings.Contains(name, id)
	}), nil
}

// Count returns the number of records in an index.
func (s *Store) Count(ctx context.Context, key string) (int64, error) {
	res, err := s.es.Count(s.es.Count.WithContext(ctx), s.es.Count.WithIndex(key))
	if err != nil {
		return 0, fmt.Errorf("index: count %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return 0, storeErr("count "+key, res)
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("index: decode count: %w", err)
	}
	return out.Count, nil
}

func (s *Store) search(ctx context.Context, key string, body any) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("index: marshal query: %w", err)
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(key),
		s.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("index: search %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return nil, storeErr("search "+key, res)
	}
	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("index: decode search: %w", err)
	}
	return &out, nil
}

// Search runs approximate nearest-neighbor search over body_vector. Only
// the body field comes back per hit; the store itself drops hits below the
// configured minimum score.
func (s *Store) Search(ctx context.Context, vector []float32, key string) ([]Hit, error) {
	out, err := s.search(ctx, key, map[string]any{
		"knn": map[string]any{
			"field":          "body_vector",
			"query_vector":   vector,
			"k":              s.cfg.TopK,
			"num_candidates": s.cfg.NumCandidates,
		},
		"_source":   []string{"body"},
		"min_score": s.cfg.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return out.toHits(), nil
}

// SearchScenario runs the same k-NN mechanism against a scenario index,
// optionally intersected with an exact-match object filter. Two hits equal
// across every returned field collapse to one.
func (s *Store) SearchScenario(ctx context.Context, vector []float32, key string, objectID *int64) ([]Hit, error) {
	body := map[string]any{
		"knn": map[string]any{
			"field":          "body_vector",
			"query_vector":   vector,
			"k":              s.cfg.TopK,
			"num_candidates": scenarioCandidates,
		},
	}
	if objectID != nil {
		body["query"] = map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"object_id": *objectID}},
				},
			},
		}
	}
	out, err := s.search(ctx, key, body)
	if err != nil {
		return nil, err
	}
	return fn.UniqueBy(out.toHits(), func(h Hit) string {
		objectID := ""
		if h.ObjectID != nil {
			objectID = strconv.FormatInt(*h.ObjectID, 10)
		}
		return fmt.Sprintf("%d|%s|%s|%s|%s|%s", h.RecordID, h.Body, h.FeatureCollection, h.Location, h.Properties, objectID)
	}), nil
}

// HighestRecordID reads the highest record ID currently stored, 0 when the
// index is empty or absent. Ingestion resumes ID allocation from this+1.
func (s *Store) HighestRecordID(ctx context.Context, key string) (int64, error) {
	payload := `{"size":1,"sort":[{"num_id":{"order":"desc"}}],"_source":["num_id"]}`
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(key),
		s.es.Search.WithBody(strings.NewReader(payload)),
	)
	if err != nil {
		return 0, fmt.Errorf("index: highest id %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	// Absent index or unqueryable content means a fresh ID range.
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusBadRequest {
		return 0, nil
	}
	if res.IsError() {
		return 0, storeErr("highest id "+key, res)
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("index: decode highest id: %w", err)
	}
	if len(out.Hits.Hits) == 0 {
		return 0, nil
	}
	return out.Hits.Hits[0].Source.RecordID, nil
}

// BulkWrite writes all records in one batch. Item-level failures surface as
// a BulkWriteError carrying per-record detail; the caller decides whether
// the run can continue.
func (s *Store) BulkWrite(ctx context.Context, key string, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		action := map[string]any{
			"index": map[string]any{"_id": strconv.FormatInt(rec.RecordID, 10)},
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("index: encode bulk action: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("index: encode record %d: %w", rec.RecordID, err)
		}
	}

	res, err := s.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.es.Bulk.WithContext(ctx),
		s.es.Bulk.WithIndex(key),
		s.es.Bulk.WithTimeout(s.cfg.BulkTimeout),
	)
	if err != nil {
		return fmt.Errorf("index: bulk %s: %w: %v", key, domain.ErrStore, err)
	}
	defer closeBody(res)
	if res.IsError() {
		return storeErr("bulk "+key, res)
	}

	var out bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("index: decode bulk response: %w", err)
	}
	if !out.Errors {
		s.logger.Info("bulk write", "index", key, "records", len(records))
		return nil
	}

	bulkErr := &domain.BulkWriteError{Index: key}
	for _, item := range out.Items {
		for _, op := range item {
			if op.Error == nil {
				continue
			}
			bulkErr.Failed = append(bulkErr.Failed, domain.RecordFailure{
				RecordID: op.ID,
				Status:   op.Status,
				Reason:   op.Error.Type + ": " + op.Error.Reason,
			})
		}
	}
	return fmt.Errorf("index: bulk %s: %w", key, bulkErr)
}
