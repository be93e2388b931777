package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("answers_total", "Answered questions")
	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Fatalf("value = %d", c.Value())
	}
	if r.Counter("answers_total", "") != c {
		t.Fatal("same name must return the same counter")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("answer_streams_active", "")
	g.Set(2)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("value = %d", g.Value())
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := New()
	h := r.Histogram("ingest_duration_seconds", "", []float64{1, 10, 100})
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50)
	h.Observe(500)

	out := r.Render()
	for _, want := range []string{
		`ingest_duration_seconds_bucket{le="1"} 1`,
		`ingest_duration_seconds_bucket{le="10"} 2`,
		`ingest_duration_seconds_bucket{le="100"} 3`,
		`ingest_duration_seconds_bucket{le="+Inf"} 4`,
		`ingest_duration_seconds_count 4`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}

func TestRenderLabeledSeries(t *testing.T) {
	r := New()
	r.Counter(WithLabels("answers_total", "mode", "general"), "Answered questions").Add(3)
	r.Counter(WithLabels("answers_total", "mode", "territory"), "").Inc()

	out := r.Render()
	if !strings.Contains(out, `answers_total{mode="general"} 3`) {
		t.Fatalf("render:\n%s", out)
	}
	if !strings.Contains(out, `answers_total{mode="territory"} 1`) {
		t.Fatalf("render:\n%s", out)
	}
	if strings.Count(out, "# TYPE answers_total counter") != 1 {
		t.Fatalf("base name must render one TYPE line:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("answers_total", "Answered questions").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
}
