// Package ollama wraps the remote text-generation backend's /api/generate
// endpoint: blocking calls, streaming calls, and the question-synthesis
// helper used by ingestion.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/iduclub/urbanrag/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options carries the generation options forwarded to the backend.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// Request is the /api/generate payload. BuildPrompt produces it; Generate
// and GenerateStream send it as-is.
type Request struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Stream    bool     `json:"stream"`
	System    string   `json:"system,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Options   *Options `json:"options,omitempty"`
	// Think is always false: the visible thinking trace is suppressed.
	Think bool `json:"think"`
}

// Chunk is one incremental fragment of a streamed answer. The chunk with
// Done set carries no text and terminates the sequence.
type Chunk struct {
	Text string `json:"response"`
	Done bool   `json:"done"`
}

// Client calls the generation backend.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a generation client. No client timeout is set here: streamed
// answers are open-ended, and blocking callers bound their calls via ctx.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

func (c *Client) post(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: %w", &domain.UpstreamError{
			Backend: "llm",
			Status:  resp.StatusCode,
			Body:    string(detail),
		})
	}
	return resp, nil
}

// Generate issues a single blocking call and returns the full answer text.
// Failures are surfaced to the caller, never retried here.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	req.Stream = false
	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return out.Response, nil
}

// GenerateStream opens a streaming call. The returned Stream is a lazy,
// finite, non-restartable sequence of chunks; cancelling ctx or calling
// Close releases the backend connection.
func (c *Client) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	sctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{
		ch:     make(chan Chunk),
		body:   resp.Body,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.read(sctx)
	return s, nil
}

// Stream is a cancellable sequence of generation chunks. Chunks() closes
// after the terminal done chunk has been delivered or after a failure;
// Err reports the failure once the channel is closed.
type Stream struct {
	ch        chan Chunk
	body      io.ReadCloser
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	malformed atomic.Int64
	err       error
}

// Chunks returns the chunk sequence. The terminal done chunk is always the
// last value delivered on a normal stream.
func (s *Stream) Chunks() <-chan Chunk { return s.ch }

// Err reports why the stream ended, nil for a normal done-terminated end.
// Valid only after Chunks() is closed.
func (s *Stream) Err() error { return s.err }

// Malformed reports how many non-parseable chunks were skipped.
func (s *Stream) Malformed() int64 { return s.malformed.Load() }

// Close aborts the stream and releases the backend connection. Safe to call
// more than once and concurrently with reads.
func (s *Stream) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
		s.body.Close()
	}
	<-s.done
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	defer s.cancel()
	defer s.body.Close()

	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			// A garbled fragment is recoverable; the terminal done chunk is
			// its own line and is never dropped by skipping this one.
			s.malformed.Add(1)
			continue
		}
		select {
		case s.ch <- c:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
		if c.Done {
			return
		}
	}

	// The backend closed the stream without a done chunk.
	if err := ctx.Err(); err != nil {
		s.err = err
		return
	}
	if s.closed.Load() {
		s.err = context.Canceled
		return
	}
	if err := sc.Err(); err != nil {
		s.err = fmt.Errorf("ollama: %w: read stream: %v", domain.ErrUpstreamUnavailable, err)
		return
	}
	s.err = fmt.Errorf("ollama: %w: stream ended before done chunk", domain.ErrUpstreamUnavailable)
}

// splitQuestions splits a newline-delimited backend answer into a list,
// dropping empty lines. The backend is not guaranteed to honor the
// requested count, so callers must not assume exact cardinality.
func splitQuestions(answer string) []string {
	var out []string
	for _, line := range strings.Split(answer, "\n") {
		if q := strings.TrimSpace(line); q != "" {
			out = append(out, q)
		}
	}
	return out
}
