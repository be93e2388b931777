// Package vectorizer wraps the remote text-embedding backend. It speaks the
// OpenAI-style /v1/embeddings contract and optionally authenticates with a
// client certificate over mutual TLS.
package vectorizer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/iduclub/urbanrag/engine/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TLSFiles names the client certificate material for mutual TLS. All three
// paths must be set together; a configured but unloadable certificate is a
// constructor error, never a fallback to plain HTTP.
type TLSFiles struct {
	Cert string
	Key  string
	CA   string
}

// Client calls the embedding backend. Every Embed call is a network round
// trip; there is no local caching.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates an embedding client. tlsFiles may be nil for plain HTTP.
func New(baseURL, model string, tlsFiles *TLSFiles, timeout time.Duration) (*Client, error) {
	transport := http.DefaultTransport
	if tlsFiles != nil {
		cfg, err := clientTLS(*tlsFiles)
		if err != nil {
			return nil, fmt.Errorf("vectorizer: load client tls: %w", err)
		}
		transport = &http.Transport{TLSClientConfig: cfg}
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}, nil
}

func clientTLS(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return nil, fmt.Errorf("keypair: %w", err)
	}
	caPEM, err := os.ReadFile(files.CA)
	if err != nil {
		return nil, fmt.Errorf("ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ca: no certificates in %s", files.CA)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

type embedRequest struct {
	Input          string `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed turns text into a fixed-length vector. Transport failures surface
// as ErrUpstreamUnavailable, non-2xx responses as ErrUpstreamError.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text, Model: c.model, EncodingFormat: "float"})
	if err != nil {
		return nil, fmt.Errorf("vectorizer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vectorizer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vectorizer: %w", &domain.UpstreamError{
			Backend: "vectorizer",
			Status:  resp.StatusCode,
			Body:    string(detail),
		})
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorizer: decode response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("vectorizer: %w", &domain.UpstreamError{
			Backend: "vectorizer",
			Status:  resp.StatusCode,
			Body:    "empty data array",
		})
	}
	return out.Data[0].Embedding, nil
}
