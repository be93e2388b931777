// Package main implements the urban-planning QA API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/iduclub/urbanrag/engine/answer"
	"github.com/iduclub/urbanrag/engine/index"
	"github.com/iduclub/urbanrag/engine/ingest"
	"github.com/iduclub/urbanrag/pkg/metrics"
	"github.com/iduclub/urbanrag/pkg/mid"
	"github.com/iduclub/urbanrag/pkg/ollama"
	"github.com/iduclub/urbanrag/pkg/vectorizer"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// Config holds all environment-based configuration.
type Config struct {
	Port            string
	ElasticURL      string
	VectorizerURL   string
	VectorizerModel string
	VectorizerCert  string
	VectorizerKey   string
	VectorizerCA    string
	OllamaURL       string
	OllamaModel     string
	NATSURL         string
	CORSOrigin      string
	EmbedTimeout    time.Duration
	LLMRatePerMin   float64
}

func loadConfig() Config {
	return Config{
		Port:            envOr("PORT", "8080"),
		ElasticURL:      envOr("ELASTIC_URL", "http://localhost:9200"),
		VectorizerURL:   envOr("VECTORIZER_URL", "https://localhost:8443"),
		VectorizerModel: envOr("VECTORIZER_MODEL", "intfloat/multilingual-e5-large"),
		VectorizerCert:  envOr("VECTORIZER_CERT", ""),
		VectorizerKey:   envOr("VECTORIZER_KEY", ""),
		VectorizerCA:    envOr("VECTORIZER_CA", ""),
		OllamaURL:       envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:     envOr("OLLAMA_MODEL", "qwen3:32b"),
		NATSURL:         envOr("NATS_URL", ""),
		CORSOrigin:      envOr("CORS_ORIGIN", "*"),
		EmbedTimeout:    envDurationOr("EMBED_TIMEOUT", 30*time.Second),
		LLMRatePerMin:   envFloatOr("LLM_RATE_PER_MIN", 60),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Vector store gateway ---
	reg := index.NewRegistry(index.DefaultMapping())
	store, err := index.New(index.DefaultConfig(cfg.ElasticURL), reg, logger)
	if err != nil {
		return fmt.Errorf("store connect: %w", err)
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	// --- Embedding backend (mTLS) ---
	var tlsFiles *vectorizer.TLSFiles
	if cfg.VectorizerCert != "" {
		tlsFiles = &vectorizer.TLSFiles{
			Cert: cfg.VectorizerCert,
			Key:  cfg.VectorizerKey,
			CA:   cfg.VectorizerCA,
		}
	}
	embed, err := vectorizer.New(cfg.VectorizerURL, cfg.VectorizerModel, tlsFiles, cfg.EmbedTimeout)
	if err != nil {
		return fmt.Errorf("vectorizer client: %w", err)
	}

	// --- Generation backend ---
	llm := ollama.New(cfg.OllamaURL, cfg.OllamaModel)

	// --- Services ---
	limiter := rate.NewLimiter(rate.Limit(cfg.LLMRatePerMin/60), 1)
	ingestSvc := ingest.New(store, embed, llm, limiter, logger)
	answerSvc := answer.New(embed, store, llm, reg, answer.DefaultOptions(), logger)

	// --- Optional NATS for asynchronous ingestion ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("urbanrag-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		logger.Info("nats connected", "url", cfg.NATSURL)
	}

	reg2 := metrics.New()
	api := newAPI(store, ingestSvc, answerSvc, nc, reg2, logger)

	handler := mid.Chain(api.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("urbanrag-api"),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: answer streams are open-ended.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
