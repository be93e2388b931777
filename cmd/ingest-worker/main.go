// Command ingest-worker consumes queued document-ingestion jobs from NATS
// and writes the resulting records into the vector store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iduclub/urbanrag/engine/index"
	"github.com/iduclub/urbanrag/engine/ingest"
	"github.com/iduclub/urbanrag/pkg/metrics"
	"github.com/iduclub/urbanrag/pkg/ollama"
	"github.com/iduclub/urbanrag/pkg/vectorizer"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

func main() {
	var (
		natsURL       = flag.String("nats", nats.DefaultURL, "NATS server URL")
		elasticURL    = flag.String("elastic", "http://localhost:9200", "vector store URL")
		vecURL        = flag.String("vectorizer", "https://localhost:8443", "embedding backend URL")
		vecModel      = flag.String("vectorizer-model", "intfloat/multilingual-e5-large", "embedding model")
		vecCert       = flag.String("vectorizer-cert", "", "client certificate for the embedding backend")
		vecKey        = flag.String("vectorizer-key", "", "client key for the embedding backend")
		vecCA         = flag.String("vectorizer-ca", "", "CA bundle for the embedding backend")
		ollamaURL     = flag.String("ollama", "http://localhost:11434", "generation backend URL")
		ollamaModel   = flag.String("model", "qwen3:32b", "generation model")
		llmRatePerMin = flag.Float64("llm-rate", 60, "generation calls per minute during ingestion")
		metricsPort   = flag.Int("metrics-port", 9091, "metrics HTTP port")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.ServeAsync(*metricsPort, logger)

	reg := index.NewRegistry(index.DefaultMapping())
	store, err := index.New(index.DefaultConfig(*elasticURL), reg, logger)
	if err != nil {
		logger.Error("store connect failed", "error", err)
		os.Exit(1)
	}

	var tlsFiles *vectorizer.TLSFiles
	if *vecCert != "" {
		tlsFiles = &vectorizer.TLSFiles{Cert: *vecCert, Key: *vecKey, CA: *vecCA}
	}
	embed, err := vectorizer.New(*vecURL, *vecModel, tlsFiles, 30*time.Second)
	if err != nil {
		logger.Error("vectorizer client failed", "error", err)
		os.Exit(1)
	}

	llm := ollama.New(*ollamaURL, *ollamaModel)
	limiter := rate.NewLimiter(rate.Limit(*llmRatePerMin/60), 1)
	svc := ingest.New(store, embed, llm, limiter, logger)

	nc, err := nats.Connect(*natsURL,
		nats.Name("urbanrag-ingest-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, svc, logger)
	if err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	logger.Info("ingest worker started", "subject", ingest.DocumentSubject)
	<-ctx.Done()
	logger.Info("shutting down")
}
