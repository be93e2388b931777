package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/iduclub/urbanrag/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// DocumentSubject carries asynchronous document-ingestion jobs.
	DocumentSubject = "urbanrag.ingest.document"
	// DLQSubject receives jobs that keep failing.
	DLQSubject = "urbanrag.ingest.dlq"
	// MaxRetries before a job goes to the DLQ.
	MaxRetries = 3
	retryHeader = "X-Retry-Count"
)

// DocumentJob is one queued document upload. Payload is the raw .docx
// bytes (base64 on the wire).
type DocumentJob struct {
	JobID    string  `json:"job_id"`
	IndexKey string  `json:"index_key"`
	DocName  string  `json:"doc_name"`
	Payload  []byte  `json:"payload"`
	Options  Options `json:"options"`
}

// dlqMessage is published after the last failed attempt.
type dlqMessage struct {
	Job     DocumentJob `json:"job"`
	Error   string      `json:"error"`
	Retries int         `json:"retries"`
}

// EnqueueDocument publishes an ingestion job and returns its ID.
func EnqueueDocument(ctx context.Context, nc *nats.Conn, indexKey, docName string, payload []byte, opts Options) (string, error) {
	job := DocumentJob{
		JobID:    uuid.NewString(),
		IndexKey: indexKey,
		DocName:  docName,
		Payload:  payload,
		Options:  opts,
	}
	if err := natsutil.Publish(ctx, nc, DocumentSubject, job); err != nil {
		return "", fmt.Errorf("ingest: enqueue document: %w", err)
	}
	return job.JobID, nil
}

// StartConsumer subscribes to the document job subject and runs each job
// through the ingestion pipeline, re-queueing failures up to MaxRetries
// before dead-lettering them. Re-runs are append-safe because record IDs
// resume from the store's high watermark.
func StartConsumer(nc *nats.Conn, svc *Service, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	return nc.Subscribe(DocumentSubject, func(msg *nats.Msg) {
		var job DocumentJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			logger.Error("ingest: malformed job", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if n, err := strconv.Atoi(msg.Header.Get(retryHeader)); err == nil {
				retries = n
			}
		}

		ctx := natsutil.ExtractContext(msg)
		written, err := svc.IngestDocument(ctx, job.Payload, job.DocName, job.IndexKey, job.Options)
		if err == nil {
			logger.Info("ingest: job done", "job_id", job.JobID, "index", job.IndexKey, "records", written)
			return
		}

		retries++
		logger.Error("ingest: job failed",
			"job_id", job.JobID,
			"index", job.IndexKey,
			"retry", retries,
			"error", err,
		)

		if retries >= MaxRetries {
			dlq := dlqMessage{Job: job, Error: err.Error(), Retries: retries}
			if pubErr := natsutil.Publish(ctx, nc, DLQSubject, dlq); pubErr != nil {
				logger.Error("ingest: dlq publish failed", "job_id", job.JobID, "error", pubErr)
			}
			return
		}

		retryMsg := nats.NewMsg(DocumentSubject)
		retryMsg.Data = msg.Data
		retryMsg.Header.Set(retryHeader, strconv.Itoa(retries))
		if pubErr := natsutil.PublishMsg(ctx, nc, retryMsg); pubErr != nil {
			logger.Error("ingest: retry publish failed", "job_id", job.JobID, "error", pubErr)
		}
	})
}
