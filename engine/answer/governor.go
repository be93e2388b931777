package answer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/iduclub/urbanrag/pkg/ollama"
)

// Surface is a chat-like output whose visible message is created once and
// then edited in place as more text arrives.
type Surface interface {
	// Post creates the visible message with the first fragment.
	Post(ctx context.Context, text string) error
	// Edit replaces the visible message with the accumulated text.
	Edit(ctx context.Context, text string) error
}

// Governor throttles in-place edits of a chat surface while a stream is
// running. Surfaces reject edits above a per-recipient frequency limit, so
// the allowed interval stretches with the number of concurrently open
// streams sharing the backend.
type Governor struct {
	// FreqLimit is the maximum number of edits per second for a single
	// stream when it is the only one open.
	FreqLimit int
	// Active reports the process-wide open stream count.
	Active func() int64

	logger *slog.Logger
	now    func() time.Time
}

// NewGovernor creates an edit governor over the given stream counter.
func NewGovernor(freqLimit int, active func() int64, logger *slog.Logger) *Governor {
	if freqLimit <= 0 {
		freqLimit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		FreqLimit: freqLimit,
		Active:    active,
		logger:    logger,
		now:       time.Now,
	}
}

// interval is the minimum gap between two edits given the current load.
func (g *Governor) interval() time.Duration {
	active := int64(1)
	if g.Active != nil {
		if n := g.Active(); n > 1 {
			active = n
		}
	}
	return time.Duration(int64(time.Second) / int64(g.FreqLimit) * active)
}

// Drive consumes the stream and mirrors it onto the surface: the first
// non-empty fragment posts the message, later fragments accumulate and are
// flushed by throttled edits, and one unconditional edit runs after the
// done signal so the surface always shows the complete answer. Edit
// rejections are counted per reason and logged, never fatal. The returned
// text is the full accumulated answer.
func (g *Governor) Drive(ctx context.Context, chunks <-chan ollama.Chunk, surface Surface) (string, error) {
	var (
		buf        strings.Builder
		posted     bool
		lastEdit   time.Time
		editErrors map[string]int
	)

	countErr := func(err error) {
		if editErrors == nil {
			editErrors = make(map[string]int)
		}
		editErrors[err.Error()]++
	}

	for chunk := range chunks {
		if chunk.Done {
			break
		}
		if !posted {
			if strings.TrimSpace(chunk.Text) == "" {
				continue
			}
			buf.WriteString(chunk.Text)
			if err := surface.Post(ctx, buf.String()); err != nil {
				return buf.String(), err
			}
			posted = true
			lastEdit = g.now()
			continue
		}
		buf.WriteString(chunk.Text)
		if strings.TrimSpace(chunk.Text) == "" {
			continue
		}
		now := g.now()
		if now.Sub(lastEdit) > g.interval() {
			if err := surface.Edit(ctx, buf.String()); err != nil {
				countErr(err)
				continue
			}
			lastEdit = now
		}
	}

	if posted {
		// Final flush so dropped intermediate edits cannot truncate the
		// visible answer.
		if err := surface.Edit(ctx, buf.String()); err != nil {
			countErr(err)
		}
	}

	if len(editErrors) > 0 {
		g.logger.Warn("answer: surface edits rejected", "rejections", editErrors)
	}
	if err := ctx.Err(); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}
