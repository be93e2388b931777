package answer

import (
	"encoding/json"
	"sync"

	"github.com/iduclub/urbanrag/pkg/ollama"
)

// Stream is a live answer. FeatureCollections are available immediately;
// text arrives as chunks on Chunks(). The stream always ends with either a
// done-terminated close or a failure reported by Err. The caller must Close
// the stream when finished with it, drained or not.
type Stream struct {
	FeatureCollections []json.RawMessage

	inner   *ollama.Stream
	release func()
	once    sync.Once
}

// Chunks returns the text chunk sequence. The channel closes after the
// terminal done chunk or a failure.
func (s *Stream) Chunks() <-chan ollama.Chunk { return s.inner.Chunks() }

// Err reports why the stream ended, nil for a normal end. Valid only after
// Chunks() is closed.
func (s *Stream) Err() error { return s.inner.Err() }

// Close aborts the stream and releases the backend connection. The active
// stream counter drops exactly once regardless of how the stream ends.
func (s *Stream) Close() {
	s.inner.Close()
	s.once.Do(s.release)
}
