package call

import "strings"

const (
	// defaultStreamChunkSize is the buffered-length flush threshold.
	defaultStreamChunkSize = 512

	// commaFlushLength is the minimum buffered length for a trailing comma
	// to count as a flush boundary.
	commaFlushLength = 100
)

// StreamCoordinator buffers LLM tokens into chunks sized for TTS push. It is
// push-only and holds no state across turns; the orchestrator creates one per
// turn. Not safe for concurrent use.
type StreamCoordinator struct {
	chunkSize int
	buf       strings.Builder
	endFlush  bool
}

// NewStreamCoordinator returns a coordinator with the given chunk size;
// chunkSize <= 0 takes the default.
func NewStreamCoordinator(chunkSize int) *StreamCoordinator {
	if chunkSize <= 0 {
		chunkSize = defaultStreamChunkSize
	}
	return &StreamCoordinator{chunkSize: chunkSize}
}

// Push appends one token and evaluates the flush rules. When a rule fires,
// the buffered chunk is returned and the buffer resets.
func (c *StreamCoordinator) Push(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	c.buf.WriteString(token)

	text := c.buf.String()
	if len(text) >= c.chunkSize {
		return c.take(), true
	}

	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed == "" {
		return "", false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return c.take(), true
	case ',':
		if len(text) > commaFlushLength {
			return c.take(), true
		}
	}
	return "", false
}

// Flush returns the remaining buffered text at stream end. It fires at most
// once; later calls return nothing.
func (c *StreamCoordinator) Flush() (string, bool) {
	if c.endFlush {
		return "", false
	}
	c.endFlush = true
	if c.buf.Len() == 0 {
		return "", false
	}
	return c.take(), true
}

func (c *StreamCoordinator) take() string {
	out := c.buf.String()
	c.buf.Reset()
	return out
}
