package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/notification"
)

// Flusher is implemented by buffered sinks such as *bufio.Writer.
type Flusher interface {
	Flush() error
}

// WriteDeadliner is implemented by streams that support write deadlines,
// such as net.Conn and *os.File.
type WriteDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer writes framed notifications to an underlying stream.
// Thread-safe: a whole frame is written under one lock, so concurrent
// Write calls never interleave their chunks.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	chunkSize int
	maxChunks int
	timeout   time.Duration
	log       zerolog.Logger
}

// NewWriter creates a writer with DefaultChunkSize and DefaultMaxChunks.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, chunkSize: DefaultChunkSize, maxChunks: DefaultMaxChunks, log: zerolog.Nop()}
}

// NewWriterWithChunkSize creates a writer with a custom chunk size.
func NewWriterWithChunkSize(w io.Writer, chunkSize int) (*Writer, error) {
	if !validChunkSize(chunkSize) {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}
	fw := NewWriter(w)
	fw.chunkSize = chunkSize
	return fw, nil
}

// SetMaxChunks sets the largest chunk count a frame may have. It must match
// the peer reader's limit. Values below 1 restore DefaultMaxChunks.
func (fw *Writer) SetMaxChunks(n int) {
	if n < 1 {
		n = DefaultMaxChunks
	}
	fw.maxChunks = n
}

// SetWriteTimeout bounds the writing of one frame on streams implementing
// WriteDeadliner. The deadline is armed after the frame lock is taken, so
// waiting for a concurrent frame does not count against it. Zero disables it.
func (fw *Writer) SetWriteTimeout(d time.Duration) {
	fw.timeout = d
}

// SetLogger configures trace logging of written frames.
func (fw *Writer) SetLogger(logger zerolog.Logger) {
	fw.log = logger
}

// MaxPayload returns the largest payload a single frame can carry.
func (fw *Writer) MaxPayload() int {
	return fw.chunkSize * fw.maxChunks
}

// Write encodes n and writes it as one frame.
func (fw *Writer) Write(n notification.Notification) error {
	payload, err := notification.Encode(n)
	if err != nil {
		return err
	}
	return fw.WritePayload(payload)
}

// WritePayload writes the header and then every chunk of payload, each as
// its own flushed write.
func (fw *Writer) WritePayload(payload []byte) error {
	if len(payload) > fw.MaxPayload() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(payload), fw.MaxPayload())
	}
	chunks := Chunk(payload, fw.chunkSize)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if d, ok := fw.w.(WriteDeadliner); ok && fw.timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(fw.timeout))
		defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	}

	if err := fw.writeFlush(Header(len(chunks))); err != nil {
		return fmt.Errorf("%w: header: %w", ErrWriteFailed, err)
	}

	buf := make([]byte, ChunkPrefixSize+fw.chunkSize)
	for i, c := range chunks {
		binary.BigEndian.PutUint16(buf, uint16(len(c)))
		n := copy(buf[ChunkPrefixSize:], c)
		if err := fw.writeFlush(buf[:ChunkPrefixSize+n]); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %w", ErrWriteFailed, i+1, len(chunks), err)
		}
	}

	fw.log.Trace().Int("bytes", len(payload)).Int("chunks", len(chunks)).Msg("frame written")
	return nil
}

func (fw *Writer) writeFlush(b []byte) error {
	if _, err := fw.w.Write(b); err != nil {
		return err
	}
	if f, ok := fw.w.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
