package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"bluetooth-notify/internal/notification"
)

// Reader reassembles framed notifications from an underlying stream.
// Not safe for concurrent use.
type Reader struct {
	r         *bufio.Reader
	chunkSize int
	maxChunks int
	prefix    [ChunkPrefixSize]byte
	log       zerolog.Logger
}

// NewReader creates a reader with DefaultChunkSize and DefaultMaxChunks.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		chunkSize: DefaultChunkSize,
		maxChunks: DefaultMaxChunks,
		log:       zerolog.Nop(),
	}
}

// NewReaderWithChunkSize creates a reader with a custom chunk size.
func NewReaderWithChunkSize(r io.Reader, chunkSize int) (*Reader, error) {
	if !validChunkSize(chunkSize) {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}
	fr := NewReader(r)
	fr.chunkSize = chunkSize
	return fr, nil
}

// SetMaxChunks updates the largest chunk count accepted in a header.
// Values below 1 restore DefaultMaxChunks.
func (fr *Reader) SetMaxChunks(n int) {
	if n < 1 {
		n = DefaultMaxChunks
	}
	fr.maxChunks = n
}

// SetLogger configures trace logging of read frames.
func (fr *Reader) SetLogger(logger zerolog.Logger) {
	fr.log = logger
}

// ReadNext blocks until one frame is reassembled and decodes it.
// It returns io.EOF if the stream ends cleanly before a header, and an error
// wrapping ErrFrameDecode for malformed or truncated frames. Payloads that do
// not decode also wrap notification.ErrMalformed; the stream is still in sync
// after such an error.
func (fr *Reader) ReadNext() (notification.Notification, error) {
	payload, err := fr.ReadPayload()
	if err != nil {
		return notification.Notification{}, err
	}
	n, err := notification.Decode(payload)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("%w: %w", ErrFrameDecode, err)
	}
	return n, nil
}

// ReadPayload reads one frame and returns the concatenated chunk bytes.
func (fr *Reader) ReadPayload() ([]byte, error) {
	count, err := fr.readHeader()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, min(count*fr.chunkSize, 1<<16))
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
			return nil, truncated(i, count, err)
		}
		length := int(binary.BigEndian.Uint16(fr.prefix[:]))

		last := i == count-1
		switch {
		case !last && length != fr.chunkSize:
			return nil, fmt.Errorf("%w: chunk %d/%d has %d bytes, want %d", ErrFrameDecode, i+1, count, length, fr.chunkSize)
		case last && length > fr.chunkSize:
			return nil, fmt.Errorf("%w: last chunk has %d bytes, max %d", ErrFrameDecode, length, fr.chunkSize)
		case last && length == 0 && count > 1:
			return nil, fmt.Errorf("%w: empty trailing chunk", ErrFrameDecode)
		}

		start := len(payload)
		payload = slices.Grow(payload, length)[:start+length]
		if _, err := io.ReadFull(fr.r, payload[start:]); err != nil {
			return nil, truncated(i, count, err)
		}
	}

	fr.log.Trace().Int("bytes", len(payload)).Int("chunks", count).Msg("frame read")
	return payload, nil
}

// readHeader reads "NOTIFICATION<n>\n" and returns n.
func (fr *Reader) readHeader() (int, error) {
	line := make([]byte, 0, maxHeaderLen)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if len(line) == 0 && err == io.EOF {
				return 0, io.EOF
			}
			if err == io.EOF {
				return 0, fmt.Errorf("%w: header truncated", ErrFrameDecode)
			}
			return 0, err
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
		if len(line) >= maxHeaderLen {
			return 0, fmt.Errorf("%w: header too long", ErrFrameDecode)
		}
	}

	if len(line) <= len(HeaderTag) || string(line[:len(HeaderTag)]) != HeaderTag {
		return 0, fmt.Errorf("%w: bad header %q", ErrFrameDecode, line)
	}
	digits := line[len(HeaderTag):]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: bad chunk count %q", ErrFrameDecode, digits)
		}
	}
	count, err := strconv.Atoi(string(digits))
	if err != nil || count < 1 || count > fr.maxChunks {
		return 0, fmt.Errorf("%w: chunk count %q out of range", ErrFrameDecode, digits)
	}
	return count, nil
}

func truncated(i, count int, err error) error {
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: chunk %d/%d truncated", ErrFrameDecode, i+1, count)
	}
	return err
}
