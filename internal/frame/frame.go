// Package frame implements the chunked message framing used on the stream.
//
// A frame is a header line followed by chunkCount chunks:
//
//	"NOTIFICATION" decimal(chunkCount) "\n"
//	chunkCount x ( uint16 big-endian length | chunk bytes )
//
// Every chunk except the last carries exactly ChunkSize bytes. Both ends
// must agree on ChunkSize; the reader rejects frames that do not follow it.
package frame

import (
	"errors"
	"strconv"
)

const (
	// HeaderTag starts every frame header.
	HeaderTag = "NOTIFICATION"

	// DefaultChunkSize is the payload bytes per chunk.
	DefaultChunkSize = 990

	// MaxChunkSize is the largest chunk a uint16 length prefix can describe.
	MaxChunkSize = 1<<16 - 1

	// DefaultMaxChunks bounds the chunk count a reader accepts.
	DefaultMaxChunks = 4096

	// ChunkPrefixSize is the size of the per-chunk length prefix in bytes.
	ChunkPrefixSize = 2

	// maxHeaderLen is the tag, up to 10 digits and the newline.
	maxHeaderLen = len(HeaderTag) + 10 + 1
)

var (
	// ErrFrameDecode indicates a malformed or truncated frame.
	ErrFrameDecode = errors.New("frame: decode failed")

	// ErrWriteFailed indicates the stream rejected part of a frame.
	ErrWriteFailed = errors.New("frame: write failed")

	// ErrFrameTooLarge indicates a payload needing more chunks than the peer accepts.
	// Nothing is written when it is returned.
	ErrFrameTooLarge = errors.New("frame: payload too large")

	// ErrChunkSize indicates a chunk size outside 1..MaxChunkSize.
	ErrChunkSize = errors.New("frame: invalid chunk size")
)

// Chunk splits payload into chunks of size bytes. The last chunk holds the
// remainder; a payload that is an exact multiple of size yields no empty
// trailing chunk. An empty payload yields a single empty chunk.
// The returned chunks alias payload.
func Chunk(payload []byte, size int) [][]byte {
	if size < 1 {
		panic("frame: chunk size must be positive")
	}
	if len(payload) <= size {
		return [][]byte{payload}
	}
	n := (len(payload) + size - 1) / size
	chunks := make([][]byte, 0, n)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks
}

// Reassemble concatenates chunks in order.
func Reassemble(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Header returns the header line announcing count chunks.
func Header(count int) []byte {
	b := make([]byte, 0, maxHeaderLen)
	b = append(b, HeaderTag...)
	b = strconv.AppendInt(b, int64(count), 10)
	return append(b, '\n')
}

func validChunkSize(size int) bool {
	return size >= 1 && size <= MaxChunkSize
}
