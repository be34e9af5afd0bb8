package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-notify/internal/notification"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestChunkReassemble(t *testing.T) {
	for _, size := range []int{1, 2, 7, 16, DefaultChunkSize} {
		for _, n := range []int{0, 1, size - 1, size, size + 1, 2 * size, 3*size + 1, 10 * size} {
			t.Run(fmt.Sprintf("size=%d/len=%d", size, n), func(t *testing.T) {
				payload := payloadOf(n)
				chunks := Chunk(payload, size)

				assert.Equal(t, payload, Reassemble(chunks))

				want := (n + size - 1) / size
				if want == 0 {
					want = 1
				}
				assert.Len(t, chunks, want)
				for i, c := range chunks[:len(chunks)-1] {
					assert.Len(t, c, size, "chunk %d", i)
				}
				last := chunks[len(chunks)-1]
				if n > 0 {
					assert.NotEmpty(t, last, "no empty trailing chunk")
				}
				assert.LessOrEqual(t, len(last), size)
			})
		}
	}
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "NOTIFICATION1\n", string(Header(1)))
	assert.Equal(t, "NOTIFICATION42\n", string(Header(42)))
}

func TestWriterReaderRoundTrip(t *testing.T) {
	const size = 8
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "below chunk size", payload: payloadOf(size - 3)},
		{name: "equal to chunk size", payload: payloadOf(size)},
		{name: "above chunk size", payload: payloadOf(size + 3)},
		{name: "exact multiple", payload: payloadOf(4 * size)},
		{name: "single byte", payload: []byte{0x42}},
		{name: "empty", payload: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			w, err := NewWriterWithChunkSize(buf, size)
			require.NoError(t, err)
			require.NoError(t, w.WritePayload(tt.payload))

			chunks := Chunk(tt.payload, size)
			header := Header(len(chunks))
			assert.True(t, bytes.HasPrefix(buf.Bytes(), header), "header announces %d chunks", len(chunks))
			assert.Equal(t, len(header)+len(chunks)*ChunkPrefixSize+len(tt.payload), buf.Len())

			r, err := NewReaderWithChunkSize(buf, size)
			require.NoError(t, err)
			got, err := r.ReadPayload()
			require.NoError(t, err)
			assert.Equal(t, tt.payload, append([]byte{}, got...))
			assert.Zero(t, buf.Len(), "no leftover bytes")

			_, err = r.ReadPayload()
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestWriterReaderNotification(t *testing.T) {
	n := notification.Notification{Text: strings.Repeat("long message ", 200), Vibrate: true}
	buf := new(bytes.Buffer)

	require.NoError(t, NewWriter(buf).Write(n))
	require.NoError(t, NewWriter(buf).Write(notification.Notification{Text: "short"}))

	r := NewReader(buf)
	got, err := r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, n, got)

	got, err = r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, notification.Notification{Text: "short"}, got)
}

func TestReaderMissingChunk(t *testing.T) {
	const size = 4
	buf := new(bytes.Buffer)
	buf.Write(Header(3))
	for i := 0; i < 2; i++ {
		var prefix [ChunkPrefixSize]byte
		binary.BigEndian.PutUint16(prefix[:], size)
		buf.Write(prefix[:])
		buf.Write([]byte("abcd"))
	}

	r, err := NewReaderWithChunkSize(buf, size)
	require.NoError(t, err)
	n, err := r.ReadNext()
	assert.True(t, errors.Is(err, ErrFrameDecode), "got %v", err)
	assert.Equal(t, notification.Notification{}, n)
}

func TestReaderMalformed(t *testing.T) {
	const size = 4
	chunk := func(data string) []byte {
		b := make([]byte, ChunkPrefixSize, ChunkPrefixSize+len(data))
		binary.BigEndian.PutUint16(b, uint16(len(data)))
		return append(b, data...)
	}
	join := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

	tests := map[string][]byte{
		"wrong tag":            []byte("NOTIFY1\n"),
		"no count":             []byte("NOTIFICATION\n"),
		"zero count":           []byte("NOTIFICATION0\n"),
		"negative count":       []byte("NOTIFICATION-1\n"),
		"non digit count":      []byte("NOTIFICATION1a\n"),
		"count too large":      []byte("NOTIFICATION99999\n"),
		"header too long":      []byte("NOTIFICATION" + strings.Repeat("1", 20) + "\n"),
		"header truncated":     []byte("NOTIFICA"),
		"prefix truncated":     join(Header(1), []byte{0x00}),
		"short middle chunk":   join(Header(2), chunk("ab"), chunk("cd")),
		"oversized last chunk": join(Header(1), chunk("abcde")),
		"empty trailing chunk": join(Header(2), chunk("abcd"), chunk("")),
		"chunk body truncated": join(Header(1), []byte{0x00, 0x04}, []byte("ab")),
		"undecodable payload":  join(Header(1), chunk("\xff\xff")),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := NewReaderWithChunkSize(bytes.NewReader(data), size)
			require.NoError(t, err)
			_, err = r.ReadNext()
			assert.True(t, errors.Is(err, ErrFrameDecode), "got %v", err)
		})
	}
}

func TestReaderUndecodablePayloadKeepsSync(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	require.NoError(t, w.WritePayload([]byte{0xff}))
	require.NoError(t, w.Write(notification.Notification{Text: "next"}))

	r := NewReader(buf)
	_, err := r.ReadNext()
	assert.True(t, errors.Is(err, notification.ErrMalformed), "got %v", err)

	got, err := r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, "next", got.Text)
}

func TestInvalidChunkSize(t *testing.T) {
	_, err := NewWriterWithChunkSize(io.Discard, 0)
	assert.True(t, errors.Is(err, ErrChunkSize))
	_, err = NewReaderWithChunkSize(strings.NewReader(""), MaxChunkSize+1)
	assert.True(t, errors.Is(err, ErrChunkSize))
}

type failingWriter struct {
	failAfter int
	writes    int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.failAfter {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestWriterFailure(t *testing.T) {
	fw := &failingWriter{failAfter: 1}
	w, err := NewWriterWithChunkSize(fw, 2)
	require.NoError(t, err)

	err = w.WritePayload([]byte("abcdef"))
	assert.True(t, errors.Is(err, ErrWriteFailed), "got %v", err)
	assert.Equal(t, 2, fw.writes, "stops at the first failed chunk")
}

func TestWriterFlushesEachWrite(t *testing.T) {
	sink := new(bytes.Buffer)
	bw := bufio.NewWriterSize(sink, 4096)
	w, err := NewWriterWithChunkSize(bw, 4)
	require.NoError(t, err)

	require.NoError(t, w.WritePayload([]byte("abcdefgh")))
	assert.Equal(t, 0, bw.Buffered())
	assert.Equal(t, len(Header(2))+2*(ChunkPrefixSize+4), sink.Len())
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	pr, pw := io.Pipe()
	w, err := NewWriterWithChunkSize(pw, 3)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n := notification.Notification{Text: strings.Repeat(fmt.Sprint(i), 40)}
			assert.NoError(t, w.Write(n))
		}(i)
	}
	go func() {
		wg.Wait()
		pw.Close()
	}()

	r, err := NewReaderWithChunkSize(pr, 3)
	require.NoError(t, err)
	seen := map[string]bool{}
	for {
		n, err := r.ReadNext()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[n.Text] = true
	}
	assert.Len(t, seen, writers)
}

func TestWriterRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriterWithChunkSize(&buf, 1)
	require.NoError(t, err)
	w.SetMaxChunks(4)
	assert.Equal(t, 4, w.MaxPayload())

	err = w.WritePayload([]byte("abcde"))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.NotErrorIs(t, err, ErrWriteFailed)
	assert.Zero(t, buf.Len(), "nothing written for an oversized frame")

	require.NoError(t, w.WritePayload([]byte("abcd")))
	wire := buf.Bytes()

	r, err := NewReaderWithChunkSize(bytes.NewReader(wire), 1)
	require.NoError(t, err)
	r.SetMaxChunks(4)
	got, err := r.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	r, err = NewReaderWithChunkSize(bytes.NewReader(wire), 1)
	require.NoError(t, err)
	r.SetMaxChunks(3)
	_, err = r.ReadPayload()
	assert.ErrorIs(t, err, ErrFrameDecode)
}

func TestDefaultLimitsAgree(t *testing.T) {
	w, err := NewWriterWithChunkSize(io.Discard, 1)
	require.NoError(t, err)
	w.SetMaxChunks(0)
	assert.Equal(t, DefaultMaxChunks, w.MaxPayload())
	assert.ErrorIs(t, w.WritePayload(payloadOf(DefaultMaxChunks+1)), ErrFrameTooLarge)
}

// deadlineLog records deadline changes and writes in order.
type deadlineLog struct {
	mu     sync.Mutex
	events []string
}

func (d *deadlineLog) SetWriteDeadline(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.IsZero() {
		d.events = append(d.events, "clear")
	} else {
		d.events = append(d.events, "arm")
	}
	return nil
}

func (d *deadlineLog) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "write")
	return len(p), nil
}

func TestWriteDeadlineCoversWholeFrame(t *testing.T) {
	sink := &deadlineLog{}
	w, err := NewWriterWithChunkSize(sink, 2)
	require.NoError(t, err)
	w.SetWriteTimeout(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.WritePayload([]byte("abcdef")))
		}()
	}
	wg.Wait()

	// Each frame is arm, header, three chunks, clear; frames never overlap.
	frame := []string{"arm", "write", "write", "write", "write", "clear"}
	require.Len(t, sink.events, 8*len(frame))
	for i := 0; i < len(sink.events); i += len(frame) {
		assert.Equal(t, frame, sink.events[i:i+len(frame)])
	}
}

func TestWriteTimeoutDisabled(t *testing.T) {
	sink := &deadlineLog{}
	w := NewWriter(sink)
	require.NoError(t, w.WritePayload([]byte("x")))
	assert.Equal(t, []string{"write", "write"}, sink.events)
}
