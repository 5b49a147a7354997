package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/tidwall/gjson"
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Event is one SSE data payload from a streaming generation.
type Event struct {
	Data []byte
}

// Text extracts the answer text delta carried by this event, skipping
// thought parts.
func (e Event) Text() string {
	var buf bytes.Buffer
	root := gjson.GetBytes(e.Data, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(e.Data)
	}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Exists() {
			return true
		}
		buf.WriteString(part.Get("text").String())
		return true
	})
	return buf.String()
}

// Stream delivers SSE events from a live response body. Close releases the
// connection; it is safe to call at any point, including mid-stream.
type Stream struct {
	events chan Event
	body   io.ReadCloser

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	s := &Stream{
		events: make(chan Event, 8),
		body:   body,
		closed: make(chan struct{}),
	}

	// Closing the body is the only way to unblock a reader stuck on a
	// silent connection, so cancellation funnels through Close.
	go func() {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			s.Close()
		case <-s.closed:
		}
	}()

	go s.read()
	return s
}

// Events yields parsed events until the stream ends or is closed.
func (s *Stream) Events() <-chan Event { return s.events }

// Err reports why the stream ended early. Nil after a normal end of
// stream or an explicit Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream and releases the underlying connection.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.body.Close()
	})
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) read() {
	defer close(s.events)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 || bytes.Equal(data, doneMarker) {
			continue
		}
		payload := make([]byte, len(data))
		copy(payload, data)
		select {
		case s.events <- Event{Data: payload}:
		case <-s.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-s.closed:
			// Reader failure caused by our own Close is not an error.
		default:
			s.setErr(err)
		}
	}
}
