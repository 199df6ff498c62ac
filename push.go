package porygon

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/atomic"
)

var ErrConnectionUpgrade = errors.New("could not establish push connection")

// PushConnection is one live server-to-client stream. Writes are serialized
// by the owning Connection's write loop; implementations need not lock.
type PushConnection interface {
	Send(data []byte) error
	Close() error
}

type PushConnFactory func(w http.ResponseWriter, r *http.Request) (PushConnection, error)

// NewSSEConnFactory upgrades plain HTTP requests to a server-sent-events
// stream. Each frame is written as one `data:` line and flushed immediately.
func NewSSEConnFactory() PushConnFactory {
	return func(w http.ResponseWriter, r *http.Request) (PushConnection, error) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			return nil, fmt.Errorf("%w: response writer does not support streaming", ErrConnectionUpgrade)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		return &sseConnection{
			w:       w,
			flusher: flusher,
			done:    make(chan struct{}),
			closed:  atomic.NewBool(false),
		}, nil
	}
}

type sseConnection struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  *atomic.Bool
}

func (c *sseConnection) Send(data []byte) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close releases the handler goroutine blocked in Done; the response body
// is closed when that handler returns.
func (c *sseConnection) Close() error {
	if c.closed.CAS(false, true) {
		close(c.done)
	}
	return nil
}

func (c *sseConnection) Done() <-chan struct{} {
	return c.done
}
