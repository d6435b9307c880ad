package logging

import (
	"io"
	"sync"
	"sync/atomic"
)

// AsyncWriter serializes writes to an underlying sink through a bounded
// queue. When the queue is full the oldest pending record is dropped and
// counted; writers never block on the sink.
type AsyncWriter struct {
	out     io.Writer
	queue   chan []byte
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// DefaultQueueSize is used when NewAsyncWriter is given a non-positive size.
const DefaultQueueSize = 4096

// NewAsyncWriter starts a writer goroutine draining into out.
func NewAsyncWriter(out io.Writer, size int) *AsyncWriter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &AsyncWriter{
		out:   out,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for b := range w.queue {
		_, _ = w.out.Write(b)
	}
}

// Write enqueues a copy of p. It always reports success; records written
// after Close are counted as dropped.
func (w *AsyncWriter) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}
	for {
		select {
		case w.queue <- b:
			return len(p), nil
		default:
		}
		select {
		case <-w.queue:
			w.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of records discarded so far.
func (w *AsyncWriter) Dropped() uint64 { return w.dropped.Load() }

// Close drains pending records and closes the sink if it is an io.Closer.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
