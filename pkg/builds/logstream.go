package builds

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grape/pkg/registry"
)

// logStream buffers build output and appends it to the project's log in
// chunks, either when the buffer grows past flushBytes or on every tick.
// Whatever is still buffered when the stream closes is handed back so it can
// travel with the final status update.
type logStream struct {
	ctx        context.Context
	projects   registry.Projects
	id         string
	log        *logrus.Entry
	flushBytes int
	maxBytes   int64

	mu        sync.Mutex
	buf       bytes.Buffer
	written   int64
	truncated bool
	closed    bool

	stop chan struct{}
	done chan struct{}
}

func newLogStream(ctx context.Context, projects registry.Projects, id string, flushBytes int, interval time.Duration, maxBytes int64, log *logrus.Entry) *logStream {
	s := &logStream{
		ctx:        ctx,
		projects:   projects,
		id:         id,
		log:        log,
		flushBytes: flushBytes,
		maxBytes:   maxBytes,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go s.tick(interval)
	return s
}

func (s *logStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.truncated {
		return len(p), nil
	}

	chunk := p
	if s.maxBytes > 0 && s.written+int64(len(chunk)) > s.maxBytes {
		chunk = chunk[:s.maxBytes-s.written]
		s.truncated = true
	}
	s.buf.Write(chunk)
	s.written += int64(len(chunk))
	if s.truncated {
		fmt.Fprintf(&s.buf, "\n==> log truncated after %d bytes\n", s.maxBytes)
	}

	if s.buf.Len() >= s.flushBytes {
		s.flushLocked()
	}
	return len(p), nil
}

// Close stops the ticker and returns the output that was not flushed yet.
func (s *logStream) Close() string {
	close(s.stop)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}

func (s *logStream) tick(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// flushLocked keeps the buffer when the append fails so the output is retried
// on the next flush or carried by the final update.
func (s *logStream) flushLocked() {
	if s.buf.Len() == 0 {
		return
	}
	if err := s.projects.AppendLog(s.ctx, s.id, s.buf.String()); err != nil {
		s.log.Warnf("cannot append build output: %v", err)
		return
	}
	s.buf.Reset()
}
