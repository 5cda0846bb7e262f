package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/dreamware/prefork/internal/log"
)

// maxLineSize bounds a single encoded notification.
const maxLineSize = 64 * 1024

// StreamSender writes newline-delimited JSON notifications to w, typically
// the write end of the pipe a worker process inherited from its coordinator.
type StreamSender struct {
	mu     sync.Mutex
	enc    *json.Encoder
	failed bool
}

func NewStreamSender(w io.Writer) *StreamSender {
	return &StreamSender{enc: json.NewEncoder(w)}
}

// Send implements Sender. Write errors are logged once and otherwise ignored;
// once the peer is gone every later message is dropped.
func (s *StreamSender) Send(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed {
		return
	}
	if err := s.enc.Encode(n); err != nil {
		s.failed = true
		log.ErrorErr(log.CatChannel, "notification stream broken", err, "worker", n.Worker)
	}
}

// StreamReceiver decodes notifications from r until EOF.
type StreamReceiver struct {
	out  chan Notification
	done chan struct{}
	err  error
}

// NewStreamReceiver starts decoding r in a background goroutine.
// Malformed lines are skipped.
func NewStreamReceiver(r io.Reader) *StreamReceiver {
	s := &StreamReceiver{
		out:  make(chan Notification, 64),
		done: make(chan struct{}),
	}
	go s.run(r)
	return s
}

func (s *StreamReceiver) run(r io.Reader) {
	defer close(s.done)
	defer close(s.out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			log.Debug(log.CatChannel, "skipping malformed notification", "error", err)
			continue
		}
		s.out <- n
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
}

// Messages implements Receiver.
func (s *StreamReceiver) Messages() <-chan Notification {
	return s.out
}

// Err returns the read error that ended the stream, or nil on clean EOF.
// Only valid after Messages is closed.
func (s *StreamReceiver) Err() error {
	<-s.done
	return s.err
}
