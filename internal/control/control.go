// Package control carries administrative requests from any number of
// synchronous callers to the single goroutine that owns a running server.
package control

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity absorbs bursts of host commands without unbounded growth.
const DefaultCapacity = 16

// ErrClosed is returned when the consuming end is gone, when every producer
// has been released, or when a released Sender is used.
var ErrClosed = errors.New("server channel closed")

// Request is a control message. The concrete types are GetPort and Quit.
type Request interface {
	Name() string
}

// PortReply answers a GetPort request. Bound is false until the server has
// a listening socket.
type PortReply struct {
	Port  uint16
	Bound bool
}

// GetPort asks the server for its listening port
type GetPort struct {
	reply chan PortReply
}

// NewGetPort returns a GetPort request and the one-shot channel its reply
// arrives on.
func NewGetPort() (GetPort, <-chan PortReply) {
	reply := make(chan PortReply, 1)
	return GetPort{reply: reply}, reply
}

// Name returns the request name
func (GetPort) Name() string { return "get_port" }

// Respond delivers the reply. Only the first call has an effect and it never
// blocks, so an abandoned caller cannot stall the server.
func (r GetPort) Respond(reply PortReply) bool {
	if r.reply == nil {
		return false
	}
	select {
	case r.reply <- reply:
		return true
	default:
		return false
	}
}

// Quit asks the server to shut down gracefully
type Quit struct{}

// Name returns the request name
func (Quit) Name() string { return "quit" }

type queue struct {
	ch chan Request

	recvOnce sync.Once
	recvDone chan struct{} // closed when the Receiver is closed

	mu       sync.Mutex
	senders  int
	sendDone chan struct{} // closed when the last Sender is released
}

// New creates a bounded FIFO with one producer handle and its consumer.
func New(capacity int) (*Sender, *Receiver) {
	q := &queue{
		ch:       make(chan Request, max(capacity, 1)),
		recvDone: make(chan struct{}),
		sendDone: make(chan struct{}),
		senders:  1,
	}
	return &Sender{q: q}, &Receiver{q: q}
}

// Sender is a producer handle. Clone it to share; release each clone with
// Close.
type Sender struct {
	q        *queue
	mu       sync.Mutex
	released bool
}

// Send enqueues req, blocking while the queue is full. It fails with
// ErrClosed once the receiver is gone.
func (s *Sender) Send(ctx context.Context, req Request) error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return ErrClosed
	}

	// A closed receiver wins over free buffer space
	select {
	case <-s.q.recvDone:
		return ErrClosed
	default:
	}

	select {
	case s.q.ch <- req:
		return nil
	case <-s.q.recvDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clone returns another producer handle for the same queue. Cloning a
// released handle returns a released handle.
func (s *Sender) Clone() *Sender {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return &Sender{q: s.q, released: true}
	}

	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()
	return &Sender{q: s.q}
}

// Close releases this handle. When the last handle is released the receiver
// drains what is buffered and then reports ErrClosed.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true

	s.q.mu.Lock()
	s.q.senders--
	if s.q.senders == 0 {
		close(s.q.sendDone)
	}
	s.q.mu.Unlock()
}

// Done is closed once the receiver stops consuming
func (s *Sender) Done() <-chan struct{} {
	return s.q.recvDone
}

// Receiver is the single consuming end
type Receiver struct {
	q *queue
}

// Recv returns the next request in send order. It reports ErrClosed when
// every Sender has been released and the buffer is empty.
func (r *Receiver) Recv(ctx context.Context) (Request, error) {
	select {
	case req := <-r.q.ch:
		return req, nil
	case <-r.q.sendDone:
		select {
		case req := <-r.q.ch:
			return req, nil
		default:
			return nil, ErrClosed
		}
	case <-r.q.recvDone:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops the consuming end. Pending and future sends fail with
// ErrClosed. It is idempotent.
func (r *Receiver) Close() {
	r.q.recvOnce.Do(func() {
		close(r.q.recvDone)
	})
}

// Len returns the number of buffered requests
func (r *Receiver) Len() int {
	return len(r.q.ch)
}
