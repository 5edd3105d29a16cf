// Package scheduler serializes queries against one transport connection,
// matches responses to requests by id, and applies per-request timeouts.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mqui/mqui/internal/protocol"
	"github.com/mqui/mqui/internal/transport"
)

var (
	// ErrTimeout fires when a response does not arrive within the request
	// timeout, measured from the moment the request went on the wire.
	ErrTimeout = errors.New("scheduler: request timeout")

	// ErrLinkLost resolves every queued and in-flight request when the
	// transport reports link-down.
	ErrLinkLost = errors.New("scheduler: link lost")

	// ErrCancelled resolves a request withdrawn by its caller, or all
	// pending requests when the scheduler shuts down.
	ErrCancelled = errors.New("scheduler: request cancelled")
)

// Config tunes one scheduler instance.
type Config struct {
	// MaxInFlight caps concurrently outstanding requests. Requests beyond
	// the cap queue in submission order. Defaults to 1.
	MaxInFlight int
	Logger      *slog.Logger
}

type result struct {
	env protocol.Envelope
	err error
}

type pending struct {
	env      protocol.Envelope
	timeout  time.Duration
	res      chan result
	timer    *time.Timer
	resolved bool
}

// Scheduler owns the read side of one connection. A single goroutine does
// all decoding and matching, so callers never interleave on the wire.
// One Scheduler serves exactly one connection attempt; the session builds
// a fresh one after every reconnect.
type Scheduler struct {
	conn   *transport.Conn
	codec  protocol.Codec
	logger *slog.Logger
	max    int

	submitCh  chan *pending
	cancelCh  chan string
	expiredCh chan string
	notifs    chan protocol.Envelope

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}
	termErr      error
}

// New wraps the connection and starts the scheduling loop.
func New(conn *transport.Conn, codec protocol.Codec, cfg Config) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With("component", "scheduler")
	}
	s := &Scheduler{
		conn:       conn,
		codec:      codec,
		logger:     cfg.Logger,
		max:        cfg.MaxInFlight,
		submitCh:   make(chan *pending),
		cancelCh:   make(chan string),
		expiredCh:  make(chan string),
		notifs:     make(chan protocol.Envelope, 16),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit sends the request and suspends the caller until response, timeout,
// link loss, or withdrawal. Cancelling ctx withdraws the request: removed if
// still queued, marked-to-discard if already on the wire. An empty envelope
// id is assigned a fresh UUID.
func (s *Scheduler) Submit(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	p := &pending{env: env, timeout: timeout, res: make(chan result, 1)}

	select {
	case s.submitCh <- p:
	case <-s.done:
		return protocol.Envelope{}, s.terminalErr()
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}

	select {
	case r := <-p.res:
		return r.env, r.err
	case <-ctx.Done():
		s.Cancel(env.ID)
		// The withdrawal is acknowledged by the loop resolving the
		// request; a response that won the race is returned as-is.
		select {
		case r := <-p.res:
			return r.env, r.err
		case <-s.done:
			return protocol.Envelope{}, s.terminalErr()
		}
	}
}

// Cancel withdraws a request by id. Cancelling an already-resolved request
// is a no-op.
func (s *Scheduler) Cancel(id string) {
	select {
	case s.cancelCh <- id:
	case <-s.done:
	}
}

// Notifications yields unsolicited server frames (pushes without a matching
// request id). Delivery is best effort: when the consumer lags, pushes are
// dropped and the next full refresh heals.
func (s *Scheduler) Notifications() <-chan protocol.Envelope {
	return s.notifs
}

// Shutdown resolves every pending request with ErrCancelled and closes the
// connection. Safe to call multiple times.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
	<-s.done
}

// Done is closed once the scheduling loop has exited and every pending
// request has been resolved.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) terminalErr() error {
	if s.termErr != nil {
		return s.termErr
	}
	return ErrLinkLost
}

func (s *Scheduler) run() {
	inflight := make(map[string]*pending)
	var queue []*pending

	defer close(s.done)

	for {
		select {
		case <-s.shutdownCh:
			s.flush(inflight, queue, ErrCancelled)
			s.conn.Close()
			return

		case frame, ok := <-s.conn.Frames():
			if !ok {
				s.flush(inflight, queue, ErrLinkLost)
				return
			}
			s.handleFrame(frame, inflight)
			queue = s.promote(inflight, queue)

		case p := <-s.submitCh:
			if len(inflight) < s.max {
				s.issue(p, inflight)
			} else {
				queue = append(queue, p)
			}

		case id := <-s.cancelCh:
			queue = s.handleCancel(id, inflight, queue)

		case id := <-s.expiredCh:
			p, ok := inflight[id]
			if !ok {
				continue
			}
			delete(inflight, id)
			s.resolve(p, result{err: ErrTimeout})
			queue = s.promote(inflight, queue)
		}
	}
}

func (s *Scheduler) handleFrame(frame []byte, inflight map[string]*pending) {
	env, err := s.codec.Decode(frame)
	if err != nil {
		// A single bad frame is not fatal; the next refresh self-heals.
		s.logger.Warn("dropping undecodable frame", "err", err)
		return
	}

	p, ok := inflight[env.ID]
	if !ok {
		if env.ID == "" {
			select {
			case s.notifs <- env:
			default:
				s.logger.Debug("dropping notification, consumer lagging", "type", env.Type)
			}
			return
		}
		s.logger.Debug("unmatched response", "id", env.ID, "type", env.Type)
		return
	}

	delete(inflight, env.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	// A response for a withdrawn request is decoded and discarded.
	s.resolve(p, result{env: env})
}

func (s *Scheduler) handleCancel(id string, inflight map[string]*pending, queue []*pending) []*pending {
	for i, p := range queue {
		if p.env.ID == id {
			queue = append(queue[:i], queue[i+1:]...)
			s.resolve(p, result{err: ErrCancelled})
			return queue
		}
	}
	if p, ok := inflight[id]; ok {
		// Keep the slot occupied; the request is still outstanding on
		// the wire. Its response or timeout frees the slot later.
		s.resolve(p, result{err: ErrCancelled})
	}
	return queue
}

func (s *Scheduler) issue(p *pending, inflight map[string]*pending) {
	frame, err := s.codec.Encode(p.env)
	if err != nil {
		s.resolve(p, result{err: err})
		return
	}
	if err := s.conn.Send(frame); err != nil {
		// Link teardown is in progress; the frames channel will close
		// and flush the rest.
		s.resolve(p, result{err: ErrLinkLost})
		return
	}

	id := p.env.ID
	p.timer = time.AfterFunc(p.timeout, func() {
		select {
		case s.expiredCh <- id:
		case <-s.done:
		}
	})
	inflight[id] = p
}

func (s *Scheduler) promote(inflight map[string]*pending, queue []*pending) []*pending {
	for len(inflight) < s.max && len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		s.issue(p, inflight)
	}
	return queue
}

func (s *Scheduler) flush(inflight map[string]*pending, queue []*pending, err error) {
	s.termErr = err
	for id, p := range inflight {
		delete(inflight, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		s.resolve(p, result{err: err})
	}
	for _, p := range queue {
		s.resolve(p, result{err: err})
	}
}

// resolve delivers a result exactly once. All calls happen on the run
// goroutine, so the resolved flag needs no lock.
func (s *Scheduler) resolve(p *pending, r result) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.res <- r
}
