// Package session drives the connection lifecycle against one server
// endpoint: connect, authenticate, steady-state polling, failure detection,
// backoff, reconnect. It is the top-level state machine consumers observe.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mqui/mqui/internal/metrics"
	"github.com/mqui/mqui/internal/protocol"
	"github.com/mqui/mqui/internal/reconciler"
	"github.com/mqui/mqui/internal/scheduler"
	"github.com/mqui/mqui/internal/transport"
	"github.com/mqui/mqui/pkg/types"
)

var (
	// ErrNotConnected rejects submissions made outside the Live state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAuthRejected indicates the server refused the credential.
	ErrAuthRejected = errors.New("session: authentication rejected")

	// ErrMaxAttempts is the terminal error after the reconnect budget is
	// exhausted. The session requires an explicit restart afterwards.
	ErrMaxAttempts = errors.New("session: reconnect attempts exhausted")

	// ErrAlreadyStarted rejects a second Start on the same supervisor.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Config tunes one supervisor. Endpoint is mandatory; everything else has
// a sensible default.
type Config struct {
	Endpoint types.Endpoint
	Dialer   transport.Dialer

	RefreshInterval      time.Duration
	RequestTimeout       time.Duration
	PingInterval         time.Duration
	PingFailureThreshold int
	MaxInFlight          int
	Backoff              BackoffConfig

	ClientName string
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

const (
	defaultRefreshInterval = 15 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultPingThreshold   = 3
	defaultDialTimeout     = 10 * time.Second
)

type exitReason int

const (
	exitStop exitReason = iota
	exitLink
)

// Supervisor owns one endpoint's session. All state transitions happen on
// its run goroutine; readers observe through State, Current and Subscribe.
type Supervisor struct {
	cfg    Config
	rec    *reconciler.Reconciler
	logger *slog.Logger

	stateMu sync.RWMutex
	state   types.SessionState
	attempt int
	lastErr error

	schedMu sync.RWMutex
	sched   *scheduler.Scheduler

	refreshSem   chan struct{}
	publishedSeq atomic.Uint64

	errs    chan error
	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// New validates config, fills defaults, and returns an unstarted supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Endpoint.Host == "" {
		return nil, errors.New("session: endpoint host is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingFailureThreshold <= 0 {
		cfg.PingFailureThreshold = defaultPingThreshold
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{
			Timeout:     defaultDialTimeout,
			IdleTimeout: 3 * cfg.PingInterval,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With("component", "session", "endpoint", cfg.Endpoint.Addr())
	}

	return &Supervisor{
		cfg:        cfg,
		rec:        reconciler.New(),
		logger:     cfg.Logger,
		state:      types.StateDisconnected,
		refreshSem: make(chan struct{}, 1),
		errs:       make(chan error, 16),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the lifecycle loop. A supervisor can be started once.
func (s *Supervisor) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go s.run()
	return nil
}

// Stop terminates the session: pending requests resolve cancelled, the
// transport is torn down, and no reconnect follows. Blocks until the
// lifecycle loop has exited.
func (s *Supervisor) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}

// Done is closed when the lifecycle loop exits: either Stop was called or
// the session went terminally disconnected.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// State returns the current session state.
func (s *Supervisor) State() types.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Attempt returns the current reconnect attempt while Reconnecting, zero
// otherwise.
func (s *Supervisor) Attempt() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.attempt
}

// LastError returns the most recent surfaced error, if any.
func (s *Supervisor) LastError() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastErr
}

// Errs yields non-fatal events (decode failures, refresh errors) and the
// terminal error. Delivery is best effort.
func (s *Supervisor) Errs() <-chan error {
	return s.errs
}

// Current returns the latest published state snapshot. Non-blocking.
func (s *Supervisor) Current() *types.StateSnapshot {
	return s.rec.Current()
}

// Subscribe registers an observer for future snapshots, delivered in
// publish order with at-most-latest coalescing.
func (s *Supervisor) Subscribe() *reconciler.Subscription {
	return s.rec.Subscribe()
}

// Refresh performs an on-demand full refresh. Fails fast with
// ErrNotConnected outside Live.
func (s *Supervisor) Refresh(ctx context.Context) error {
	sched := s.liveScheduler()
	if sched == nil {
		return ErrNotConnected
	}
	return s.doRefresh(ctx, sched)
}

// ReloadPlugin asks the server to reload one plugin. The command is never
// retried silently; a failure is the caller's to act on.
func (s *Supervisor) ReloadPlugin(ctx context.Context, name string) error {
	return s.command(ctx, protocol.TypeReloadPlugin, protocol.PluginNamePayload{Name: name})
}

// SetPluginEnabled enables or disables one plugin on the server.
func (s *Supervisor) SetPluginEnabled(ctx context.Context, name string, enabled bool) error {
	return s.command(ctx, protocol.TypeSetEnabled, protocol.SetEnabledPayload{Name: name, Enabled: enabled})
}

// ServerStatus queries live server metadata.
func (s *Supervisor) ServerStatus(ctx context.Context) (protocol.ServerStatusPayload, error) {
	sched := s.liveScheduler()
	if sched == nil {
		return protocol.ServerStatusPayload{}, ErrNotConnected
	}
	res, err := s.submit(ctx, sched, protocol.TypeServerStatus, nil)
	if err != nil {
		return protocol.ServerStatusPayload{}, err
	}
	var status protocol.ServerStatusPayload
	if err := protocol.UnmarshalPayload(res, &status); err != nil {
		return protocol.ServerStatusPayload{}, err
	}
	return status, nil
}

// run is the lifecycle loop: connect, live, reconnect with backoff, until
// stopped or the attempt budget runs out.
func (s *Supervisor) run() {
	defer close(s.done)

	attempt := 0
	for {
		select {
		case <-s.stopCh:
			s.setState(types.StateDisconnected, 0)
			return
		default:
		}

		s.setState(types.StateConnecting, 0)
		sched, conn, err := s.connect()
		if err == nil {
			attempt = 0
			s.setSched(sched)
			s.setState(types.StateLive, 0)
			reason := s.liveLoop(sched, conn)
			s.clearSched()
			if reason == exitStop {
				sched.Shutdown()
				s.setState(types.StateDisconnected, 0)
				return
			}
			if linkErr := conn.Err(); linkErr != nil {
				s.logger.Warn("link down", "reason", linkErr.Reason.String(), "err", linkErr.Err)
			}
			err = errors.New("session: link lost")
		} else {
			s.logger.Warn("connect failed", "err", err)
		}

		attempt++
		s.surface(err)
		if attempt > s.cfg.Backoff.MaxAttempts {
			s.surface(fmt.Errorf("%w after %d attempts: %v", ErrMaxAttempts, s.cfg.Backoff.MaxAttempts, err))
			s.setState(types.StateFatal, 0)
			return
		}
		s.setState(types.StateReconnecting, attempt)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordReconnect()
		}
		if !s.sleep(s.cfg.Backoff.Delay(attempt)) {
			s.setState(types.StateDisconnected, 0)
			return
		}
	}
}

// connect dials the endpoint and runs the hello/welcome handshake.
func (s *Supervisor) connect() (*scheduler.Scheduler, *transport.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, nil, err
	}

	s.setState(types.StateAuthenticating, 0)
	codec := protocol.NewCodec(protocol.Version)
	sched := scheduler.New(conn, codec, scheduler.Config{MaxInFlight: s.cfg.MaxInFlight})

	env, err := protocol.Request(uuid.New().String(), protocol.TypeHello, protocol.HelloPayload{
		ProtocolVersion: protocol.Version,
		Credential:      s.cfg.Endpoint.Credential,
		ClientName:      s.cfg.ClientName,
	})
	if err != nil {
		sched.Shutdown()
		return nil, nil, err
	}

	res, err := sched.Submit(ctx, env, s.cfg.RequestTimeout)
	if err != nil {
		sched.Shutdown()
		return nil, nil, fmt.Errorf("session: hello: %w", err)
	}
	if res.Error != nil {
		sched.Shutdown()
		if res.Error.Code == protocol.CodeAuthFailed {
			return nil, nil, fmt.Errorf("%w: %s", ErrAuthRejected, res.Error.Message)
		}
		return nil, nil, fmt.Errorf("session: hello: %w", res.Error)
	}

	var welcome protocol.WelcomePayload
	if err := protocol.UnmarshalPayload(res, &welcome); err != nil {
		sched.Shutdown()
		return nil, nil, err
	}
	if welcome.ProtocolVersion > protocol.Version {
		sched.Shutdown()
		return nil, nil, fmt.Errorf("session: server speaks v%d, client v%d",
			welcome.ProtocolVersion, protocol.Version)
	}

	s.logger.Info("authenticated", "software", welcome.Software, "version", welcome.Version)
	return sched, conn, nil
}

// liveLoop drives steady state: periodic refresh, keepalive pings, and
// server pushes, until link loss or stop. Refreshes and pings run on their
// own goroutines so this loop stays free to observe link-down.
func (s *Supervisor) liveLoop(sched *scheduler.Scheduler, conn *transport.Conn) exitReason {
	refreshTicker := time.NewTicker(s.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	pingErrs := make(chan error, 1)
	pingFailures := 0

	// Baseline refresh so the snapshot never waits a full interval.
	go s.refresh(sched)

	for {
		select {
		case <-s.stopCh:
			return exitStop

		case <-sched.Done():
			return exitLink

		case env := <-sched.Notifications():
			s.handleNotification(sched, env)

		case <-refreshTicker.C:
			go s.refresh(sched)

		case <-pingTicker.C:
			go func() {
				_, err := s.submit(context.Background(), sched, protocol.TypePing, nil)
				select {
				case pingErrs <- err:
				default:
				}
			}()

		case err := <-pingErrs:
			if err == nil {
				pingFailures = 0
				continue
			}
			pingFailures++
			s.logger.Warn("ping failed", "failures", pingFailures, "err", err)
			if pingFailures >= s.cfg.PingFailureThreshold {
				// Treat a silent server as link loss.
				conn.Close()
			}
		}
	}
}

// handleNotification applies a server push. A delta arriving before any
// baseline triggers exactly one full refresh instead of guessing state.
func (s *Supervisor) handleNotification(sched *scheduler.Scheduler, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePluginDelta:
		var delta protocol.PluginDeltaPayload
		if err := protocol.UnmarshalPayload(env, &delta); err != nil {
			s.surface(err)
			return
		}
		snap, err := s.rec.ApplyDelta(delta.Changes)
		if errors.Is(err, reconciler.ErrInconsistent) {
			s.logger.Info("delta before baseline, requesting full refresh")
			go s.refresh(sched)
			return
		}
		if err != nil {
			s.surface(err)
			return
		}
		s.recordSnapshot(snap)
	default:
		s.logger.Debug("ignoring push", "type", env.Type)
	}
}

// refresh performs one full refresh, skipping if another is in progress.
func (s *Supervisor) refresh(sched *scheduler.Scheduler) {
	select {
	case s.refreshSem <- struct{}{}:
		defer func() { <-s.refreshSem }()
	default:
		return
	}
	if err := s.doRefresh(context.Background(), sched); err != nil {
		if errors.Is(err, scheduler.ErrLinkLost) || errors.Is(err, scheduler.ErrCancelled) {
			return
		}
		s.surface(err)
	}
}

func (s *Supervisor) doRefresh(ctx context.Context, sched *scheduler.Scheduler) error {
	start := time.Now()
	res, err := s.submit(ctx, sched, protocol.TypeListPlugins, nil)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRefreshFailure()
		}
		return err
	}

	var list protocol.PluginListPayload
	if err := protocol.UnmarshalPayload(res, &list); err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRefreshFailure()
		}
		return err
	}

	snap := s.rec.ApplyFull(types.ServerMetadata{
		Software: list.Software,
		Version:  list.Version,
	}, list.Plugins)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRefresh(time.Since(start).Seconds())
	}
	s.recordSnapshot(snap)
	return nil
}

// command submits one user-triggered action. Fails fast outside Live and
// never retries: a user action must not be duplicated without consent.
func (s *Supervisor) command(ctx context.Context, msgType string, payload any) error {
	sched := s.liveScheduler()
	if sched == nil {
		return ErrNotConnected
	}

	start := time.Now()
	res, err := s.submit(ctx, sched, msgType, payload)
	if err == nil {
		var ack protocol.AckPayload
		if uerr := protocol.UnmarshalPayload(res, &ack); uerr != nil {
			err = uerr
		} else if !ack.OK {
			err = fmt.Errorf("session: %s rejected: %s", msgType, ack.Detail)
		}
	}

	if s.cfg.Metrics != nil {
		if err != nil {
			s.cfg.Metrics.RecordCommandFailure()
		} else {
			s.cfg.Metrics.RecordCommand(time.Since(start).Seconds())
		}
	}
	return err
}

func (s *Supervisor) submit(ctx context.Context, sched *scheduler.Scheduler, msgType string, payload any) (protocol.Envelope, error) {
	env, err := protocol.Request(uuid.New().String(), msgType, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	res, err := sched.Submit(ctx, env, s.cfg.RequestTimeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if res.Error != nil {
		return protocol.Envelope{}, fmt.Errorf("session: %s: %w", msgType, res.Error)
	}
	return res, nil
}

// recordSnapshot reports a publication once per new sequence number.
func (s *Supervisor) recordSnapshot(snap *types.StateSnapshot) {
	if snap == nil {
		return
	}
	for {
		prev := s.publishedSeq.Load()
		if snap.Seq <= prev {
			return
		}
		if s.publishedSeq.CompareAndSwap(prev, snap.Seq) {
			break
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSnapshot(snap.Seq, len(snap.Plugins))
	}
}

func (s *Supervisor) liveScheduler() *scheduler.Scheduler {
	if s.State() != types.StateLive {
		return nil
	}
	s.schedMu.RLock()
	defer s.schedMu.RUnlock()
	return s.sched
}

func (s *Supervisor) setSched(sched *scheduler.Scheduler) {
	s.schedMu.Lock()
	s.sched = sched
	s.schedMu.Unlock()
}

func (s *Supervisor) clearSched() {
	s.schedMu.Lock()
	s.sched = nil
	s.schedMu.Unlock()
}

func (s *Supervisor) setState(st types.SessionState, attempt int) {
	s.stateMu.Lock()
	changed := s.state != st || s.attempt != attempt
	s.state = st
	s.attempt = attempt
	s.stateMu.Unlock()

	if changed {
		s.logger.Info("session state", "state", st.String(), "attempt", attempt)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetSessionState(st)
	}
}

func (s *Supervisor) surface(err error) {
	if err == nil {
		return
	}
	s.stateMu.Lock()
	s.lastErr = err
	s.stateMu.Unlock()

	select {
	case s.errs <- err:
	default:
	}
}

// sleep waits for d, returning false if the session was stopped meanwhile.
func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}
