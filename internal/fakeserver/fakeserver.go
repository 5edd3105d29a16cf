// Package fakeserver implements an in-process server speaking the query
// protocol. It backs the demo binary and the integration tests: plugin
// fixtures, scriptable auth rejection, and forced connection drops.
package fakeserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mqui/mqui/internal/protocol"
	"github.com/mqui/mqui/internal/transport"
	"github.com/mqui/mqui/pkg/types"
)

// Config seeds one fake server.
type Config struct {
	// Credential is the expected hello credential. Empty accepts anything.
	Credential string
	Software   string
	Version    string
	Plugins    []types.PluginRecord
	Logger     *slog.Logger
}

type clientConn struct {
	nc  net.Conn
	wmu sync.Mutex
}

func (c *clientConn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return transport.WriteFrame(c.nc, frame)
}

// Server is one fake endpoint. Safe for concurrent control from tests while
// serving connections.
type Server struct {
	logger *slog.Logger
	codec  protocol.Codec

	mu         sync.Mutex
	credential string
	software   string
	version    string
	plugins    map[string]types.PluginRecord
	rejectAuth bool
	listDelay  time.Duration
	conns      map[*clientConn]struct{}

	ln      net.Listener
	started time.Time
	closed  chan struct{}
	wg      sync.WaitGroup
}

// New builds an unstarted server from fixtures.
func New(cfg Config) *Server {
	if cfg.Software == "" {
		cfg.Software = "Paper"
	}
	if cfg.Version == "" {
		cfg.Version = "1.21.4"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With("component", "fakeserver")
	}
	plugins := make(map[string]types.PluginRecord, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		plugins[p.Name] = p
	}
	return &Server{
		logger:     cfg.Logger,
		codec:      protocol.NewCodec(protocol.Version),
		credential: cfg.Credential,
		software:   cfg.Software,
		version:    cfg.Version,
		plugins:    plugins,
		conns:      make(map[*clientConn]struct{}),
		closed:     make(chan struct{}),
	}
}

// Start listens on addr ("127.0.0.1:0" for an ephemeral test port) and
// begins accepting connections.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.started = time.Now()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Port returns the listen port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// SetRejectAuth makes subsequent hello requests fail with auth_failed.
func (s *Server) SetRejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

// SetListDelay makes list_plugins responses lag by d, simulating a slow
// server.
func (s *Server) SetListDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listDelay = d
}

// SetPlugins replaces the plugin fixtures. Existing clients see the change
// on their next refresh.
func (s *Server) SetPlugins(plugins []types.PluginRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins = make(map[string]types.PluginRecord, len(plugins))
	for _, p := range plugins {
		s.plugins[p.Name] = p
	}
}

// PushDelta applies changes to the fixtures and pushes a delta notification
// to every connected client.
func (s *Server) PushDelta(changes []types.PluginChange) {
	s.mu.Lock()
	for _, ch := range changes {
		if ch.Removed {
			delete(s.plugins, ch.Name)
			continue
		}
		s.plugins[ch.Name] = types.PluginRecord{
			Name:          ch.Name,
			Version:       ch.Version,
			Enabled:       ch.Enabled,
			Compatibility: ch.Compatibility,
		}
	}
	conns := s.connsLocked()
	s.mu.Unlock()

	env, err := protocol.Request("", protocol.TypePluginDelta, protocol.PluginDeltaPayload{Changes: changes})
	if err != nil {
		return
	}
	frame, err := s.codec.Encode(env)
	if err != nil {
		return
	}
	for _, c := range conns {
		if err := c.write(frame); err != nil {
			s.logger.Debug("push failed", "err", err)
		}
	}
}

// DropConnections severs every live connection, simulating a crash or
// network partition.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.connsLocked()
	s.conns = make(map[*clientConn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.nc.Close()
	}
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) connsLocked() []*clientConn {
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}

		c := &clientConn{nc: nc}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c *clientConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.nc.Close()
	}()

	authed := false
	for {
		frame, err := transport.ReadFrame(c.nc)
		if err != nil {
			return
		}
		env, err := s.codec.Decode(frame)
		if err != nil {
			s.logger.Debug("bad frame", "err", err)
			continue
		}

		switch env.Type {
		case protocol.TypeHello:
			authed = s.handleHello(c, env)
		case protocol.TypePing:
			s.reply(c, env.ID, protocol.TypePong, nil, nil)
		case protocol.TypeListPlugins:
			if !s.requireAuth(c, env, authed) {
				continue
			}
			s.mu.Lock()
			delay := s.listDelay
			s.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			s.reply(c, env.ID, protocol.TypePluginList, s.pluginList(), nil)
		case protocol.TypeServerStatus:
			if !s.requireAuth(c, env, authed) {
				continue
			}
			s.reply(c, env.ID, protocol.TypeStatus, s.serverStatus(), nil)
		case protocol.TypeReloadPlugin:
			if !s.requireAuth(c, env, authed) {
				continue
			}
			s.handleReload(c, env)
		case protocol.TypeSetEnabled:
			if !s.requireAuth(c, env, authed) {
				continue
			}
			s.handleSetEnabled(c, env)
		default:
			s.reply(c, env.ID, protocol.TypeAck, nil, &protocol.WireError{
				Code:    protocol.CodeBadRequest,
				Message: "unknown request type " + env.Type,
			})
		}
	}
}

func (s *Server) handleHello(c *clientConn, env protocol.Envelope) bool {
	var hello protocol.HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		s.reply(c, env.ID, protocol.TypeWelcome, nil, &protocol.WireError{
			Code:    protocol.CodeBadRequest,
			Message: "bad hello payload",
		})
		return false
	}

	s.mu.Lock()
	reject := s.rejectAuth || (s.credential != "" && hello.Credential != s.credential)
	software, version := s.software, s.version
	s.mu.Unlock()

	if reject {
		s.reply(c, env.ID, protocol.TypeWelcome, nil, &protocol.WireError{
			Code:    protocol.CodeAuthFailed,
			Message: "invalid credential",
		})
		return false
	}

	s.reply(c, env.ID, protocol.TypeWelcome, protocol.WelcomePayload{
		ProtocolVersion: protocol.Version,
		Software:        software,
		Version:         version,
	}, nil)
	return true
}

func (s *Server) handleReload(c *clientConn, env protocol.Envelope) {
	var req protocol.PluginNamePayload
	_ = json.Unmarshal(env.Payload, &req)

	s.mu.Lock()
	_, ok := s.plugins[req.Name]
	s.mu.Unlock()

	if !ok {
		s.reply(c, env.ID, protocol.TypeAck, nil, &protocol.WireError{
			Code:    protocol.CodeUnknownPlugin,
			Message: "no such plugin: " + req.Name,
		})
		return
	}
	s.reply(c, env.ID, protocol.TypeAck, protocol.AckPayload{OK: true}, nil)
}

func (s *Server) handleSetEnabled(c *clientConn, env protocol.Envelope) {
	var req protocol.SetEnabledPayload
	_ = json.Unmarshal(env.Payload, &req)

	s.mu.Lock()
	rec, ok := s.plugins[req.Name]
	if ok {
		rec.Enabled = req.Enabled
		s.plugins[req.Name] = rec
	}
	s.mu.Unlock()

	if !ok {
		s.reply(c, env.ID, protocol.TypeAck, nil, &protocol.WireError{
			Code:    protocol.CodeUnknownPlugin,
			Message: "no such plugin: " + req.Name,
		})
		return
	}

	s.reply(c, env.ID, protocol.TypeAck, protocol.AckPayload{OK: true}, nil)
	s.PushDelta([]types.PluginChange{{
		Name:          rec.Name,
		Version:       rec.Version,
		Enabled:       rec.Enabled,
		Compatibility: rec.Compatibility,
	}})
}

func (s *Server) requireAuth(c *clientConn, env protocol.Envelope, authed bool) bool {
	if authed {
		return true
	}
	s.reply(c, env.ID, protocol.TypeAck, nil, &protocol.WireError{
		Code:    protocol.CodeAuthFailed,
		Message: "not authenticated",
	})
	return false
}

func (s *Server) pluginList() protocol.PluginListPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	plugins := make([]types.PluginRecord, 0, len(s.plugins))
	for _, p := range s.plugins {
		plugins = append(plugins, p)
	}
	return protocol.PluginListPayload{
		Software: s.software,
		Version:  s.version,
		Plugins:  plugins,
	}
}

func (s *Server) serverStatus() protocol.ServerStatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.ServerStatusPayload{
		Software:      s.software,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		PluginCount:   len(s.plugins),
	}
}

func (s *Server) reply(c *clientConn, id, msgType string, payload any, wireErr *protocol.WireError) {
	env := protocol.Envelope{ID: id, Type: msgType, Error: wireErr}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("marshal reply", "type", msgType, "err", err)
			return
		}
		env.Payload = raw
	}
	frame, err := s.codec.Encode(env)
	if err != nil {
		s.logger.Error("encode reply", "type", msgType, "err", err)
		return
	}
	if err := c.write(frame); err != nil {
		s.logger.Debug("write reply", "err", err)
	}
}
