package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Laixer/Glonax/internal/authority"
	"github.com/Laixer/Glonax/internal/models"
)

var (
	ErrHelloRequired = errors.New("hello required")
	ErrNoControl     = errors.New("session did not request control")
	ErrUnknownOp     = errors.New("unknown operation")
	ErrAlreadyHello  = errors.New("session already identified")
)

// Commander accepts commands on behalf of a session.
type Commander interface {
	Submit(ctx context.Context, cmd models.Command) (authority.Decision, error)
}

// SnapshotSource assembles the current machine state.
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// Config describes one listener.
type Config struct {
	// Name labels the listener in logs, e.g. "tcp" or "unix".
	Name string

	// MaxConnections bounds concurrent sessions. Connections over the
	// cap are refused.
	MaxConnections int

	// Sources lists the command sources a client may claim on this
	// listener.
	Sources []models.Source

	Instance models.Instance

	// FailsafeTargets are commanded to zero when a controlling session
	// with failsafe enabled disconnects without saying bye.
	FailsafeTargets []string
}

const (
	writeTimeout    = 5 * time.Second
	failsafeTimeout = 2 * time.Second
)

// Server serves the session protocol on one listener.
type Server struct {
	cfg       Config
	commander Commander
	snapshots SnapshotSource
	hub       *Hub
	logger    *slog.Logger

	sem chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active   sync.WaitGroup
	accepted atomic.Uint64
	refused  atomic.Uint64
}

func NewServer(cfg Config, commander Commander, snapshots SnapshotSource, hub *Hub, logger *slog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	return &Server{
		cfg:       cfg,
		commander: commander,
		snapshots: snapshots,
		hub:       hub,
		logger:    logger.With("component", "transport", "listener", cfg.Name),
		sem:       make(chan struct{}, cfg.MaxConnections),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Listen opens a listener. For unix sockets a stale socket file is
// removed first.
func Listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// Serve accepts sessions until ctx is cancelled, then closes the
// listener and every session and waits for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()

	s.logger.Info("transport server listening", "address", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.refused.Add(1)
			s.logger.Warn("connection refused", "remote", conn.RemoteAddr().String(), "reason", "connection limit reached")
			s.refuse(conn)
			continue
		}

		s.accepted.Add(1)
		s.track(conn, true)
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer func() { <-s.sem }()
			defer s.track(conn, false)
			s.serveSession(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

// Stats returns the number of accepted and refused connections.
func (s *Server) Stats() (accepted, refused uint64) {
	return s.accepted.Load(), s.refused.Load()
}

// Connections returns the number of open sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := NewEncoder(conn).Encode(Envelope{Op: OpRefused, Error: "too many connections"}); err != nil {
		s.logger.Debug("failed to write refusal", "error", err)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

type session struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	enc     interface{ Encode(any) error }

	hello  *Request
	sub    *Subscription
	subErr chan struct{}
}

func (s *Server) serveSession(ctx context.Context, conn net.Conn) {
	sess := &session{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
		enc:    NewEncoder(conn),
	}
	defer conn.Close()
	defer sess.unsubscribe()

	sess.logger.Debug("session opened")
	graceful := sess.loop(ctx)
	sess.logger.Debug("session closed", "graceful", graceful)

	if !graceful && sess.wantsFailsafe() && ctx.Err() == nil {
		s.failsafe(sess.hello)
	}
}

// loop handles requests until the client leaves. It reports whether the
// client said bye.
func (sess *session) loop(ctx context.Context) bool {
	dec := NewDecoder(sess.conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.logger.Debug("failed to decode request", "error", err)
			}
			return false
		}
		if req.Op == OpBye {
			sess.write(Envelope{Op: OpBye, OK: true})
			return true
		}
		sess.write(sess.handle(ctx, req))
	}
}

func (sess *session) handle(ctx context.Context, req Request) Envelope {
	switch req.Op {
	case OpHello:
		return sess.handleHello(req)
	case OpPing:
		return Envelope{Op: OpPong, OK: true}
	}

	if sess.hello == nil {
		return errEnvelope(req.Op, ErrHelloRequired, "")
	}

	switch req.Op {
	case OpSnapshot:
		env, err := okEnvelope(OpSnapshot, sess.server.snapshots.Snapshot())
		if err != nil {
			return errEnvelope(OpSnapshot, err, "")
		}
		return env
	case OpSubscribe:
		sess.subscribe()
		return Envelope{Op: OpSubscribe, OK: true}
	case OpCommand:
		return sess.handleCommand(ctx, req)
	}
	return errEnvelope(OpError, fmt.Errorf("%w %q", ErrUnknownOp, req.Op), "")
}

func (sess *session) handleHello(req Request) Envelope {
	if sess.hello != nil {
		return errEnvelope(OpHello, ErrAlreadyHello, "")
	}
	if !req.Source.Known() || !slices.Contains(sess.server.cfg.Sources, req.Source) {
		err := &authority.DeniedError{Reason: authority.ReasonUnknownSource}
		return errEnvelope(OpHello, err, err.Reason)
	}
	sess.hello = &req
	sess.logger = sess.logger.With("client", req.Name, "source", req.Source)
	sess.logger.Info("client identified", "control", req.Control, "failsafe", req.Failsafe)

	env, err := okEnvelope(OpHello, sess.server.cfg.Instance)
	if err != nil {
		return errEnvelope(OpHello, err, "")
	}
	return env
}

func (sess *session) handleCommand(ctx context.Context, req Request) Envelope {
	if !sess.hello.Control {
		return errEnvelope(OpCommand, ErrNoControl, "")
	}
	cmd := models.Command{
		ID:     uuid.NewString(),
		Source: sess.hello.Source,
		Target: req.Target,
		Value:  req.Value,
	}
	decision, err := sess.server.commander.Submit(ctx, cmd)

	data, merr := Marshal(CommandResult{ID: cmd.ID, Decision: decision})
	if merr != nil {
		return errEnvelope(OpCommand, merr, "")
	}
	if err != nil {
		env := errEnvelope(OpCommand, err, decision.Reason)
		var denied *authority.DeniedError
		if errors.As(err, &denied) {
			env.Reason = string(denied.Reason)
		}
		env.Data = data
		return env
	}
	return Envelope{Op: OpCommand, OK: true, Data: data}
}

func (sess *session) subscribe() {
	if sess.sub != nil || sess.server.hub == nil {
		return
	}
	sub := sess.server.hub.Subscribe()
	sess.sub = sub
	sess.subErr = make(chan struct{})
	go func() {
		defer close(sess.subErr)
		for snap := range sub.C {
			env, err := okEnvelope(OpSnapshot, snap)
			if err != nil {
				sess.logger.Warn("failed to encode snapshot", "error", err)
				continue
			}
			if !sess.write(env) {
				return
			}
		}
	}()
}

func (sess *session) unsubscribe() {
	if sess.sub == nil {
		return
	}
	sess.server.hub.Unsubscribe(sess.sub)
	<-sess.subErr
}

func (sess *session) write(env Envelope) bool {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sess.enc.Encode(env); err != nil {
		sess.logger.Debug("failed to write response", "op", env.Op, "error", err)
		return false
	}
	return true
}

func (sess *session) wantsFailsafe() bool {
	return sess.hello != nil && sess.hello.Control && sess.hello.Failsafe
}

// failsafe stops the hydraulics on behalf of an abandoned session. The
// commands pass the gate like any other.
func (s *Server) failsafe(hello *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), failsafeTimeout)
	defer cancel()
	for _, target := range s.cfg.FailsafeTargets {
		decision, err := s.commander.Submit(ctx, models.Command{Source: hello.Source, Target: target})
		s.logger.Warn("session abandoned, failsafe issued", "client", hello.Name, "target", target, "decision", decision.String(), "error", err)
	}
}
