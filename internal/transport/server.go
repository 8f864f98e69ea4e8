// Package transport accepts ingest connections and reports their lifecycle
// to a handler. The wire protocol behind the listener is pluggable; the
// server only cares about a handshake yielding a stream path and about the
// connection staying open.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Handler receives connection lifecycle callbacks. OnPublish returning an
// error refuses the stream and closes the connection.
type Handler interface {
	OnPublish(ctx context.Context, sessionID, streamPath string) error
	OnClosed(sessionID string)
}

// Protocol performs the wire handshake on a fresh connection and names the
// URL scheme under which local consumers read the stream back.
type Protocol interface {
	Scheme() string
	Handshake(conn net.Conn) (streamPath string, err error)
}

// TLSConfig defines certificate and key paths for the TLS listener.
type TLSConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// ServerConfig controls the ingest server.
type ServerConfig struct {
	// Addr of the plaintext listener, empty disables it.
	Addr     string
	TLS      TLSConfig
	Protocol Protocol
	Logger   *slog.Logger
}

type session struct {
	conn net.Conn
	path string
}

// Server owns the ingest listeners and the table of open connections.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	handler  Handler
	listener net.Listener
	tlsLn    net.Listener

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a server. A handler must be attached before Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Protocol == nil {
		return nil, fmt.Errorf("protocol is required")
	}
	if cfg.Addr == "" && cfg.TLS.Addr == "" {
		return nil, fmt.Errorf("at least one listen address is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}, nil
}

// SetHandler attaches the lifecycle handler. Must happen before Start.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// Start opens the configured listeners and begins accepting.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler is required")
	}
	if s.cfg.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
		}
		s.listener = ln
		s.wg.Add(1)
		go s.acceptLoop(ln)
		s.logger.Info("ingest listener started", "addr", ln.Addr().String())
	}
	if s.cfg.TLS.Addr != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		ln, err := net.Listen("tcp", s.cfg.TLS.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s: %w", s.cfg.TLS.Addr, err)
		}
		s.tlsLn = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		s.wg.Add(1)
		go s.acceptLoop(s.tlsLn)
		s.logger.Info("ingest TLS listener started", "addr", ln.Addr().String())
	}
	return nil
}

// Addr returns the plaintext listener address, useful when listening on an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every open connection and waits for the
// connection goroutines, bounded by the context.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.sessions))
	for _, sess := range s.sessions {
		conns = append(conns, sess.conn)
	}
	s.mu.Unlock()

	s.closeListeners()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsLn != nil {
		s.tlsLn.Close()
	}
}

// Kick closes the connection of a session. Unknown sessions are ignored.
func (s *Server) Kick(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		sess.conn.Close()
	}
}

// LocalURL returns the loopback URL under which local consumers, probe and
// transcoder, read the session's stream.
func (s *Server) LocalURL(sessionID string) string {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	port := ""
	if addr, isTCP := sess.conn.LocalAddr().(*net.TCPAddr); isTCP {
		port = fmt.Sprintf(":%d", addr.Port)
	}
	return fmt.Sprintf("%s://127.0.0.1%s%s", s.cfg.Protocol.Scheme(), port, sess.path)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	path, err := s.cfg.Protocol.Handshake(conn)
	if err != nil {
		s.logger.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sessions[sessionID] = &session{conn: conn, path: path}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()

	if err := s.handler.OnPublish(context.Background(), sessionID, path); err != nil {
		s.logger.Info("publish refused", "session", sessionID, "error", err)
		return
	}

	// Drain until the remote goes away; the media itself is consumed by
	// the transcoder through the loopback URL.
	_, _ = io.Copy(io.Discard, conn)
	s.handler.OnClosed(sessionID)
}
