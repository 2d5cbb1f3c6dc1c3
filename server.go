package osprey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ospreymta/osprey/metrics"
	ospreyio "github.com/ospreymta/osprey/io"
)

// Server is an SMTP server that handles concurrent connections, consulting
// the configured Policy at each stage and handing accepted messages to the
// Spooler.
type Server struct {
	config   ServerConfig
	listener net.Listener

	connMu      sync.Mutex
	connections map[*Connection]struct{}
	connCount   atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// NewServer creates a server from config, applying defaults for unset
// fields.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}
	if config.Addr == "" {
		config.Addr = ":25"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Minute
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Minute
	}
	if config.DataTimeout == 0 {
		config.DataTimeout = 10 * time.Minute
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 512
	}
	if config.MaxReceivedHeaders == 0 {
		config.MaxReceivedHeaders = 100
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		connections: make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	s.config.Logger.Info("smtp server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting connections and waits for active sessions to
// finish, up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.connections {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately terminates the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	return nil
}

// sendShutdownResponse sends a 421 to every connected client before
// closing, per RFC 5321.
func (s *Server) sendShutdownResponse() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.connections {
		_ = conn.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		resp := ResponseServiceUnavailable(s.config.Hostname, "Service shutting down")
		_, _ = conn.writer.WriteString(resp.String() + "\r\n")
		_ = conn.writer.Flush()
		_ = conn.conn.Close()
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	limits := ConnectionLimits{
		MaxMessageSize: s.config.MaxMessageSize,
		MaxRecipients:  s.config.MaxRecipients,
		MaxErrors:      s.config.MaxErrors,
		CommandTimeout: s.config.ReadTimeout,
		DataTimeout:    s.config.DataTimeout,
	}

	conn := NewConnection(s.ctx, netConn, s.config.Hostname, limits, 4096)

	// Implicit TLS listener
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		conn.TLS = TLSInfo{
			Enabled:     true,
			Version:     state.Version,
			CipherSuite: state.CipherSuite,
			ServerName:  state.ServerName,
		}
	}

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)
	metrics.ConnectionsTotal.Inc()

	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		s.connCount.Add(-1)
		_ = conn.Close()
	}()

	logger := s.config.Logger.With(
		slog.String("conn_id", conn.Trace.ID),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	logger.Info("client connected")

	// Connect-stage policy runs before the greeting.
	if directive := s.evaluate(conn, StageConnect, nil); directive.Action == ActionReject {
		logger.Info("connection rejected by policy")
		s.writeResponse(conn, rejectionReply(directive, ResponseTransactionFailed("Connection refused", ESCDeliveryNotAuth)))
		return
	}

	s.writeResponse(conn, ResponseServiceReady(s.config.Hostname, fmt.Sprintf("ESMTP ready [%s]", conn.Trace.ID)))

	s.commandLoop(conn, logger)

	logger.Info("client disconnected",
		slog.Int64("commands", conn.Trace.CommandCount),
		slog.Int("errors", conn.Trace.ErrorCount),
		slog.Int64("transactions", conn.Trace.TransactionCount),
	)
}

// commandLoop processes commands until the session ends.
func (s *Server) commandLoop(conn *Connection, logger *slog.Logger) {
	for {
		select {
		case <-conn.Context().Done():
			return
		default:
		}

		if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return
		}

		line, err := ospreyio.ReadLine(conn.reader, s.config.MaxLineLength, false)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Timeout waiting for command"))
				return
			}
			if errors.Is(err, ospreyio.ErrLineTooLong) {
				s.writeResponse(conn, ResponseSyntaxError("Line too long"))
				if conn.RecordError() {
					s.abortTooManyErrors(conn)
					return
				}
				continue
			}
			if errors.Is(err, ospreyio.ErrBadLineEnding) {
				s.writeResponse(conn, ResponseSyntaxError("Line must be terminated with CRLF"))
				if conn.RecordError() {
					s.abortTooManyErrors(conn)
					return
				}
				continue
			}
			logger.Error("read error", slog.Any("error", err))
			return
		}

		conn.UpdateActivity()

		cmd, args, err := parseCommand(line)
		if err != nil {
			s.writeResponse(conn, ResponseCommandNotRecognized(line))
			if conn.RecordError() {
				s.abortTooManyErrors(conn)
				return
			}
			continue
		}

		logger.Debug("command received", slog.String("cmd", string(cmd)), slog.String("args", args))

		response := s.handleCommand(conn, cmd, args, logger)
		if response != nil {
			s.writeResponse(conn, *response)
			if response.IsError() && conn.RecordError() {
				s.abortTooManyErrors(conn)
				return
			}
		}

		if conn.State() == StateQuit {
			return
		}
	}
}

// abortTooManyErrors closes the session after the protocol error budget is
// exhausted.
func (s *Server) abortTooManyErrors(conn *Connection) {
	s.writeResponse(conn, ResponseServiceUnavailable(s.config.Hostname, "Too many errors, closing connection"))
	conn.SetState(StateQuit)
}

// handleCommand dispatches a single SMTP command.
func (s *Server) handleCommand(conn *Connection, cmd Command, args string, logger *slog.Logger) *Response {
	switch cmd {
	case CmdHelo:
		return s.handleHelo(conn, args)
	case CmdEhlo:
		return s.handleEhlo(conn, args)
	case CmdMail:
		return s.handleMail(conn, args)
	case CmdRcpt:
		return s.handleRcpt(conn, args)
	case CmdData:
		return s.handleData(conn, logger)
	case CmdRset:
		return s.handleRset(conn)
	case CmdVrfy:
		return s.handleVrfy(conn, args)
	case CmdExpn:
		return s.handleExpn(conn, args)
	case CmdHelp:
		return s.handleHelp(conn, args)
	case CmdNoop:
		resp := ResponseOK("OK", "")
		return &resp
	case CmdQuit:
		return s.handleQuit(conn)
	case CmdStartTLS:
		return s.handleStartTLS(conn)
	case CmdAuth:
		return s.handleAuth(conn, args)
	default:
		resp := ResponseCommandNotRecognized(string(cmd))
		return &resp
	}
}

// evaluate consults the policy for a stage. A nil policy continues.
func (s *Server) evaluate(conn *Connection, stage Stage, recipient *Path) Directive {
	if s.config.Policy == nil {
		return Continue()
	}
	ev := &Event{
		Stage:     stage,
		Session:   conn.SessionInfo(),
		Mail:      conn.CurrentMail(),
		Recipient: recipient,
	}
	return s.config.Policy.Evaluate(conn.Context(), ev)
}

// rejectionReply picks the directive's custom reply or the stage default.
func rejectionReply(d Directive, fallback Response) Response {
	if d.Reply != nil {
		return *d.Reply
	}
	return fallback
}

// writeResponse sends a single reply line.
func (s *Server) writeResponse(conn *Connection, resp Response) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}
	if _, err := conn.writer.WriteString(resp.String() + "\r\n"); err != nil {
		return
	}
	_ = conn.writer.Flush()
}

// writeMultilineResponse sends a multiline reply.
func (s *Server) writeMultilineResponse(conn *Connection, code SMTPCode, lines []string) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}
	for i, line := range lines {
		var formatted string
		if i < len(lines)-1 {
			formatted = fmt.Sprintf("%d-%s\r\n", code, line)
		} else {
			formatted = fmt.Sprintf("%d %s\r\n", code, line)
		}
		if _, err := conn.writer.WriteString(formatted); err != nil {
			return
		}
	}
	_ = conn.writer.Flush()
}
