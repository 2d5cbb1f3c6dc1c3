package osprey

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/ospreymta/osprey/utils"
)

// ConnectionState represents the current state of an SMTP session per
// RFC 5321. Transitions are driven only by commands and replies; there is
// no timing dependence.
type ConnectionState int

const (
	StateConnect ConnectionState = iota
	StateGreeted
	StateMail
	StateRcpt
	StateQuit
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Extension is an SMTP extension advertised in the EHLO response.
type Extension string

const (
	Ext8BitMIME            Extension = "8BITMIME"
	ExtPipelining          Extension = "PIPELINING"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtSize                Extension = "SIZE"
	ExtAuth                Extension = "AUTH"
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
)

// TLSInfo records the negotiated TLS parameters of a session.
type TLSInfo struct {
	Enabled     bool
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// AuthInfo records the authentication outcome of a session.
type AuthInfo struct {
	Authenticated   bool
	Mechanism       string
	Identity        string
	Anonymous       bool
	AuthenticatedAt time.Time
}

// ConnectionTrace holds diagnostic counters for a connection.
type ConnectionTrace struct {
	ID               string
	RemoteAddr       net.Addr
	LocalAddr        net.Addr
	ConnectedAt      time.Time
	ClientHostname   string
	CommandCount     int64
	TransactionCount int64
	ErrorCount       int
	LastActivity     time.Time
}

// ConnectionLimits defines per-connection resource limits.
type ConnectionLimits struct {
	MaxMessageSize int64
	MaxRecipients  int
	MaxErrors      int
	CommandTimeout time.Duration
	DataTimeout    time.Duration
}

// Connection is one SMTP session. Methods are safe for concurrent use;
// the protocol loop owns reader and writer access.
type Connection struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	reader *bufio.Reader
	writer *bufio.Writer

	mu          sync.RWMutex
	state       ConnectionState
	currentMail *Mail
	closed      bool

	Trace      ConnectionTrace
	TLS        TLSInfo
	Auth       AuthInfo
	Limits     ConnectionLimits
	Extensions map[Extension]string

	serverHostname string
	closedChan     chan struct{}
}

// NewConnection wraps a net.Conn in a session in the CONNECT state.
func NewConnection(ctx context.Context, conn net.Conn, serverHostname string, limits ConnectionLimits, bufioSize int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	return &Connection{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		reader: bufio.NewReaderSize(conn, bufioSize),
		writer: bufio.NewWriterSize(conn, bufioSize),
		state:  StateConnect,
		Trace: ConnectionTrace{
			ID:           utils.GenerateID(),
			RemoteAddr:   conn.RemoteAddr(),
			LocalAddr:    conn.LocalAddr(),
			ConnectedAt:  now,
			LastActivity: now,
		},
		Limits:         limits,
		Extensions:     make(map[Extension]string),
		serverHostname: serverHostname,
		closedChan:     make(chan struct{}),
	}
}

func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) SetState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Connection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

func (c *Connection) IsTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TLS.Enabled
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.Authenticated
}

// CurrentMail returns the transaction in progress, or nil.
func (c *Connection) CurrentMail() *Mail {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMail
}

// BeginTransaction starts a new mail transaction.
func (c *Connection) BeginTransaction() *Mail {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMail = NewMail()
	c.currentMail.ReceivedAt = time.Now()
	return c.currentMail
}

// ResetTransaction aborts the current transaction, returning the session
// to the GREETED state. Connection-level facts (TLS, auth, HELO host) are
// untouched.
func (c *Connection) ResetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMail = nil
	if c.state != StateConnect {
		c.state = StateGreeted
	}
}

// CompleteTransaction finalizes the current transaction and returns the
// completed Mail.
func (c *Connection) CompleteTransaction() *Mail {
	c.mu.Lock()
	defer c.mu.Unlock()
	mail := c.currentMail
	c.currentMail = nil
	c.state = StateGreeted
	c.Trace.TransactionCount++
	return mail
}

// Close terminates the connection and releases resources. Safe to call
// more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	close(c.closedChan)

	_ = c.writer.Flush()
	return c.conn.Close()
}

// Done returns a channel closed when the connection terminates.
func (c *Connection) Done() <-chan struct{} {
	return c.closedChan
}

// UpdateActivity bumps the activity timestamp and command counter.
func (c *Connection) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.LastActivity = time.Now()
	c.Trace.CommandCount++
}

// RecordError counts a protocol error and reports whether the connection
// has exceeded its error budget and must be aborted.
func (c *Connection) RecordError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.ErrorCount++
	return c.Limits.MaxErrors > 0 && c.Trace.ErrorCount >= c.Limits.MaxErrors
}

// SetClientHostname records the hostname from EHLO/HELO.
func (c *Connection) SetClientHostname(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.ClientHostname = hostname
}

// SetExtension enables an extension with optional parameters.
func (c *Connection) SetExtension(ext Extension, params string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Extensions[ext] = params
}

// HasExtension reports whether an extension is enabled.
func (c *Connection) HasExtension(ext Extension) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.Extensions[ext]
	return ok
}

// SessionInfo snapshots the connection for policy evaluation.
func (c *Connection) SessionInfo() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := SessionInfo{
		ID:            c.Trace.ID,
		LocalAddr:     c.Trace.LocalAddr.String(),
		TLS:           c.TLS.Enabled,
		HeloHost:      c.Trace.ClientHostname,
		Authenticated: c.Auth.Authenticated,
		AuthIdentity:  c.Auth.Identity,
		Anonymous:     c.Auth.Anonymous,
	}
	if tcp, ok := c.Trace.RemoteAddr.(*net.TCPAddr); ok {
		info.RemoteIP = tcp.IP.String()
		info.RemotePort = tcp.Port
	} else if ip, err := utils.GetIPFromAddr(c.Trace.RemoteAddr); err == nil {
		info.RemoteIP = ip.String()
	}
	return info
}

// UpgradeToTLS performs the server side of STARTTLS. On success the
// session returns to the CONNECT state per RFC 3207: everything learned
// before the handshake is discarded.
func (c *Connection) UpgradeToTLS(config *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)

	state := tlsConn.ConnectionState()
	c.TLS = TLSInfo{
		Enabled:     true,
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}

	c.state = StateConnect
	c.currentMail = nil
	c.Trace.ClientHostname = ""
	c.Extensions = make(map[Extension]string)
	return nil
}

// GenerateReceivedHeader creates the trace field this host adds to a
// received message (RFC 5321 Section 4.4, protocol names per RFC 3848).
func (c *Connection) GenerateReceivedHeader(forRecipient string) TraceField {
	c.mu.RLock()
	defer c.mu.RUnlock()

	useUTF8 := c.currentMail != nil && c.currentMail.Envelope.SMTPUTF8

	var protocol string
	if useUTF8 {
		protocol = "UTF8SMTP"
		if c.TLS.Enabled {
			protocol = "UTF8SMTPS"
		}
	} else {
		protocol = "SMTP"
		if c.TLS.Enabled {
			protocol = "ESMTPS"
		} else if len(c.Extensions) > 0 {
			protocol = "ESMTP"
		}
	}
	if c.Auth.Authenticated {
		protocol += "A"
	}

	var fromIP string
	if ip, err := utils.GetIPFromAddr(c.Trace.RemoteAddr); err == nil {
		fromIP = ip.String()
	}

	return TraceField{
		FromHost:  c.Trace.ClientHostname,
		FromIP:    fromIP,
		ByHost:    c.serverHostname,
		With:      protocol,
		For:       forRecipient,
		Timestamp: time.Now(),
	}
}
