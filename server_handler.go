package osprey

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	ospreyio "github.com/ospreymta/osprey/io"
	"github.com/ospreymta/osprey/metrics"
	"github.com/ospreymta/osprey/utils"
)

// detectLoop rejects mail whose Received header count exceeds maxAllowed
// (RFC 5321 Section 6.3).
func detectLoop(mail *Mail, logger *slog.Logger, maxAllowed int) error {
	if maxAllowed <= 0 {
		return nil
	}
	receivedCount := mail.Content.Headers.Count("Received")
	if receivedCount >= maxAllowed {
		logger.Warn("mail loop detected",
			slog.Int("received_count", receivedCount),
			slog.Int("max_allowed", maxAllowed),
			slog.String("from", mail.Envelope.From.String()),
		)
		return ErrLoopDetected
	}
	return nil
}

func (s *Server) handleHelo(conn *Connection, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	conn.SetClientHostname(hostname)

	if directive := s.evaluate(conn, StageHelo, nil); directive.Action == ActionReject {
		conn.SetClientHostname("")
		resp := rejectionReply(directive, ResponseMailboxNotFound("Helo rejected"))
		return &resp
	}

	conn.SetState(StateGreeted)
	conn.ResetTransaction()

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		ip = net.IPv4zero
	}
	return &Response{
		Code:    CodeOK,
		Message: fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), conn.Trace.ID),
	}
}

func (s *Server) handleEhlo(conn *Connection, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	conn.SetClientHostname(hostname)

	if directive := s.evaluate(conn, StageHelo, nil); directive.Action == ActionReject {
		conn.SetClientHostname("")
		resp := rejectionReply(directive, ResponseMailboxNotFound("Ehlo rejected"))
		return &resp
	}

	extensions := s.buildExtensions(conn)

	conn.SetState(StateGreeted)
	conn.ResetTransaction()

	ip, err := utils.GetIPFromAddr(conn.RemoteAddr())
	if err != nil {
		ip = net.IPv4zero
	}

	greeting := fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), conn.Trace.ID)
	lines := make([]string, 1, len(extensions)+1)
	lines[0] = greeting
	for ext, params := range extensions {
		if params != "" {
			lines = append(lines, fmt.Sprintf("%s %s", ext, params))
		} else {
			lines = append(lines, string(ext))
		}
	}

	s.writeMultilineResponse(conn, CodeOK, lines)
	return nil
}

// buildExtensions centralizes the EHLO extension set for a connection.
func (s *Server) buildExtensions(conn *Connection) map[Extension]string {
	extensions := make(map[Extension]string)

	set := func(ext Extension, params string) {
		extensions[ext] = params
		conn.SetExtension(ext, params)
	}

	set(Ext8BitMIME, "")
	set(ExtSMTPUTF8, "")
	set(ExtEnhancedStatusCodes, "")
	set(ExtPipelining, "")

	if s.config.TLSConfig != nil && !conn.IsTLS() {
		set(ExtSTARTTLS, "")
	}
	if s.config.MaxMessageSize > 0 {
		set(ExtSize, strconv.FormatInt(s.config.MaxMessageSize, 10))
	}

	// AUTH is withheld until TLS is up unless clear-text auth is allowed.
	if len(s.config.AuthMechanisms) > 0 && (conn.IsTLS() || s.config.AllowClearTextAuth || s.onlyNonClearTextMechanisms()) {
		set(ExtAuth, strings.Join(s.config.AuthMechanisms, " "))
	}

	return extensions
}

func (s *Server) onlyNonClearTextMechanisms() bool {
	for _, m := range s.config.AuthMechanisms {
		if clearTextMechanism(m) {
			return false
		}
	}
	return len(s.config.AuthMechanisms) > 0
}

func (s *Server) handleMail(conn *Connection, args string) *Response {
	state := conn.State()
	if state < StateGreeted {
		resp := ResponseBadSequence("Send EHLO/HELO first")
		return &resp
	}
	if state >= StateMail {
		resp := ResponseBadSequence("MAIL command already given")
		return &resp
	}

	if s.config.RequireTLS && !conn.IsTLS() {
		resp := ResponseTransactionFailed("TLS required", ESCEncryptionRequired)
		return &resp
	}
	if s.config.RequireAuth && !conn.IsAuthenticated() {
		resp := ResponseTransactionFailed("Authentication required", ESCSecurityError)
		return &resp
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		resp := ResponseSyntaxError("Syntax: MAIL FROM:<address>")
		return &resp
	}
	args = strings.TrimSpace(args[5:])

	from, params, err := parsePathWithParams(args)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}

	// Non-ASCII addresses require the SMTPUTF8 parameter.
	if utils.ContainsNonASCII(from.Mailbox.LocalPart) || utils.ContainsNonASCII(from.Mailbox.Domain) {
		if _, hasSMTPUTF8 := params["SMTPUTF8"]; !hasSMTPUTF8 {
			return &Response{
				Code:         CodeMailboxNameInvalid,
				EnhancedCode: string(ESCNonASCIINoSMTPUTF8),
				Message:      "Address contains non-ASCII characters but SMTPUTF8 not requested",
			}
		}
	}

	if sizeStr, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			resp := ResponseSyntaxError("Invalid SIZE parameter")
			return &resp
		}
		if conn.Limits.MaxMessageSize > 0 && size > conn.Limits.MaxMessageSize {
			resp := ResponseExceededStorage("Message too large")
			return &resp
		}
	}

	mail := conn.BeginTransaction()
	mail.Envelope.From = from
	mail.Envelope.BodyType = BodyType7Bit

	if bodyType, ok := params["BODY"]; ok {
		switch BodyType(strings.ToUpper(bodyType)) {
		case BodyType7Bit:
			mail.Envelope.BodyType = BodyType7Bit
		case BodyType8BitMIME:
			mail.Envelope.BodyType = BodyType8BitMIME
		default:
			conn.ResetTransaction()
			return &Response{
				Code:         CodeParameterNotImpl,
				EnhancedCode: string(ESCInvalidArgs),
				Message:      "Invalid BODY parameter",
			}
		}
	}
	if _, ok := params["SMTPUTF8"]; ok {
		mail.Envelope.SMTPUTF8 = true
	}
	if sizeStr, ok := params["SIZE"]; ok {
		mail.Envelope.Size, _ = strconv.ParseInt(sizeStr, 10, 64)
	}
	if conn.IsAuthenticated() {
		mail.Envelope.Auth = conn.Auth.Identity
	}
	mail.Envelope.ExtensionParams = params

	directive := s.evaluate(conn, StageMailFrom, nil)
	switch directive.Action {
	case ActionReject:
		conn.ResetTransaction()
		resp := rejectionReply(directive, ResponseMailboxNotFound("Sender rejected"))
		return &resp
	case ActionQuarantine:
		mail.Quarantine = directive.Category
	}

	conn.SetState(StateMail)
	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCSuccess),
		Message:      "OK",
	}
}

func (s *Server) handleRcpt(conn *Connection, args string) *Response {
	if conn.State() < StateMail {
		resp := ResponseBadSequence("Send MAIL first")
		return &resp
	}

	mail := conn.CurrentMail()
	if mail == nil {
		resp := ResponseBadSequence("No mail transaction")
		return &resp
	}

	// 452 for too many recipients: transient, the client may retry the
	// rest in another transaction.
	if conn.Limits.MaxRecipients > 0 && len(mail.Envelope.To) >= conn.Limits.MaxRecipients {
		return &Response{
			Code:         CodeInsufficientStorage,
			EnhancedCode: string(ESCTempTooManyRecipients),
			Message:      "Too many recipients",
		}
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		resp := ResponseSyntaxError("Syntax: RCPT TO:<address>")
		return &resp
	}
	args = strings.TrimSpace(args[3:])

	to, _, err := parsePathWithParams(args)
	if err != nil {
		resp := ResponseSyntaxError(err.Error())
		return &resp
	}
	if to.IsNull() {
		resp := ResponseSyntaxError("Recipient address required")
		return &resp
	}

	if utils.ContainsNonASCII(to.Mailbox.LocalPart) || utils.ContainsNonASCII(to.Mailbox.Domain) {
		if !mail.Envelope.SMTPUTF8 {
			return &Response{
				Code:         CodeMailboxNameInvalid,
				EnhancedCode: string(ESCNonASCIINoSMTPUTF8),
				Message:      "Address contains non-ASCII characters but SMTPUTF8 not requested",
			}
		}
	}

	// Recipients are judged one at a time: rejecting this one leaves the
	// already-accepted recipients in the transaction.
	directive := s.evaluate(conn, StageRcptTo, &to)
	switch directive.Action {
	case ActionReject:
		resp := rejectionReply(directive, ResponseMailboxNotFound(fmt.Sprintf("Recipient %s rejected", to.String())))
		return &resp
	case ActionQuarantine:
		mail.Quarantine = directive.Category
	}

	mail.AddRecipient(to.Mailbox)
	conn.SetState(StateRcpt)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCRecipientValid),
		Message:      "OK",
	}
}

func (s *Server) handleData(conn *Connection, logger *slog.Logger) *Response {
	if conn.State() < StateRcpt {
		resp := ResponseBadSequence("Send RCPT first")
		return &resp
	}

	mail := conn.CurrentMail()
	if mail == nil || len(mail.Envelope.To) == 0 {
		resp := ResponseBadSequence("No recipients")
		return &resp
	}

	if s.config.Spooler == nil {
		resp := ResponseLocalError("Mail spool unavailable")
		return &resp
	}

	// The data-stage policy runs before the 354 so a rejection costs the
	// client nothing.
	var pendingService string
	directive := s.evaluate(conn, StageData, nil)
	switch directive.Action {
	case ActionReject:
		conn.ResetTransaction()
		resp := rejectionReply(directive, ResponseTransactionFailed("Transaction rejected", ESCSecurityError))
		return &resp
	case ActionQuarantine:
		mail.Quarantine = directive.Category
	case ActionDelegate:
		pendingService = directive.Service
	}

	s.writeResponse(conn, Response{
		Code:    CodeStartMailInput,
		Message: "Start mail input; end with <CRLF>.<CRLF>",
	})

	if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout)); err != nil {
		resp := ResponseLocalError("Internal error")
		return &resp
	}

	enforce7Bit := mail.Envelope.BodyType == BodyType7Bit
	data, err := ospreyio.ReadData(conn.reader, conn.Limits.MaxMessageSize, 998, enforce7Bit)
	if err != nil {
		conn.ResetTransaction()
		switch {
		case errors.Is(err, ospreyio.ErrDataTooLarge):
			resp := ResponseExceededStorage("Message too large")
			return &resp
		case errors.Is(err, ospreyio.ErrBadLineEnding):
			return &Response{
				Code:         CodeSyntaxError,
				EnhancedCode: string(ESCContentError),
				Message:      "Message must use CRLF line endings",
			}
		case errors.Is(err, ospreyio.Err8BitIn7BitMode):
			resp := ResponseTransactionFailed("Message contains 8-bit data but BODY=8BITMIME was not specified", ESCContentError)
			return &resp
		case errors.Is(err, ospreyio.ErrLineTooLong):
			return &Response{
				Code:         CodeSyntaxError,
				EnhancedCode: string(ESCContentError),
				Message:      "Line length exceeds maximum allowed",
			}
		}
		logger.Error("data read error", slog.Any("error", err))
		resp := ResponseLocalError("Error reading message")
		return &resp
	}

	mail.SetData(data)

	if err := detectLoop(mail, logger, s.config.MaxReceivedHeaders); err != nil {
		conn.ResetTransaction()
		resp := ResponseTransactionFailed(err.Error(), ESCRoutingLoop)
		return &resp
	}

	mail.ID = utils.GenerateID()
	mail.ReceivedAt = time.Now()

	// A message carrying the delegation marker is a filter service's
	// verdict coming home, not new mail.
	if marker := mail.Content.Headers.Get(DelegationHeader); marker != "" && s.config.Delegation != nil {
		conn.CompleteTransaction()
		if err := s.config.Delegation.Resume(conn.Context(), marker, mail); err != nil {
			logger.Warn("delegation result not accepted", slog.Any("error", err))
			resp := ResponseTransactionFailed("Delegation result not recognized", ESCSecurityError)
			return &resp
		}
		logger.Info("delegation result received", slog.String("marker", marker))
		return &Response{
			Code:         CodeOK,
			EnhancedCode: string(ESCSuccess),
			Message:      "Delegation result accepted",
		}
	}

	receivedHeader := conn.GenerateReceivedHeader(singleRecipient(mail))
	receivedHeader.ID = mail.ID
	mail.Trace = append([]TraceField{receivedHeader}, mail.Trace...)
	mail.PrependHeader("Received", receivedHeader.Format())

	// Post-data policy sees the complete message.
	directive = s.evaluate(conn, StagePostData, nil)
	switch directive.Action {
	case ActionReject:
		conn.ResetTransaction()
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		resp := rejectionReply(directive, ResponseTransactionFailed("Message rejected", ESCSecurityError))
		return &resp
	case ActionQuarantine:
		mail.Quarantine = directive.Category
	case ActionDelegate:
		pendingService = directive.Service
	}

	conn.CompleteTransaction()

	// The 250 below transfers responsibility from the client to us, so
	// the message must be durable before it is sent.
	ctx := conn.Context()
	switch {
	case mail.Quarantine != "":
		if err := s.config.Spooler.Quarantine(ctx, mail, mail.Quarantine); err != nil {
			logger.Error("quarantine failed", slog.Any("error", err))
			resp := ResponseLocalError("Error storing message")
			return &resp
		}
		metrics.MessagesTotal.WithLabelValues("quarantined").Inc()
	case pendingService != "":
		if err := s.config.Spooler.Delegate(ctx, mail, pendingService); err != nil {
			logger.Error("delegation failed", slog.Any("error", err), slog.String("service", pendingService))
			resp := ResponseLocalError("Error storing message")
			return &resp
		}
		metrics.MessagesTotal.WithLabelValues("delegated").Inc()
	default:
		if err := s.config.Spooler.Enqueue(ctx, mail); err != nil {
			logger.Error("enqueue failed", slog.Any("error", err))
			resp := ResponseLocalError("Error storing message")
			return &resp
		}
		metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	}

	logger.Info("message received",
		slog.String("mail_id", mail.ID),
		slog.String("from", mail.Envelope.From.String()),
		slog.Int("recipients", len(mail.Envelope.To)),
		slog.Int("size", len(data)),
	)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCSuccess),
		Message:      fmt.Sprintf("OK, queued as %s", mail.ID),
	}
}

// singleRecipient returns the recipient for the Received "for" clause, but
// only when there is exactly one; naming one of several leaks the rest.
func singleRecipient(mail *Mail) string {
	if len(mail.Envelope.To) == 1 {
		return mail.Envelope.To[0].Address.Mailbox.String()
	}
	return ""
}

func (s *Server) handleRset(conn *Connection) *Response {
	conn.ResetTransaction()
	resp := ResponseOK("OK", string(ESCSuccess))
	return &resp
}

// handleVrfy always answers 252: confirming mailbox existence to arbitrary
// clients is a directory-harvesting vector.
func (s *Server) handleVrfy(conn *Connection, args string) *Response {
	if args == "" {
		resp := ResponseSyntaxError("Syntax: VRFY <address>")
		return &resp
	}
	resp := ResponseCannotVRFY("")
	return &resp
}

func (s *Server) handleExpn(conn *Connection, args string) *Response {
	if args == "" {
		resp := ResponseSyntaxError("Syntax: EXPN <list>")
		return &resp
	}
	return &Response{
		Code:    CodeCannotVRFY,
		Message: "Cannot EXPN list, but will accept message and attempt delivery",
	}
}

func (s *Server) handleHelp(conn *Connection, topic string) *Response {
	topic = strings.ToUpper(strings.TrimSpace(topic))
	if topic == "" {
		lines := []string{
			s.config.Hostname + " ESMTP",
			"Supported commands: HELO EHLO MAIL RCPT DATA RSET NOOP QUIT HELP VRFY EXPN STARTTLS AUTH",
		}
		s.writeMultilineResponse(conn, CodeHelpMessage, lines)
		return nil
	}

	var helpText string
	switch topic {
	case "HELO":
		helpText = "HELO <hostname> - Identify yourself to the server"
	case "EHLO":
		helpText = "EHLO <hostname> - Extended HELLO, identify and request extensions"
	case "MAIL":
		helpText = "MAIL FROM:<address> [params] - Start a mail transaction"
	case "RCPT":
		helpText = "RCPT TO:<address> [params] - Specify a recipient"
	case "DATA":
		helpText = "DATA - Start message input, end with <CRLF>.<CRLF>"
	case "RSET":
		helpText = "RSET - Reset the current transaction"
	case "NOOP":
		helpText = "NOOP - No operation"
	case "QUIT":
		helpText = "QUIT - Close the connection"
	case "STARTTLS":
		helpText = "STARTTLS - Upgrade connection to TLS"
	case "AUTH":
		helpText = "AUTH <mechanism> [initial-response] - Authenticate"
	default:
		return &Response{
			Code:    CodeHelpMessage,
			Message: fmt.Sprintf("No help available for '%s'", topic),
		}
	}
	return &Response{Code: CodeHelpMessage, Message: helpText}
}

func (s *Server) handleQuit(conn *Connection) *Response {
	conn.SetState(StateQuit)
	resp := ResponseServiceClosing(s.config.Hostname, "Service closing transmission channel")
	return &resp
}

func (s *Server) handleStartTLS(conn *Connection) *Response {
	if conn.State() < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if conn.IsTLS() {
		resp := ResponseBadSequence("TLS already active")
		return &resp
	}
	// The handshake would discard authenticated state along with the rest
	// of the session; authenticate after the upgrade, not before.
	if conn.IsAuthenticated() {
		resp := ResponseBadSequence("STARTTLS not permitted after authentication")
		return &resp
	}
	if s.config.TLSConfig == nil {
		resp := ResponseCommandNotImplemented("STARTTLS")
		return &resp
	}

	s.writeResponse(conn, Response{
		Code:    CodeServiceReady,
		Message: "Ready to start TLS",
	})

	if err := conn.UpgradeToTLS(s.config.TLSConfig); err != nil {
		// Handshake failed; the transport is unusable now.
		conn.SetState(StateQuit)
		return nil
	}
	return nil
}
