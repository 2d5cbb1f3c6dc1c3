package osprey

import (
	"slices"
	"strings"
	"time"

	ospreyio "github.com/ospreymta/osprey/io"
	"github.com/ospreymta/osprey/metrics"
	"github.com/ospreymta/osprey/sasl"
)

func clearTextMechanism(name string) bool {
	return sasl.ClearText(name)
}

// handleAuth processes the AUTH command (RFC 4954).
func (s *Server) handleAuth(conn *Connection, args string) *Response {
	if conn.State() < StateGreeted {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if conn.IsAuthenticated() {
		resp := ResponseBadSequence("Already authenticated")
		return &resp
	}
	if conn.State() >= StateMail {
		resp := ResponseBadSequence("AUTH not permitted during a mail transaction")
		return &resp
	}
	if len(s.config.AuthMechanisms) == 0 {
		resp := ResponseCommandNotImplemented("AUTH")
		return &resp
	}

	parts := strings.SplitN(args, " ", 2)
	mechanismName := strings.ToUpper(parts[0])

	if !slices.Contains(s.config.AuthMechanisms, mechanismName) {
		return &Response{
			Code:         CodeParameterNotImpl,
			EnhancedCode: string(ESCInvalidArgs),
			Message:      "Mechanism not supported",
		}
	}

	// Clear-text mechanisms are refused on plaintext connections unless
	// explicitly allowed.
	if clearTextMechanism(mechanismName) && !conn.IsTLS() && !s.config.AllowClearTextAuth {
		return &Response{
			Code:         CodeAuthRequired,
			EnhancedCode: string(ESCEncryptionRequired),
			Message:      "Must issue a STARTTLS command first",
		}
	}

	mechanism, err := sasl.New(mechanismName)
	if err != nil {
		return &Response{
			Code:         CodeParameterNotImpl,
			EnhancedCode: string(ESCInvalidArgs),
			Message:      "Mechanism not implemented",
		}
	}

	var initialResponse string
	if len(parts) > 1 {
		initialResponse = strings.TrimSpace(parts[1])
	}
	// "=" denotes an empty initial response (RFC 4954 Section 4).
	if initialResponse == "=" {
		initialResponse = ""
	}

	creds, err := s.runSASLExchange(conn, mechanism, initialResponse)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues(mechanismName, "failed").Inc()
		// Same reply for every failure mode. Distinguishing bad
		// mechanisms, unknown users, and wrong passwords aids probing.
		resp := ResponseAuthCredentialsInvalid()
		return &resp
	}

	// Credential-bearing mechanisms need a verifier. Without one the
	// exchange fails closed; succeeding here would hand 235 to anyone.
	if s.config.Authenticator == nil && !creds.Anonymous {
		metrics.AuthAttemptsTotal.WithLabelValues(mechanismName, "failed").Inc()
		s.config.Logger.Error("AUTH refused: no authenticator configured", "mechanism", mechanismName)
		return &Response{
			Code:         CodeAuthTempFailure,
			EnhancedCode: string(ESCTempAuthFailed),
			Message:      "Authentication not available",
		}
	}
	if s.config.Authenticator != nil {
		if err := s.config.Authenticator(conn.Context(), mechanismName, creds); err != nil {
			metrics.AuthAttemptsTotal.WithLabelValues(mechanismName, "failed").Inc()
			resp := ResponseAuthCredentialsInvalid()
			return &resp
		}
	}

	conn.mu.Lock()
	conn.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mechanismName,
		Identity:        creds.Identity(),
		Anonymous:       creds.Anonymous,
		AuthenticatedAt: time.Now(),
	}
	conn.mu.Unlock()

	if directive := s.evaluate(conn, StageAuth, nil); directive.Action == ActionReject {
		conn.mu.Lock()
		conn.Auth = AuthInfo{}
		conn.mu.Unlock()
		metrics.AuthAttemptsTotal.WithLabelValues(mechanismName, "rejected").Inc()
		resp := rejectionReply(directive, ResponseAuthCredentialsInvalid())
		return &resp
	}

	metrics.AuthAttemptsTotal.WithLabelValues(mechanismName, "success").Inc()
	return &Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: string(ESCSecuritySuccess),
		Message:      "Authentication successful",
	}
}

// runSASLExchange drives the challenge/response loop with the client.
func (s *Server) runSASLExchange(conn *Connection, mechanism sasl.Mechanism, initialResponse string) (*sasl.Credentials, error) {
	challenge, done, err := mechanism.Start(initialResponse)
	if err != nil {
		return nil, err
	}

	for !done {
		s.writeResponse(conn, Response{Code: CodeAuthContinue, Message: challenge})

		response, err := ospreyio.ReadLine(conn.reader, s.config.MaxLineLength, true)
		if err != nil {
			return nil, err
		}

		challenge, done, err = mechanism.Next(response)
		if err != nil {
			return nil, err
		}
	}

	return mechanism.Credentials(), nil
}
