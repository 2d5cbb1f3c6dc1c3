package sasl

import (
	"encoding/base64"
)

const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// Challenges sent by the server, pre-encoded: "Username:" and "Password:".
const (
	loginChallengeUsername = "VXNlcm5hbWU6"
	loginChallengePassword = "UGFzc3dvcmQ6"
)

// Login implements the obsolete LOGIN mechanism. Kept for legacy clients
// that cannot speak PLAIN; it has the same clear-text properties.
type Login struct {
	state    int
	username string
	creds    *Credentials
}

func NewLogin() *Login {
	return &Login{state: loginStateInitial}
}

func (l *Login) Name() string { return "LOGIN" }

func (l *Login) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		// Some clients send the username with the AUTH command even
		// though the exchange is supposed to start with a challenge.
		l.state = loginStateUsername
		return l.Next(initialResponse)
	}
	l.state = loginStateUsername
	return loginChallengeUsername, false, nil
}

func (l *Login) Next(response string) (string, bool, error) {
	if response == "*" {
		l.state = loginStateDone
		return "", true, ErrCancelled
	}

	switch l.state {
	case loginStateUsername:
		decoded, err := base64.StdEncoding.DecodeString(response)
		if err != nil {
			l.state = loginStateDone
			return "", true, ErrInvalidBase64
		}
		l.username = string(decoded)
		l.state = loginStatePassword
		return loginChallengePassword, false, nil

	case loginStatePassword:
		decoded, err := base64.StdEncoding.DecodeString(response)
		if err != nil {
			l.state = loginStateDone
			return "", true, ErrInvalidBase64
		}
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.state = loginStateDone
		return "", true, nil

	default:
		l.state = loginStateDone
		return "", true, ErrInvalidFormat
	}
}

func (l *Login) Credentials() *Credentials { return l.creds }
