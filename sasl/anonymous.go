package sasl

import (
	"encoding/base64"
)

// Anonymous implements the ANONYMOUS mechanism (RFC 4505). The client may
// supply trace information (typically an email address) which is recorded
// as the authentication identity but grants no authorization.
type Anonymous struct {
	creds *Credentials
}

func NewAnonymous() *Anonymous {
	return &Anonymous{}
}

func (a *Anonymous) Name() string { return "ANONYMOUS" }

func (a *Anonymous) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return a.consume(initialResponse)
}

func (a *Anonymous) Next(response string) (string, bool, error) {
	return a.consume(response)
}

func (a *Anonymous) consume(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	// RFC 4505 limits the trace token to 255 UTF-8 characters.
	if len(decoded) > 255 {
		return "", true, ErrInvalidFormat
	}

	a.creds = &Credentials{
		AuthenticationID: string(decoded),
		Anonymous:        true,
	}
	return "", true, nil
}

func (a *Anonymous) Credentials() *Credentials { return a.creds }
