package sasl

import (
	"bytes"
	"encoding/base64"
)

// Plain implements the PLAIN mechanism (RFC 4616). The password crosses the
// wire in clear text, so servers should only offer it once TLS is up.
type Plain struct {
	creds *Credentials
}

func NewPlain() *Plain {
	return &Plain{}
}

func (p *Plain) Name() string { return "PLAIN" }

// Start processes the initial response if present, otherwise issues the
// empty challenge that asks the client for its credentials (RFC 4954 §4).
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.consume(initialResponse)
}

func (p *Plain) Next(response string) (string, bool, error) {
	return p.consume(response)
}

func (p *Plain) consume(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	// authzid NUL authcid NUL passwd
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		return "", true, ErrInvalidFormat
	}
	authcid := string(parts[1])
	if authcid == "" {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: authcid,
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *Plain) Credentials() *Credentials { return p.creds }
