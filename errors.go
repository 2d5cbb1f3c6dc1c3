package osprey

import "errors"

var (
	ErrServerClosed      = errors.New("smtp: server closed")
	ErrTooManyRecipients = errors.New("smtp: too many recipients")
	ErrMessageTooLarge   = errors.New("smtp: message too large")
	ErrTimeout           = errors.New("smtp: timeout")
	ErrTLSRequired       = errors.New("smtp: TLS required")
	ErrAuthRequired      = errors.New("smtp: authentication required")
	ErrInvalidCommand    = errors.New("smtp: invalid command")
	ErrLoopDetected      = errors.New("smtp: mail loop detected (too many Received headers)")
	ErrTooManyErrors     = errors.New("smtp: too many protocol errors")
)
