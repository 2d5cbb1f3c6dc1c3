package osprey

import "fmt"

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: success, 3yz: intermediate, 4yz: transient failure, 5yz: permanent failure.
type SMTPCode int

const (
	CodeSystemStatus            SMTPCode = 211
	CodeHelpMessage             SMTPCode = 214
	CodeServiceReady            SMTPCode = 220
	CodeServiceClosing          SMTPCode = 221
	CodeAuthSuccess             SMTPCode = 235
	CodeOK                      SMTPCode = 250
	CodeUserNotLocalWillForward SMTPCode = 251
	CodeCannotVRFY              SMTPCode = 252

	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeAuthTempFailure     SMTPCode = 454

	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// EnhancedCode is an enhanced status code (RFC 3463, RFC 2034) in
// "class.subject.detail" form.
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempFailure             EnhancedCode = "4.0.0"
	ESCTempLocalError          EnhancedCode = "4.3.0"
	ESCTempInsufficientStorage EnhancedCode = "4.3.1"
	ESCTempSystemNotCapable    EnhancedCode = "4.3.5"
	ESCTempTooManyRecipients   EnhancedCode = "4.5.3"
	ESCTempAuthFailed          EnhancedCode = "4.7.0"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestMailbox         EnhancedCode = "5.1.1"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCRoutingLoop            EnhancedCode = "5.4.6"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCTooManyRecipients      EnhancedCode = "5.5.3"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCContentError           EnhancedCode = "5.6.0"
	ESCNonASCIINoSMTPUTF8     EnhancedCode = "5.6.7"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCDeliveryNotAuth        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
	ESCAuthMechanismWeak      EnhancedCode = "5.7.9"
	ESCEncryptionRequired     EnhancedCode = "5.7.11"
)

func (e EnhancedCode) String() string { return string(e) }

// Response is an SMTP reply to be sent to the client.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the response as a single SMTP reply line.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

func (r Response) IsError() bool          { return r.Code >= 400 }
func (r Response) IsSuccess() bool        { return r.Code >= 200 && r.Code < 300 }
func (r Response) IsIntermediate() bool   { return r.Code >= 300 && r.Code < 400 }
func (r Response) IsTransientError() bool { return r.Code >= 400 && r.Code < 500 }
func (r Response) IsPermanentError() bool { return r.Code >= 500 }

// ToError converts an error response to a Go error, nil otherwise.
func (r Response) ToError() error {
	if !r.IsError() {
		return nil
	}
	return fmt.Errorf("SMTP %d: %s", r.Code, r.Message)
}

// ResponseOK creates a standard 250 response.
func ResponseOK(message string, enhancedCode string) Response {
	return Response{Code: CodeOK, EnhancedCode: enhancedCode, Message: message}
}

// ResponseServiceReady creates a 220 greeting. The domain must be the first
// word after the code.
func ResponseServiceReady(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceReady, Message: msg}
}

// ResponseServiceClosing creates a 221 closing reply.
func ResponseServiceClosing(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceClosing, Message: msg}
}

// ResponseServiceUnavailable creates a 421 reply, sent before the server
// drops the connection.
func ResponseServiceUnavailable(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceUnavailable, Message: msg}
}

// ResponseBadSequence creates a 503 bad sequence reply.
func ResponseBadSequence(message string) Response {
	return Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: message}
}

// ResponseSyntaxError creates a 501 syntax error reply.
func ResponseSyntaxError(message string) Response {
	return Response{Code: CodeSyntaxError, EnhancedCode: string(ESCSyntaxError), Message: message}
}

// ResponseCommandNotRecognized creates a 500 reply.
func ResponseCommandNotRecognized(command string) Response {
	return Response{
		Code:         CodeCommandUnrecognized,
		EnhancedCode: string(ESCInvalidCommand),
		Message:      fmt.Sprintf("Command not recognized: %s", command),
	}
}

// ResponseCommandNotImplemented creates a 502 reply.
func ResponseCommandNotImplemented(command string) Response {
	return Response{
		Code:    CodeCommandNotImplemented,
		Message: fmt.Sprintf("%s not implemented", command),
	}
}

// ResponseMailboxNotFound creates a 550 reply.
func ResponseMailboxNotFound(message string) Response {
	return Response{Code: CodeMailboxNotFound, EnhancedCode: string(ESCBadDestMailbox), Message: message}
}

// ResponseCannotVRFY creates a 252 reply for VRFY when verification is
// disabled.
func ResponseCannotVRFY(message string) Response {
	if message == "" {
		message = "Cannot VRFY user, but will accept message and attempt delivery"
	}
	return Response{Code: CodeCannotVRFY, Message: message}
}

// ResponseAuthRequired creates a 530 reply.
func ResponseAuthRequired(message string) Response {
	if message == "" {
		message = "Authentication required"
	}
	return Response{Code: CodeAuthRequired, EnhancedCode: string(ESCSecurityError), Message: message}
}

// ResponseAuthCredentialsInvalid creates a 535 reply. The message is fixed
// regardless of whether the user exists or the password was wrong.
func ResponseAuthCredentialsInvalid() Response {
	return Response{
		Code:         CodeAuthCredentialsInvalid,
		EnhancedCode: string(ESCAuthCredentialsInvalid),
		Message:      "Authentication credentials invalid",
	}
}

// ResponseTransactionFailed creates a 554 reply.
func ResponseTransactionFailed(message string, enhancedCode EnhancedCode) Response {
	return Response{Code: CodeTransactionFailed, EnhancedCode: string(enhancedCode), Message: message}
}

// ResponseLocalError creates a 451 reply for server-side processing
// failures the client should retry.
func ResponseLocalError(message string) Response {
	return Response{Code: CodeLocalError, EnhancedCode: string(ESCTempLocalError), Message: message}
}

// ResponseExceededStorage creates a 552 reply.
func ResponseExceededStorage(message string) Response {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return Response{Code: CodeExceededStorage, EnhancedCode: string(ESCMailSystemFull), Message: message}
}

// ResponseInsufficientStorage creates a 452 reply.
func ResponseInsufficientStorage(message string) Response {
	if message == "" {
		message = "Insufficient system storage"
	}
	return Response{Code: CodeInsufficientStorage, EnhancedCode: string(ESCTempInsufficientStorage), Message: message}
}
