// Package io implements the low-level SMTP wire framing: strict CRLF line
// reading and DATA section collection with dot-unstuffing.
package io

import (
	"bufio"
	"bytes"
	"errors"
)

var (
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrBadLineEnding  = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
	ErrDataTooLarge   = errors.New("smtp: message data exceeds maximum size")
)

// ReadLine reads a single SMTP line with strict CRLF, length enforcement,
// and optional 7-bit ASCII validation. The returned line has the trailing
// CRLF stripped. Bare LF is rejected outright; lenient line-ending handling
// is what enables SMTP smuggling.
func ReadLine(reader *bufio.Reader, max int, enforce7Bit bool) (string, error) {
	// Fast path: the whole line fits in the bufio buffer.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if enforce7Bit && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}
		return validateAndConvert(line, max)
	}

	if err != bufio.ErrBufferFull {
		return "", err
	}

	// Slow path: accumulate chunks. Copy the first chunk before the next
	// ReadSlice invalidates it.
	if enforce7Bit && !isASCII(line) {
		return "", Err8BitIn7BitMode
	}
	buf := append([]byte(nil), line...)

	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			// Drain the rest of the line so the next read starts fresh.
			drainLine(reader)
			return "", ErrLineTooLong
		}

		if enforce7Bit && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}

		buf = append(buf, line...)

		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	return validateAndConvert(buf, max)
}

// ReadData reads message content until the <CRLF>.<CRLF> terminator,
// removing dot-stuffing and re-joining lines with CRLF. Size, line-length,
// line-ending, and 7-bit violations are detected as early as possible but
// the data stream is still drained to the terminator so the session stays
// synchronized; a violation reported mid-body must never leave the rest of
// the body to be read as commands.
// maxLine is the per-line limit excluding CRLF (998 per RFC 5322).
func ReadData(reader *bufio.Reader, maxSize int64, maxLine int, enforce7Bit bool) ([]byte, error) {
	const maxInitialAlloc = 10 * 1024 * 1024
	var initCap int
	switch {
	case maxSize > 0 && maxSize <= maxInitialAlloc:
		initCap = int(maxSize)
	case maxSize > maxInitialAlloc:
		initCap = maxInitialAlloc
	default:
		initCap = 4096
	}
	buf := bytes.NewBuffer(make([]byte, 0, initCap))
	var sizeExceeded bool
	var has8BitData bool
	var lineTooLong bool
	var badLineEnding bool

	for {
		line, err := ReadLine(reader, maxLine+2, enforce7Bit)
		if err != nil {
			switch {
			case errors.Is(err, Err8BitIn7BitMode):
				// Remember the violation and keep draining with the
				// check disabled so we find the terminator.
				has8BitData = true
				enforce7Bit = false
			case errors.Is(err, ErrLineTooLong):
				// ReadLine consumed through the end of the oversized
				// line, so the stream is still line-aligned.
				lineTooLong = true
			case errors.Is(err, ErrBadLineEnding):
				badLineEnding = true
			default:
				return nil, err
			}
			continue
		}

		if line == "." {
			break
		}

		if sizeExceeded || has8BitData || lineTooLong || badLineEnding {
			continue
		}

		// Remove dot-stuffing.
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		newLen := int64(buf.Len()) + int64(len(line)) + 2
		if maxSize > 0 && newLen > maxSize {
			sizeExceeded = true
			continue
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	switch {
	case has8BitData:
		return nil, Err8BitIn7BitMode
	case badLineEnding:
		return nil, ErrBadLineEnding
	case lineTooLong:
		return nil, ErrLineTooLong
	case sizeExceeded:
		return nil, ErrDataTooLarge
	}
	return buf.Bytes(), nil
}

// validateAndConvert checks length and the CRLF terminator, then strips it.
func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", ErrLineTooLong
	}

	// b ends in '\n' because ReadSlice returned nil error.
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}

	return string(b[:len(b)-2]), nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

// drainLine discards the rest of the current line to recover protocol
// synchronization after a length violation.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return
		}
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
