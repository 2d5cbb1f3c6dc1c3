package queue

import (
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/ospreymta/osprey"
)

// Entry is one persisted message with its delivery bookkeeping. Which
// queue an entry belongs to is not stored in the entry: its location on
// disk is its state.
type Entry struct {
	// ID is the transaction identifier, stable across delegation hops,
	// and doubles as the file name.
	ID string

	// Attempts counts delivery attempts made so far.
	Attempts int

	// NextAttempt is the earliest time a deferred entry may be retried.
	NextAttempt time.Time

	// LastError describes the most recent failure.
	LastError string

	// Service is the delegation target for entries awaiting an external
	// filter, empty otherwise.
	Service string

	Mail *osprey.Mail
}

// NewEntry wraps a mail in a fresh entry.
func NewEntry(m *osprey.Mail) *Entry {
	return &Entry{ID: m.ID, Mail: m}
}

// Ready reports whether the entry's retry delay has elapsed.
func (e *Entry) Ready(now time.Time) bool {
	return !e.NextAttempt.After(now)
}

// MarshalMsg serializes the entry.
func (e *Entry) MarshalMsg() ([]byte, error) {
	mailData, err := e.Mail.ToMessagePack()
	if err != nil {
		return nil, fmt.Errorf("encoding mail: %w", err)
	}

	b := msgp.AppendMapHeader(nil, 6)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, e.ID)
	b = msgp.AppendString(b, "attempts")
	b = msgp.AppendInt(b, e.Attempts)
	b = msgp.AppendString(b, "next_attempt")
	b = msgp.AppendTime(b, e.NextAttempt)
	b = msgp.AppendString(b, "last_error")
	b = msgp.AppendString(b, e.LastError)
	b = msgp.AppendString(b, "service")
	b = msgp.AppendString(b, e.Service)
	b = msgp.AppendString(b, "mail")
	b = msgp.AppendBytes(b, mailData)
	return b, nil
}

// UnmarshalMsg deserializes an entry written by MarshalMsg. Unknown
// fields are skipped so older binaries can read newer entries.
func (e *Entry) UnmarshalMsg(data []byte) error {
	sz, b, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return fmt.Errorf("reading entry map: %w", err)
	}
	for i := uint32(0); i < sz; i++ {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return fmt.Errorf("reading entry key: %w", err)
		}
		switch string(key) {
		case "id":
			e.ID, b, err = msgp.ReadStringBytes(b)
		case "attempts":
			e.Attempts, b, err = msgp.ReadIntBytes(b)
		case "next_attempt":
			e.NextAttempt, b, err = msgp.ReadTimeBytes(b)
		case "last_error":
			e.LastError, b, err = msgp.ReadStringBytes(b)
		case "service":
			e.Service, b, err = msgp.ReadStringBytes(b)
		case "mail":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				e.Mail, err = osprey.FromMessagePack(raw)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return fmt.Errorf("reading entry field %s: %w", key, err)
		}
	}
	return nil
}
