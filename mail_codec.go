package osprey

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// ToMessagePack serializes the mail for queue persistence. The parsed
// content view and trace fields are not written: both derive from Data
// and are rebuilt on load.
func (m *Mail) ToMessagePack() ([]byte, error) {
	b := msgp.AppendMapHeader(nil, 6)

	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, m.ID)

	b = msgp.AppendString(b, "received_at")
	b = msgp.AppendTime(b, m.ReceivedAt)

	b = msgp.AppendString(b, "quarantine")
	b = msgp.AppendString(b, m.Quarantine)

	b = msgp.AppendString(b, "hops")
	b = msgp.AppendInt(b, m.Hops)

	b = msgp.AppendString(b, "envelope")
	b = appendEnvelope(b, &m.Envelope)

	b = msgp.AppendString(b, "data")
	b = msgp.AppendBytes(b, m.Data)

	return b, nil
}

// FromMessagePack rebuilds a mail serialized by ToMessagePack.
func FromMessagePack(data []byte) (*Mail, error) {
	m := NewMail()

	sz, b, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return nil, fmt.Errorf("reading mail map: %w", err)
	}
	for i := uint32(0); i < sz; i++ {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return nil, fmt.Errorf("reading mail key: %w", err)
		}
		switch string(key) {
		case "id":
			m.ID, b, err = msgp.ReadStringBytes(b)
		case "received_at":
			m.ReceivedAt, b, err = msgp.ReadTimeBytes(b)
		case "quarantine":
			m.Quarantine, b, err = msgp.ReadStringBytes(b)
		case "hops":
			m.Hops, b, err = msgp.ReadIntBytes(b)
		case "envelope":
			b, err = readEnvelope(b, &m.Envelope)
		case "data":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil && len(raw) > 0 {
				m.SetData(raw)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, fmt.Errorf("reading mail field %s: %w", key, err)
		}
	}
	return m, nil
}

func appendEnvelope(b []byte, env *Envelope) []byte {
	b = msgp.AppendMapHeader(b, 6)

	b = msgp.AppendString(b, "from")
	b = msgp.AppendString(b, env.From.Mailbox.String())

	b = msgp.AppendString(b, "to")
	b = msgp.AppendArrayHeader(b, uint32(len(env.To)))
	for _, rcpt := range env.To {
		b = msgp.AppendMapHeader(b, 3)
		b = msgp.AppendString(b, "address")
		b = msgp.AppendString(b, rcpt.Address.Mailbox.String())
		b = msgp.AppendString(b, "status")
		b = msgp.AppendString(b, string(rcpt.Status))
		b = msgp.AppendString(b, "last_error")
		b = msgp.AppendString(b, rcpt.LastError)
	}

	b = msgp.AppendString(b, "body_type")
	b = msgp.AppendString(b, string(env.BodyType))

	b = msgp.AppendString(b, "size")
	b = msgp.AppendInt64(b, env.Size)

	b = msgp.AppendString(b, "smtputf8")
	b = msgp.AppendBool(b, env.SMTPUTF8)

	b = msgp.AppendString(b, "auth")
	b = msgp.AppendString(b, env.Auth)

	return b
}

func readEnvelope(b []byte, env *Envelope) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "from":
			var addr string
			addr, b, err = msgp.ReadStringBytes(b)
			if err == nil && addr != "" {
				var mbox MailboxAddress
				mbox, err = ParseAddress(addr)
				env.From = Path{Mailbox: mbox}
			}
		case "to":
			b, err = readRecipients(b, env)
		case "body_type":
			var bt string
			bt, b, err = msgp.ReadStringBytes(b)
			env.BodyType = BodyType(bt)
		case "size":
			env.Size, b, err = msgp.ReadInt64Bytes(b)
		case "smtputf8":
			env.SMTPUTF8, b, err = msgp.ReadBoolBytes(b)
		case "auth":
			env.Auth, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, fmt.Errorf("envelope field %s: %w", key, err)
		}
	}
	return b, nil
}

func readRecipients(b []byte, env *Envelope) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	env.To = make([]Recipient, 0, n)
	for i := uint32(0); i < n; i++ {
		var rcpt Recipient
		var sz uint32
		sz, b, err = msgp.ReadMapHeaderBytes(b)
		if err != nil {
			return b, err
		}
		for j := uint32(0); j < sz; j++ {
			var key []byte
			key, b, err = msgp.ReadMapKeyZC(b)
			if err != nil {
				return b, err
			}
			switch string(key) {
			case "address":
				var addr string
				addr, b, err = msgp.ReadStringBytes(b)
				if err == nil {
					var mbox MailboxAddress
					mbox, err = ParseAddress(addr)
					rcpt.Address = Path{Mailbox: mbox}
				}
			case "status":
				var status string
				status, b, err = msgp.ReadStringBytes(b)
				rcpt.Status = RecipientStatus(status)
			case "last_error":
				rcpt.LastError, b, err = msgp.ReadStringBytes(b)
			default:
				b, err = msgp.Skip(b)
			}
			if err != nil {
				return b, err
			}
		}
		env.To = append(env.To, rcpt)
	}
	return b, nil
}
