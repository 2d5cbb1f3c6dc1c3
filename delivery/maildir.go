package delivery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ospreymta/osprey"
)

// deliverLocal writes the message into the recipient's maildir:
// MaildirRoot/<localpart>/{tmp,new,cur}, written under tmp and renamed
// into new so readers never see a partial file.
func (d *Dispatcher) deliverLocal(logger *slog.Logger, m *osprey.Mail, rcpt *osprey.Recipient) {
	localPart := rcpt.Address.Mailbox.LocalPart
	if !validLocalPart(localPart) {
		rcpt.Status = osprey.StatusFailed
		rcpt.LastError = "no such mailbox"
		return
	}

	if err := writeMaildir(d.config.MaildirRoot, localPart, m.ID, m.Data); err != nil {
		logger.Warn("local delivery failed", "recipient", rcpt.Address.Mailbox.String(), "err", err)
		rcpt.Status = osprey.StatusHeldBack
		rcpt.LastError = err.Error()
		return
	}
	rcpt.Status = osprey.StatusDelivered
	rcpt.LastError = ""
}

func writeMaildir(root, localPart, id string, data []byte) error {
	base := filepath.Join(root, localPart)
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o700); err != nil {
			return fmt.Errorf("creating maildir: %w", err)
		}
	}

	tmpPath := filepath.Join(base, "tmp", id)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing message: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing message: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(base, "new", id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing message: %w", err)
	}
	return nil
}

// validLocalPart rejects local parts that cannot name a mailbox
// directory.
func validLocalPart(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}
