package mail

import (
	"context"
	"fmt"
	"io"
	netmail "net/mail"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FileSource reads messages from a local spool directory. Each message is
// one RFC822 file named <uid>.eml; the numeric prefix is the UID the cursor
// tracks. Dropping a file into the spool is the local-mode equivalent of
// mail arriving in an IMAP folder.
type FileSource struct {
	dir string
}

// NewFileSource creates the spool directory if needed.
func NewFileSource(dir string) (*FileSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &FileSource{dir: dir}, nil
}

// FetchSince returns every spooled message with UID > lastUID. Files that
// do not parse are skipped with their UID burned, so one malformed message
// cannot wedge the loop.
func (f *FileSource) FetchSince(ctx context.Context, lastUID uint32) ([]Message, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var out []Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".eml") {
			continue
		}
		uid, ok := spoolUID(entry.Name())
		if !ok || uid <= lastUID {
			continue
		}
		msg, err := readSpoolFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		msg.UID = uid
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// spoolUID parses the numeric filename prefix: "42.eml" → 42.
func spoolUID(name string) (uint32, bool) {
	base := strings.TrimSuffix(name, ".eml")
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func readSpoolFile(path string) (*Message, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	parsed, err := netmail.ReadMessage(file)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(parsed.Body)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		MessageID: strings.Trim(parsed.Header.Get("Message-Id"), "<>"),
		From:      parsed.Header.Get("From"),
		Subject:   parsed.Header.Get("Subject"),
		Body:      string(body),
		Headers:   map[string]string{},
	}
	if to, err := parsed.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}
	if date, err := parsed.Header.Date(); err == nil {
		msg.Date = date
	}
	for key := range parsed.Header {
		if strings.HasPrefix(key, "X-") {
			msg.Headers[key] = parsed.Header.Get(key)
		}
	}
	return msg, nil
}

// FileSender writes outgoing replies as RFC822 files into an outbox
// directory, one file per message, named by timestamp.
type FileSender struct {
	dir string
}

// NewFileSender creates the outbox directory if needed.
func NewFileSender(dir string) (*FileSender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &FileSender{dir: dir}, nil
}

// Send writes the message to the outbox.
func (f *FileSender) Send(ctx context.Context, msg Outgoing) error {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	for key, value := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\n", key, value)
	}
	b.WriteString("\n")
	b.WriteString(msg.Body)

	name := fmt.Sprintf("%d.eml", time.Now().UnixNano())
	tmp := filepath.Join(f.dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write outgoing message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("failed to finalize outgoing message: %w", err)
	}
	return nil
}
