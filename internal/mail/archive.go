package mail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveStore keeps the durable copy of every processed message: one
// directory per archive id with the extracted body, the raw attachments and
// any analyzer output. The archive is the replay source when a job fails
// after the UID cursor has already advanced.
type ArchiveStore struct {
	root string
}

// NewArchiveStore creates the archive root if needed.
func NewArchiveStore(root string) (*ArchiveStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &ArchiveStore{root: root}, nil
}

// Store writes the message body and attachments under archiveID. An
// existing archive for the same id is overwritten file by file, which makes
// re-archiving after a partial crash idempotent.
func (a *ArchiveStore) Store(archiveID string, msg *Message) error {
	dir := a.Dir(archiveID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	header := fmt.Sprintf("From: %s\nSubject: %s\n\n", msg.From, msg.Subject)
	if err := os.WriteFile(filepath.Join(dir, "body.txt"), []byte(header+msg.Body), 0o644); err != nil {
		return fmt.Errorf("failed to write archive body: %w", err)
	}

	if len(msg.Attachments) == 0 {
		return nil
	}
	attDir := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(attDir, 0o755); err != nil {
		return fmt.Errorf("failed to create attachments dir: %w", err)
	}
	for i, att := range msg.Attachments {
		name := safeFilename(att.Filename, i)
		if err := os.WriteFile(filepath.Join(attDir, name), att.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write attachment %s: %w", name, err)
		}
	}
	return nil
}

// StoreAnalysis writes the analyzer output next to its attachment.
func (a *ArchiveStore) StoreAnalysis(archiveID, filename, analysis string) error {
	dir := filepath.Join(a.Dir(archiveID), "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create attachments dir: %w", err)
	}
	name := safeFilename(filename, 0) + ".analysis.txt"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(analysis), 0o644); err != nil {
		return fmt.Errorf("failed to write analysis for %s: %w", filename, err)
	}
	return nil
}

// Dir returns the directory backing one archive id.
func (a *ArchiveStore) Dir(archiveID string) string {
	return filepath.Join(a.root, archiveID)
}

// safeFilename strips any path components from an attachment name so a
// hostile filename cannot escape the archive directory.
func safeFilename(name string, index int) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return fmt.Sprintf("attachment-%d", index+1)
	}
	return name
}
