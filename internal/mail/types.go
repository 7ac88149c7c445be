// Package mail contains the email-driven side of the pipeline: the polling
// loop that advances the UID cursor, the routing of messages to collections,
// the on-disk archive, and the job processor that turns a message into an
// ingest or a question.
//
// The actual mail transport (IMAP session, SMTP submission) is behind the
// MailSource and MailSender contracts so tests and alternative transports
// plug in without touching the loop.
package mail

import (
	"context"
	"time"
)

// SyntheticHeader marks messages originating from this system. Such messages
// never produce replies, which breaks mail loops between two instances.
const SyntheticHeader = "X-Mailrag-Synthetic"

// Attachment is one file carried by a message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is one incoming mail as seen by the pipeline. UID is the
// source-assigned monotonically increasing identifier the cursor tracks.
type Message struct {
	UID         uint32
	MessageID   string
	From        string
	To          []string
	Subject     string
	Body        string
	Date        time.Time
	Headers     map[string]string
	Attachments []Attachment
}

// IsSynthetic reports whether the message was sent by this system.
func (m *Message) IsSynthetic() bool {
	return m.Headers[SyntheticHeader] == "1"
}

// Outgoing is one reply submitted through the MailSender.
type Outgoing struct {
	To      []string
	Subject string
	Body    string
	Headers map[string]string
}

// MailSource is the inbound transport. FetchSince returns all messages with
// UID strictly greater than lastUID, in any order; the loop sorts them.
type MailSource interface {
	FetchSince(ctx context.Context, lastUID uint32) ([]Message, error)
}

// MailSender is the outbound transport.
type MailSender interface {
	Send(ctx context.Context, msg Outgoing) error
}

// DocumentAnalyzer extracts indexable text from an attachment. Returning an
// error skips the attachment; the message body still ingests.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, filename string, data []byte) (string, error)
}
