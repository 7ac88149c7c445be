package mail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEML = `From: John <j@client.com>
To: bot@mailrag.local
Subject: quarterly numbers
Message-Id: <abc@client.com>
X-Mailrag-Synthetic: 1

revenue was up 4% in Q2
`

func writeSpool(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileSource_ParsesMessages(t *testing.T) {
	dir := t.TempDir()
	source, err := NewFileSource(dir)
	require.NoError(t, err)
	writeSpool(t, dir, "7.eml", sampleEML)

	msgs, err := source.FetchSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, uint32(7), msg.UID)
	assert.Equal(t, "John <j@client.com>", msg.From)
	assert.Equal(t, "quarterly numbers", msg.Subject)
	assert.Equal(t, "abc@client.com", msg.MessageID)
	assert.Equal(t, []string{"bot@mailrag.local"}, msg.To)
	assert.Contains(t, msg.Body, "revenue was up")
	assert.True(t, msg.IsSynthetic())
}

func TestFileSource_HonorsLastUID(t *testing.T) {
	dir := t.TempDir()
	source, err := NewFileSource(dir)
	require.NoError(t, err)
	writeSpool(t, dir, "1.eml", sampleEML)
	writeSpool(t, dir, "2.eml", sampleEML)
	writeSpool(t, dir, "10.eml", sampleEML)

	msgs, err := source.FetchSince(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(10), msgs[0].UID)
}

func TestFileSource_SkipsMalformedAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	source, err := NewFileSource(dir)
	require.NoError(t, err)
	writeSpool(t, dir, "1.eml", "not an rfc822 message")
	writeSpool(t, dir, "notes.txt", sampleEML)
	writeSpool(t, dir, "x.eml", sampleEML)
	writeSpool(t, dir, "2.eml", sampleEML)

	msgs, err := source.FetchSince(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(2), msgs[0].UID)
}

func TestFileSender_WritesOutbox(t *testing.T) {
	dir := t.TempDir()
	sender, err := NewFileSender(dir)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), Outgoing{
		To:      []string{"a@x.y"},
		Subject: "Re: hello",
		Body:    "the answer",
		Headers: map[string]string{SyntheticHeader: "1"},
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "To: a@x.y")
	assert.Contains(t, content, "Subject: Re: hello")
	assert.Contains(t, content, SyntheticHeader+": 1")
	assert.Contains(t, content, "the answer")
}
