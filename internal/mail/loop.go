package mail

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/schedule"
)

// Job is one unit of work handed to the scheduler: a message plus the
// archive id under which its durable copy lives.
type Job struct {
	UID       uint32
	ArchiveID string
	Message   Message
}

// Loop polls the mail source on a fixed interval, archives each new
// message, enqueues it and advances the UID cursor. The cursor moves at
// enqueue time: the archived copy is the durable record and replay after a
// worker failure is a manual re-ingestion.
type Loop struct {
	source  MailSource
	pool    *schedule.Pool[Job]
	cursor  *CursorStore
	archive *ArchiveStore
	cfg     config.MailConfig
	logger  *slog.Logger
}

// NewLoop wires the polling loop.
func NewLoop(source MailSource, pool *schedule.Pool[Job], cursor *CursorStore,
	archive *ArchiveStore, cfg config.MailConfig, logger *slog.Logger) *Loop {
	return &Loop{
		source:  source,
		pool:    pool,
		cursor:  cursor,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run polls until ctx is canceled. A mail source failure is logged and
// followed by the error backoff before the next tick reconnects.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("mail_poll_failed", slog.String("error", err.Error()))
			select {
			case <-time.After(l.cfg.ErrorBackoff.Std()):
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs one tick: fetch everything past the cursor, then archive,
// enqueue and advance in ascending UID order. A failure mid-batch leaves
// the cursor at the last successfully enqueued UID; the rest of the batch
// is re-fetched next tick.
func (l *Loop) Poll(ctx context.Context) error {
	lastUID := l.cursor.LastUID()
	messages, err := l.source.FetchSince(ctx, lastUID)
	if err != nil {
		return err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].UID < messages[j].UID })

	for i := range messages {
		msg := &messages[i]
		if msg.UID <= lastUID {
			continue
		}
		if err := l.handle(ctx, msg); err != nil {
			return err
		}
		lastUID = msg.UID
	}
	return nil
}

func (l *Loop) handle(ctx context.Context, msg *Message) error {
	archiveID, err := l.cursor.ArchiveID(msg.UID)
	if err != nil {
		return err
	}
	if err := l.archive.Store(archiveID, msg); err != nil {
		return err
	}

	// Enqueue blocks while the queue is full; that backpressure is what
	// throttles polling.
	job := Job{UID: msg.UID, ArchiveID: archiveID, Message: *msg}
	if err := l.pool.Enqueue(ctx, job); err != nil {
		return err
	}
	if err := l.cursor.Advance(msg.UID); err != nil {
		return err
	}

	l.logger.Info("mail_enqueued",
		slog.Uint64("uid", uint64(msg.UID)),
		slog.String("archive_id", archiveID),
		slog.String("from", msg.From))
	return nil
}
