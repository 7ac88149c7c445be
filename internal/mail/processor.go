package mail

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/search"
)

// questionRe matches an explicit question prefix in the subject or the
// first body line, e.g. "Question: ..." or "q> ...".
var questionRe = regexp.MustCompile(`(?i)^(?:question|q)\s*[:>]`)

// Processor is the worker-side handler: it routes a job to its collection
// and either ingests the message or answers it, replying over the sender.
type Processor struct {
	router    *Router
	ingestor  *index.Ingestor
	retriever *search.HybridRetriever
	answerer  *search.AnswerGenerator
	sender    MailSender
	archive   *ArchiveStore
	analyzer  DocumentAnalyzer
	cfg       *config.Config
	logger    *slog.Logger
}

// NewProcessor wires the job handler. analyzer may be nil; attachments are
// then archived but not indexed.
func NewProcessor(router *Router, ingestor *index.Ingestor, retriever *search.HybridRetriever,
	answerer *search.AnswerGenerator, sender MailSender, archive *ArchiveStore,
	analyzer DocumentAnalyzer, cfg *config.Config, logger *slog.Logger) *Processor {
	return &Processor{
		router:    router,
		ingestor:  ingestor,
		retriever: retriever,
		answerer:  answerer,
		sender:    sender,
		archive:   archive,
		analyzer:  analyzer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process handles one job. Errors are logged, not returned: the scheduler
// never retries a job, the archived copy is the replay path.
func (p *Processor) Process(ctx context.Context, job Job) {
	msg := &job.Message
	workspace := p.router.Route(msg.Subject, msg.From, msg.Body)
	logger := p.logger.With(
		slog.Uint64("uid", uint64(job.UID)),
		slog.String("archive_id", job.ArchiveID),
		slog.String("collection", workspace))

	if IsQuestion(msg) {
		p.processQuestion(ctx, job, workspace, logger)
		return
	}
	p.processIngest(ctx, job, workspace, logger)
}

// IsQuestion reports whether a message asks something instead of carrying
// content to index: an explicit question prefix on the subject or the first
// body line, or a subject ending with a question mark.
func IsQuestion(msg *Message) bool {
	subject := strings.TrimSpace(msg.Subject)
	if questionRe.MatchString(subject) || strings.HasSuffix(subject, "?") {
		return true
	}
	return questionRe.MatchString(firstLine(msg.Body))
}

func (p *Processor) processQuestion(ctx context.Context, job Job, workspace string, logger *slog.Logger) {
	msg := &job.Message
	query := extractQuestion(msg)
	if query == "" {
		logger.Warn("question_empty")
		return
	}

	opts := search.Options{
		TopK:    p.cfg.Search.DefaultTopK,
		FinalK:  p.cfg.Search.DefaultFinalK,
		UseBM25: p.cfg.Search.UseBM25Default,
	}
	result, err := p.retriever.Retrieve(ctx, query, workspace, opts)
	if err != nil {
		logger.Error("question_retrieve_failed", slog.String("error", err.Error()))
		p.replyFailure(ctx, msg, "I could not search the requested collection: "+err.Error())
		return
	}

	answer, err := p.answerer.Generate(ctx, query, workspace, result.Chunks, search.GenerateOptions{})
	if err != nil {
		logger.Error("question_generate_failed", slog.String("error", err.Error()))
		p.replyFailure(ctx, msg, "I could not generate an answer: "+err.Error())
		return
	}

	logger.Info("question_answered",
		slog.Int("sources", len(answer.Sources)),
		slog.Bool("degraded", result.Degraded))
	p.reply(ctx, msg, "Re: "+msg.Subject, formatAnswer(answer))
}

func (p *Processor) processIngest(ctx context.Context, job Job, workspace string, logger *slog.Logger) {
	msg := &job.Message
	text := p.ingestText(ctx, job, logger)

	docID := msg.MessageID
	if docID == "" {
		docID = job.ArchiveID
	}
	result, err := p.ingestor.Ingest(ctx, index.IngestRequest{
		Collection: workspace,
		DocID:      docID,
		Text:       text,
		Metadata: map[string]any{
			"uid":        fmt.Sprintf("%d", job.UID),
			"archive_id": job.ArchiveID,
			"message_id": msg.MessageID,
			"from":       msg.From,
			"subject":    msg.Subject,
		},
	})
	if err != nil && result.ChunksIndexed == 0 {
		logger.Error("ingest_failed", slog.String("error", err.Error()))
		p.replyFailure(ctx, msg,
			"Your message could not be indexed into "+workspace+": "+err.Error())
		return
	}
	if err != nil {
		// Partial write: the indexed chunks stay, the archive allows replay.
		logger.Warn("ingest_partial",
			slog.Int("indexed", result.ChunksIndexed),
			slog.Int("total", result.ChunksTotal),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("ingest_done",
		slog.String("doc_id", result.DocID),
		slog.Int("chunks", result.ChunksIndexed))
}

// ingestText assembles the indexable text: subject, body, then whatever the
// analyzer extracts from each attachment. Analyzer output is also archived
// next to the attachment.
func (p *Processor) ingestText(ctx context.Context, job Job, logger *slog.Logger) string {
	msg := &job.Message
	var b strings.Builder
	b.WriteString(msg.Subject)
	b.WriteString("\n\n")
	b.WriteString(msg.Body)

	if p.analyzer == nil {
		return b.String()
	}
	for _, att := range msg.Attachments {
		analysis, err := p.analyzer.Analyze(ctx, att.Filename, att.Data)
		if err != nil {
			logger.Warn("attachment_analysis_failed",
				slog.String("filename", att.Filename),
				slog.String("error", err.Error()))
			continue
		}
		if strings.TrimSpace(analysis) == "" {
			continue
		}
		if err := p.archive.StoreAnalysis(job.ArchiveID, att.Filename, analysis); err != nil {
			logger.Warn("analysis_archive_failed", slog.String("error", err.Error()))
		}
		fmt.Fprintf(&b, "\n\n[Attachment: %s]\n%s", att.Filename, analysis)
	}
	return b.String()
}

// extractQuestion returns the question text: the body with marker and
// question-prefix lines stripped, falling back to the subject.
func extractQuestion(msg *Message) string {
	body := strings.TrimSpace(markerRe.ReplaceAllString(msg.Body, ""))
	if body != "" {
		first, rest, _ := strings.Cut(body, "\n")
		first = strings.TrimSpace(first)
		if questionRe.MatchString(first) {
			first = questionRe.ReplaceAllString(first, "")
		}
		body = strings.TrimSpace(first + "\n" + rest)
	}
	if body != "" {
		return body
	}
	subject := strings.TrimSpace(msg.Subject)
	return strings.TrimSpace(questionRe.ReplaceAllString(subject, ""))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func formatAnswer(answer search.Answer) string {
	var b strings.Builder
	b.WriteString(answer.Text)
	if len(answer.Sources) > 0 {
		b.WriteString("\n\nSources:\n")
		for i, src := range answer.Sources {
			fmt.Fprintf(&b, "%d. (%.2f) %s\n", i+1, src.Score, src.Snippet)
		}
	}
	return b.String()
}

// reply sends a synthetic-marked message back to the original sender. A
// synthetic inbound message never gets a reply.
func (p *Processor) reply(ctx context.Context, msg *Message, subject, body string) {
	if msg.IsSynthetic() || msg.From == "" {
		return
	}
	out := Outgoing{
		To:      []string{msg.From},
		Subject: subject,
		Body:    body,
		Headers: map[string]string{SyntheticHeader: "1"},
	}
	if err := p.sender.Send(ctx, out); err != nil {
		p.logger.Error("reply_failed",
			slog.String("to", msg.From),
			slog.String("error", err.Error()))
	}
}

func (p *Processor) replyFailure(ctx context.Context, msg *Message, body string) {
	p.reply(ctx, msg, "Re: "+msg.Subject+" (processing failed)", body)
}
