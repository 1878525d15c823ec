package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/notify"
)

// Mailer delivers one message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends plain-text mail through an unauthenticated relay such as
// the local Mailpit used in development.
type SMTPMailer struct {
	addr string
	from string
	now  func() time.Time
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		from: from,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.from, to, subject, body, m.now())
	if err := smtp.SendMail(m.addr, nil, m.from, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// OutboxDispatcher claims pending outbox rows and hands each to send.
type OutboxDispatcher interface {
	Dispatch(ctx context.Context, limit int, send notify.Sender) (notify.DispatchResult, error)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// MailJobs drains the email outbox and delivers messages.
type MailJobs struct {
	outbox OutboxDispatcher
	queue  Enqueuer
	mailer Mailer
	batch  int
	runner runner
}

// NewMailJobs initialises the mail handlers.
func NewMailJobs(outbox OutboxDispatcher, queue Enqueuer, mailer Mailer, locker Leaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJobs {
	return &MailJobs{outbox: outbox, queue: queue, mailer: mailer, batch: 100, runner: newRunner(locker, metrics, logger)}
}

// Handlers lists the dispatch and send handlers.
func (j *MailJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskOutboxDispatch, Handler: j.runner.scheduled(TaskOutboxDispatch, j.dispatch)},
		{Type: TaskTypeSendEmail, Handler: j.HandleSendEmailTask},
	}
}

func (j *MailJobs) dispatch(ctx context.Context, _ ScheduledPayload) error {
	res, err := j.outbox.Dispatch(ctx, j.batch, j.enqueue)
	j.runner.metrics.ObserveBatch(TaskOutboxDispatch, res.Sent, 0, res.Failed)
	if err != nil {
		return err
	}
	if res.Claimed > 0 {
		j.runner.logger.Info("outbox dispatched",
			slog.String("job", TaskOutboxDispatch),
			slog.Int("claimed", res.Claimed),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed))
	}
	return nil
}

func (j *MailJobs) enqueue(ctx context.Context, e notify.Email) error {
	task, err := NewSendEmailTask(SendEmailPayload{OutboxID: e.ID.String(), To: e.To, Subject: e.Subject, Body: e.Body})
	if err != nil {
		return err
	}
	if _, err := j.queue.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func (j *MailJobs) HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if strings.TrimSpace(payload.To) == "" {
		j.runner.logger.Warn("email without recipient dropped", slog.String("outbox_id", payload.OutboxID))
		return asynq.SkipRetry
	}
	tracker := j.runner.metrics.Track(TaskTypeSendEmail)
	err := j.mailer.Send(ctx, payload.To, payload.Subject, payload.Body)
	if err != nil {
		j.runner.logger.Warn("email delivery failed",
			slog.String("outbox_id", payload.OutboxID),
			slog.Any("error", err))
	}
	return tracker.End(err)
}
