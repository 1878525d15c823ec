package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/tutorly/internal/booking"
	jobmetrics "github.com/tutorly/tutorly/internal/jobs"
	"github.com/tutorly/tutorly/internal/ledgeraudit"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/platform/cache"
	"github.com/tutorly/tutorly/internal/shared"
	"github.com/tutorly/tutorly/internal/vacation"
)

type stubScheduler struct {
	mu    sync.Mutex
	calls map[string]int
	res   booking.BatchResult
	err   error
}

func (s *stubScheduler) record(name string) (booking.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
	return s.res, s.err
}

func (s *stubScheduler) ExpireStaleApprovals(context.Context) (booking.BatchResult, error) {
	return s.record(TaskExpireApprovals)
}
func (s *stubScheduler) ExpireUnpaid(context.Context) (booking.BatchResult, error) {
	return s.record(TaskExpireUnpaid)
}
func (s *stubScheduler) AutoCompleteStuck(context.Context) (booking.BatchResult, error) {
	return s.record(TaskAutoComplete)
}
func (s *stubScheduler) ReleaseAfterDisputeWindow(context.Context) (booking.BatchResult, error) {
	return s.record(TaskReleaseFunds)
}
func (s *stubScheduler) SendMeetingLinkReminders(context.Context) (booking.BatchResult, error) {
	return s.record(TaskMeetingLinkReminder)
}

type stubAuditor struct {
	trigger ledgeraudit.Trigger
	summary ledgeraudit.Summary
	err     error
}

func (s *stubAuditor) Run(_ context.Context, trigger ledgeraudit.Trigger) (ledgeraudit.Summary, error) {
	s.trigger = trigger
	return s.summary, s.err
}

type stubReturner struct{ calls int }

func (s *stubReturner) ReturnExpired(context.Context) (vacation.Result, error) {
	s.calls++
	return vacation.Result{Returned: 1, Notified: 1}, nil
}

type stubOutbox struct {
	emails []notify.Email
	sent   []error
}

func (s *stubOutbox) Dispatch(ctx context.Context, _ int, send notify.Sender) (notify.DispatchResult, error) {
	res := notify.DispatchResult{Claimed: len(s.emails)}
	for _, e := range s.emails {
		err := send(ctx, e)
		s.sent = append(s.sent, err)
		if err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}
	return res, nil
}

type stubQueue struct {
	tasks []*asynq.Task
	seen  map[string]bool
}

func (q *stubQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	var payload SendEmailPayload
	_ = json.Unmarshal(task.Payload(), &payload)
	if q.seen[payload.OutboxID] {
		return nil, asynq.ErrTaskIDConflict
	}
	q.seen[payload.OutboxID] = true
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: payload.OutboxID}, nil
}

type stubMailer struct {
	to  []string
	err error
}

func (m *stubMailer) Send(_ context.Context, to, _, _ string) error {
	m.to = append(m.to, to)
	return m.err
}

func newTestRegistry(t *testing.T, sched *stubScheduler, auditor *stubAuditor, outbox *stubOutbox, queue *stubQueue, mailer *stubMailer) Registry {
	t.Helper()
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	return Registry{
		Booking:  NewBookingJobs(sched, nil, nil, metrics),
		Audit:    NewLedgerAuditJob(auditor, nil, nil, metrics),
		Vacation: NewVacationJob(&stubReturner{}, nil, nil, metrics),
		Mail:     NewMailJobs(outbox, queue, mailer, nil, nil, metrics),
	}
}

func handlerFor(t *testing.T, reg Registry, taskType string) asynq.HandlerFunc {
	t.Helper()
	for _, h := range reg.Handlers() {
		if h.Type == taskType {
			return h.Handler
		}
	}
	t.Fatalf("no handler for %s", taskType)
	return nil
}

func scheduledTask(t *testing.T, taskType, trigger string) *asynq.Task {
	t.Helper()
	task, err := NewScheduledTask(taskType, trigger, time.Now())
	require.NoError(t, err)
	return task
}

func TestEveryScheduledJobIsRegistered(t *testing.T) {
	reg := newTestRegistry(t, &stubScheduler{}, &stubAuditor{}, &stubOutbox{}, &stubQueue{}, &stubMailer{})
	cron, err := reg.Cron()
	require.NoError(t, err)
	require.Len(t, cron, len(Schedule))

	types := map[string]bool{}
	for _, c := range cron {
		require.NotEmpty(t, c.Spec)
		types[c.Task.Type()] = true
	}
	for _, entry := range Schedule {
		require.True(t, types[entry.Type], entry.Type)
	}

	partial := Registry{Booking: reg.Booking}
	_, err = partial.Cron()
	require.Error(t, err)

	_, err = NewScheduledTask("nope:job", TriggerCron, time.Now())
	require.Error(t, err)
}

func TestLeaseOutlivesTaskTimeout(t *testing.T) {
	reg := newTestRegistry(t, &stubScheduler{}, &stubAuditor{}, &stubOutbox{}, &stubQueue{}, &stubMailer{})
	cron, err := reg.Cron()
	require.NoError(t, err)
	for _, c := range cron {
		var timeout time.Duration
		for _, opt := range c.Options {
			if opt.Type() == asynq.TimeoutOpt {
				timeout = opt.Value().(time.Duration)
			}
		}
		require.Equal(t, TaskTimeout, timeout, c.Task.Type())
		require.Greater(t, LeaseTTL(5*time.Minute), timeout)
	}

	require.Equal(t, TaskTimeout+leaseMargin, LeaseTTL(0))
	require.Equal(t, TaskTimeout+leaseMargin, LeaseTTL(5*time.Minute))
	require.Equal(t, time.Hour, LeaseTTL(time.Hour))
}

func TestBookingHandlersInvokeScheduler(t *testing.T) {
	sched := &stubScheduler{res: booking.BatchResult{Scanned: 2, Applied: 1, Conflicts: 1}}
	reg := newTestRegistry(t, sched, &stubAuditor{}, &stubOutbox{}, &stubQueue{}, &stubMailer{})
	ctx := context.Background()

	for _, taskType := range []string{TaskExpireApprovals, TaskExpireUnpaid, TaskAutoComplete, TaskReleaseFunds, TaskMeetingLinkReminder} {
		require.NoError(t, handlerFor(t, reg, taskType)(ctx, scheduledTask(t, taskType, TriggerCron)))
		require.Equal(t, 1, sched.calls[taskType], taskType)
	}

	sched.err = errors.New("database down")
	err := handlerFor(t, reg, TaskExpireUnpaid)(ctx, scheduledTask(t, TaskExpireUnpaid, TriggerCron))
	require.ErrorIs(t, err, sched.err)

	err = handlerFor(t, reg, TaskExpireUnpaid)(ctx, asynq.NewTask(TaskExpireUnpaid, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLeaseHeldSkipsRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewLocker(client, time.Minute)
	ctx := context.Background()

	sched := &stubScheduler{}
	jobs := NewBookingJobs(sched, locker, nil, nil)
	handler := jobs.Handlers()[1].Handler

	held, err := locker.Acquire(ctx, shared.JobLockKey(TaskExpireUnpaid))
	require.NoError(t, err)
	require.NoError(t, handler(ctx, scheduledTask(t, TaskExpireUnpaid, TriggerCron)))
	require.Zero(t, sched.calls[TaskExpireUnpaid])

	require.NoError(t, held.Release(ctx))
	require.NoError(t, handler(ctx, scheduledTask(t, TaskExpireUnpaid, TriggerCron)))
	require.Equal(t, 1, sched.calls[TaskExpireUnpaid])
	require.False(t, mr.Exists(shared.JobLockKey(TaskExpireUnpaid)), "lease released after run")
}

func TestLedgerAuditJob(t *testing.T) {
	auditor := &stubAuditor{summary: ledgeraudit.Summary{ID: uuid.New(), Status: ledgeraudit.StatusDiscrepancyFound, DiscrepancyCount: 3}}
	reg := newTestRegistry(t, &stubScheduler{}, auditor, &stubOutbox{}, &stubQueue{}, &stubMailer{})
	ctx := context.Background()
	handler := handlerFor(t, reg, TaskLedgerAudit)

	require.NoError(t, handler(ctx, scheduledTask(t, TaskLedgerAudit, TriggerCron)), "discrepancies are findings, not failures")
	require.Equal(t, ledgeraudit.TriggerScheduled, auditor.trigger)

	require.NoError(t, handler(ctx, scheduledTask(t, TaskLedgerAudit, TriggerManual)))
	require.Equal(t, ledgeraudit.TriggerManual, auditor.trigger)

	auditor.err = errors.New("engine failed")
	require.ErrorIs(t, handler(ctx, scheduledTask(t, TaskLedgerAudit, TriggerCron)), auditor.err)
}

func TestOutboxDispatchEnqueuesOncePerRow(t *testing.T) {
	first := notify.Email{ID: uuid.New(), To: "a@example.com", Subject: "Hello"}
	second := notify.Email{ID: uuid.New(), To: "b@example.com", Subject: "Hi"}
	outbox := &stubOutbox{emails: []notify.Email{first, second, first}}
	queue := &stubQueue{}
	reg := newTestRegistry(t, &stubScheduler{}, &stubAuditor{}, outbox, queue, &stubMailer{})

	require.NoError(t, handlerFor(t, reg, TaskOutboxDispatch)(context.Background(), scheduledTask(t, TaskOutboxDispatch, TriggerCron)))
	require.Len(t, queue.tasks, 2)
	for _, err := range outbox.sent {
		require.NoError(t, err, "task id conflict counts as handed over")
	}
	require.Equal(t, TaskTypeSendEmail, queue.tasks[0].Type())
}

func TestSendEmailTask(t *testing.T) {
	mailer := &stubMailer{}
	reg := newTestRegistry(t, &stubScheduler{}, &stubAuditor{}, &stubOutbox{}, &stubQueue{}, mailer)
	handler := handlerFor(t, reg, TaskTypeSendEmail)
	ctx := context.Background()

	task, err := NewSendEmailTask(SendEmailPayload{OutboxID: uuid.NewString(), To: "sam@example.com", Subject: "Booking approved", Body: "Pay soon"})
	require.NoError(t, err)
	require.NoError(t, handler(ctx, task))
	require.Equal(t, []string{"sam@example.com"}, mailer.to)

	mailer.err = errors.New("relay refused")
	require.ErrorIs(t, handler(ctx, task), mailer.err)

	require.ErrorIs(t, handler(ctx, asynq.NewTask(TaskTypeSendEmail, []byte("oops"))), asynq.SkipRetry)
	blank, err := NewSendEmailTask(SendEmailPayload{OutboxID: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, handler(ctx, blank), asynq.SkipRetry)
}

func TestBuildMessage(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := string(buildMessage("no-reply@tutorly.local", "sam@example.com", "Réservation", "line one\nline two", at))

	require.True(t, strings.HasPrefix(msg, "From: no-reply@tutorly.local\r\n"))
	require.Contains(t, msg, "To: sam@example.com\r\n")
	require.Contains(t, msg, "Subject: =?utf-8?q?")
	require.Contains(t, msg, "Date: Tue, 10 Mar 2026 09:00:00 +0000\r\n")
	require.Contains(t, msg, "\r\n\r\nline one\r\nline two\r\n")
}
