package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/tutorly/internal/directory"
	"github.com/tutorly/tutorly/internal/notify"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/readableid"
	"github.com/tutorly/tutorly/internal/shared"
	"github.com/tutorly/tutorly/internal/wallet"
)

type memoryStore struct {
	mu        sync.Mutex
	bookings  map[uuid.UUID]Booking
	wallets   map[uuid.UUID]wallet.Wallet
	txs       []wallet.Transaction
	notices   []notify.Notice
	emails    []notify.Email
	noticeErr error
	now       func() time.Time
}

type memorySnapshot struct {
	bookings map[uuid.UUID]Booking
	wallets  map[uuid.UUID]wallet.Wallet
	txs      []wallet.Transaction
	notices  []notify.Notice
	emails   []notify.Email
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		bookings: map[uuid.UUID]Booking{},
		wallets:  map[uuid.UUID]wallet.Wallet{},
		now:      now,
	}
}

func (m *memoryStore) snapshot() memorySnapshot {
	s := memorySnapshot{
		bookings: make(map[uuid.UUID]Booking, len(m.bookings)),
		wallets:  make(map[uuid.UUID]wallet.Wallet, len(m.wallets)),
		txs:      append([]wallet.Transaction(nil), m.txs...),
		notices:  append([]notify.Notice(nil), m.notices...),
		emails:   append([]notify.Email(nil), m.emails...),
	}
	for k, v := range m.bookings {
		s.bookings[k] = v
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	return s
}

func (m *memoryStore) restore(s memorySnapshot) {
	m.bookings = s.bookings
	m.wallets = s.wallets
	m.txs = s.txs
	m.notices = s.notices
	m.emails = s.emails
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, &memoryTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return Booking{}, ErrNotFound
	}
	return b, nil
}

func (m *memoryStore) ExpirePendingApprovals(_ context.Context, cutoff, now time.Time) ([]Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for id, b := range m.bookings {
		if b.Status == StatusPendingTeacherApproval && !b.CreatedAt.After(cutoff) {
			b.Status = StatusExpired
			b.CancelReason = "teacher did not respond"
			b.UpdatedAt = now
			m.bookings[id] = b
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memoryStore) filter(limit int, keep func(Booking) bool) []Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if keep(b) && len(out) < limit {
			out = append(out, b)
		}
	}
	return out
}

// page mirrors the keyset scans: rows ordered by due time then id, strictly
// after the cursor.
func (m *memoryStore) page(after Cursor, limit int, due func(Booking) time.Time, keep func(Booking) bool) []Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings {
		if keep(b) && afterCursor(due(b), b.ID, after) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return afterCursor(due(out[j]), out[j].ID, Cursor{At: due(out[i]), ID: out[i].ID})
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func afterCursor(at time.Time, id uuid.UUID, c Cursor) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return id.String() > c.ID.String()
}

func (m *memoryStore) ListUnpaidOverdue(_ context.Context, now time.Time, after Cursor, limit int) ([]Booking, error) {
	return m.page(after, limit, paymentDue, func(b Booking) bool {
		return b.Status == StatusWaitingForPayment && b.PaymentDeadline != nil && !b.PaymentDeadline.After(now)
	}), nil
}

func (m *memoryStore) ListEndedScheduled(_ context.Context, endedBefore time.Time, after Cursor, limit int) ([]Booking, error) {
	return m.page(after, limit, sessionEnd, func(b Booking) bool {
		return b.Status == StatusScheduled && !b.EndTime.After(endedBefore)
	}), nil
}

func (m *memoryStore) ListDisputeWindowClosed(_ context.Context, now time.Time, after Cursor, limit int) ([]Booking, error) {
	return m.page(after, limit, disputeWindowClose, func(b Booking) bool {
		return b.Status == StatusPendingConfirmation && b.DisputeWindowClosesAt != nil && !b.DisputeWindowClosesAt.After(now)
	}), nil
}

func (m *memoryStore) ListReminderDue(_ context.Context, from, until time.Time, limit int) ([]Booking, error) {
	return m.filter(limit, func(b Booking) bool {
		return b.Status == StatusScheduled && b.MeetingLink == "" && b.MeetingLinkReminderSentAt == nil &&
			b.StartTime.After(from) && !b.StartTime.After(until)
	}), nil
}

func (m *memoryStore) put(b Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
}

func (m *memoryStore) noticesFor(userID uuid.UUID) []notify.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notify.Notice
	for _, n := range m.notices {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *memoryStore) bookingTxs(id uuid.UUID) []wallet.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wallet.Transaction
	for _, tx := range m.txs {
		if tx.BookingID != nil && *tx.BookingID == id {
			out = append(out, tx)
		}
	}
	return out
}

func (m *memoryStore) dropWallet(owner uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wallets, owner)
}

func (m *memoryStore) balance(owner uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[owner].Balance
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) LockTeacher(context.Context, uuid.UUID) error { return nil }

func (t *memoryTx) HasActiveOverlap(_ context.Context, teacherID uuid.UUID, start, end time.Time) (bool, error) {
	for _, b := range t.store.bookings {
		if b.TeacherID == teacherID && b.Status.IsActive() && b.StartTime.Before(end) && b.EndTime.After(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) Insert(_ context.Context, b Booking) error {
	if _, ok := t.store.bookings[b.ID]; ok {
		return fmt.Errorf("duplicate booking %s", b.ID)
	}
	t.store.bookings[b.ID] = b
	return nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, next, prev Booking) (bool, error) {
	cur, ok := t.store.bookings[next.ID]
	if !ok || cur.Status != prev.Status || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return false, nil
	}
	cur.Status = next.Status
	cur.PaymentDeadline = next.PaymentDeadline
	cur.DisputeWindowOpensAt = next.DisputeWindowOpensAt
	cur.DisputeWindowClosesAt = next.DisputeWindowClosesAt
	cur.TokenVersion = next.TokenVersion
	cur.CancelReason = next.CancelReason
	cur.UpdatedAt = next.UpdatedAt
	t.store.bookings[next.ID] = cur
	return true, nil
}

func (t *memoryTx) MissingWallets(_ context.Context, owners ...uuid.UUID) ([]uuid.UUID, error) {
	var missing []uuid.UUID
	for _, o := range owners {
		if _, ok := t.store.wallets[o]; !ok {
			missing = append(missing, o)
		}
	}
	return missing, nil
}

func (t *memoryTx) SetMeetingLink(_ context.Context, id uuid.UUID, link string, at time.Time) (bool, error) {
	cur, ok := t.store.bookings[id]
	if !ok || cur.Status != StatusScheduled {
		return false, nil
	}
	cur.MeetingLink = link
	cur.UpdatedAt = at
	t.store.bookings[id] = cur
	return true, nil
}

func (t *memoryTx) StampReminder(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	cur, ok := t.store.bookings[id]
	if !ok || cur.Status != StatusScheduled || cur.MeetingLinkReminderSentAt != nil || cur.MeetingLink != "" {
		return false, nil
	}
	cur.MeetingLinkReminderSentAt = &at
	t.store.bookings[id] = cur
	return true, nil
}

func (t *memoryTx) Ledger() Ledger {
	return wallet.NewPoster(memoryPosting{store: t.store}, t.store.now)
}

func (t *memoryTx) Notifier() Notifier {
	return notify.NewGateway(memoryNotices{store: t.store})
}

type memoryPosting struct {
	store *memoryStore
}

func (p memoryPosting) LockWalletByOwner(_ context.Context, ownerID uuid.UUID) (wallet.Wallet, error) {
	w, ok := p.store.wallets[ownerID]
	if !ok {
		return wallet.Wallet{}, wallet.ErrWalletNotFound
	}
	return w, nil
}

func (p memoryPosting) InsertTransaction(_ context.Context, tx wallet.Transaction) error {
	for _, existing := range p.store.txs {
		if existing.WalletID == tx.WalletID && existing.Type == tx.Type && existing.Reference == tx.Reference {
			return wallet.ErrDuplicateEntry
		}
	}
	p.store.txs = append(p.store.txs, tx)
	return nil
}

func (p memoryPosting) SetBalance(_ context.Context, walletID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	for owner, w := range p.store.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.UpdatedAt = at
			p.store.wallets[owner] = w
			return nil
		}
	}
	return wallet.ErrWalletNotFound
}

// memoryNotices runs under the store lock held by WithTx.
type memoryNotices struct {
	store *memoryStore
}

func (n memoryNotices) InsertNotice(_ context.Context, notice notify.Notice) (bool, error) {
	if n.store.noticeErr != nil {
		return false, n.store.noticeErr
	}
	if notice.DedupeKey != "" {
		for _, existing := range n.store.notices {
			if existing.DedupeKey == notice.DedupeKey {
				return false, nil
			}
		}
	}
	n.store.notices = append(n.store.notices, notice)
	return true, nil
}

func (n memoryNotices) InsertEmail(_ context.Context, e notify.Email) (bool, error) {
	if n.store.noticeErr != nil {
		return false, n.store.noticeErr
	}
	for _, existing := range n.store.emails {
		if e.DedupeKey != "" && existing.DedupeKey == e.DedupeKey {
			return false, nil
		}
	}
	n.store.emails = append(n.store.emails, e)
	return true, nil
}

// lockedNotices is the out-of-transaction notice writer.
type lockedNotices struct {
	store *memoryStore
}

func (n lockedNotices) InsertNotice(ctx context.Context, notice notify.Notice) (bool, error) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	return memoryNotices(n).InsertNotice(ctx, notice)
}

func (n lockedNotices) InsertEmail(ctx context.Context, e notify.Email) (bool, error) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	return memoryNotices(n).InsertEmail(ctx, e)
}

type memoryDirectory struct {
	teachers map[uuid.UUID]directory.Teacher
	people   map[uuid.UUID]directory.Person
	subjects map[uuid.UUID]directory.Subject
}

func (d *memoryDirectory) Teacher(_ context.Context, id uuid.UUID) (directory.Teacher, error) {
	t, ok := d.teachers[id]
	if !ok {
		return directory.Teacher{}, directory.ErrNotFound
	}
	return t, nil
}

func (d *memoryDirectory) Person(_ context.Context, id uuid.UUID) (directory.Person, error) {
	if t, ok := d.teachers[id]; ok {
		return t.Person, nil
	}
	p, ok := d.people[id]
	if !ok {
		return directory.Person{}, directory.ErrNotFound
	}
	return p, nil
}

func (d *memoryDirectory) Subject(_ context.Context, id uuid.UUID) (directory.Subject, error) {
	s, ok := d.subjects[id]
	if !ok {
		return directory.Subject{}, directory.ErrNotFound
	}
	return s, nil
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) Next(_ context.Context, kind readableid.Kind, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return readableid.Format(kind, readableid.Period(at), int64(s.n)), nil
}

type fixture struct {
	store   *memoryStore
	dir     *memoryDirectory
	svc     *Service
	now     time.Time
	clockMu sync.Mutex

	teacher uuid.UUID
	parent  uuid.UUID
	student uuid.UUID
	subject uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		teacher: uuid.New(),
		parent:  uuid.New(),
		student: uuid.New(),
		subject: uuid.New(),
	}
	f.store = newMemoryStore(f.clock)
	f.dir = &memoryDirectory{
		teachers: map[uuid.UUID]directory.Teacher{
			f.teacher: {Person: directory.Person{ID: f.teacher, Name: "Ms. Rivera", Email: "rivera@example.com"}},
		},
		people: map[uuid.UUID]directory.Person{
			f.parent:  {ID: f.parent, Name: "Sam Parent", Email: "sam@example.com"},
			f.student: {ID: f.student, Name: "Kit Student"},
		},
		subjects: map[uuid.UUID]directory.Subject{f.subject: {ID: f.subject, Name: "Algebra"}},
	}
	f.svc = NewService(f.store, f.dir, rbac.NewChecker(), &sequenceIDs{}, notify.NewGateway(lockedNotices{store: f.store}), DefaultPolicy(), nil)
	f.svc.WithNow(f.clock)
	f.openWallet(f.parent, "0")
	f.openWallet(f.teacher, "0")
	return f
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) openWallet(owner uuid.UUID, balance string) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.wallets[owner] = wallet.Wallet{ID: uuid.New(), OwnerID: owner, Balance: dec(balance), Currency: "USD"}
}

func (f *fixture) payerActor() shared.Actor {
	return shared.Actor{UserID: f.parent, Role: shared.RoleParent}
}

func (f *fixture) teacherActor() shared.Actor {
	return shared.Actor{UserID: f.teacher, Role: shared.RoleTeacher}
}

func adminActor() shared.Actor {
	return shared.Actor{UserID: uuid.New(), Role: shared.RoleAdmin}
}

// request creates a one-hour booking starting after the given lead time.
func (f *fixture) request(t *testing.T, lead time.Duration, price string) Booking {
	t.Helper()
	start := f.clock().Add(lead)
	b, err := f.svc.Create(context.Background(), CreateInput{
		PayerID:   f.parent,
		TeacherID: f.teacher,
		SubjectID: f.subject,
		StudentID: f.student,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Price:     dec(price),
	})
	require.NoError(t, err)
	return b
}

// scheduled drives a fresh booking to SCHEDULED with the price held.
func (f *fixture) scheduled(t *testing.T, lead time.Duration, price string) Booking {
	t.Helper()
	f.openWallet(f.parent, price)
	b := f.request(t, lead, price)
	ctx := context.Background()
	_, err := f.svc.Transition(ctx, b.ID, ActionApprove, f.teacherActor(), TransitionInput{})
	require.NoError(t, err)
	b, err = f.svc.Transition(ctx, b.ID, ActionPay, f.payerActor(), TransitionInput{})
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, b.Status)
	return b
}

func (f *fixture) status(t *testing.T, id uuid.UUID) Status {
	t.Helper()
	b, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

var errBoom = errors.New("boom")
