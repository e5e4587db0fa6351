package claims

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/newvantageco/ILS2.0-sub011/internal/platform/payer"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/ratelimit"
)

// -- Mock Repositories --

type mockClaimRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Claim
	seq   int64
}

func newMockClaimRepo() *mockClaimRepo {
	return &mockClaimRepo{items: make(map[uuid.UUID]*Claim)}
}

func (m *mockClaimRepo) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.VersionID = 1
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	m.items[c.ID] = c
	return nil
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockClaimRepo) GetByClaimNumber(_ context.Context, claimNumber string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.ClaimNumber == claimNumber && c.DeletedAt == nil {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockClaimRepo) GetByRemoteRef(_ context.Context, remoteRef string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.RemoteRef != nil && *c.RemoteRef == remoteRef && c.DeletedAt == nil {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockClaimRepo) Update(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored != c && stored.VersionID != c.VersionID {
		return ErrVersionConflict
	}
	c.VersionID++
	c.UpdatedAt = time.Now()
	m.items[c.ID] = c
	return nil
}

func (m *mockClaimRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	c.DeletedAt = &now
	return nil
}

func (m *mockClaimRepo) List(_ context.Context, f ClaimListFilter) ([]*Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Claim
	for _, c := range m.items {
		if c.DeletedAt != nil || c.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		out = append(out, c)
	}
	return out, len(out), nil
}

func (m *mockClaimRepo) NextClaimNumber(_ context.Context, tenantID string, date time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return FormatClaimNumber(tenantID, date, m.seq), nil
}

type mockRetryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*RetryQueueEntry
}

func newMockRetryRepo() *mockRetryRepo {
	return &mockRetryRepo{items: make(map[uuid.UUID]*RetryQueueEntry)}
}

func (m *mockRetryRepo) Create(_ context.Context, e *RetryQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	e.UpdatedAt = time.Now()
	m.items[e.ID] = e
	return nil
}

func (m *mockRetryRepo) GetByID(_ context.Context, id uuid.UUID) (*RetryQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *mockRetryRepo) GetByClaimID(_ context.Context, claimID uuid.UUID) (*RetryQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.items {
		if e.ClaimID == claimID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRetryRepo) Update(_ context.Context, e *RetryQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now()
	m.items[e.ID] = e
	return nil
}

func (m *mockRetryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *mockRetryRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*RetryQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RetryQueueEntry
	for _, e := range m.items {
		if e.Status == RetryPending && !e.NextAttemptAt.After(now) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRetryRepo) List(_ context.Context, status RetryStatus, limit, offset int) ([]*RetryQueueEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RetryQueueEntry
	for _, e := range m.items {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

type mockEventRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*WebhookEvent
}

func newMockEventRepo() *mockEventRepo {
	return &mockEventRepo{items: make(map[uuid.UUID]*WebhookEvent)}
}

func (m *mockEventRepo) Create(_ context.Context, e *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	if e.DeliveryCount == 0 {
		e.DeliveryCount = 1
	}
	e.ReceivedAt = time.Now()
	m.items[e.ID] = e
	return nil
}

func (m *mockEventRepo) GetByEventID(_ context.Context, eventID string) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.items {
		if e.EventID == eventID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockEventRepo) MarkProcessed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	e.Processed = true
	return nil
}

func (m *mockEventRepo) IncrementDelivery(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	e.DeliveryCount++
	return nil
}

func (m *mockEventRepo) ListByClaimNumber(_ context.Context, claimNumber string, limit, offset int) ([]*WebhookEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WebhookEvent
	for _, e := range m.items {
		if e.ClaimNumber == claimNumber {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

// -- Mock Collaborators --

type mockCreds struct {
	expiries map[string]time.Time
	err      error
}

func (m *mockCreds) CredentialExpiry(_ context.Context, providerNumber string) (time.Time, error) {
	if m.err != nil {
		return time.Time{}, m.err
	}
	if exp, ok := m.expiries[providerNumber]; ok {
		return exp, nil
	}
	return time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type mockPayer struct {
	mu       sync.Mutex
	ack      *payer.Acknowledgment
	err      error
	degraded bool
	requests []payer.Request
}

func (m *mockPayer) Submit(_ context.Context, req payer.Request) (*payer.Acknowledgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.ack, nil
}

func (m *mockPayer) Degraded() bool { return m.degraded }

type mockDispatcher struct {
	mu     sync.Mutex
	events []ClaimEvent
}

func (m *mockDispatcher) Dispatch(_ context.Context, event ClaimEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func passthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// -- Test Fixture --

const testTenant = "northclinic"

var testClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// validInput returns a claim input that passes every validation rule.
// The subject id carries a valid mod-10 check digit.
func validInput() *ClaimInput {
	return &ClaimInput{
		SubjectID:      "79927398713",
		ProviderNumber: "PRV12345",
		CategoryCode:   "general-consult",
		ServiceDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		AmountCents:    12550,
		Currency:       "AUD",
	}
}

type fixture struct {
	svc        *Service
	claims     *mockClaimRepo
	retries    *mockRetryRepo
	events     *mockEventRepo
	payer      *mockPayer
	dispatcher *mockDispatcher
	retryMgr   *RetryManager
	validator  *Validator
	creds      *mockCreds
	clock      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		claims:     newMockClaimRepo(),
		retries:    newMockRetryRepo(),
		events:     newMockEventRepo(),
		payer:      &mockPayer{ack: &payer.Acknowledgment{RemoteRef: "PAY-REF-1"}},
		dispatcher: &mockDispatcher{},
		clock:      testClock,
	}

	f.creds = &mockCreds{}
	f.validator = NewValidator(f.creds, 24)
	f.validator.SetClock(func() time.Time { return f.clock })

	f.retryMgr = NewRetryManager(f.retries, f.claims, 3)
	f.retryMgr.SetClock(func() time.Time { return f.clock })

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{PerMinute: 100, PerHour: 1000})

	f.svc = NewService(f.claims, f.retryMgr, f.validator, limiter,
		f.payer, f.dispatcher, passthroughTx, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}
