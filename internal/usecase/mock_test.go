//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/redis"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// ---- In-memory PaymentRepository ----

type MockPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*model.Payment

	// CompletedUnactivated is returned verbatim by ListCompletedUnactivated;
	// the subscription join lives in the real repo.
	CompletedUnactivated []*model.Payment

	SaveFunc                  func(ctx context.Context, tx repository.Tx, p *model.Payment) error
	UpdateStatusIfPendingFunc func(ctx context.Context, tx repository.Tx, id string, status model.PaymentStatus, externalRef *string, paidAt *time.Time) (bool, error)
}

var _ repository.PaymentRepository = (*MockPaymentRepo)(nil)

func NewMockPaymentRepo() *MockPaymentRepo {
	return &MockPaymentRepo{payments: make(map[string]*model.Payment)}
}

func (m *MockPaymentRepo) Save(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, tx, p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MockPaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockPaymentRepo) FindByExternalRef(ctx context.Context, tx repository.Tx, gateway, externalRef string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Gateway == gateway && p.ExternalRef != nil && *p.ExternalRef == externalRef {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPaymentRepo) FindLatestPending(ctx context.Context, tx repository.Tx, subscriptionRef, gateway string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Payment
	for _, p := range m.payments {
		if p.SubscriptionRef != subscriptionRef || p.Gateway != gateway || p.Status != model.PaymentStatusPending {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MockPaymentRepo) FindLatestBySubscription(ctx context.Context, tx repository.Tx, subscriptionRef string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Payment
	for _, p := range m.payments {
		if p.SubscriptionRef != subscriptionRef {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// UpdateStatusIfPending mirrors the SQL conditional update: the check and
// the write happen under one lock, so concurrent callers race exactly the
// way they do against Postgres.
func (m *MockPaymentRepo) UpdateStatusIfPending(ctx context.Context, tx repository.Tx, id string, status model.PaymentStatus, externalRef *string, paidAt *time.Time) (bool, error) {
	if m.UpdateStatusIfPendingFunc != nil {
		return m.UpdateStatusIfPendingFunc(ctx, tx, id, status, externalRef, paidAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = status
	if externalRef != nil {
		p.ExternalRef = externalRef
	}
	p.PaidAt = paidAt
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockPaymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Payment
	for _, p := range m.payments {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentRepo) ListCompletedUnactivated(ctx context.Context, tx repository.Tx, limit int) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Payment, len(m.CompletedUnactivated))
	for i, p := range m.CompletedUnactivated {
		cp := *p
		out[i] = &cp
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockPaymentRepo) Get(id string) *model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// All returns every stored row, for assertions on row counts.
func (m *MockPaymentRepo) All() []*model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ---- In-memory SubscriptionRepository ----

type MockSubscriptionRepo struct {
	mu   sync.Mutex
	subs map[string]*model.Subscription

	ActivateIfInactiveFunc func(ctx context.Context, tx repository.Tx, id string) (bool, error)
	ActivationCount        int
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{subs: make(map[string]*model.Subscription)}
}

func (m *MockSubscriptionRepo) Put(s *model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs[s.ID] = &cp
}

func (m *MockSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSubscriptionRepo) ActivateIfInactive(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	if m.ActivateIfInactiveFunc != nil {
		return m.ActivateIfInactiveFunc(ctx, tx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.IsActive {
		return false, nil
	}
	s.IsActive = true
	m.ActivationCount++
	return true, nil
}

// ---- CompanyRepository ----

type MockCompanyRepo struct {
	mu        sync.Mutex
	companies map[string]*model.Company
	Marked    []string
	Err       error // returned by MarkRegistrationCompleted when set
}

var _ repository.CompanyRepository = (*MockCompanyRepo)(nil)

func NewMockCompanyRepo() *MockCompanyRepo {
	return &MockCompanyRepo{companies: make(map[string]*model.Company)}
}

func (m *MockCompanyRepo) Put(c *model.Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.companies[c.ID] = &cp
}

func (m *MockCompanyRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockCompanyRepo) MarkRegistrationCompleted(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if c, ok := m.companies[id]; ok {
		c.RegistrationCompleted = true
	}
	m.Marked = append(m.Marked, id)
	return nil
}

// ---- PlanRepository ----

type MockPlanRepo struct {
	mu    sync.Mutex
	plans map[string]*model.Plan
}

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func NewMockPlanRepo() *MockPlanRepo {
	return &MockPlanRepo{plans: make(map[string]*model.Plan)}
}

func (m *MockPlanRepo) Put(p *model.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.ID] = &cp
}

func (m *MockPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ---- AuditRepository ----

type MockAuditRepo struct {
	mu      sync.Mutex
	Entries []*model.AuditEntry
	Err     error
}

var _ repository.AuditRepository = (*MockAuditRepo)(nil)

func (m *MockAuditRepo) Record(ctx context.Context, tx repository.Tx, e *model.AuditEntry) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.Entries = append(m.Entries, &cp)
	return nil
}

func (m *MockAuditRepo) Outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Outcome
	}
	return out
}

// ---- TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func NewMockTxManager() *MockTxManager { return &MockTxManager{} }

func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// ---- PaymentGateway ----

type MockGateway struct {
	GatewayName string

	InitiateSessionFunc   func(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error)
	FetchStatusFunc       func(ctx context.Context, externalRef string) (*adapter.PaymentResult, error)
	ParseNotificationFunc func(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error)

	mu           sync.Mutex
	FetchCalls   int
	InitCalls    int
	LastFetchRef string
}

var _ adapter.PaymentGateway = (*MockGateway)(nil)

func (m *MockGateway) Name() string {
	if m.GatewayName == "" {
		return "mockpay"
	}
	return m.GatewayName
}

func (m *MockGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	m.mu.Lock()
	m.InitCalls++
	m.mu.Unlock()
	if m.InitiateSessionFunc != nil {
		return m.InitiateSessionFunc(ctx, req)
	}
	return &adapter.SessionHandle{ExternalRef: "ext-1", RedirectURL: "https://pay.example/ext-1"}, nil
}

func (m *MockGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	m.mu.Lock()
	m.FetchCalls++
	m.LastFetchRef = externalRef
	m.mu.Unlock()
	if m.FetchStatusFunc != nil {
		return m.FetchStatusFunc(ctx, externalRef)
	}
	return nil, fmt.Errorf("%w: no FetchStatusFunc configured", domain.ErrProviderTransport)
}

func (m *MockGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	if m.ParseNotificationFunc != nil {
		return m.ParseNotificationFunc(channel, body, query)
	}
	return nil, fmt.Errorf("%w: no ParseNotificationFunc configured", domain.ErrReconciliation)
}

func (m *MockGateway) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FetchCalls
}

// ---- GatewayResolver ----

type MockResolver struct {
	Gateways map[string]adapter.PaymentGateway
}

func NewMockResolver(gws ...adapter.PaymentGateway) *MockResolver {
	m := &MockResolver{Gateways: make(map[string]adapter.PaymentGateway)}
	for _, gw := range gws {
		m.Gateways[gw.Name()] = gw
	}
	return m
}

func (m *MockResolver) Resolve(name string) (adapter.PaymentGateway, error) {
	gw, ok := m.Gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownGateway, name)
	}
	return gw, nil
}

// ---- NotificationVerifier ----

type MockVerifier struct {
	Trust adapter.TrustLevel
	Err   error
}

var _ adapter.NotificationVerifier = (*MockVerifier)(nil)

func (m *MockVerifier) Verify(event *model.ReconciliationEvent) (adapter.TrustLevel, error) {
	return m.Trust, m.Err
}

// ---- Locker ----

type MockLocker struct {
	mu   sync.Mutex
	held map[string]string
	Err  error // transport failure to return from TryLock
}

func NewMockLocker() *MockLocker { return &MockLocker{held: make(map[string]string)} }

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if _, ok := m.held[key]; ok {
		return "", redis.ErrLockHeld
	}
	m.held[key] = key
	return key, nil
}

func (m *MockLocker) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
