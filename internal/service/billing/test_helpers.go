package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// In-memory fakes backing the service tests. The invoice fake enforces the
// same version compare-and-swap the Postgres repository does, so concurrency
// conflicts surface in tests without a database.

type memInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*financial.Invoice
	// forced version bump applied before the next Update, simulating a
	// concurrent writer
	staleNext bool
}

func newMemInvoiceRepo() *memInvoiceRepo {
	return &memInvoiceRepo{invoices: make(map[uuid.UUID]*financial.Invoice)}
}

func (r *memInvoiceRepo) Create(ctx context.Context, inv *financial.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memInvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*financial.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, errors.NewNotFoundError("invoice")
	}
	cp := *inv
	return &cp, nil
}

func (r *memInvoiceRepo) Update(ctx context.Context, inv *financial.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.invoices[inv.ID]
	if !ok {
		return errors.NewNotFoundError("invoice")
	}
	if r.staleNext {
		r.staleNext = false
		stored.Version++
	}
	if stored.Version != inv.Version {
		return errors.NewVersionConflictError("invoice")
	}
	inv.Version++
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memInvoiceRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.Invoice
	for _, inv := range r.invoices {
		if inv.PatientID == patientID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memInvoiceRepo) ListPastDue(ctx context.Context, now time.Time) ([]*financial.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.Invoice
	for _, inv := range r.invoices {
		switch inv.Status {
		case financial.InvoiceStatusPending, financial.InvoiceStatusPartiallyPaid:
			if inv.DueDate.Before(now) {
				cp := *inv
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*financial.Payment
	byKey    map[string]uuid.UUID
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{
		payments: make(map[uuid.UUID]*financial.Payment),
		byKey:    make(map[string]uuid.UUID),
	}
}

func (r *memPaymentRepo) CreateIfAbsent(ctx context.Context, p *financial.Payment) (*financial.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existingID, ok := r.byKey[p.IdempotencyKey]; ok {
		cp := *r.payments[existingID]
		return &cp, false, nil
	}
	cp := *p
	r.payments[p.ID] = &cp
	r.byKey[p.IdempotencyKey] = p.ID
	return p, true, nil
}

func (r *memPaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*financial.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, errors.NewNotFoundError("payment")
	}
	cp := *p
	return &cp, nil
}

func (r *memPaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*financial.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, errors.NewNotFoundError("payment")
	}
	cp := *r.payments[id]
	return &cp, nil
}

func (r *memPaymentRepo) Update(ctx context.Context, p *financial.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return errors.NewNotFoundError("payment")
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memPaymentRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.Payment
	for _, p := range r.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memRefundRepo struct {
	mu      sync.Mutex
	refunds map[uuid.UUID]*financial.Refund
}

func newMemRefundRepo() *memRefundRepo {
	return &memRefundRepo{refunds: make(map[uuid.UUID]*financial.Refund)}
}

func (r *memRefundRepo) Create(ctx context.Context, ref *financial.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ref
	r.refunds[ref.ID] = &cp
	return nil
}

func (r *memRefundRepo) GetByID(ctx context.Context, id uuid.UUID) (*financial.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refunds[id]
	if !ok {
		return nil, errors.NewNotFoundError("refund")
	}
	cp := *ref
	return &cp, nil
}

func (r *memRefundRepo) Update(ctx context.Context, ref *financial.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refunds[ref.ID]; !ok {
		return errors.NewNotFoundError("refund")
	}
	cp := *ref
	r.refunds[ref.ID] = &cp
	return nil
}

func (r *memRefundRepo) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financial.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.Refund
	for _, ref := range r.refunds {
		if ref.PaymentID == paymentID {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRefundRepo) ListRequiringReview(ctx context.Context) ([]*financial.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.Refund
	for _, ref := range r.refunds {
		if ref.Status == financial.RefundStatusRequiresReview {
			cp := *ref
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memClaimRepo struct {
	mu        sync.Mutex
	claims    map[uuid.UUID]*financial.InsuranceClaim
	createErr error
}

func newMemClaimRepo() *memClaimRepo {
	return &memClaimRepo{claims: make(map[uuid.UUID]*financial.InsuranceClaim)}
}

func (r *memClaimRepo) Create(ctx context.Context, c *financial.InsuranceClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *c
	r.claims[c.ID] = &cp
	return nil
}

func (r *memClaimRepo) GetByID(ctx context.Context, id uuid.UUID) (*financial.InsuranceClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, errors.NewNotFoundError("claim")
	}
	cp := *c
	return &cp, nil
}

func (r *memClaimRepo) Update(ctx context.Context, c *financial.InsuranceClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claims[c.ID]; !ok {
		return errors.NewNotFoundError("claim")
	}
	cp := *c
	r.claims[c.ID] = &cp
	return nil
}

func (r *memClaimRepo) GetActiveByInvoice(ctx context.Context, invoiceID uuid.UUID) (*financial.InsuranceClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims {
		if c.InvoiceID == invoiceID && c.IsActive() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errors.NewNotFoundError("claim")
}

func (r *memClaimRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.InsuranceClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*financial.InsuranceClaim
	for _, c := range r.claims {
		if c.InvoiceID == invoiceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeGateway scripts approvals and declines per call
type fakeGateway struct {
	mu          sync.Mutex
	chargeFn    func(req GatewayRequest) (*GatewayResult, error)
	refundFn    func(req GatewayRequest) (*GatewayResult, error)
	chargeCalls int
	refundCalls int
}

func approvingGateway() *fakeGateway {
	return &fakeGateway{}
}

func decliningGateway(reason string) *fakeGateway {
	decline := func(req GatewayRequest) (*GatewayResult, error) {
		return &GatewayResult{Approved: false, DeclineReason: reason}, nil
	}
	return &fakeGateway{chargeFn: decline, refundFn: decline}
}

func (g *fakeGateway) Charge(ctx context.Context, req GatewayRequest) (*GatewayResult, error) {
	g.mu.Lock()
	g.chargeCalls++
	fn := g.chargeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &GatewayResult{Approved: true, GatewayRef: "gw-" + req.Reference}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req GatewayRequest) (*GatewayResult, error) {
	g.mu.Lock()
	g.refundCalls++
	fn := g.refundFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &GatewayResult{Approved: true, GatewayRef: "gw-" + req.Reference}, nil
}

// fakePublisher records published events
type fakePublisher struct {
	mu     sync.Mutex
	events []financial.Event
}

func (p *fakePublisher) Publish(ctx context.Context, event financial.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.EventType())
	}
	return types
}

// passthroughTxManager runs fn directly; the in-memory repos have no real
// transaction to join
type passthroughTxManager struct{}

func (passthroughTxManager) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{keys: make(map[string]uuid.UUID)}
}

func (s *memIdempotencyStore) Get(ctx context.Context, key string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[key]
	return id, ok, nil
}

func (s *memIdempotencyStore) Set(ctx context.Context, key string, paymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = paymentID
	return nil
}

// usd builds a USD money value or panics; test amounts are always valid
func usd(amount string) values.Money {
	return values.MustNewMoney(amount, "USD")
}

// createTestInvoice builds and persists a pending invoice with a single line
// item for the given total
func createTestInvoice(repo *memInvoiceRepo, total string) *financial.Invoice {
	item, err := financial.NewInvoiceItem("Consultation", 1, usd(total))
	if err != nil {
		panic(err)
	}
	inv, err := financial.NewInvoice(uuid.New(), uuid.New(), []financial.InvoiceItem{item},
		values.Zero("USD"), values.Zero("USD"), time.Time{})
	if err != nil {
		panic(err)
	}
	if err := repo.Create(context.Background(), inv); err != nil {
		panic(err)
	}
	return inv
}
