// Package billingtest provides an in-memory payment gateway for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

// FakeGateway is a concurrency-safe PaymentGateway. New charges get
// NextStatus; SetStatus moves an existing charge.
type FakeGateway struct {
	mu      sync.Mutex
	charges map[string]*domain.Charge
	seq     int

	// NextStatus is the status of newly created charges (pending when empty).
	NextStatus domain.ChargeStatus
	// SaveConfirmed makes the gateway report the instrument as saved.
	SaveConfirmed bool
	// FailCharge is returned by both charge calls when set.
	FailCharge error
	// FailGet is returned by GetCharge when set.
	FailGet error

	Requests       []domain.ChargeRequest
	StoredRequests []domain.StoredChargeRequest
}

// NewFakeGateway creates an empty gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{charges: make(map[string]*domain.Charge)}
}

func (g *FakeGateway) CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.FailCharge != nil {
		return nil, g.FailCharge
	}
	c := g.newCharge()
	c.RedirectURL = "https://pay.test/" + c.ID
	if req.SaveInstrument && g.SaveConfirmed {
		c.InstrumentRef = "pm-" + c.ID
		c.InstrumentConfirmed = true
	}
	c.Metadata = req.Metadata
	return g.copyOf(c), nil
}

func (g *FakeGateway) ChargeStoredInstrument(ctx context.Context, req domain.StoredChargeRequest) (*domain.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StoredRequests = append(g.StoredRequests, req)
	if g.FailCharge != nil {
		return nil, g.FailCharge
	}
	if req.InstrumentRef == "" {
		return nil, sharedDomain.ValidationError("charge stored instrument", domain.ErrInstrumentRequired)
	}
	c := g.newCharge()
	c.InstrumentRef = req.InstrumentRef
	c.InstrumentConfirmed = true
	c.Metadata = req.Metadata
	return g.copyOf(c), nil
}

func (g *FakeGateway) GetCharge(ctx context.Context, id string) (*domain.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailGet != nil {
		return nil, g.FailGet
	}
	c, ok := g.charges[id]
	if !ok {
		return nil, sharedDomain.NotFoundError("get charge "+id, domain.ErrPaymentNotFound)
	}
	return g.copyOf(c), nil
}

// SetStatus moves a charge to status. A succeeded charge reports a saved
// instrument when saved is true.
func (g *FakeGateway) SetStatus(id string, status domain.ChargeStatus, saved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[id]
	if !ok {
		return
	}
	c.Status = status
	if saved {
		c.InstrumentRef = "pm-" + id
		c.InstrumentConfirmed = true
	}
	if status == domain.ChargeCanceled {
		c.CancelReason = "insufficient_funds"
	}
}

// Charges returns how many charges were created.
func (g *FakeGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *FakeGateway) newCharge() *domain.Charge {
	g.seq++
	status := g.NextStatus
	if status == "" {
		status = domain.ChargePending
	}
	c := &domain.Charge{ID: fmt.Sprintf("pay-%d", g.seq), Status: status}
	if status == domain.ChargeCanceled {
		c.CancelReason = "insufficient_funds"
	}
	g.charges[c.ID] = c
	return c
}

func (g *FakeGateway) copyOf(c *domain.Charge) *domain.Charge {
	out := *c
	return &out
}

var _ domain.PaymentGateway = (*FakeGateway)(nil)
