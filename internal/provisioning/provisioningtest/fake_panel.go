// Package provisioningtest provides an in-memory panel for tests.
package provisioningtest

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

// FakePanel is a concurrency-safe PanelClient holding accounts in memory.
// Set the Fail* fields to inject errors.
type FakePanel struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	BaseURL  string

	FailGet    error
	FailCreate error
	FailUpdate error
	FailDelete error

	Gets    int
	Creates int
	Updates int
	Deletes int
}

// NewFakePanel creates an empty panel.
func NewFakePanel() *FakePanel {
	return &FakePanel{
		accounts: make(map[string]*domain.Account),
		BaseURL:  "https://panel.test",
	}
}

// Put seeds an account.
func (p *FakePanel) Put(account domain.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if account.SubscriptionURL == "" {
		account.SubscriptionURL = p.BaseURL + "/sub/" + account.Name
	}
	p.accounts[account.Name] = &account
}

// Account returns a copy of the stored account.
func (p *FakePanel) Account(name string) (domain.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[name]
	if !ok {
		return domain.Account{}, false
	}
	return *a, true
}

// Mutations returns how many creates and updates were made.
func (p *FakePanel) Mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Creates + p.Updates
}

func (p *FakePanel) GetAccount(ctx context.Context, name string) (*domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Gets++
	if p.FailGet != nil {
		return nil, p.FailGet
	}
	a, ok := p.accounts[name]
	if !ok {
		return nil, sharedDomain.NotFoundError("get account "+name, domain.ErrAccountNotFound)
	}
	c := *a
	return &c, nil
}

func (p *FakePanel) CreateAccount(ctx context.Context, name string, expireAt time.Time) (*domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Creates++
	if p.FailCreate != nil {
		return nil, p.FailCreate
	}
	if _, ok := p.accounts[name]; ok {
		return nil, sharedDomain.ConflictError("create account "+name, nil)
	}
	a := &domain.Account{
		Name:            name,
		Status:          domain.AccountActive,
		ExpireAt:        expireAt,
		Proxies:         map[string]map[string]any{"vless": {"flow": "xtls-rprx-vision"}},
		Inbounds:        map[string][]string{"vless": {"vless-tcp"}},
		SubscriptionURL: p.BaseURL + "/sub/" + name,
	}
	p.accounts[name] = a
	c := *a
	return &c, nil
}

func (p *FakePanel) UpdateAccount(ctx context.Context, name string, update domain.AccountUpdate) (*domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Updates++
	if p.FailUpdate != nil {
		return nil, p.FailUpdate
	}
	a, ok := p.accounts[name]
	if !ok {
		return nil, sharedDomain.NotFoundError("update account "+name, domain.ErrAccountNotFound)
	}
	if update.ExpireAt != nil {
		a.ExpireAt = *update.ExpireAt
	}
	if update.Status != nil {
		a.Status = *update.Status
	}
	c := *a
	return &c, nil
}

func (p *FakePanel) DeleteAccount(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Deletes++
	if p.FailDelete != nil {
		return p.FailDelete
	}
	delete(p.accounts, name)
	return nil
}

func (p *FakePanel) GetAccessURL(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[name]
	if !ok {
		return "", sharedDomain.NotFoundError("access url "+name, domain.ErrAccountNotFound)
	}
	return a.SubscriptionURL, nil
}

var _ domain.PanelClient = (*FakePanel)(nil)
