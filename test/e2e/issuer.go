package e2e

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/lukasngl/sas-operator/internal/sas"
)

// FakeIssuer issues random tokens without talking to Azure. It is safe for
// concurrent use by the controller workers and the test steps.
type FakeIssuer struct {
	mu      sync.Mutex
	failing bool
	calls   []sas.Request
}

// SetFailing makes every following Issue call fail.
func (f *FakeIssuer) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// Calls returns the number of Issue calls so far.
func (f *FakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Issue returns a token valid for req.TTL, or an issuance error when failing.
func (f *FakeIssuer) Issue(_ context.Context, req sas.Request) (*sas.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if f.failing {
		return nil, &operrors.IssuanceError{
			Account:   req.Account,
			Container: req.Container,
			Attempts:  1,
			Err:       errors.New("issuer unavailable"),
		}
	}

	return &sas.TokenInfo{
		Token:     "sv=2024-05-04&sig=" + uuid.NewString(),
		Generated: req.Now,
		Expiry:    req.Now.Add(req.TTL),
		Attempts:  1,
	}, nil
}
