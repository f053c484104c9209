package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/yyogue/yoguepay/internal/domain"
)

// Resolver maps a receiver reference (handle or phone number) to the stable
// account identifier the identity provider issued for that user.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Directory is an in-process Resolver backed by registration calls. The real
// identity provider is an external collaborator; this mirrors its lookup
// contract for local deployments and tests.
type Directory struct {
	mu       sync.RWMutex
	byHandle map[string]string
	byPhone  map[string]string
}

func NewDirectory() *Directory {
	return &Directory{
		byHandle: make(map[string]string),
		byPhone:  make(map[string]string),
	}
}

// Register associates a handle and phone with an account id. Empty handle or
// phone entries are skipped.
func (d *Directory) Register(accountID, handle, phone string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle != "" {
		d.byHandle[strings.ToLower(handle)] = accountID
	}
	if phone != "" {
		d.byPhone[phone] = accountID
	}
}

// Resolve tries the reference as a handle first, then as a phone number.
func (d *Directory) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", domain.ErrAccountNotFound
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byHandle[strings.ToLower(ref)]; ok {
		return id, nil
	}
	if id, ok := d.byPhone[ref]; ok {
		return id, nil
	}
	return "", domain.ErrAccountNotFound
}
