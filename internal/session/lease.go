// Package session guards documents with editing leases so that at most one
// editor session per document is active across API processes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultLeaseTTL = 2 * time.Minute

var (
	ErrLeaseHeld = errors.New("document is being edited in another session")
	ErrLeaseLost = errors.New("editing lease expired or taken over")
)

// Lease is one session's claim on a document.
type Lease struct {
	DocumentID string    `json:"documentId"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// HeldError names the session holding a contested lease.
type HeldError struct {
	Holder Lease
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s (user %s)", ErrLeaseHeld.Error(), e.Holder.UserID)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLeaseHeld
}

// LeaseStore hands out editing leases. Acquiring a lease the same session
// already holds extends it.
type LeaseStore interface {
	Acquire(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
	Holder(ctx context.Context, documentID string) (Lease, bool, error)
}

func leaseValue(l Lease) string {
	return l.SessionID + " " + l.UserID
}

func parseLeaseValue(documentID, value string) Lease {
	sessionID, userID, _ := strings.Cut(value, " ")
	return Lease{DocumentID: documentID, SessionID: sessionID, UserID: userID}
}

// MemoryLeases is a LeaseStore for a single API process.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{leases: map[string]Lease{}, now: time.Now}
}

// current returns the live lease for a document. Callers hold mu.
func (m *MemoryLeases) current(documentID string) (Lease, bool) {
	l, ok := m.leases[documentID]
	if !ok {
		return Lease{}, false
	}
	if !m.now().Before(l.ExpiresAt) {
		delete(m.leases, documentID)
		return Lease{}, false
	}
	return l, true
}

func (m *MemoryLeases) Acquire(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.current(lease.DocumentID); ok && held.SessionID != lease.SessionID {
		return Lease{}, &HeldError{Holder: held}
	}
	lease.ExpiresAt = m.now().Add(ttl)
	m.leases[lease.DocumentID] = lease
	return lease, nil
}

func (m *MemoryLeases) Renew(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.current(lease.DocumentID)
	if !ok || held.SessionID != lease.SessionID {
		return Lease{}, ErrLeaseLost
	}
	held.ExpiresAt = m.now().Add(ttl)
	m.leases[lease.DocumentID] = held
	return held, nil
}

func (m *MemoryLeases) Release(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.current(lease.DocumentID); ok && held.SessionID == lease.SessionID {
		delete(m.leases, lease.DocumentID)
	}
	return nil
}

func (m *MemoryLeases) Holder(_ context.Context, documentID string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.current(documentID)
	return l, ok, nil
}
