// Package store is the durable-storage collaborator of the trust subsystem:
// opaque get/store for credentials and profiles. Failures are fatal to the
// calling flow.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Credential holds the stored secret for a username. Secret is either a
// bcrypt hash or a legacy plaintext value that the coordinator migrates on
// first successful login.
type Credential struct {
	Username  string
	UserID    string
	Secret    string
	UpdatedAt time.Time
}

// Profile is the opaque user profile attached to a credential.
type Profile struct {
	UserID     string
	Username   string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Store describes the persistence operations the coordinator requires.
type Store interface {
	GetCredential(ctx context.Context, username string) (*Credential, error)
	PutCredential(ctx context.Context, cred *Credential) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	PutProfile(ctx context.Context, profile *Profile) error
}

// Memory implements Store with in-process maps. Default wiring and the
// fake backing for tests.
type Memory struct {
	mu          sync.RWMutex
	credentials map[string]Credential
	profiles    map[string]Profile
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[string]Credential),
		profiles:    make(map[string]Profile),
	}
}

func (m *Memory) GetCredential(ctx context.Context, username string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := cred
	return &out, nil
}

func (m *Memory) PutCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.Username] = *cred
	return nil
}

func (m *Memory) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := p
	if p.Attributes != nil {
		out.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out, nil
}

func (m *Memory) PutProfile(ctx context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.UserID] = *profile
	return nil
}
