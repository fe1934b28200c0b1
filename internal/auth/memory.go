package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is the in-memory user store used when the server runs
// without Postgres.
type MemoryRepository struct {
	mu     sync.Mutex
	users  map[string]*User
	hashes map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:  make(map[string]*User),
		hashes: make(map[string]string),
	}
}

var _ UserStore = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(ctx context.Context, email, passwordHash, displayName string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := r.users[key]; ok {
		return nil, ErrDuplicateEmail
	}
	u := &User{ID: uuid.New(), Email: email, DisplayName: displayName, Role: "user"}
	r.users[key] = u
	r.hashes[key] = passwordHash
	return u, nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*User, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(email)
	u, ok := r.users[key]
	if !ok {
		return nil, "", nil
	}
	cp := *u
	return &cp, r.hashes[key], nil
}
