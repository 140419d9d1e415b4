package directory

import (
	"context"
	"sort"
	"sync"
)

// Store persists users and the two assignment relations.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	User(ctx context.Context, username string) (User, error)
	// AssignMember places member under lead, replacing any previous lead.
	AssignMember(ctx context.Context, lead, member string) error
	// AssignLead places lead under manager, replacing any previous manager.
	AssignLead(ctx context.Context, manager, lead string) error
	LeadOf(ctx context.Context, member string) (string, error)
	ManagerOf(ctx context.Context, lead string) (string, error)
	Members(ctx context.Context, lead string) ([]string, error)
	Leads(ctx context.Context, manager string) ([]string, error)
}

// InMemory is a map backed Store.
type InMemory struct {
	mu        sync.RWMutex
	users     map[string]User
	leadOf    map[string]string // member -> lead
	managerOf map[string]string // lead -> manager
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		users:     make(map[string]User),
		leadOf:    make(map[string]string),
		managerOf: make(map[string]string),
	}
}

func (s *InMemory) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return ErrConflict
	}
	for _, existing := range s.users {
		if u.Email != "" && existing.Email == u.Email {
			return ErrConflict
		}
	}
	s.users[u.Username] = u
	return nil
}

func (s *InMemory) User(ctx context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemory) AssignMember(ctx context.Context, lead, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[lead]; !ok {
		return ErrNotFound
	}
	if _, ok := s.users[member]; !ok {
		return ErrNotFound
	}
	s.leadOf[member] = lead
	return nil
}

func (s *InMemory) AssignLead(ctx context.Context, manager, lead string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[manager]; !ok {
		return ErrNotFound
	}
	if _, ok := s.users[lead]; !ok {
		return ErrNotFound
	}
	s.managerOf[lead] = manager
	return nil
}

func (s *InMemory) LeadOf(ctx context.Context, member string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leadOf[member]
	if !ok {
		return "", ErrNotFound
	}
	return lead, nil
}

func (s *InMemory) ManagerOf(ctx context.Context, lead string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manager, ok := s.managerOf[lead]
	if !ok {
		return "", ErrNotFound
	}
	return manager, nil
}

func (s *InMemory) Members(ctx context.Context, lead string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.leadOf, lead), nil
}

func (s *InMemory) Leads(ctx context.Context, manager string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collect(s.managerOf, manager), nil
}

func collect(rel map[string]string, owner string) []string {
	var out []string
	for child, parent := range rel {
		if parent == owner {
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}
