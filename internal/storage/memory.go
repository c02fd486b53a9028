package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"raffle/internal/models"
)

type raffleEntries struct {
	order        []string
	participants map[string]*models.Participant
	winners      []string
}

// MemoryStore keeps all state in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	counter   uint64
	order     []string
	raffles   map[string]*models.Raffle
	entries   map[string]*raffleEntries
	usernames map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raffles:   make(map[string]*models.Raffle),
		entries:   make(map[string]*raffleEntries),
		usernames: make(map[string]string),
	}
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{s: s, readOnly: true})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx applies writes in place and records how to undo each of them.
type memoryTx struct {
	s        *MemoryStore
	readOnly bool
	undo     []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) NextRaffleID() (string, error) {
	if tx.readOnly {
		return "", ErrReadOnly
	}
	prev := tx.s.counter
	tx.s.counter++
	tx.undo = append(tx.undo, func() { tx.s.counter = prev })
	return strconv.FormatUint(tx.s.counter, 10), nil
}

func (tx *memoryTx) PutRaffle(r *models.Raffle) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	s := tx.s
	cp := *r
	prev, exists := s.raffles[r.ID]
	s.raffles[r.ID] = &cp
	if exists {
		tx.undo = append(tx.undo, func() { s.raffles[r.ID] = prev })
		return nil
	}

	s.order = append(s.order, r.ID)
	s.entries[r.ID] = &raffleEntries{participants: make(map[string]*models.Participant)}
	tx.undo = append(tx.undo, func() {
		delete(s.raffles, r.ID)
		delete(s.entries, r.ID)
		s.order = s.order[:len(s.order)-1]
	})
	return nil
}

func (tx *memoryTx) GetRaffle(id string) (*models.Raffle, bool, error) {
	r, ok := tx.s.raffles[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (tx *memoryTx) ListRaffles() ([]*models.Raffle, error) {
	out := make([]*models.Raffle, 0, len(tx.s.order))
	for _, id := range tx.s.order {
		cp := *tx.s.raffles[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (tx *memoryTx) raffleEntries(raffleID string) (*raffleEntries, error) {
	e, ok := tx.s.entries[raffleID]
	if !ok {
		return nil, fmt.Errorf("storage: unknown raffle %q", raffleID)
	}
	return e, nil
}

func (tx *memoryTx) PutParticipant(raffleID string, p *models.Participant) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	e, err := tx.raffleEntries(raffleID)
	if err != nil {
		return err
	}
	cp := *p
	prev, exists := e.participants[p.Username]
	e.participants[p.Username] = &cp
	if exists {
		tx.undo = append(tx.undo, func() { e.participants[p.Username] = prev })
		return nil
	}
	e.order = append(e.order, p.Username)
	tx.undo = append(tx.undo, func() {
		delete(e.participants, p.Username)
		e.order = e.order[:len(e.order)-1]
	})
	return nil
}

func (tx *memoryTx) ListParticipants(raffleID string) ([]*models.Participant, error) {
	e, ok := tx.s.entries[raffleID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.Participant, 0, len(e.order))
	for _, username := range e.order {
		cp := *e.participants[username]
		out = append(out, &cp)
	}
	return out, nil
}

func (tx *memoryTx) CountParticipants(raffleID string) (int, error) {
	e, ok := tx.s.entries[raffleID]
	if !ok {
		return 0, nil
	}
	return len(e.order), nil
}

func (tx *memoryTx) AppendWinner(raffleID string, index int, username string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	e, err := tx.raffleEntries(raffleID)
	if err != nil {
		return err
	}
	if index != len(e.winners) {
		return fmt.Errorf("storage: winner index %d out of sequence", index)
	}
	e.winners = append(e.winners, username)
	tx.undo = append(tx.undo, func() { e.winners = e.winners[:len(e.winners)-1] })
	return nil
}

func (tx *memoryTx) ListWinners(raffleID string) ([]string, error) {
	e, ok := tx.s.entries[raffleID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.winners...), nil
}

func (tx *memoryTx) RegisterUsername(username, raffleID string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	s := tx.s
	if _, exists := s.usernames[username]; exists {
		return ErrUsernameTaken
	}
	s.usernames[username] = raffleID
	tx.undo = append(tx.undo, func() { delete(s.usernames, username) })
	return nil
}

func (tx *memoryTx) LookupUsername(username string) (string, bool, error) {
	id, ok := tx.s.usernames[username]
	return id, ok, nil
}
