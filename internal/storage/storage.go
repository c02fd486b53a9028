package storage

import (
	"context"
	"errors"

	"raffle/internal/models"
)

var (
	// ErrUsernameTaken is returned by RegisterUsername for a username that is
	// already registered to any raffle.
	ErrUsernameTaken = errors.New("storage: username already registered")
	// ErrReadOnly is returned by write methods called inside View.
	ErrReadOnly = errors.New("storage: write in read-only transaction")
)

// Store persists raffles, participants, winners, and the username registry.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn as a single serialized, atomic write. If fn returns an
	// error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of ordered-map operations available inside View and Update.
// Write methods must only be called from Update.
type Tx interface {
	NextRaffleID() (string, error)
	PutRaffle(r *models.Raffle) error
	GetRaffle(id string) (*models.Raffle, bool, error)
	// ListRaffles returns raffles in creation order.
	ListRaffles() ([]*models.Raffle, error)

	PutParticipant(raffleID string, p *models.Participant) error
	// ListParticipants returns participants in entry order.
	ListParticipants(raffleID string) ([]*models.Participant, error)
	CountParticipants(raffleID string) (int, error)

	AppendWinner(raffleID string, index int, username string) error
	// ListWinners returns usernames by ascending winner index.
	ListWinners(raffleID string) ([]string, error)

	RegisterUsername(username, raffleID string) error
	LookupUsername(username string) (string, bool, error)
}
