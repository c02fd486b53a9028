package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/logger"

	"raffle/internal/apperr"
	"raffle/internal/locks"
	"raffle/internal/models"
	"raffle/internal/selector"
	"raffle/internal/storage"
)

// WinnerSelector decides the winners of a raffle from its participants.
type WinnerSelector interface {
	SelectWinners(ctx context.Context, r *models.Raffle, participants []*models.Participant) ([]string, error)
}

// RaffleService owns raffle, participant, winner, and username records and
// enforces the open -> resolved lifecycle.
type RaffleService struct {
	store    storage.Store
	selector WinnerSelector
	locks    locks.Locker
}

// NewRaffleService creates a RaffleService. A nil locker falls back to an
// in-process keyed mutex.
func NewRaffleService(store storage.Store, sel WinnerSelector, locker locks.Locker) *RaffleService {
	if locker == nil {
		locker = locks.NewKeyedMutex()
	}
	return &RaffleService{
		store:    store,
		selector: sel,
		locks:    locker,
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// lockRaffle enters the critical section shared by entries and resolution
// of one raffle.
func (s *RaffleService) lockRaffle(ctx context.Context, raffleID string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, "raffle:"+raffleID)
	if err != nil {
		return nil, fmt.Errorf("lock raffle %s: %w", raffleID, err)
	}
	return unlock, nil
}

func getRaffle(tx storage.Tx, raffleID string) (*models.Raffle, error) {
	r, ok, err := tx.GetRaffle(raffleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "raffle %q not found", raffleID)
	}
	return r, nil
}

// CreateRaffle opens a new raffle owned by caller and returns its id.
func (s *RaffleService) CreateRaffle(ctx context.Context, caller, reason string, numWinners int, createdAt, endDate string) (string, error) {
	if blank(caller) {
		return "", apperr.New(apperr.CodeValidation, "caller identity is required")
	}
	if numWinners < 1 {
		return "", apperr.New(apperr.CodeValidation, "must have at least 1 winner")
	}
	if blank(reason) {
		return "", apperr.New(apperr.CodeValidation, "reason cannot be empty")
	}
	if blank(endDate) {
		return "", apperr.New(apperr.CodeValidation, "end date cannot be empty")
	}

	var id string
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.NextRaffleID()
		if err != nil {
			return err
		}
		return tx.PutRaffle(&models.Raffle{
			ID:         id,
			Creator:    caller,
			Reason:     reason,
			NumWinners: numWinners,
			CreatedAt:  createdAt,
			EndDate:    endDate,
		})
	})
	if err != nil {
		return "", fmt.Errorf("create raffle: %w", err)
	}

	logger.Infof("Created raffle %s by %s (%d winner(s))", id, caller, numWinners)
	return id, nil
}

// EnterRaffle adds username to an open raffle. Usernames are unique across
// all raffles.
func (s *RaffleService) EnterRaffle(ctx context.Context, raffleID, username, reason, entryTimestamp string) error {
	unlock, err := s.lockRaffle(ctx, raffleID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.store.Update(ctx, func(tx storage.Tx) error {
		r, err := getRaffle(tx, raffleID)
		if err != nil {
			return err
		}
		if r.IsResolved {
			return apperr.Newf(apperr.CodeInvalidState, "raffle %s already resolved", raffleID)
		}
		if blank(username) {
			return apperr.New(apperr.CodeValidation, "username cannot be empty")
		}
		if blank(reason) {
			return apperr.New(apperr.CodeValidation, "reason cannot be empty")
		}

		_, taken, err := tx.LookupUsername(username)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Newf(apperr.CodeConflict, "username %q already taken", username)
		}

		// The registry write comes first so a racing duplicate from another
		// process fails on the username key.
		if err := tx.RegisterUsername(username, raffleID); err != nil {
			return usernameErr(username, err)
		}
		err = tx.PutParticipant(raffleID, &models.Participant{
			Username:       username,
			Reason:         reason,
			EntryTimestamp: entryTimestamp,
		})
		return usernameErr(username, err)
	})
	if err != nil {
		return err
	}

	logger.Infof("Participant %s entered raffle %s", username, raffleID)
	return nil
}

func usernameErr(username string, err error) error {
	if errors.Is(err, storage.ErrUsernameTaken) {
		return apperr.Wrap(apperr.CodeConflict, fmt.Sprintf("username %q already taken", username), err)
	}
	return err
}

// SelectWinners resolves a raffle through the winner selector and commits
// the agreed winners. Only the creator may call it, and only once.
func (s *RaffleService) SelectWinners(ctx context.Context, caller, raffleID string) ([]string, error) {
	unlock, err := s.lockRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		raffle       *models.Raffle
		participants []*models.Participant
	)
	err = s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		raffle, err = checkResolvable(tx, caller, raffleID)
		if err != nil {
			return err
		}
		participants, err = tx.ListParticipants(raffleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "need at least 1 participant to select winners")
	}

	selected, err := s.selector.SelectWinners(ctx, raffle, participants)
	if err != nil {
		logger.Warningf("Winner selection for raffle %s failed: %v", raffleID, err)
		return nil, err
	}

	// The agreed answer is committed even if the caller has gone away.
	commitCtx := context.WithoutCancel(ctx)
	var winners []string
	err = s.store.Update(commitCtx, func(tx storage.Tx) error {
		r, err := checkResolvable(tx, caller, raffleID)
		if err != nil {
			return err
		}
		current, err := tx.ListParticipants(raffleID)
		if err != nil {
			return err
		}
		byName := make(map[string]*models.Participant, len(current))
		for _, p := range current {
			byName[p.Username] = p
		}

		target := selector.TargetCount(r, len(current))
		winners = make([]string, 0, target)
		for _, username := range selected {
			p, ok := byName[username]
			if !ok || p.IsWinner {
				continue
			}
			if len(winners) == target {
				break
			}
			p.IsWinner = true
			if err := tx.PutParticipant(raffleID, p); err != nil {
				return err
			}
			if err := tx.AppendWinner(raffleID, len(winners), username); err != nil {
				return err
			}
			winners = append(winners, username)
		}

		r.IsResolved = true
		return tx.PutRaffle(r)
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("Resolved raffle %s with winners %v", raffleID, winners)
	return winners, nil
}

func checkResolvable(tx storage.Tx, caller, raffleID string) (*models.Raffle, error) {
	r, err := getRaffle(tx, raffleID)
	if err != nil {
		return nil, err
	}
	if caller != r.Creator {
		return nil, apperr.New(apperr.CodePermission, "only creator can select winners")
	}
	if r.IsResolved {
		return nil, apperr.Newf(apperr.CodeInvalidState, "raffle %s already resolved", raffleID)
	}
	return r, nil
}

// GetRaffle returns the projection of a raffle including its winners.
func (s *RaffleService) GetRaffle(ctx context.Context, raffleID string) (models.RaffleView, error) {
	var view models.RaffleView
	err := s.store.View(ctx, func(tx storage.Tx) error {
		r, err := getRaffle(tx, raffleID)
		if err != nil {
			return err
		}
		winners, err := tx.ListWinners(raffleID)
		if err != nil {
			return err
		}
		view = models.NewRaffleView(r, winners)
		return nil
	})
	return view, err
}

// GetAllRaffles returns every raffle keyed by id.
func (s *RaffleService) GetAllRaffles(ctx context.Context) (map[string]models.RaffleView, error) {
	result := make(map[string]models.RaffleView)
	err := s.store.View(ctx, func(tx storage.Tx) error {
		raffles, err := tx.ListRaffles()
		if err != nil {
			return err
		}
		for _, r := range raffles {
			winners, err := tx.ListWinners(r.ID)
			if err != nil {
				return err
			}
			result[r.ID] = models.NewRaffleView(r, winners)
		}
		return nil
	})
	return result, err
}

// GetParticipants returns a raffle's participants keyed by username. Reasons
// stay hidden until the raffle is resolved.
func (s *RaffleService) GetParticipants(ctx context.Context, raffleID string) (map[string]models.ParticipantView, error) {
	var result map[string]models.ParticipantView
	err := s.store.View(ctx, func(tx storage.Tx) error {
		r, err := getRaffle(tx, raffleID)
		if err != nil {
			return err
		}
		result, err = participantViews(tx, r)
		return err
	})
	return result, err
}

func participantViews(tx storage.Tx, r *models.Raffle) (map[string]models.ParticipantView, error) {
	participants, err := tx.ListParticipants(r.ID)
	if err != nil {
		return nil, err
	}
	views := make(map[string]models.ParticipantView, len(participants))
	for _, p := range participants {
		views[p.Username] = models.NewParticipantView(p, r.IsResolved)
	}
	return views, nil
}

// GetWinners returns the winners in selection order, or an empty list while
// the raffle is unresolved.
func (s *RaffleService) GetWinners(ctx context.Context, raffleID string) ([]string, error) {
	winners := []string{}
	err := s.store.View(ctx, func(tx storage.Tx) error {
		r, err := getRaffle(tx, raffleID)
		if err != nil {
			return err
		}
		if !r.IsResolved {
			return nil
		}
		list, err := tx.ListWinners(raffleID)
		if err != nil {
			return err
		}
		winners = append(winners, list...)
		return nil
	})
	return winners, err
}

// IsUsernameTaken reports whether any raffle already has username.
func (s *RaffleService) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		_, taken, err = tx.LookupUsername(username)
		return err
	})
	return taken, err
}

// GetParticipantCount returns how many participants entered a raffle.
func (s *RaffleService) GetParticipantCount(ctx context.Context, raffleID string) (int, error) {
	var n int
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := getRaffle(tx, raffleID); err != nil {
			return err
		}
		var err error
		n, err = tx.CountParticipants(raffleID)
		return err
	})
	return n, err
}

// GetRaffleDetail returns a raffle together with its participants.
func (s *RaffleService) GetRaffleDetail(ctx context.Context, raffleID string) (models.RaffleDetail, error) {
	var detail models.RaffleDetail
	err := s.store.View(ctx, func(tx storage.Tx) error {
		r, err := getRaffle(tx, raffleID)
		if err != nil {
			return err
		}
		winners, err := tx.ListWinners(raffleID)
		if err != nil {
			return err
		}
		participants, err := participantViews(tx, r)
		if err != nil {
			return err
		}
		detail = models.RaffleDetail{
			RaffleView:       models.NewRaffleView(r, winners),
			Participants:     participants,
			ParticipantCount: len(participants),
		}
		return nil
	})
	return detail, err
}
