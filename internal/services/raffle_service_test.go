package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"raffle/internal/apperr"
	"raffle/internal/consensus"
	"raffle/internal/models"
	"raffle/internal/oracle"
	"raffle/internal/selector"
	"raffle/internal/storage"
)

const (
	creator  = "0xcreator"
	stranger = "0xstranger"
)

// selectorFunc adapts a function to WinnerSelector.
type selectorFunc func(ctx context.Context, r *models.Raffle, ps []*models.Participant) ([]string, error)

func (f selectorFunc) SelectWinners(ctx context.Context, r *models.Raffle, ps []*models.Participant) ([]string, error) {
	return f(ctx, r, ps)
}

// fixedWinners always answers with the given usernames.
func fixedWinners(names ...string) selectorFunc {
	return func(context.Context, *models.Raffle, []*models.Participant) ([]string, error) {
		return names, nil
	}
}

// oracleSelector wires the real selector and resolver to a scripted oracle.
func oracleSelector(t *testing.T, replicas int, answer func(call int) string) *selector.Selector {
	t.Helper()
	var calls atomic.Int32
	inv := oracle.Func(func(context.Context, string, oracle.Format) (json.RawMessage, error) {
		n := int(calls.Add(1))
		return json.RawMessage(answer(n)), nil
	})
	res, err := consensus.NewResolver(consensus.Options{Replicas: replicas})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return selector.New(inv, res)
}

var drivers = []string{"memory", "sqlite"}

// newStore returns an empty store for driver. sqlite stores live in the
// test's temp dir.
func newStore(t *testing.T, driver string) storage.Store {
	t.Helper()
	if driver == "memory" {
		return storage.NewMemoryStore()
	}
	s, err := storage.OpenGorm(driver, filepath.Join(t.TempDir(), "raffle.db"))
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn once per store driver.
func forEachStore(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) { fn(t, driver) })
	}
}

func mustCreate(t *testing.T, s *RaffleService, reason string, numWinners int) string {
	t.Helper()
	id, err := s.CreateRaffle(context.Background(), creator, reason, numWinners, "t0", "t1")
	if err != nil {
		t.Fatalf("create raffle: %v", err)
	}
	return id
}

func mustEnter(t *testing.T, s *RaffleService, id string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := s.EnterRaffle(context.Background(), id, n, n+" wants it", "t2"); err != nil {
			t.Fatalf("enter %s: %v", n, err)
		}
	}
}

func TestRaffleService_Scenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		service := NewRaffleService(newStore(t, driver), oracleSelector(t, 3, func(int) string {
			return `{"winners":["alice"]}`
		}), nil)

		id, err := service.CreateRaffle(ctx, creator, "theme", 1, "t0", "t1")
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if id != "1" {
			t.Fatalf("Expected raffle id 1, got %q", id)
		}

		if err := service.EnterRaffle(ctx, "1", "alice", "I love theme", "t2"); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if err := service.EnterRaffle(ctx, "1", "alice", "again", "t3"); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("Expected conflict error, got %v", err)
		}

		if _, err := service.SelectWinners(ctx, stranger, "1"); !errors.Is(err, apperr.ErrPermission) {
			t.Fatalf("Expected permission error, got %v", err)
		}

		if _, err := service.SelectWinners(ctx, creator, "1"); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		winners, err := service.GetWinners(ctx, "1")
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if !reflect.DeepEqual(winners, []string{"alice"}) {
			t.Errorf("Expected winners [alice], got %v", winners)
		}

		participants, _ := service.GetParticipants(ctx, "1")
		if !participants["alice"].IsWinner {
			t.Error("Expected alice to be marked as winner")
		}
	})
}

func TestRaffleService_CreateRaffle(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		service := NewRaffleService(newStore(t, driver), fixedWinners(), nil)
		ctx := context.Background()

		t.Run("Test validation", func(t *testing.T) {
			tests := []struct {
				name       string
				reason     string
				numWinners int
				endDate    string
			}{
				{"zero winners", "theme", 0, "t1"},
				{"empty reason", "   ", 1, "t1"},
				{"empty end date", "theme", 1, ""},
			}
			for _, tt := range tests {
				_, err := service.CreateRaffle(ctx, creator, tt.reason, tt.numWinners, "t0", tt.endDate)
				if !errors.Is(err, apperr.ErrValidation) {
					t.Errorf("%s: expected validation error, got %v", tt.name, err)
				}
			}
		})

		t.Run("Test sequential ids and projection", func(t *testing.T) {
			first := mustCreate(t, service, "first", 2)
			second := mustCreate(t, service, "second", 1)
			if first != "1" || second != "2" {
				t.Fatalf("Expected ids 1 and 2, got %s and %s", first, second)
			}

			view, err := service.GetRaffle(ctx, first)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			want := models.RaffleView{
				ID: "1", Creator: creator, Reason: "first", NumWinners: 2,
				CreatedAt: "t0", EndDate: "t1", Winners: []string{},
			}
			if !reflect.DeepEqual(view, want) {
				t.Errorf("Expected %+v, got %+v", want, view)
			}

			all, err := service.GetAllRaffles(ctx)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if len(all) != 2 || all["2"].Reason != "second" {
				t.Errorf("Unexpected raffles %+v", all)
			}
		})
	})
}

func TestRaffleService_EnterRaffle(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		service := NewRaffleService(newStore(t, driver), fixedWinners("alice"), nil)
		id := mustCreate(t, service, "theme", 1)
		other := mustCreate(t, service, "other theme", 1)

		t.Run("Test unknown raffle", func(t *testing.T) {
			err := service.EnterRaffle(ctx, "99", "zed", "why", "t")
			if !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("Expected not found, got %v", err)
			}
		})

		t.Run("Test empty fields", func(t *testing.T) {
			if err := service.EnterRaffle(ctx, id, " ", "why", "t"); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Expected validation error for username, got %v", err)
			}
			if err := service.EnterRaffle(ctx, id, "zed", "\t", "t"); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Expected validation error for reason, got %v", err)
			}
		})

		t.Run("Test username is unique across raffles", func(t *testing.T) {
			mustEnter(t, service, id, "alice")
			err := service.EnterRaffle(ctx, other, "alice", "different raffle", "t")
			if !errors.Is(err, apperr.ErrConflict) {
				t.Fatalf("Expected conflict, got %v", err)
			}
			taken, _ := service.IsUsernameTaken(ctx, "alice")
			if !taken {
				t.Error("Expected alice to be taken")
			}
			free, _ := service.IsUsernameTaken(ctx, "nobody")
			if free {
				t.Error("Expected nobody to be free")
			}
			n, _ := service.GetParticipantCount(ctx, other)
			if n != 0 {
				t.Errorf("Expected 0 participants in other raffle, got %d", n)
			}
		})

		t.Run("Test resolved raffle rejects entries", func(t *testing.T) {
			if _, err := service.SelectWinners(ctx, creator, id); err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			err := service.EnterRaffle(ctx, id, "latecomer", "too late", "t")
			if !errors.Is(err, apperr.ErrInvalidState) {
				t.Fatalf("Expected invalid state, got %v", err)
			}
		})
	})
}

func TestRaffleService_ConcurrentUsername(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		service := NewRaffleService(newStore(t, driver), fixedWinners(), nil)
		ids := []string{mustCreate(t, service, "a", 1), mustCreate(t, service, "b", 1), mustCreate(t, service, "c", 1)}

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := service.EnterRaffle(ctx, ids[i%len(ids)], "alice", fmt.Sprintf("attempt %d", i), "t")
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, apperr.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if succeeded.Load() != 1 || conflicts.Load() != 29 {
			t.Fatalf("Expected exactly one success, got %d successes and %d conflicts", succeeded.Load(), conflicts.Load())
		}
		total := 0
		for _, id := range ids {
			n, _ := service.GetParticipantCount(ctx, id)
			total += n
		}
		if total != 1 {
			t.Errorf("Expected alice in exactly one raffle, found %d entries", total)
		}
	})
}

func TestRaffleService_SelectWinners(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx := context.Background()

		t.Run("Test preconditions", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), fixedWinners(), nil)
			id := mustCreate(t, service, "theme", 1)

			if _, err := service.SelectWinners(ctx, creator, "42"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("Expected not found, got %v", err)
			}
			if _, err := service.SelectWinners(ctx, creator, id); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Expected validation error with no participants, got %v", err)
			}
		})

		t.Run("Test resolves exactly once", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), fixedWinners("bob"), nil)
			id := mustCreate(t, service, "theme", 1)
			mustEnter(t, service, id, "bob")

			if _, err := service.SelectWinners(ctx, creator, id); err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if _, err := service.SelectWinners(ctx, creator, id); !errors.Is(err, apperr.ErrInvalidState) {
				t.Fatalf("Expected invalid state on second resolution, got %v", err)
			}
			view, _ := service.GetRaffle(ctx, id)
			if !view.IsResolved || !reflect.DeepEqual(view.Winners, []string{"bob"}) {
				t.Errorf("Unexpected raffle after resolution %+v", view)
			}
		})

		t.Run("Test concurrent resolution commits once", func(t *testing.T) {
			var selections atomic.Int32
			sel := selectorFunc(func(context.Context, *models.Raffle, []*models.Participant) ([]string, error) {
				selections.Add(1)
				return []string{"bob"}, nil
			})
			service := NewRaffleService(newStore(t, driver), sel, nil)
			id := mustCreate(t, service, "theme", 1)
			mustEnter(t, service, id, "bob")

			var (
				wg sync.WaitGroup
				ok atomic.Int32
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := service.SelectWinners(ctx, creator, id); err == nil {
						ok.Add(1)
					} else if !errors.Is(err, apperr.ErrInvalidState) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			if ok.Load() != 1 || selections.Load() != 1 {
				t.Fatalf("Expected one resolution and one selection, got %d and %d", ok.Load(), selections.Load())
			}
			winners, _ := service.GetWinners(ctx, id)
			if len(winners) != 1 {
				t.Errorf("Expected a single winner record, got %v", winners)
			}
		})

		t.Run("Test fewer participants than winners", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), fixedWinners("carol", "alice", "bob", "alice", "dave"), nil)
			id := mustCreate(t, service, "theme", 5)
			mustEnter(t, service, id, "alice", "bob")

			winners, err := service.SelectWinners(ctx, creator, id)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if want := []string{"alice", "bob"}; !reflect.DeepEqual(winners, want) {
				t.Errorf("Expected %v, got %v", want, winners)
			}
		})

		t.Run("Test oracle order is preserved and unknown names skipped", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), fixedWinners("ghost", "carol", "alice"), nil)
			id := mustCreate(t, service, "theme", 2)
			mustEnter(t, service, id, "alice", "bob", "carol")

			if _, err := service.SelectWinners(ctx, creator, id); err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			winners, _ := service.GetWinners(ctx, id)
			if want := []string{"carol", "alice"}; !reflect.DeepEqual(winners, want) {
				t.Errorf("Expected %v, got %v", want, winners)
			}
			participants, _ := service.GetParticipants(ctx, id)
			if participants["bob"].IsWinner || !participants["carol"].IsWinner || !participants["alice"].IsWinner {
				t.Errorf("Unexpected winner flags %+v", participants)
			}
		})

		t.Run("Test round trip with three winners", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), oracleSelector(t, 3, func(int) string {
				return `{"winners":["x3","x1","x2"]}`
			}), nil)
			id := mustCreate(t, service, "theme", 3)
			mustEnter(t, service, id, "x1", "x2", "x3")

			if _, err := service.SelectWinners(ctx, creator, id); err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			winners, _ := service.GetWinners(ctx, id)
			sorted := append([]string(nil), winners...)
			sort.Strings(sorted)
			if !reflect.DeepEqual(sorted, []string{"x1", "x2", "x3"}) {
				t.Errorf("Expected all three participants to win, got %v", winners)
			}
			if n, _ := service.GetParticipantCount(ctx, id); n != 3 {
				t.Errorf("Expected participant count 3, got %d", n)
			}
		})

		t.Run("Test disagreement leaves raffle open", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), oracleSelector(t, 2, func(call int) string {
				if call%2 == 0 {
					return `{"winners":["alice"]}`
				}
				return `{"winners":["bob"]}`
			}), nil)
			id := mustCreate(t, service, "theme", 1)
			mustEnter(t, service, id, "alice", "bob")

			_, err := service.SelectWinners(ctx, creator, id)
			if !errors.Is(err, apperr.ErrConsensus) {
				t.Fatalf("Expected consensus error, got %v", err)
			}
			view, _ := service.GetRaffle(ctx, id)
			if view.IsResolved || len(view.Winners) != 0 {
				t.Errorf("Expected raffle to stay open, got %+v", view)
			}
			participants, _ := service.GetParticipants(ctx, id)
			for name, p := range participants {
				if p.IsWinner {
					t.Errorf("Expected %s not to be a winner", name)
				}
			}
		})

		t.Run("Test malformed answer is an oracle error", func(t *testing.T) {
			service := NewRaffleService(newStore(t, driver), oracleSelector(t, 1, func(int) string {
				return `{"picked":["alice"]}`
			}), nil)
			id := mustCreate(t, service, "theme", 1)
			mustEnter(t, service, id, "alice")

			if _, err := service.SelectWinners(ctx, creator, id); !errors.Is(err, apperr.ErrOracle) {
				t.Fatalf("Expected oracle error, got %v", err)
			}
			view, _ := service.GetRaffle(ctx, id)
			if view.IsResolved {
				t.Error("Expected raffle to stay open")
			}
		})
	})
}

func TestRaffleService_ReadProjections(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		service := NewRaffleService(newStore(t, driver), fixedWinners("alice"), nil)
		id := mustCreate(t, service, "theme", 1)
		mustEnter(t, service, id, "alice", "bob")

		t.Run("Test reasons hidden before resolution", func(t *testing.T) {
			participants, err := service.GetParticipants(ctx, id)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			for name, p := range participants {
				if p.Reason != models.HiddenReason {
					t.Errorf("Expected %s reason hidden, got %q", name, p.Reason)
				}
			}
			winners, err := service.GetWinners(ctx, id)
			if err != nil || winners == nil || len(winners) != 0 {
				t.Errorf("Expected empty winners before resolution, got %v (%v)", winners, err)
			}
		})

		t.Run("Test reasons revealed after resolution", func(t *testing.T) {
			if _, err := service.SelectWinners(ctx, creator, id); err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			detail, err := service.GetRaffleDetail(ctx, id)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if detail.ParticipantCount != 2 || detail.Participants["bob"].Reason != "bob wants it" {
				t.Errorf("Unexpected detail %+v", detail)
			}
			if !reflect.DeepEqual(detail.Winners, []string{"alice"}) {
				t.Errorf("Expected winners [alice], got %v", detail.Winners)
			}
		})

		t.Run("Test unknown raffle", func(t *testing.T) {
			if _, err := service.GetParticipants(ctx, "9"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("Expected not found, got %v", err)
			}
			if _, err := service.GetWinners(ctx, "9"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("Expected not found, got %v", err)
			}
			if _, err := service.GetParticipantCount(ctx, "9"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("Expected not found, got %v", err)
			}
		})
	})
}

func TestRaffleService_UsernameRaceAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *RaffleService {
		st, err := storage.OpenGorm("sqlite", path)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		return NewRaffleService(st, fixedWinners(), nil)
	}
	a, b := open(), open()
	first := mustCreate(t, a, "first", 1)
	second := mustCreate(t, a, "second", 1)

	for i := 0; i < 10; i++ {
		username := fmt.Sprintf("user%d", i)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for j, target := range []struct {
			service *RaffleService
			id      string
		}{{a, first}, {b, second}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[j] = target.service.EnterRaffle(ctx, target.id, username, "mine", "t")
			}()
		}
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("%s: expected success or conflict, got %s: %v", username, apperr.CodeOf(err), err)
			}
		}
		if ok != 1 || conflicts != 1 {
			t.Errorf("%s: expected one entry and one conflict, got %d and %d", username, ok, conflicts)
		}
	}

	n1, _ := a.GetParticipantCount(ctx, first)
	n2, _ := b.GetParticipantCount(ctx, second)
	if n1+n2 != 10 {
		t.Errorf("Expected 10 entries in total, got %d", n1+n2)
	}
}

func TestRaffleService_CommitSurvivesCancelledCaller(t *testing.T) {
	forEachStore(t, func(t *testing.T, driver string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sel := selectorFunc(func(context.Context, *models.Raffle, []*models.Participant) ([]string, error) {
			cancel()
			return []string{"alice"}, nil
		})
		service := NewRaffleService(newStore(t, driver), sel, nil)
		id := mustCreate(t, service, "theme", 1)
		mustEnter(t, service, id, "alice")

		winners, err := service.SelectWinners(ctx, creator, id)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if !reflect.DeepEqual(winners, []string{"alice"}) {
			t.Errorf("Expected [alice], got %v", winners)
		}
		view, err := service.GetRaffle(context.Background(), id)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if !view.IsResolved {
			t.Error("Expected raffle to be resolved")
		}
	})
}
