package models

// HiddenReason replaces a participant's reason in public reads until the
// raffle is resolved.
const HiddenReason = "[Hidden until resolved]"

// Raffle represents a themed entry pool with a target winner count.
// Everything except IsResolved is fixed at creation; IsResolved only ever
// goes from false to true.
type Raffle struct {
	ID         string `json:"id"`
	Creator    string `json:"creator"`
	Reason     string `json:"reason"`
	NumWinners int    `json:"num_winners"`
	CreatedAt  string `json:"created_at"`
	EndDate    string `json:"end_date"`
	IsResolved bool   `json:"is_resolved"`
}

// Participant represents a single entry into a raffle.
// Usernames are unique across all raffles.
type Participant struct {
	Username       string `json:"username"`
	Reason         string `json:"reason"`
	EntryTimestamp string `json:"entry_timestamp"`
	IsWinner       bool   `json:"is_winner"`
}

// RaffleView is the public projection of a raffle, including its winners
// in selection order.
type RaffleView struct {
	ID         string   `json:"id"`
	Creator    string   `json:"creator"`
	Reason     string   `json:"reason"`
	NumWinners int      `json:"num_winners"`
	CreatedAt  string   `json:"created_at"`
	EndDate    string   `json:"end_date"`
	IsResolved bool     `json:"is_resolved"`
	Winners    []string `json:"winners"`
}

// ParticipantView is the public projection of a participant.
type ParticipantView struct {
	Username       string `json:"username"`
	Reason         string `json:"reason"`
	EntryTimestamp string `json:"entry_timestamp"`
	IsWinner       bool   `json:"is_winner"`
}

// RaffleDetail combines a raffle with its (possibly redacted) participants.
type RaffleDetail struct {
	RaffleView
	Participants     map[string]ParticipantView `json:"participants"`
	ParticipantCount int                        `json:"participant_count"`
}

// NewRaffleView builds the public projection of r with the given winners.
func NewRaffleView(r *Raffle, winners []string) RaffleView {
	if winners == nil {
		winners = []string{}
	}
	return RaffleView{
		ID:         r.ID,
		Creator:    r.Creator,
		Reason:     r.Reason,
		NumWinners: r.NumWinners,
		CreatedAt:  r.CreatedAt,
		EndDate:    r.EndDate,
		IsResolved: r.IsResolved,
		Winners:    winners,
	}
}

// NewParticipantView projects p, hiding its reason unless revealed is true.
func NewParticipantView(p *Participant, revealed bool) ParticipantView {
	reason := HiddenReason
	if revealed {
		reason = p.Reason
	}
	return ParticipantView{
		Username:       p.Username,
		Reason:         reason,
		EntryTimestamp: p.EntryTimestamp,
		IsWinner:       p.IsWinner,
	}
}
