package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type Game struct {
	ID           int64               `json:"id"`
	GameDate     time.Time           `json:"game_date"`
	TickerA      string              `json:"ticker_a"`
	NameA        string              `json:"name_a"`
	TickerB      string              `json:"ticker_b"`
	NameB        string              `json:"name_b"`
	Sector       string              `json:"sector"`
	Headline     string              `json:"headline"`
	DescriptionA string              `json:"description_a"`
	DescriptionB string              `json:"description_b"`
	Status       string              `json:"status"`
	OpensAt      time.Time           `json:"opens_at"`
	LocksAt      time.Time           `json:"locks_at"`
	SettlesAfter time.Time           `json:"settles_after"`
	PrevCloseA   decimal.NullDecimal `json:"prev_close_a"`
	CloseA       decimal.NullDecimal `json:"close_a"`
	PrevCloseB   decimal.NullDecimal `json:"prev_close_b"`
	CloseB       decimal.NullDecimal `json:"close_b"`
	ChangeA      decimal.NullDecimal `json:"change_a"`
	ChangeB      decimal.NullDecimal `json:"change_b"`
	Winner       string              `json:"winner,omitempty"`
	VoidReason   string              `json:"void_reason,omitempty"`
	SettledAt    *time.Time          `json:"settled_at,omitempty"`
}

// AcceptsPredictions reports whether a pick made at now would be accepted.
func (g Game) AcceptsPredictions(now time.Time) bool {
	return g.Status == StatusOpen && now.Before(g.LocksAt)
}

type PickSplit struct {
	A int `json:"a"`
	B int `json:"b"`
}

type GameView struct {
	Game
	MyPick string    `json:"my_pick,omitempty"`
	Split  PickSplit `json:"split"`
}

type PredictionInput struct {
	UserID         string
	GameID         int64
	Pick           string
	IdempotencyKey string
}

type Prediction struct {
	ID          int64     `json:"id"`
	GameID      int64     `json:"game_id"`
	Pick        string    `json:"pick"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type HistoryItem struct {
	Prediction
	GameDate  time.Time `json:"game_date"`
	TickerA   string    `json:"ticker_a"`
	TickerB   string    `json:"ticker_b"`
	Status    string    `json:"status"`
	Winner    string    `json:"winner,omitempty"`
	IsCorrect *bool     `json:"is_correct"`
}

type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PageSize
}

type Stats struct {
	Total         int        `json:"total"`
	Correct       int        `json:"correct"`
	Ties          int        `json:"ties"`
	CurrentStreak int        `json:"current_streak"`
	BestStreak    int        `json:"best_streak"`
	LastGameDate  *time.Time `json:"last_game_date,omitempty"`
}

type Profile struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	InviteCode string    `json:"invite_code"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
}

type Friend struct {
	Username   string `json:"username"`
	InviteCode string `json:"invite_code"`
}

type Me struct {
	Profile  Profile `json:"profile"`
	Stats    Stats   `json:"stats"`
	Accuracy float64 `json:"accuracy"`
	MunyIQ   MunyIQ  `json:"munyiq"`
}

type LeaderboardQuery struct {
	Sort string
	Page
}

type LeaderboardRow struct {
	Rank          int     `json:"rank"`
	Username      string  `json:"username"`
	InviteCode    string  `json:"invite_code"`
	Total         int     `json:"total"`
	Correct       int     `json:"correct"`
	Ties          int     `json:"ties"`
	Accuracy      float64 `json:"accuracy"`
	CurrentStreak int     `json:"current_streak"`
	BestStreak    int     `json:"best_streak"`
	MunyIQ        *int    `json:"munyiq,omitempty"`
}

type Leaderboard struct {
	Sort     string           `json:"sort"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Rows     []LeaderboardRow `json:"rows"`
}

type MunyIQ struct {
	Score         int       `json:"score"`
	Composite     float64   `json:"composite"`
	Accuracy      float64   `json:"accuracy"`
	Consistency   float64   `json:"consistency"`
	Speed         float64   `json:"speed"`
	Participation float64   `json:"participation"`
	Improvement   float64   `json:"improvement"`
	Resolved      int       `json:"resolved"`
	Provisional   bool      `json:"provisional"`
	ComputedAt    time.Time `json:"computed_at"`
}

// ResolvedPrediction is one prediction on a settled game. Correct is nil on a tie.
type ResolvedPrediction struct {
	GameID      int64
	GameDate    time.Time
	Correct     *bool
	SubmittedAt time.Time
	OpensAt     time.Time
	LocksAt     time.Time
}
