package game

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PickA = "A"
	PickB = "B"
	Tie   = "tie"

	StatusOpen    = "open"
	StatusLocked  = "locked"
	StatusSettled = "settled"
	StatusVoid    = "void"

	// US market hours expressed as a fixed UTC offset (EDT).
	lockHourUTC, lockMinuteUTC = 13, 30
	settleHourUTC              = 21

	MinRankedPredictions = 5
	recentTickerWindow   = 10
)

var (
	ErrGameNotFound         = errors.New("game not found")
	ErrGameClosed           = errors.New("game is closed for predictions")
	ErrGameExists           = errors.New("game already exists for date")
	ErrGameState            = errors.New("game cannot change from its current status")
	ErrTooEarly             = errors.New("game cannot be settled before the market close")
	ErrAlreadyPredicted     = errors.New("prediction already submitted for this game")
	ErrInvalidPick          = errors.New("pick must be A, B or one of the game tickers")
	ErrInvalidDate          = errors.New("date is not a trading day")
	ErrPriceUnavailable     = errors.New("closing prices unavailable")
	ErrPlayerNotFound       = errors.New("player not found")
	ErrInvalidSort          = errors.New("unknown leaderboard sort")
	ErrSelfFollow           = errors.New("cannot follow yourself")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTxConflict           = errors.New("transaction conflict, retry")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
)

// DateOnly truncates t to midnight UTC of its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d, nil
}

// IsTradingDay reports Monday through Friday. Exchange holidays are not modelled.
func IsTradingDay(d time.Time) bool {
	switch d.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// NextTradingDay returns the first trading day strictly after d.
func NextTradingDay(d time.Time) time.Time {
	next := DateOnly(d).AddDate(0, 0, 1)
	for !IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// GameWindow returns when predictions lock and when results may be settled.
func GameWindow(date time.Time) (locksAt, settlesAfter time.Time) {
	d := DateOnly(date)
	locksAt = d.Add(lockHourUTC*time.Hour + lockMinuteUTC*time.Minute)
	settlesAfter = d.Add(settleHourUTC * time.Hour)
	return locksAt, settlesAfter
}

// ParsePick normalizes a pick given as A/B or as one of the two tickers.
func ParsePick(raw, tickerA, tickerB string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case PickA, PickB:
		return v, nil
	case "":
		return "", ErrInvalidPick
	}
	switch {
	case strings.EqualFold(v, tickerA):
		return PickA, nil
	case strings.EqualFold(v, tickerB):
		return PickB, nil
	}
	return "", ErrInvalidPick
}

var hundred = decimal.NewFromInt(100)

// PercentChange is (close-prev)/prev*100 rounded half away from zero to 4 places.
func PercentChange(prev, close decimal.Decimal) (decimal.Decimal, error) {
	if !prev.IsPositive() {
		return decimal.Zero, fmt.Errorf("previous close must be positive, got %s", prev)
	}
	return close.Sub(prev).Mul(hundred).DivRound(prev, 4), nil
}

// DecideWinner compares two rounded changes.
func DecideWinner(changeA, changeB decimal.Decimal) string {
	switch changeA.Round(4).Cmp(changeB.Round(4)) {
	case 1:
		return PickA
	case -1:
		return PickB
	}
	return Tie
}

type Outcome int

const (
	OutcomeLoss Outcome = iota
	OutcomeWin
	OutcomeTie
)

func Grade(pick, winner string) Outcome {
	switch {
	case winner == Tie:
		return OutcomeTie
	case pick == winner:
		return OutcomeWin
	}
	return OutcomeLoss
}

// Apply folds one graded prediction into the running counters. A tie counts as
// played but leaves the streak alone.
func (s Stats) Apply(o Outcome, gameDate time.Time) Stats {
	s.Total++
	switch o {
	case OutcomeWin:
		s.Correct++
		s.CurrentStreak++
		if s.CurrentStreak > s.BestStreak {
			s.BestStreak = s.CurrentStreak
		}
	case OutcomeLoss:
		s.CurrentStreak = 0
	case OutcomeTie:
		s.Ties++
	}
	d := DateOnly(gameDate)
	if s.LastGameDate == nil || d.After(*s.LastGameDate) {
		s.LastGameDate = &d
	}
	return s
}

// Accuracy is correct over decided (non-tie) predictions, in percent.
func (s Stats) Accuracy() float64 {
	decided := s.Total - s.Ties
	if decided <= 0 {
		return 0
	}
	return float64(s.Correct) * 100 / float64(decided)
}
