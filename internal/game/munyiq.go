package game

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	BaseMunyIQ = 70

	weightAccuracy      = 0.40
	weightConsistency   = 0.15
	weightSpeed         = 0.10
	weightParticipation = 0.20
	weightImprovement   = 0.15

	consistencyWindow = 5
)

// CalculateMunyIQ scores a player's settled predictions, ordered by game date.
// available is the number of settled games since the player's first pick.
// Ties count for speed and participation but not for the accuracy-based parts.
func CalculateMunyIQ(history []ResolvedPrediction, available int) MunyIQ {
	var decided []bool
	seen := make(map[int64]bool, len(history))
	var earliness float64
	for _, h := range history {
		seen[h.GameID] = true
		earliness += Earliness(h.SubmittedAt, h.OpensAt, h.LocksAt)
		if h.Correct != nil {
			decided = append(decided, *h.Correct)
		}
	}

	out := MunyIQ{Resolved: len(decided), Provisional: len(decided) < MinRankedPredictions}
	if len(history) == 0 {
		out.Score = BaseMunyIQ
		return out
	}

	out.Accuracy = 100 * hitRate(decided)
	out.Consistency = consistency(decided)
	out.Speed = 100 * earliness / float64(len(history))
	if available < len(seen) {
		available = len(seen)
	}
	out.Participation = 100 * float64(len(seen)) / float64(available)
	out.Improvement = improvement(decided)

	out.Composite = weightAccuracy*out.Accuracy +
		weightConsistency*out.Consistency +
		weightSpeed*out.Speed +
		weightParticipation*out.Participation +
		weightImprovement*out.Improvement
	out.Score = int(math.Round(BaseMunyIQ + out.Composite*0.9))

	out.Accuracy = roundTo(out.Accuracy, 2)
	out.Consistency = roundTo(out.Consistency, 2)
	out.Speed = roundTo(out.Speed, 2)
	out.Participation = roundTo(out.Participation, 2)
	out.Improvement = roundTo(out.Improvement, 2)
	out.Composite = roundTo(out.Composite, 2)
	return out
}

// Earliness is 1 at open and 0 at lock.
func Earliness(submitted, opens, locks time.Time) float64 {
	window := locks.Sub(opens)
	if window <= 0 {
		return 0
	}
	return clamp(1-float64(submitted.Sub(opens))/float64(window), 0, 1)
}

func hitRate(results []bool) float64 {
	if len(results) == 0 {
		return 0
	}
	hits := 0
	for _, r := range results {
		if r {
			hits++
		}
	}
	return float64(hits) / float64(len(results))
}

// consistency rewards steady accuracy across consecutive windows of five.
func consistency(decided []bool) float64 {
	windows := len(decided) / consistencyWindow
	if windows < 2 {
		return 50
	}
	rates := make([]float64, windows)
	var mean float64
	for i := range rates {
		rates[i] = hitRate(decided[i*consistencyWindow : (i+1)*consistencyWindow])
		mean += rates[i]
	}
	mean /= float64(windows)
	var variance float64
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(windows))
	return clamp(100-200*stddev, 0, 100)
}

func improvement(decided []bool) float64 {
	if len(decided) < 4 {
		return 50
	}
	half := len(decided) / 2
	diff := hitRate(decided[half:]) - hitRate(decided[:half])
	return clamp(50+diff*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (s *Service) munyIQHistory(ctx context.Context, userID string) ([]ResolvedPrediction, int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT g.id, g.game_date, p.is_correct, p.submitted_at, g.opens_at, g.locks_at
		FROM munymo.predictions p
		JOIN munymo.games g ON g.id = p.game_id
		WHERE p.user_id = $1 AND g.status = 'settled'
		ORDER BY g.game_date ASC
	`, userID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var history []ResolvedPrediction
	for rows.Next() {
		var h ResolvedPrediction
		if err := rows.Scan(&h.GameID, &h.GameDate, &h.Correct, &h.SubmittedAt, &h.OpensAt, &h.LocksAt); err != nil {
			return nil, 0, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(history) == 0 {
		return nil, 0, nil
	}

	var available int
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM munymo.games
		WHERE status = 'settled' AND game_date >= $1
	`, history[0].GameDate).Scan(&available); err != nil {
		return nil, 0, err
	}
	return history, available, nil
}

// RefreshMunyIQ recomputes and stores a player's score, appending to history.
func (s *Service) RefreshMunyIQ(ctx context.Context, userID string) (MunyIQ, error) {
	history, available, err := s.munyIQHistory(ctx, userID)
	if err != nil {
		return MunyIQ{}, err
	}
	iq := CalculateMunyIQ(history, available)
	iq.ComputedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return MunyIQ{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO munymo.munyiq_scores (user_id, score, composite, accuracy, consistency, speed,
		                                  participation, improvement, resolved, provisional, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score, composite = EXCLUDED.composite, accuracy = EXCLUDED.accuracy,
			consistency = EXCLUDED.consistency, speed = EXCLUDED.speed,
			participation = EXCLUDED.participation, improvement = EXCLUDED.improvement,
			resolved = EXCLUDED.resolved, provisional = EXCLUDED.provisional,
			computed_at = EXCLUDED.computed_at
	`, userID, iq.Score, iq.Composite, iq.Accuracy, iq.Consistency, iq.Speed,
		iq.Participation, iq.Improvement, iq.Resolved, iq.Provisional, iq.ComputedAt); err != nil {
		return MunyIQ{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO munymo.munyiq_history (user_id, score, composite, computed_at)
		VALUES ($1, $2, $3, $4)
	`, userID, iq.Score, iq.Composite, iq.ComputedAt); err != nil {
		return MunyIQ{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MunyIQ{}, err
	}
	return iq, nil
}

// RefreshAllMunyIQ recomputes every player with at least one prediction.
func (s *Service) RefreshAllMunyIQ(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT user_id FROM munymo.predictions ORDER BY user_id`)
	if err != nil {
		return 0, err
	}
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		users = append(users, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	refreshed := 0
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := s.RefreshMunyIQ(ctx, id); err != nil {
			s.log.Warn("munyiq refresh failed", "user_id", id, "err", err)
			continue
		}
		refreshed++
	}
	s.invalidateLeaderboards(ctx)
	return refreshed, nil
}

// MunyIQ returns the stored score, computing it on first request.
func (s *Service) MunyIQ(ctx context.Context, userID string) (MunyIQ, error) {
	var iq MunyIQ
	err := s.db.QueryRow(ctx, `
		SELECT score, composite, accuracy, consistency, speed, participation, improvement,
		       resolved, provisional, computed_at
		FROM munymo.munyiq_scores
		WHERE user_id = $1
	`, userID).Scan(&iq.Score, &iq.Composite, &iq.Accuracy, &iq.Consistency, &iq.Speed,
		&iq.Participation, &iq.Improvement, &iq.Resolved, &iq.Provisional, &iq.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.RefreshMunyIQ(ctx, userID)
	}
	return iq, err
}
