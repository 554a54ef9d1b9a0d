package game

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Service) SubmitPrediction(ctx context.Context, in PredictionInput) (Prediction, error) {
	var out Prediction
	if in.UserID == "" {
		return out, ErrUnauthorized
	}
	err := s.inSerializableTx(ctx, func(tx pgx.Tx) error {
		var status, tickerA, tickerB string
		var locksAt time.Time
		if err := tx.QueryRow(ctx, `
			SELECT status, locks_at, ticker_a, ticker_b
			FROM munymo.games
			WHERE id = $1
			FOR SHARE
		`, in.GameID).Scan(&status, &locksAt, &tickerA, &tickerB); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrGameNotFound
			}
			return err
		}
		g := Game{Status: status, LocksAt: locksAt}
		if !g.AcceptsPredictions(s.now()) {
			return ErrGameClosed
		}
		pick, err := ParsePick(in.Pick, tickerA, tickerB)
		if err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "prediction"); err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO munymo.predictions (game_id, user_id, pick, submitted_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, game_id, pick, submitted_at
		`, in.GameID, in.UserID, pick, s.now().UTC()).Scan(&out.ID, &out.GameID, &out.Pick, &out.SubmittedAt)
		if isUniqueViolation(err, "predictions_game_id_user_id_key") {
			return ErrAlreadyPredicted
		}
		return err
	})
	if isForeignKeyViolation(err) {
		// Token is valid but the profile row was never created.
		return Prediction{}, ErrPlayerNotFound
	}
	if err != nil {
		return Prediction{}, err
	}
	s.metrics.ObservePrediction()
	s.log.Info("prediction submitted", "game_id", out.GameID, "user_id", in.UserID, "pick", out.Pick)
	return out, nil
}

// ListPredictions returns a user's picks, newest game first, with outcomes.
func (s *Service) ListPredictions(ctx context.Context, userID string, page Page) ([]HistoryItem, error) {
	page = page.Normalize()
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.game_id, p.pick, p.submitted_at,
		       g.game_date, g.ticker_a, g.ticker_b, g.status, COALESCE(g.winner, ''), p.is_correct
		FROM munymo.predictions p
		JOIN munymo.games g ON g.id = p.game_id
		WHERE p.user_id = $1
		ORDER BY g.game_date DESC
		LIMIT $2 OFFSET $3
	`, userID, page.PageSize, page.offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []HistoryItem{}
	for rows.Next() {
		var h HistoryItem
		if err := rows.Scan(&h.ID, &h.GameID, &h.Pick, &h.SubmittedAt,
			&h.GameDate, &h.TickerA, &h.TickerB, &h.Status, &h.Winner, &h.IsCorrect); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UsersWithoutPrediction lists players who have not picked in gameID yet.
func (s *Service) UsersWithoutPrediction(ctx context.Context, gameID int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pr.user_id
		FROM munymo.profiles pr
		WHERE NOT EXISTS (
			SELECT 1 FROM munymo.predictions p WHERE p.game_id = $1 AND p.user_id = pr.user_id
		)
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
