package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"munymo/internal/market"
	"munymo/internal/notify"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const leaderboardCachePrefix = "munymo:leaderboard:"

// Result is the market outcome of a game before it is written.
type Result struct {
	BarA    market.Bar
	BarB    market.Bar
	ChangeA decimal.Decimal
	ChangeB decimal.Decimal
	Winner  string
}

// ComputeResult derives both changes and the winner from two daily bars.
func ComputeResult(a, b market.Bar) (Result, error) {
	changeA, err := PercentChange(a.PrevClose, a.Close)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", a.Ticker, err)
	}
	changeB, err := PercentChange(b.PrevClose, b.Close)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", b.Ticker, err)
	}
	return Result{
		BarA:    a,
		BarB:    b,
		ChangeA: changeA,
		ChangeB: changeB,
		Winner:  DecideWinner(changeA, changeB),
	}, nil
}

func (s *Service) fetchResult(ctx context.Context, g Game) (Result, error) {
	if s.prices == nil {
		return Result{}, fmt.Errorf("%w: no price source configured", ErrPriceUnavailable)
	}
	var a, b market.Bar
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		bar, err := s.prices.DailyBar(egCtx, g.TickerA, g.GameDate)
		a = bar
		return err
	})
	eg.Go(func() error {
		bar, err := s.prices.DailyBar(egCtx, g.TickerB, g.GameDate)
		b = bar
		return err
	})
	if err := eg.Wait(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	res, err := ComputeResult(a, b)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return res, nil
}

type gradedPick struct {
	userID  string
	outcome Outcome
}

// SettleGame fetches closing prices, grades every prediction and updates player
// stats in one transaction. force skips the settles_after check.
func (s *Service) SettleGame(ctx context.Context, gameID int64, force bool) (Game, error) {
	return s.settle(ctx, gameID, s.now(), force)
}

func (s *Service) settle(ctx context.Context, gameID int64, now time.Time, force bool) (Game, error) {
	g, err := s.Game(ctx, gameID)
	if err != nil {
		return Game{}, err
	}
	if g.Status != StatusOpen && g.Status != StatusLocked {
		return g, fmt.Errorf("%w: %s", ErrGameState, g.Status)
	}
	if !force && now.Before(g.SettlesAfter) {
		return g, ErrTooEarly
	}

	res, err := s.fetchResult(ctx, g)
	if err != nil {
		return g, err
	}

	var graded []gradedPick
	err = s.inSerializableTx(ctx, func(tx pgx.Tx) error {
		graded = graded[:0]
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM munymo.games WHERE id = $1 FOR UPDATE`, gameID).Scan(&status); err != nil {
			return err
		}
		if status != StatusOpen && status != StatusLocked {
			return fmt.Errorf("%w: %s", ErrGameState, status)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE munymo.games
			SET status = 'settled',
			    prev_close_a = $2, close_a = $3, prev_close_b = $4, close_b = $5,
			    change_a = $6, change_b = $7, winner = $8,
			    settled_at = now(), updated_at = now()
			WHERE id = $1
		`, gameID, res.BarA.PrevClose, res.BarA.Close, res.BarB.PrevClose, res.BarB.Close,
			res.ChangeA, res.ChangeB, res.Winner); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT user_id, pick FROM munymo.predictions WHERE game_id = $1 ORDER BY user_id`, gameID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var userID, pick string
			if err := rows.Scan(&userID, &pick); err != nil {
				rows.Close()
				return err
			}
			graded = append(graded, gradedPick{userID: userID, outcome: Grade(pick, res.Winner)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE munymo.predictions
			SET is_correct = CASE WHEN $2 = 'tie' THEN NULL ELSE pick = $2 END,
			    graded_at = now()
			WHERE game_id = $1
		`, gameID, res.Winner); err != nil {
			return err
		}

		for _, gp := range graded {
			if err := applyStatsTx(ctx, tx, gp.userID, gp.outcome, g.GameDate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return g, err
	}

	settled, err := s.Game(ctx, gameID)
	if err != nil {
		return g, err
	}
	s.metrics.ObserveSettled(res.Winner)
	s.log.Info("game settled", "game_id", gameID, "winner", res.Winner,
		"change_a", res.ChangeA.String(), "change_b", res.ChangeB.String(), "graded", len(graded))

	s.invalidateLeaderboards(ctx)
	s.publish(ctx, "game_settled", settled)
	s.notifyResults(ctx, settled, graded)
	return settled, nil
}

func applyStatsTx(ctx context.Context, tx pgx.Tx, userID string, o Outcome, gameDate time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO munymo.user_stats (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return err
	}
	var st Stats
	if err := tx.QueryRow(ctx, `
		SELECT total, correct, ties, current_streak, best_streak, last_game_date
		FROM munymo.user_stats
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&st.Total, &st.Correct, &st.Ties, &st.CurrentStreak, &st.BestStreak, &st.LastGameDate); err != nil {
		return err
	}
	st = st.Apply(o, gameDate)
	_, err := tx.Exec(ctx, `
		UPDATE munymo.user_stats
		SET total = $2, correct = $3, ties = $4, current_streak = $5, best_streak = $6,
		    last_game_date = $7, updated_at = now()
		WHERE user_id = $1
	`, userID, st.Total, st.Correct, st.Ties, st.CurrentStreak, st.BestStreak, st.LastGameDate)
	return err
}

func (s *Service) invalidateLeaderboards(ctx context.Context) {
	if err := s.cache.DeletePrefix(ctx, leaderboardCachePrefix); err != nil {
		s.log.Warn("leaderboard cache invalidation failed", "err", err)
	}
}

func resultMessage(g Game, o Outcome) notify.Message {
	data := map[string]string{"game_id": fmt.Sprintf("%d", g.ID), "winner": g.Winner}
	matchup := fmt.Sprintf("%s vs %s", g.TickerA, g.TickerB)
	switch o {
	case OutcomeWin:
		return notify.Message{Kind: "result_win", Title: "You called it!", Body: matchup + ": your pick came out on top.", Data: data}
	case OutcomeTie:
		return notify.Message{Kind: "result_tie", Title: "Dead heat", Body: matchup + " finished level. Your streak is safe.", Data: data}
	}
	return notify.Message{Kind: "result_loss", Title: "Not this time", Body: matchup + ": the other side won today.", Data: data}
}

func (s *Service) notifyResults(ctx context.Context, g Game, graded []gradedPick) {
	if s.notifier == nil || len(graded) == 0 {
		return
	}
	byOutcome := make(map[Outcome][]string)
	for _, gp := range graded {
		byOutcome[gp.outcome] = append(byOutcome[gp.outcome], gp.userID)
	}
	for o, users := range byOutcome {
		if _, err := s.notifier.SendToUsers(ctx, users, resultMessage(g, o)); err != nil {
			s.log.Warn("result notifications failed", "game_id", g.ID, "err", err)
		}
	}
}

// VoidGame cancels a game that has not been settled. Predictions stay unscored.
func (s *Service) VoidGame(ctx context.Context, gameID int64, reason string) (Game, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE munymo.games
		SET status = 'void', void_reason = $2, updated_at = now()
		WHERE id = $1 AND status IN ('open', 'locked')
	`, gameID, reason)
	if err != nil {
		return Game{}, err
	}
	g, err := s.Game(ctx, gameID)
	if err != nil {
		return g, err
	}
	if cmd.RowsAffected() == 0 {
		return g, fmt.Errorf("%w: %s", ErrGameState, g.Status)
	}
	s.log.Info("game voided", "game_id", gameID, "reason", reason)
	s.publish(ctx, "game_voided", g)
	return g, nil
}

// LockGame closes an open game for predictions immediately.
func (s *Service) LockGame(ctx context.Context, gameID int64) (Game, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE munymo.games
		SET status = 'locked', locks_at = LEAST(locks_at, $2), updated_at = now()
		WHERE id = $1 AND status = 'open'
	`, gameID, s.now().UTC())
	if err != nil {
		return Game{}, err
	}
	g, err := s.Game(ctx, gameID)
	if err != nil {
		return g, err
	}
	if cmd.RowsAffected() == 0 {
		return g, fmt.Errorf("%w: %s", ErrGameState, g.Status)
	}
	s.publish(ctx, "game_locked", g)
	return g, nil
}

// LockDueGames locks every open game whose lock time has passed.
func (s *Service) LockDueGames(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE munymo.games AS g
		SET status = 'locked', updated_at = now()
		WHERE g.status = 'open' AND g.locks_at <= $1
		RETURNING `+gameColumns, now.UTC())
	if err != nil {
		return 0, err
	}
	var locked []Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		locked = append(locked, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, g := range locked {
		s.log.Info("game locked", "game_id", g.ID)
		s.publish(ctx, "game_locked", g)
	}
	return len(locked), nil
}

// SettleDueGames settles every game past its settle time. A failing game is
// logged and left for the next run.
func (s *Service) SettleDueGames(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM munymo.games
		WHERE status IN ('open', 'locked') AND settles_after <= $1
		ORDER BY game_date ASC
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	settled := 0
	var failed []error
	for _, id := range ids {
		if _, err := s.settle(ctx, id, now, false); err != nil {
			s.log.Warn("settle game failed", "game_id", id, "err", err)
			failed = append(failed, fmt.Errorf("game %d: %w", id, err))
			continue
		}
		settled++
	}
	if len(failed) > 0 {
		return settled, errors.Join(failed...)
	}
	return settled, nil
}
