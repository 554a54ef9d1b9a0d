package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"munymo/internal/game"
	"munymo/internal/notify"
)

type Games interface {
	GenerateGame(ctx context.Context, date time.Time) (game.Game, error)
	GameByDate(ctx context.Context, date time.Time) (game.Game, error)
	LockDueGames(ctx context.Context, now time.Time) (int, error)
	SettleDueGames(ctx context.Context, now time.Time) (int, error)
	RefreshAllMunyIQ(ctx context.Context) (int, error)
	UsersWithoutPrediction(ctx context.Context, gameID int64) ([]string, error)
}

type Notifier interface {
	SendToUsers(ctx context.Context, userIDs []string, msg notify.Message) (notify.Report, error)
}

// RegisterDefaults wires the standard daily jobs.
func RegisterDefaults(r *Runner, games Games, notifier Notifier) {
	r.Register(JobGenerateGame, func(ctx context.Context, now time.Time) error {
		next := game.NextTradingDay(now)
		g, err := games.GenerateGame(ctx, next)
		if errors.Is(err, game.ErrGameExists) {
			r.log.Info("game already generated", "game_id", g.ID, "game_date", next.Format("2006-01-02"))
			return nil
		}
		return err
	})

	r.Register(JobLockGames, func(ctx context.Context, now time.Time) error {
		n, err := games.LockDueGames(ctx, now)
		if err == nil {
			r.log.Info("games locked", "count", n)
		}
		return err
	})

	r.Register(JobSettleResults, func(ctx context.Context, now time.Time) error {
		n, err := games.SettleDueGames(ctx, now)
		r.log.Info("games settled", "count", n)
		return err
	})

	r.Register(JobRefreshMunyIQ, func(ctx context.Context, now time.Time) error {
		n, err := games.RefreshAllMunyIQ(ctx)
		if err == nil {
			r.log.Info("munyiq refreshed", "players", n)
		}
		return err
	})

	r.Register(JobDailyReminder, func(ctx context.Context, now time.Time) error {
		if notifier == nil {
			return nil
		}
		g, err := games.GameByDate(ctx, now)
		if errors.Is(err, game.ErrGameNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !g.AcceptsPredictions(now) {
			return nil
		}
		users, err := games.UsersWithoutPrediction(ctx, g.ID)
		if err != nil {
			return err
		}
		_, err = notifier.SendToUsers(ctx, users, ReminderMessage(g))
		return err
	})
}

func ReminderMessage(g game.Game) notify.Message {
	return notify.Message{
		Kind:  "daily_reminder",
		Title: fmt.Sprintf("%s vs %s", g.TickerA, g.TickerB),
		Body:  fmt.Sprintf("Today's matchup locks at %s UTC. Make your pick!", g.LocksAt.UTC().Format("15:04")),
		Data:  map[string]string{"game_id": fmt.Sprintf("%d", g.ID)},
	}
}
