package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"munymo/internal/discovery"
	"munymo/internal/llm"

	"github.com/jackc/pgx/v5"
)

const gameColumns = `
	g.id, g.game_date, g.ticker_a, g.name_a, g.ticker_b, g.name_b, g.sector,
	g.headline, g.description_a, g.description_b, g.status,
	g.opens_at, g.locks_at, g.settles_after,
	g.prev_close_a, g.close_a, g.prev_close_b, g.close_b, g.change_a, g.change_b,
	g.winner, g.void_reason, g.settled_at`

func scanGame(row pgx.Row) (Game, error) {
	var g Game
	var winner, voidReason *string
	err := row.Scan(
		&g.ID, &g.GameDate, &g.TickerA, &g.NameA, &g.TickerB, &g.NameB, &g.Sector,
		&g.Headline, &g.DescriptionA, &g.DescriptionB, &g.Status,
		&g.OpensAt, &g.LocksAt, &g.SettlesAfter,
		&g.PrevCloseA, &g.CloseA, &g.PrevCloseB, &g.CloseB, &g.ChangeA, &g.ChangeB,
		&winner, &voidReason, &g.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, ErrGameNotFound
	}
	if err != nil {
		return g, err
	}
	if winner != nil {
		g.Winner = *winner
	}
	if voidReason != nil {
		g.VoidReason = *voidReason
	}
	return g, nil
}

func (s *Service) Game(ctx context.Context, gameID int64) (Game, error) {
	return scanGame(s.db.QueryRow(ctx, `SELECT `+gameColumns+` FROM munymo.games g WHERE g.id = $1`, gameID))
}

func (s *Service) GameByDate(ctx context.Context, date time.Time) (Game, error) {
	return scanGame(s.db.QueryRow(ctx, `SELECT `+gameColumns+` FROM munymo.games g WHERE g.game_date = $1`, DateOnly(date)))
}

// GameView decorates a game with the caller's pick and the crowd split.
func (s *Service) GameView(ctx context.Context, gameID int64, userID string) (GameView, error) {
	g, err := s.Game(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	return s.view(ctx, g, userID)
}

func (s *Service) view(ctx context.Context, g Game, userID string) (GameView, error) {
	v := GameView{Game: g}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE pick = 'A'),
		       COUNT(*) FILTER (WHERE pick = 'B'),
		       COALESCE(MAX(pick) FILTER (WHERE user_id = $2), '')
		FROM munymo.predictions
		WHERE game_id = $1
	`, g.ID, userID).Scan(&v.Split.A, &v.Split.B, &v.MyPick)
	return v, err
}

// TodayGame returns the nearest open game on or after today, falling back to
// the most recent past game.
func (s *Service) TodayGame(ctx context.Context, userID string) (GameView, error) {
	today := DateOnly(s.now())
	g, err := scanGame(s.db.QueryRow(ctx, `
		SELECT `+gameColumns+`
		FROM munymo.games g
		WHERE g.game_date >= $1 AND g.status <> 'void'
		ORDER BY g.game_date ASC
		LIMIT 1
	`, today))
	if errors.Is(err, ErrGameNotFound) {
		g, err = scanGame(s.db.QueryRow(ctx, `
			SELECT `+gameColumns+`
			FROM munymo.games g
			WHERE g.game_date < $1
			ORDER BY g.game_date DESC
			LIMIT 1
		`, today))
	}
	if err != nil {
		return GameView{}, err
	}
	return s.view(ctx, g, userID)
}

func (s *Service) ListGames(ctx context.Context, userID string, page Page) ([]GameView, error) {
	page = page.Normalize()
	rows, err := s.db.Query(ctx, `
		SELECT `+gameColumns+`,
		       COALESCE(p.pick, ''),
		       (SELECT COUNT(*) FROM munymo.predictions x WHERE x.game_id = g.id AND x.pick = 'A'),
		       (SELECT COUNT(*) FROM munymo.predictions x WHERE x.game_id = g.id AND x.pick = 'B')
		FROM munymo.games g
		LEFT JOIN munymo.predictions p ON p.game_id = g.id AND p.user_id = $1
		ORDER BY g.game_date DESC
		LIMIT $2 OFFSET $3
	`, userID, page.PageSize, page.offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []GameView{}
	for rows.Next() {
		var v GameView
		var winner, voidReason *string
		if err := rows.Scan(
			&v.ID, &v.GameDate, &v.TickerA, &v.NameA, &v.TickerB, &v.NameB, &v.Sector,
			&v.Headline, &v.DescriptionA, &v.DescriptionB, &v.Status,
			&v.OpensAt, &v.LocksAt, &v.SettlesAfter,
			&v.PrevCloseA, &v.CloseA, &v.PrevCloseB, &v.CloseB, &v.ChangeA, &v.ChangeB,
			&winner, &voidReason, &v.SettledAt,
			&v.MyPick, &v.Split.A, &v.Split.B,
		); err != nil {
			return nil, err
		}
		if winner != nil {
			v.Winner = *winner
		}
		if voidReason != nil {
			v.VoidReason = *voidReason
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GenerateGame creates the game for date. If one exists it is returned along
// with ErrGameExists.
func (s *Service) GenerateGame(ctx context.Context, date time.Time) (Game, error) {
	day := DateOnly(date)
	if !IsTradingDay(day) {
		return Game{}, fmt.Errorf("%w: %s", ErrInvalidDate, day.Format("2006-01-02"))
	}
	if existing, err := s.GameByDate(ctx, day); err == nil {
		return existing, ErrGameExists
	} else if !errors.Is(err, ErrGameNotFound) {
		return Game{}, err
	}
	if s.universe == nil {
		return Game{}, fmt.Errorf("no company universe configured")
	}

	companies, err := s.universe.Companies(ctx)
	if err != nil {
		return Game{}, fmt.Errorf("load universe: %w", err)
	}
	recent, err := s.recentTickers(ctx, recentTickerWindow)
	if err != nil {
		return Game{}, err
	}
	s.mu.Lock()
	a, b, err := discovery.PickPair(companies, recent, s.rand)
	s.mu.Unlock()
	if errors.Is(err, discovery.ErrNoEligiblePair) {
		s.log.Warn("recent ticker exclusion left no pair, ignoring it", "excluded", len(recent))
		s.mu.Lock()
		a, b, err = discovery.PickPair(companies, nil, s.rand)
		s.mu.Unlock()
	}
	if err != nil {
		return Game{}, err
	}

	text := s.gameCopy(ctx, a, b)
	sector := ""
	if a.Sector == b.Sector {
		sector = a.Sector
	}
	locksAt, settlesAfter := GameWindow(day)
	opensAt := s.now().UTC()
	if opensAt.After(locksAt) {
		opensAt = locksAt
	}

	g, err := scanGame(s.db.QueryRow(ctx, `
		INSERT INTO munymo.games AS g (game_date, ticker_a, name_a, ticker_b, name_b, sector,
		                               headline, description_a, description_b, status,
		                               opens_at, locks_at, settles_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10, $11, $12)
		RETURNING `+gameColumns,
		day, a.Ticker, a.Name, b.Ticker, b.Name, sector,
		text.Headline, text.DescriptionA, text.DescriptionB,
		opensAt, locksAt, settlesAfter))
	if isUniqueViolation(err, "") {
		existing, gerr := s.GameByDate(ctx, day)
		if gerr != nil {
			return Game{}, gerr
		}
		return existing, ErrGameExists
	}
	if err != nil {
		return Game{}, err
	}

	s.metrics.ObserveGenerated()
	s.log.Info("game generated", "game_id", g.ID, "game_date", day.Format("2006-01-02"), "ticker_a", g.TickerA, "ticker_b", g.TickerB)
	s.publish(ctx, "game_published", g)
	return g, nil
}

func (s *Service) gameCopy(ctx context.Context, a, b discovery.Company) llm.GameCopy {
	ca := llm.Company{Ticker: a.Ticker, Name: a.Name, Sector: a.Sector}
	cb := llm.Company{Ticker: b.Ticker, Name: b.Name, Sector: b.Sector}
	if s.copy == nil {
		return llm.TemplateCopy(ca, cb)
	}
	out, err := s.copy.GameCopy(ctx, ca, cb)
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			s.log.Warn("llm game copy failed, using template", "ticker_a", a.Ticker, "ticker_b", b.Ticker, "err", err)
		}
		return llm.TemplateCopy(ca, cb)
	}
	return out
}

func (s *Service) recentTickers(ctx context.Context, n int) (map[string]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ticker_a, ticker_b
		FROM munymo.games
		ORDER BY game_date DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		out[a] = true
		out[b] = true
	}
	return out, rows.Err()
}
