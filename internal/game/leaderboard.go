package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SortAccuracy = "accuracy"
	SortCorrect  = "correct"
	SortStreak   = "streak"
	SortMunyIQ   = "munyiq"
)

const accuracyExpr = `CASE WHEN s.total - s.ties > 0 THEN s.correct::float8 * 100 / (s.total - s.ties) ELSE 0 END`

// leaderboardOrder maps a sort key to its ORDER BY clause. Every ordering ends
// with correct desc then username so ranks are stable.
var leaderboardOrder = map[string]string{
	SortAccuracy: `accuracy DESC, s.correct DESC, p.username ASC`,
	SortCorrect:  `s.correct DESC, p.username ASC`,
	SortStreak:   `s.current_streak DESC, s.correct DESC, p.username ASC`,
	SortMunyIQ:   `COALESCE(m.score, 0) DESC, s.correct DESC, p.username ASC`,
}

func (q LeaderboardQuery) normalize() (LeaderboardQuery, error) {
	q.Sort = strings.ToLower(strings.TrimSpace(q.Sort))
	if q.Sort == "" {
		q.Sort = SortAccuracy
	}
	if _, ok := leaderboardOrder[q.Sort]; !ok {
		return q, fmt.Errorf("%w %q", ErrInvalidSort, q.Sort)
	}
	q.Page = q.Page.Normalize()
	return q, nil
}

func (q LeaderboardQuery) cacheKey() string {
	return fmt.Sprintf("%s%s:%d:%d", leaderboardCachePrefix, q.Sort, q.Page.Page, q.PageSize)
}

// leaderboardSQL builds the ranking query. Only the accuracy board requires a
// minimum number of predictions; friends boards never do.
func leaderboardSQL(sort string, minTotal int, friendsOnly bool) string {
	var b strings.Builder
	if friendsOnly {
		b.WriteString(`
		WITH social AS (
			SELECT $1::text AS user_id
			UNION
			SELECT followee_user_id FROM munymo.follows WHERE follower_user_id = $1
		)`)
	}
	b.WriteString(`
		SELECT p.username, p.invite_code, s.total, s.correct, s.ties,
		       ` + accuracyExpr + ` AS accuracy,
		       s.current_streak, s.best_streak, m.score
		FROM munymo.user_stats s
		JOIN munymo.profiles p ON p.user_id = s.user_id
		LEFT JOIN munymo.munyiq_scores m ON m.user_id = s.user_id`)
	if friendsOnly {
		b.WriteString(`
		JOIN social so ON so.user_id = s.user_id`)
	}
	b.WriteString(`
		WHERE s.total >= `)
	b.WriteString(fmt.Sprintf("%d", minTotal))
	b.WriteString(`
		ORDER BY `)
	b.WriteString(leaderboardOrder[sort])
	if friendsOnly {
		b.WriteString(`
		LIMIT 100`)
	} else {
		b.WriteString(`
		LIMIT $1 OFFSET $2`)
	}
	return b.String()
}

func (s *Service) Leaderboard(ctx context.Context, q LeaderboardQuery) (Leaderboard, error) {
	q, err := q.normalize()
	if err != nil {
		return Leaderboard{}, err
	}
	key := q.cacheKey()
	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("leaderboard cache read failed", "err", err)
	} else if ok {
		var cached Leaderboard
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	minTotal := 0
	if q.Sort == SortAccuracy {
		minTotal = MinRankedPredictions
	}
	rows, err := s.queryLeaderboard(ctx, leaderboardSQL(q.Sort, minTotal, false), q.offset(), q.PageSize, q.offset())
	if err != nil {
		return Leaderboard{}, err
	}
	out := Leaderboard{Sort: q.Sort, Page: q.Page.Page, PageSize: q.PageSize, Rows: rows}

	if raw, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.boardTTL); err != nil {
			s.log.Warn("leaderboard cache write failed", "err", err)
		}
	}
	return out, nil
}

// FriendsLeaderboard ranks the user and everyone they follow.
func (s *Service) FriendsLeaderboard(ctx context.Context, userID, sort string) (Leaderboard, error) {
	q, err := LeaderboardQuery{Sort: sort}.normalize()
	if err != nil {
		return Leaderboard{}, err
	}
	rows, err := s.queryLeaderboard(ctx, leaderboardSQL(q.Sort, 0, true), 0, userID)
	if err != nil {
		return Leaderboard{}, err
	}
	return Leaderboard{Sort: q.Sort, Page: 1, PageSize: len(rows), Rows: rows}, nil
}

func (s *Service) queryLeaderboard(ctx context.Context, sql string, rankOffset int, args ...any) ([]LeaderboardRow, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LeaderboardRow{}
	rank := rankOffset + 1
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Username, &r.InviteCode, &r.Total, &r.Correct, &r.Ties,
			&r.Accuracy, &r.CurrentStreak, &r.BestStreak, &r.MunyIQ); err != nil {
			return nil, err
		}
		r.Accuracy = roundTo(r.Accuracy, 2)
		r.Rank = rank
		rank++
		out = append(out, r)
	}
	return out, rows.Err()
}
