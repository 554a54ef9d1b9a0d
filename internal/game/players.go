package game

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// EnsurePlayer creates the profile and stats rows on first sight of a user.
// Username collisions get a numeric suffix.
func (s *Service) EnsurePlayer(ctx context.Context, userID, email, username string) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, ErrUnauthorized
	}
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		username = usernameFromEmail(email)
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := username
		if attempt > 0 {
			s.mu.Lock()
			suffix := s.rand.Intn(9000) + 1000
			s.mu.Unlock()
			candidate = fmt.Sprintf("%s_%d", truncate(username, 19), suffix)
		}
		err := s.insertPlayer(ctx, userID, email, candidate)
		if err == nil {
			return s.Profile(ctx, userID, email)
		}
		if !isUniqueViolation(err, "profiles_username_key") && !isUniqueViolation(err, "profiles_invite_code_key") {
			return Profile{}, err
		}
	}
	return Profile{}, fmt.Errorf("could not allocate a unique username for %s", userID)
}

func (s *Service) insertPlayer(ctx context.Context, userID, email, username string) error {
	inviteCode, err := generateInviteCode()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO munymo.profiles (user_id, email, username, invite_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, strings.ToLower(strings.TrimSpace(email)), username, inviteCode); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO munymo.user_stats (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Profile loads a player. email, when given, is used for the admin allow-list.
func (s *Service) Profile(ctx context.Context, userID, email string) (Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, `
		SELECT user_id, email, username, invite_code, is_admin, created_at
		FROM munymo.profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Email, &p.Username, &p.InviteCode, &p.IsAdmin, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrPlayerNotFound
	}
	if err != nil {
		return p, err
	}
	if email == "" {
		email = p.Email
	}
	p.IsAdmin = p.IsAdmin || s.isAdminEmail(email)
	return p, nil
}

func (s *Service) IsAdmin(ctx context.Context, userID, email string) (bool, error) {
	if s.isAdminEmail(email) {
		return true, nil
	}
	p, err := s.Profile(ctx, userID, email)
	if err != nil {
		return false, err
	}
	return p.IsAdmin, nil
}

func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT total, correct, ties, current_streak, best_streak, last_game_date
		FROM munymo.user_stats
		WHERE user_id = $1
	`, userID).Scan(&st.Total, &st.Correct, &st.Ties, &st.CurrentStreak, &st.BestStreak, &st.LastGameDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, nil
	}
	return st, err
}

func (s *Service) Me(ctx context.Context, userID, email string) (Me, error) {
	var out Me
	p, err := s.Profile(ctx, userID, email)
	if err != nil {
		return out, err
	}
	st, err := s.Stats(ctx, userID)
	if err != nil {
		return out, err
	}
	iq, err := s.MunyIQ(ctx, userID)
	if err != nil {
		return out, err
	}
	out.Profile = p
	out.Stats = st
	out.Accuracy = st.Accuracy()
	out.MunyIQ = iq
	return out, nil
}

func (s *Service) userByInviteCode(ctx context.Context, inviteCode string) (string, string, error) {
	inviteCode = strings.ToUpper(strings.TrimSpace(inviteCode))
	var userID, username string
	err := s.db.QueryRow(ctx, `
		SELECT user_id, username FROM munymo.profiles WHERE invite_code = $1
	`, inviteCode).Scan(&userID, &username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrPlayerNotFound
	}
	return userID, username, err
}

func (s *Service) AddFriend(ctx context.Context, userID, inviteCode string) (Friend, error) {
	followee, username, err := s.userByInviteCode(ctx, inviteCode)
	if err != nil {
		return Friend{}, err
	}
	if followee == userID {
		return Friend{}, ErrSelfFollow
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO munymo.follows (follower_user_id, followee_user_id)
		VALUES ($1, $2)
		ON CONFLICT (follower_user_id, followee_user_id) DO NOTHING
	`, userID, followee)
	if err != nil {
		return Friend{}, err
	}
	return Friend{Username: username, InviteCode: strings.ToUpper(strings.TrimSpace(inviteCode))}, nil
}

func (s *Service) RemoveFriend(ctx context.Context, userID, inviteCode string) error {
	followee, _, err := s.userByInviteCode(ctx, inviteCode)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		DELETE FROM munymo.follows
		WHERE follower_user_id = $1 AND followee_user_id = $2
	`, userID, followee)
	return err
}

func (s *Service) ListFriends(ctx context.Context, userID string) ([]Friend, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.username, p.invite_code
		FROM munymo.follows f
		JOIN munymo.profiles p ON p.user_id = f.followee_user_id
		WHERE f.follower_user_id = $1
		ORDER BY p.username
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Friend{}
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.Username, &f.InviteCode); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func usernameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(email, "@")
	if len(parts) == 0 || parts[0] == "" {
		return "player"
	}
	return sanitizeUsername(parts[0])
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "player"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "player_" + res
	}
	return truncate(res, 24)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
