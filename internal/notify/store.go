package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) UpsertToken(ctx context.Context, userID, token, platform string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO munymo.device_tokens (token, user_id, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, last_seen_at = now()
	`, token, userID, platform)
	return err
}

func (p *PGStore) DeleteUserToken(ctx context.Context, userID, token string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM munymo.device_tokens WHERE token = $1 AND user_id = $2`, token, userID)
	return err
}

func (p *PGStore) TokensForUsers(ctx context.Context, userIDs []string) ([]string, error) {
	return p.tokens(ctx, `SELECT token FROM munymo.device_tokens WHERE user_id = ANY($1) ORDER BY token`, userIDs)
}

func (p *PGStore) AllTokens(ctx context.Context) ([]string, error) {
	return p.tokens(ctx, `SELECT token FROM munymo.device_tokens ORDER BY token`)
}

func (p *PGStore) tokens(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PGStore) DeleteTokens(ctx context.Context, tokens []string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM munymo.device_tokens WHERE token = ANY($1)`, tokens)
	return err
}

func (p *PGStore) LogDelivery(ctx context.Context, userID string, msg Message, r Report) error {
	var uid *string
	if userID != "" {
		uid = &userID
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO munymo.notifications (id, user_id, kind, title, body, success_count, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), uid, msg.Kind, msg.Title, msg.Body, r.Success, r.Failure)
	return err
}
