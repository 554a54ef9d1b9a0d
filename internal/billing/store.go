package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	cmd, err := p.db.Exec(ctx, `
		INSERT INTO munymo.stripe_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (p *PGStore) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM munymo.stripe_events WHERE event_id = $1`, eventID)
	return err
}

func (p *PGStore) LinkCustomer(ctx context.Context, userID, customerID, subscriptionID string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO munymo.subscriptions (user_id, stripe_customer_id, stripe_subscription_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id,
		    stripe_subscription_id = CASE WHEN EXCLUDED.stripe_subscription_id <> ''
		                                  THEN EXCLUDED.stripe_subscription_id
		                                  ELSE munymo.subscriptions.stripe_subscription_id END,
		    updated_at = now()
	`, userID, customerID, subscriptionID)
	return err
}

func (p *PGStore) ApplySubscription(ctx context.Context, u SubscriptionUpdate) (bool, error) {
	userID := u.UserID
	if userID == "" {
		err := p.db.QueryRow(ctx, `
			SELECT user_id FROM munymo.subscriptions WHERE stripe_customer_id = $1
		`, u.CustomerID).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	cmd, err := p.db.Exec(ctx, `
		INSERT INTO munymo.subscriptions (user_id, stripe_customer_id, stripe_subscription_id, status, tier, current_period_end)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz
		WHERE EXISTS (SELECT 1 FROM munymo.profiles WHERE user_id = $1)
		ON CONFLICT (user_id) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id,
		    stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		    status = EXCLUDED.status,
		    tier = EXCLUDED.tier,
		    current_period_end = EXCLUDED.current_period_end,
		    updated_at = now()
	`, userID, u.CustomerID, u.SubscriptionID, u.Status, TierFor(u.Status), u.CurrentPeriodEnd)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (p *PGStore) Subscription(ctx context.Context, userID string) (Subscription, error) {
	var s Subscription
	var end *time.Time
	err := p.db.QueryRow(ctx, `
		SELECT status, stripe_customer_id, stripe_subscription_id, current_period_end
		FROM munymo.subscriptions
		WHERE user_id = $1
	`, userID).Scan(&s.Status, &s.CustomerID, &s.SubscriptionID, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{Status: "none", Tier: TierFree}, nil
	}
	if err != nil {
		return s, err
	}
	s.CurrentPeriodEnd = end
	s.Tier = TierFor(s.Status)
	s.Premium = IsPremium(s.Status)
	return s, nil
}
