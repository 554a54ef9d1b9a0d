package game

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"munymo/internal/cache"
	"munymo/internal/discovery"
	"munymo/internal/llm"
	"munymo/internal/market"
	"munymo/internal/metrics"
	"munymo/internal/notify"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type PriceSource interface {
	DailyBar(ctx context.Context, ticker string, date time.Time) (market.Bar, error)
}

type Copywriter interface {
	GameCopy(ctx context.Context, a, b llm.Company) (llm.GameCopy, error)
}

type Universe interface {
	Companies(ctx context.Context) ([]discovery.Company, error)
}

// Publisher receives live game events (game_published, game_locked, game_settled).
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type Notifier interface {
	SendToUsers(ctx context.Context, userIDs []string, msg notify.Message) (notify.Report, error)
}

// DB is the part of *pgxpool.Pool the service uses.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Service struct {
	db   DB
	log  *slog.Logger
	mu   sync.Mutex
	rand *mathrand.Rand
	now  func() time.Time

	prices   PriceSource
	copy     Copywriter
	universe Universe
	cache    cache.Cache
	events   Publisher
	notifier Notifier
	metrics  *metrics.Registry

	boardTTL     time.Duration
	isAdminEmail func(string) bool
}

type Option func(*Service)

func WithPriceSource(p PriceSource) Option {
	return func(s *Service) { s.prices = p }
}

func WithCopywriter(c Copywriter) Option {
	return func(s *Service) { s.copy = c }
}

func WithUniverse(u Universe) Option {
	return func(s *Service) { s.universe = u }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func WithCache(c cache.Cache, leaderboardTTL time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.boardTTL = leaderboardTTL
	}
}

func WithAdminEmails(fn func(string) bool) Option {
	return func(s *Service) { s.isAdminEmail = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db DB, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:           db,
		log:          logger,
		rand:         mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
		cache:        cache.NewMemory(),
		boardTTL:     time.Minute,
		isAdminEmail: func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, payload); err != nil {
		s.log.Warn("publish live event failed", "event", eventType, "err", err)
	}
}

// inSerializableTx runs fn in a serializable transaction, retrying on
// serialization failures with exponential backoff.
func (s *Service) inSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO munymo.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

func generateInviteCode() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}
	return string(buf), nil
}
