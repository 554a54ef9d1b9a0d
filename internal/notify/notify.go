// Package notify delivers push notifications to registered devices.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"munymo/internal/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// FCM multicast accepts at most 500 tokens per call.
	MaxBatchSize = 500

	maxConcurrentBatches = 4
)

var ErrInvalidToken = errors.New("device token is required")

type Message struct {
	Kind  string            `json:"kind"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Report struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Removed int `json:"removed"`
}

// BatchResult is what a Sender reports for one multicast call.
type BatchResult struct {
	Success      int
	Failure      int
	Unregistered []string
}

type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, msg Message) (BatchResult, error)
}

// Store persists device tokens and the delivery log.
type Store interface {
	UpsertToken(ctx context.Context, userID, token, platform string) error
	DeleteUserToken(ctx context.Context, userID, token string) error
	TokensForUsers(ctx context.Context, userIDs []string) ([]string, error)
	AllTokens(ctx context.Context) ([]string, error)
	DeleteTokens(ctx context.Context, tokens []string) error
	LogDelivery(ctx context.Context, userID string, msg Message, r Report) error
}

type Service struct {
	store     Store
	sender    Sender
	limiter   *rate.Limiter
	batchSize int
	log       *slog.Logger
	metrics   *metrics.Registry
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRateLimit bounds multicast calls per second.
func WithRateLimit(rps float64) Option {
	return func(s *Service) {
		if rps <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), maxConcurrentBatches)
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 && n <= MaxBatchSize {
			s.batchSize = n
		}
	}
}

func NewService(store Store, sender Sender, opts ...Option) *Service {
	s := &Service{
		store:     store,
		sender:    sender,
		limiter:   rate.NewLimiter(rate.Limit(10), maxConcurrentBatches),
		batchSize: MaxBatchSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sender == nil {
		s.sender = NewLogSender(s.log)
	}
	return s
}

func (s *Service) RegisterDevice(ctx context.Context, userID, token, platform string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	switch platform {
	case "ios", "android", "web":
	default:
		platform = "unknown"
	}
	return s.store.UpsertToken(ctx, userID, token, platform)
}

func (s *Service) UnregisterDevice(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	return s.store.DeleteUserToken(ctx, userID, token)
}

func (s *Service) SendToUser(ctx context.Context, userID string, msg Message) (Report, error) {
	tokens, err := s.store.TokensForUsers(ctx, []string{userID})
	if err != nil {
		return Report{}, err
	}
	return s.deliver(ctx, userID, tokens, msg)
}

func (s *Service) SendToUsers(ctx context.Context, userIDs []string, msg Message) (Report, error) {
	if len(userIDs) == 0 {
		return Report{}, nil
	}
	tokens, err := s.store.TokensForUsers(ctx, userIDs)
	if err != nil {
		return Report{}, err
	}
	return s.deliver(ctx, "", tokens, msg)
}

func (s *Service) Broadcast(ctx context.Context, msg Message) (Report, error) {
	tokens, err := s.store.AllTokens(ctx)
	if err != nil {
		return Report{}, err
	}
	return s.deliver(ctx, "", tokens, msg)
}

func (s *Service) deliver(ctx context.Context, userID string, tokens []string, msg Message) (Report, error) {
	var (
		mu      sync.Mutex
		report  Report
		invalid []string
	)
	if len(tokens) == 0 {
		return report, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentBatches)
	for _, batch := range chunk(tokens, s.batchSize) {
		eg.Go(func() error {
			if err := s.limiter.Wait(egCtx); err != nil {
				return err
			}
			res, err := s.sender.SendMulticast(egCtx, batch, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A failed call marks the whole batch failed; other batches keep going.
				s.log.Warn("push batch failed", "kind", msg.Kind, "tokens", len(batch), "err", err)
				report.Failure += len(batch)
				return nil
			}
			report.Success += res.Success
			report.Failure += res.Failure
			invalid = append(invalid, res.Unregistered...)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	if len(invalid) > 0 {
		if err := s.store.DeleteTokens(ctx, invalid); err != nil {
			s.log.Warn("delete unregistered tokens failed", "count", len(invalid), "err", err)
		} else {
			report.Removed = len(invalid)
		}
	}
	if err := s.store.LogDelivery(ctx, userID, msg, report); err != nil {
		s.log.Warn("log notification failed", "kind", msg.Kind, "err", err)
	}
	s.metrics.ObserveNotifications(report.Success, report.Failure)
	s.log.Info("push delivered", "kind", msg.Kind, "success", report.Success, "failure", report.Failure, "removed", report.Removed)
	return report, nil
}

func chunk(tokens []string, size int) [][]string {
	if size <= 0 {
		size = MaxBatchSize
	}
	out := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, tokens[start:end])
	}
	return out
}

// LogSender is used when Firebase is not configured.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(l *slog.Logger) *LogSender {
	if l == nil {
		l = slog.Default()
	}
	return &LogSender{log: l}
}

func (l *LogSender) SendMulticast(_ context.Context, tokens []string, msg Message) (BatchResult, error) {
	l.log.Info("push (log only)", "kind", msg.Kind, "title", msg.Title, "tokens", len(tokens))
	return BatchResult{Success: len(tokens)}, nil
}
