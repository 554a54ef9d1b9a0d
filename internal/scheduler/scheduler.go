// Package scheduler runs the daily game jobs from a table of wall-clock times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"munymo/internal/metrics"
)

const (
	JobGenerateGame  = "generate_game"
	JobLockGames     = "lock_games"
	JobSettleResults = "settle_results"
	JobRefreshMunyIQ = "refresh_munyiq"
	JobDailyReminder = "daily_reminder"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrInvalidRunAt = errors.New("run_at must be HH:MM in UTC")
)

type Job struct {
	Name         string     `json:"name"`
	RunAt        string     `json:"run_at"`
	WeekdaysOnly bool       `json:"weekdays_only"`
	Enabled      bool       `json:"enabled"`
	LastRunOn    *time.Time `json:"last_run_on,omitempty"`
	LastStatus   string     `json:"last_status"`
	LastError    string     `json:"last_error,omitempty"`
}

// DefaultJobs are seeded on first start. Times are UTC.
var DefaultJobs = []Job{
	{Name: JobLockGames, RunAt: "13:30", WeekdaysOnly: true, Enabled: true},
	{Name: JobDailyReminder, RunAt: "12:00", WeekdaysOnly: true, Enabled: true},
	{Name: JobSettleResults, RunAt: "21:15", WeekdaysOnly: true, Enabled: true},
	{Name: JobGenerateGame, RunAt: "21:30", WeekdaysOnly: false, Enabled: true},
	{Name: JobRefreshMunyIQ, RunAt: "21:45", WeekdaysOnly: true, Enabled: true},
}

func ParseRunAt(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, ErrInvalidRunAt
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, ErrInvalidRunAt
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, ErrInvalidRunAt
	}
	return hour, minute, nil
}

func today(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Due reports whether job should run at now: it is enabled, today is allowed,
// the run time has passed and it has not already run today.
func Due(job Job, now time.Time) bool {
	if !job.Enabled {
		return false
	}
	now = now.UTC()
	if job.WeekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return false
	}
	hour, minute, err := ParseRunAt(job.RunAt)
	if err != nil {
		return false
	}
	day := today(now)
	if now.Before(day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)) {
		return false
	}
	return job.LastRunOn == nil || job.LastRunOn.UTC().Before(day)
}

type Func func(ctx context.Context, now time.Time) error

type Store interface {
	Seed(ctx context.Context, jobs []Job) error
	List(ctx context.Context) ([]Job, error)
	// Claim marks the job as run on day, reporting false if another worker
	// already claimed it.
	Claim(ctx context.Context, name string, day time.Time) (bool, error)
	Finish(ctx context.Context, name, status, errMsg string) error
	Update(ctx context.Context, name string, runAt *string, enabled *bool) (Job, error)
}

type Runner struct {
	store   Store
	poll    time.Duration
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]Func
}

func NewRunner(store Store, poll time.Duration, logger *slog.Logger, m *metrics.Registry) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Runner{
		store:   store,
		poll:    poll,
		log:     logger,
		metrics: m,
		now:     time.Now,
		jobs:    make(map[string]Func),
	}
}

func (r *Runner) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = fn
}

func (r *Runner) job(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.jobs[name]
	return fn, ok
}

func (r *Runner) Seed(ctx context.Context) error {
	return r.store.Seed(ctx, DefaultJobs)
}

// Tick runs every due job in run_at order and returns the names it ran.
func (r *Runner) Tick(ctx context.Context, now time.Time) ([]string, error) {
	jobs, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt < jobs[j].RunAt })

	var ran []string
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if !Due(job, now) {
			continue
		}
		fn, ok := r.job(job.Name)
		if !ok {
			continue
		}
		claimed, err := r.store.Claim(ctx, job.Name, today(now))
		if err != nil {
			r.log.Error("claim job failed", "job", job.Name, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		r.execute(ctx, job.Name, fn, now)
		ran = append(ran, job.Name)
	}
	return ran, nil
}

func (r *Runner) execute(ctx context.Context, name string, fn Func, now time.Time) error {
	start := time.Now()
	err := fn(ctx, now)
	status, msg := "ok", ""
	if err != nil {
		status, msg = "error", err.Error()
		r.log.Error("job failed", "job", name, "err", err)
	} else {
		r.log.Info("job complete", "job", name, "duration_ms", time.Since(start).Milliseconds())
	}
	r.metrics.ObserveJob(name, status, time.Since(start).Seconds())
	if ferr := r.store.Finish(ctx, name, status, msg); ferr != nil {
		r.log.Warn("record job result failed", "job", name, "err", ferr)
	}
	return err
}

// RunNow runs a job immediately without claiming the day.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	fn, ok := r.job(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.execute(ctx, name, fn, r.now())
}

func (r *Runner) Jobs(ctx context.Context) ([]Job, error) {
	return r.store.List(ctx)
}

func (r *Runner) UpdateJob(ctx context.Context, name string, runAt *string, enabled *bool) (Job, error) {
	if _, ok := r.job(name); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if runAt != nil {
		if _, _, err := ParseRunAt(*runAt); err != nil {
			return Job{}, err
		}
		v := strings.TrimSpace(*runAt)
		runAt = &v
	}
	return r.store.Update(ctx, name, runAt, enabled)
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.log.Info("scheduler started", "poll", r.poll.String())
	for {
		if _, err := r.Tick(ctx, r.now()); err != nil && ctx.Err() == nil {
			r.log.Error("scheduler tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("scheduler shutdown")
			return nil
		case <-ticker.C:
		}
	}
}
