package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"munymo/internal/game"
	"munymo/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 10, day, hour, minute, 0, 0, time.UTC)
}

func TestDue(t *testing.T) {
	yesterday := at(13, 0, 0)
	today := at(14, 0, 0)
	job := Job{Name: JobSettleResults, RunAt: "21:15", WeekdaysOnly: true, Enabled: true}

	tests := []struct {
		name string
		job  func(Job) Job
		now  time.Time
		want bool
	}{
		{"before run time", func(j Job) Job { return j }, at(14, 21, 14), false},
		{"at run time", func(j Job) Job { return j }, at(14, 21, 15), true},
		{"ran yesterday", func(j Job) Job { j.LastRunOn = &yesterday; return j }, at(14, 22, 0), true},
		{"ran today", func(j Job) Job { j.LastRunOn = &today; return j }, at(14, 22, 0), false},
		{"disabled", func(j Job) Job { j.Enabled = false; return j }, at(14, 22, 0), false},
		{"saturday", func(j Job) Job { return j }, at(17, 22, 0), false},
		{"saturday allowed", func(j Job) Job { j.WeekdaysOnly = false; return j }, at(17, 22, 0), true},
		{"bad run_at", func(j Job) Job { j.RunAt = "9:15"; return j }, at(14, 22, 0), false},
	}
	for _, tc := range tests {
		if got := Due(tc.job(job), tc.now); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseRunAt(t *testing.T) {
	h, m, err := ParseRunAt("08:05")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 5, m)
	for _, bad := range []string{"", "24:00", "12:60", "1200", "ab:cd"} {
		_, _, err := ParseRunAt(bad)
		assert.ErrorIs(t, err, ErrInvalidRunAt, bad)
	}
}

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]Job
	finished map[string]string
	claims   int
}

func newMemStore(jobs ...Job) *memStore {
	s := &memStore{jobs: map[string]Job{}, finished: map[string]string{}}
	for _, j := range jobs {
		s.jobs[j.Name] = j
	}
	return s
}

func (m *memStore) Seed(_ context.Context, jobs []Job) error {
	for _, j := range jobs {
		if _, ok := m.jobs[j.Name]; !ok {
			m.jobs[j.Name] = j
		}
	}
	return nil
}

func (m *memStore) List(context.Context) ([]Job, error) {
	var out []Job
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memStore) Claim(_ context.Context, name string, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[name]
	if j.LastRunOn != nil && j.LastRunOn.Equal(day) {
		return false, nil
	}
	m.claims++
	j.LastRunOn = &day
	m.jobs[name] = j
	return true, nil
}

func (m *memStore) Finish(_ context.Context, name, status, errMsg string) error {
	m.finished[name] = status
	j := m.jobs[name]
	j.LastStatus, j.LastError = status, errMsg
	m.jobs[name] = j
	return nil
}

func (m *memStore) Update(_ context.Context, name string, runAt *string, enabled *bool) (Job, error) {
	j, ok := m.jobs[name]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if runAt != nil {
		j.RunAt = *runAt
	}
	if enabled != nil {
		j.Enabled = *enabled
	}
	m.jobs[name] = j
	return j, nil
}

func TestTickRunsDueJobsOncePerDay(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store, time.Second, nil, nil)
	require.NoError(t, r.Seed(context.Background()))

	var calls []string
	for _, j := range DefaultJobs {
		name := j.Name
		r.Register(name, func(context.Context, time.Time) error {
			calls = append(calls, name)
			if name == JobSettleResults {
				return errors.New("yahoo down")
			}
			return nil
		})
	}

	ran, err := r.Tick(context.Background(), at(14, 21, 20))
	require.NoError(t, err)
	assert.Equal(t, []string{JobDailyReminder, JobLockGames, JobSettleResults}, ran)
	assert.Equal(t, ran, calls)
	assert.Equal(t, "error", store.jobs[JobSettleResults].LastStatus)
	assert.Equal(t, "yahoo down", store.jobs[JobSettleResults].LastError)
	assert.Equal(t, "ok", store.finished[JobLockGames])

	ran, err = r.Tick(context.Background(), at(14, 21, 50))
	require.NoError(t, err)
	assert.Equal(t, []string{JobGenerateGame, JobRefreshMunyIQ}, ran)

	ran, err = r.Tick(context.Background(), at(14, 23, 0))
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.Equal(t, 5, store.claims)
}

func TestTickSkipsUnregisteredJobs(t *testing.T) {
	store := newMemStore(Job{Name: "mystery", RunAt: "00:00", Enabled: true})
	r := NewRunner(store, time.Second, nil, nil)
	ran, err := r.Tick(context.Background(), at(14, 12, 0))
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.Zero(t, store.claims)
}

func TestRunNowAndUpdate(t *testing.T) {
	store := newMemStore(DefaultJobs...)
	r := NewRunner(store, time.Second, nil, nil)
	ran := false
	r.Register(JobLockGames, func(context.Context, time.Time) error { ran = true; return nil })

	assert.ErrorIs(t, r.RunNow(context.Background(), "nope"), ErrUnknownJob)
	require.NoError(t, r.RunNow(context.Background(), JobLockGames))
	assert.True(t, ran)
	assert.Zero(t, store.claims)

	bad := "25:00"
	_, err := r.UpdateJob(context.Background(), JobLockGames, &bad, nil)
	assert.ErrorIs(t, err, ErrInvalidRunAt)

	runAt, off := " 14:00 ", false
	j, err := r.UpdateJob(context.Background(), JobLockGames, &runAt, &off)
	require.NoError(t, err)
	assert.Equal(t, "14:00", j.RunAt)
	assert.False(t, j.Enabled)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := NewRunner(newMemStore(), 10*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

type fakeGames struct {
	generated   []time.Time
	generateErr error
	today       game.Game
	missing     []string
}

func (f *fakeGames) GenerateGame(_ context.Context, d time.Time) (game.Game, error) {
	f.generated = append(f.generated, d)
	return game.Game{ID: 3}, f.generateErr
}

func (f *fakeGames) GameByDate(context.Context, time.Time) (game.Game, error) {
	if f.today.ID == 0 {
		return game.Game{}, game.ErrGameNotFound
	}
	return f.today, nil
}

func (f *fakeGames) LockDueGames(context.Context, time.Time) (int, error)   { return 1, nil }
func (f *fakeGames) SettleDueGames(context.Context, time.Time) (int, error) { return 1, nil }
func (f *fakeGames) RefreshAllMunyIQ(context.Context) (int, error)          { return 2, nil }

func (f *fakeGames) UsersWithoutPrediction(context.Context, int64) ([]string, error) {
	return f.missing, nil
}

type fakeNotifier struct {
	users []string
	msg   notify.Message
}

func (f *fakeNotifier) SendToUsers(_ context.Context, users []string, msg notify.Message) (notify.Report, error) {
	f.users, f.msg = users, msg
	return notify.Report{Success: len(users)}, nil
}

func TestGenerateJobTargetsNextTradingDay(t *testing.T) {
	games := &fakeGames{generateErr: game.ErrGameExists}
	r := NewRunner(newMemStore(), time.Second, nil, nil)
	RegisterDefaults(r, games, nil)

	// Friday evening generates Monday's game; an existing game is not a failure.
	fn, _ := r.job(JobGenerateGame)
	require.NoError(t, fn(context.Background(), at(16, 21, 30)))
	require.Len(t, games.generated, 1)
	assert.Equal(t, time.Monday, games.generated[0].Weekday())
	assert.Equal(t, 19, games.generated[0].Day())
}

func TestDailyReminderJob(t *testing.T) {
	games := &fakeGames{
		today:   game.Game{ID: 9, TickerA: "KO", TickerB: "PEP", Status: game.StatusOpen, LocksAt: at(14, 13, 30)},
		missing: []string{"u1", "u2"},
	}
	n := &fakeNotifier{}
	r := NewRunner(newMemStore(), time.Second, nil, nil)
	RegisterDefaults(r, games, n)
	fn, _ := r.job(JobDailyReminder)

	require.NoError(t, fn(context.Background(), at(14, 12, 0)))
	assert.Equal(t, []string{"u1", "u2"}, n.users)
	assert.Equal(t, "KO vs PEP", n.msg.Title)
	assert.Contains(t, n.msg.Body, "13:30 UTC")

	n.users = nil
	require.NoError(t, fn(context.Background(), at(14, 14, 0)))
	assert.Nil(t, n.users, "no reminder once the game is locked")
}
