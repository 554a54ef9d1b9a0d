package game

import (
	"errors"
	"testing"
	"time"

	"munymo/internal/market"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPercentChange(t *testing.T) {
	tests := []struct {
		prev, close string
		want        string
	}{
		{"100", "102.5", "2.5"},
		{"100", "97", "-3"},
		{"3", "4", "33.3333"},
		{"3", "2", "-33.3333"},
		{"187.44", "187.44", "0"},
		// 0.00005 rounds away from zero.
		{"200000", "200000.1", "0.0001"},
		// 0.0000499985... must not be rounded up through an intermediate step.
		{"7", "7.0000034999", "0"},
	}
	for _, tc := range tests {
		got, err := PercentChange(d(tc.prev), d(tc.close))
		if err != nil {
			t.Fatalf("prev=%s close=%s: unexpected error %v", tc.prev, tc.close, err)
		}
		if !got.Equal(d(tc.want)) {
			t.Fatalf("prev=%s close=%s got=%s want=%s", tc.prev, tc.close, got, tc.want)
		}
	}

	if _, err := PercentChange(decimal.Zero, d("1")); err == nil {
		t.Fatalf("expected error for zero previous close")
	}
}

func TestDecideWinner(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"1.25", "-0.5", PickA},
		{"-2", "-1.9999", PickB},
		{"0.1234", "0.1234", Tie},
		{"0.12341", "0.12344", Tie},
	}
	for _, tc := range tests {
		if got := DecideWinner(d(tc.a), d(tc.b)); got != tc.want {
			t.Fatalf("a=%s b=%s got=%s want=%s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestComputeResult(t *testing.T) {
	res, err := ComputeResult(
		market.Bar{Ticker: "KO", PrevClose: d("60"), Close: d("61.2")},
		market.Bar{Ticker: "PEP", PrevClose: d("170"), Close: d("171.7")},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ChangeA.String() != "2" || res.ChangeB.String() != "1" || res.Winner != PickA {
		t.Fatalf("res=%+v", res)
	}

	if _, err := ComputeResult(market.Bar{Ticker: "KO"}, market.Bar{Ticker: "PEP", PrevClose: d("1"), Close: d("1")}); err == nil {
		t.Fatalf("expected error for missing previous close")
	}
}

func TestParsePick(t *testing.T) {
	valid := map[string]string{"a": PickA, " B ": PickB, "ko": PickA, "PEP": PickB}
	for in, want := range valid {
		got, err := ParsePick(in, "KO", "PEP")
		if err != nil || got != want {
			t.Fatalf("pick %q: got=%q err=%v want=%q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "C", "AAPL"} {
		if _, err := ParsePick(in, "KO", "PEP"); !errors.Is(err, ErrInvalidPick) {
			t.Fatalf("pick %q: expected ErrInvalidPick, got %v", in, err)
		}
	}
}

func TestTradingDays(t *testing.T) {
	fri := time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC)
	if !IsTradingDay(fri) {
		t.Fatalf("friday should be a trading day")
	}
	if IsTradingDay(fri.AddDate(0, 0, 1)) {
		t.Fatalf("saturday should not be a trading day")
	}
	next := NextTradingDay(fri)
	if next.Weekday() != time.Monday || next.Day() != 19 {
		t.Fatalf("next trading day after friday = %s", next)
	}
	if got := NextTradingDay(time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)); got.Day() != 14 {
		t.Fatalf("next trading day after tuesday = %s", got)
	}
}

func TestGameWindow(t *testing.T) {
	locks, settles := GameWindow(time.Date(2026, 10, 14, 18, 45, 0, 0, time.UTC))
	if want := time.Date(2026, 10, 14, 13, 30, 0, 0, time.UTC); !locks.Equal(want) {
		t.Fatalf("locks=%s want=%s", locks, want)
	}
	if want := time.Date(2026, 10, 14, 21, 0, 0, 0, time.UTC); !settles.Equal(want) {
		t.Fatalf("settles=%s want=%s", settles, want)
	}
}

func TestAcceptsPredictions(t *testing.T) {
	locks := time.Date(2026, 10, 14, 13, 30, 0, 0, time.UTC)
	g := Game{Status: StatusOpen, LocksAt: locks}
	if !g.AcceptsPredictions(locks.Add(-time.Second)) {
		t.Fatalf("expected open game to accept before lock")
	}
	if g.AcceptsPredictions(locks) {
		t.Fatalf("expected game to refuse at lock time")
	}
	g.Status = StatusLocked
	if g.AcceptsPredictions(locks.Add(-time.Hour)) {
		t.Fatalf("expected locked game to refuse")
	}
}

func TestStatsApply(t *testing.T) {
	day := func(n int) time.Time { return time.Date(2026, 10, n, 0, 0, 0, 0, time.UTC) }
	var st Stats
	st = st.Apply(OutcomeWin, day(12))
	st = st.Apply(OutcomeWin, day(13))
	st = st.Apply(OutcomeTie, day(14))
	if st.CurrentStreak != 2 || st.Ties != 1 {
		t.Fatalf("tie must not touch the streak: %+v", st)
	}
	st = st.Apply(OutcomeWin, day(15))
	st = st.Apply(OutcomeLoss, day(16))
	st = st.Apply(OutcomeWin, day(9))

	want := Stats{Total: 6, Correct: 4, Ties: 1, CurrentStreak: 1, BestStreak: 3}
	if st.Total != want.Total || st.Correct != want.Correct || st.Ties != want.Ties ||
		st.CurrentStreak != want.CurrentStreak || st.BestStreak != want.BestStreak {
		t.Fatalf("got %+v want %+v", st, want)
	}
	if st.LastGameDate == nil || !st.LastGameDate.Equal(day(16)) {
		t.Fatalf("last game date should stay at the latest game, got %v", st.LastGameDate)
	}
	if got := st.Accuracy(); got != 80 {
		t.Fatalf("accuracy=%v want 80", got)
	}
	if (Stats{Total: 2, Ties: 2}).Accuracy() != 0 {
		t.Fatalf("all ties should give zero accuracy")
	}
}

func TestGrade(t *testing.T) {
	if Grade(PickA, PickA) != OutcomeWin || Grade(PickB, PickA) != OutcomeLoss || Grade(PickB, Tie) != OutcomeTie {
		t.Fatalf("unexpected grading")
	}
}

func TestSanitizeUsername(t *testing.T) {
	tests := map[string]string{
		"Jane.Doe":                     "jane_doe",
		"ab":                           "player_ab",
		"":                             "player",
		"averyveryverylongname_123456": "averyveryverylongname_12",
	}
	for in, want := range tests {
		if got := sanitizeUsername(in); got != want {
			t.Fatalf("sanitizeUsername(%q)=%q want %q", in, got, want)
		}
	}
	if got := usernameFromEmail("Trader.Joe@example.com"); got != "trader_joe" {
		t.Fatalf("usernameFromEmail=%q", got)
	}
}

func TestInviteCode(t *testing.T) {
	code, err := generateInviteCode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("invite code %q should be 8 chars", code)
	}
}

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		in   Page
		want Page
	}{
		{Page{}, Page{Page: 1, PageSize: 25}},
		{Page{Page: 3, PageSize: 500}, Page{Page: 3, PageSize: 100}},
		{Page{Page: -1, PageSize: 10}, Page{Page: 1, PageSize: 10}},
	}
	for _, tc := range tests {
		if got := tc.in.Normalize(); got != tc.want {
			t.Fatalf("in=%+v got=%+v want=%+v", tc.in, got, tc.want)
		}
	}
	if off := (Page{Page: 3, PageSize: 25}).offset(); off != 50 {
		t.Fatalf("offset=%d", off)
	}
}
