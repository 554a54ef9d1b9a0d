package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"munymo/internal/billing"
	"munymo/internal/game"
	"munymo/internal/scheduler"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type mePayload struct {
	game.Me
	Subscription billing.Subscription `json:"subscription"`
}

type historyPayload struct {
	Predictions []game.HistoryItem `json:"predictions"`
	Page        int                `json:"page"`
}

type friendsPayload struct {
	Friends []game.Friend `json:"friends"`
}

type jobsPayload struct {
	Jobs []scheduler.Job `json:"jobs"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderMe(raw map[string]any) error {
	out, err := decodeInto[mePayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", strings.ToUpper(out.Profile.Username))
	fmt.Printf("Invite code:    %s\n", out.Profile.InviteCode)
	fmt.Printf("Predictions:    %d (%d correct, %d ties)\n", out.Stats.Total, out.Stats.Correct, out.Stats.Ties)
	fmt.Printf("Accuracy:       %.1f%%\n", out.Accuracy)
	fmt.Printf("Streak:         %d (best %d)\n", out.Stats.CurrentStreak, out.Stats.BestStreak)
	fmt.Printf("MunyIQ:         %s\n", formatIQ(out.MunyIQ))
	tier := out.Subscription.Tier
	if tier == "" {
		tier = billing.TierFree
	}
	fmt.Printf("Plan:           %s\n", tier)
	if out.Profile.IsAdmin {
		warn.Println("Admin")
	}
	fmt.Println()
	return nil
}

func renderGame(raw map[string]any) error {
	g, err := decodeInto[game.GameView](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== GAME #%d  %s ==\n", g.ID, g.GameDate.Format("Mon Jan 2"))
	if g.Headline != "" {
		fmt.Println(g.Headline)
	}
	if g.Sector != "" {
		fmt.Printf("Sector: %s\n", g.Sector)
	}
	fmt.Println()
	renderSide("A", g.TickerA, g.NameA, g.DescriptionA, g.ChangeA, g.Split.A)
	renderSide("B", g.TickerB, g.NameB, g.DescriptionB, g.ChangeB, g.Split.B)
	fmt.Println()

	switch g.Status {
	case game.StatusOpen:
		fmt.Printf("Open until %s\n", g.LocksAt.Local().Format(time.Kitchen))
	case game.StatusSettled:
		if g.Winner == game.Tie {
			printInfo("Result: tie")
		} else {
			printInfo("Winner: " + g.Winner)
		}
	case game.StatusVoid:
		printWarn("Voided: " + g.VoidReason)
	default:
		printInfo("Status: " + g.Status)
	}
	if g.MyPick != "" {
		printSuccess("Your pick: " + g.MyPick)
	} else if g.Status == game.StatusOpen {
		printWarn("No pick yet. Run `muny predict A` or `muny predict B`.")
	}
	fmt.Println()
	return nil
}

func renderSide(label, ticker, name, desc string, change decimal.NullDecimal, votes int) {
	line := fmt.Sprintf("[%s] %-6s %s", label, ticker, truncate(name, 32))
	if change.Valid {
		line += "  " + colorizePercent(change.Decimal.InexactFloat64())
	}
	accent.Println(line)
	if desc != "" {
		fmt.Printf("    %s\n", truncate(desc, 76))
	}
	fmt.Printf("    %d picks\n", votes)
}

func renderPrediction(raw map[string]any) error {
	p, err := decodeInto[game.Prediction](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Locked in %s for game #%d.", p.Pick, p.GameID))
	return nil
}

func renderHistory(raw map[string]any) error {
	out, err := decodeInto[historyPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== HISTORY (page %d) ==\n", out.Page)
	if len(out.Predictions) == 0 {
		printInfo("No predictions yet.")
		return nil
	}
	fmt.Printf("%-12s %-15s %-6s %-9s %s\n", "DATE", "MATCHUP", "PICK", "STATUS", "RESULT")
	for _, h := range out.Predictions {
		fmt.Printf("%-12s %-15s %-6s %-9s %s\n",
			h.GameDate.Format("2006-01-02"),
			truncate(h.TickerA+" v "+h.TickerB, 15),
			h.Pick,
			h.Status,
			resultLabel(h),
		)
	}
	fmt.Println()
	return nil
}

func resultLabel(h game.HistoryItem) string {
	switch {
	case h.Status != game.StatusSettled:
		return neutral.Sprint("-")
	case h.IsCorrect == nil:
		return neutral.Sprint("tie")
	case *h.IsCorrect:
		return success.Sprint("correct")
	default:
		return danger.Sprint("wrong")
	}
}

func renderLeaderboard(raw map[string]any, title string) error {
	out, err := decodeInto[game.Leaderboard](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", strings.ToUpper(title))
	if len(out.Rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return nil
	}
	fmt.Printf("%-6s %-18s %-10s %8s %7s %6s %6s\n", "RANK", "PLAYER", "INVITE", "ACCURACY", "PLAYED", "STREAK", "IQ")
	for _, row := range out.Rows {
		iq := "-"
		if row.MunyIQ != nil {
			iq = fmt.Sprint(*row.MunyIQ)
		}
		fmt.Printf("%-6d %-18s %-10s %7.1f%% %7d %6d %6s\n",
			row.Rank,
			truncate(row.Username, 18),
			truncate(row.InviteCode, 10),
			row.Accuracy,
			row.Total,
			row.CurrentStreak,
			iq,
		)
	}
	fmt.Println()
	return nil
}

func renderMunyIQ(raw map[string]any) error {
	iq, err := decodeInto[game.MunyIQ](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== MUNYIQ %s ==\n", formatIQ(iq))
	fmt.Printf("Accuracy:       %6.1f\n", iq.Accuracy)
	fmt.Printf("Consistency:    %6.1f\n", iq.Consistency)
	fmt.Printf("Speed:          %6.1f\n", iq.Speed)
	fmt.Printf("Participation:  %6.1f\n", iq.Participation)
	fmt.Printf("Improvement:    %6.1f\n", iq.Improvement)
	fmt.Printf("Resolved games: %d\n", iq.Resolved)
	if iq.Provisional {
		printWarn(fmt.Sprintf("Provisional until %d resolved games.", game.MinRankedPredictions))
	}
	fmt.Println()
	return nil
}

func renderFriends(raw map[string]any) error {
	out, err := decodeInto[friendsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== FOLLOWING ==")
	if len(out.Friends) == 0 {
		printInfo("Not following anyone. Share invite codes with `muny friends add CODE`.")
		return nil
	}
	for _, f := range out.Friends {
		fmt.Printf("%-18s %s\n", truncate(f.Username, 18), f.InviteCode)
	}
	fmt.Println()
	return nil
}

func renderJobs(raw map[string]any) error {
	out, err := decodeInto[jobsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== JOBS (UTC) ==")
	fmt.Printf("%-16s %-6s %-9s %-8s %-11s %s\n", "NAME", "AT", "WEEKDAYS", "ENABLED", "LAST RUN", "STATUS")
	for _, j := range out.Jobs {
		last := "-"
		if j.LastRunOn != nil {
			last = j.LastRunOn.Format("2006-01-02")
		}
		status := j.LastStatus
		if j.LastError != "" {
			status = danger.Sprint(status + ": " + truncate(j.LastError, 40))
		}
		fmt.Printf("%-16s %-6s %-9t %-8t %-11s %s\n", j.Name, j.RunAt, j.WeekdaysOnly, j.Enabled, last, status)
	}
	fmt.Println()
	return nil
}

func renderSimpleOK(raw map[string]any, successMessage string) error {
	if v, has := raw["ok"].(bool); has && !v {
		printWarn("Server did not confirm the request.")
		return nil
	}
	if successMessage != "" {
		printSuccess(successMessage)
		return nil
	}
	printInfo("Done.")
	return nil
}

func formatIQ(iq game.MunyIQ) string {
	if iq.Provisional {
		return fmt.Sprintf("%d*", iq.Score)
	}
	return fmt.Sprint(iq.Score)
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.2f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
