package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "munymo/internal/cli"
	"munymo/internal/config"
	"munymo/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "muny",
		Short:        "Munymo daily stock duel from the terminal",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newMeCmd(&apiBase),
		newTodayCmd(&apiBase),
		newPredictCmd(&apiBase),
		newSyncCmd(&apiBase),
		newHistoryCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newIQCmd(&apiBase),
		newFriendsCmd(&apiBase),
		newAdminCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

// authed loads the session and runs fn with a bounded context.
func authed(cmd *cobra.Command, apiBase *string, fn func(ctx context.Context, c *cl.Client, token string) error) error {
	sess, err := cl.LoadSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, newClient(apiBase), sess.AccessToken)
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create a Munymo account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			session, err := newClient(apiBase).Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Account created. Verify your email, then run `muny login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to Munymo",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newMeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show your profile, stats and plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.Me(ctx, token)
				if err != nil {
					return err
				}
				return renderMe(out)
			})
		},
	}
}

func newTodayCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's matchup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.TodayGame(ctx, token)
				if err != nil {
					return err
				}
				return renderGame(out)
			})
		},
	}
}

func newPredictCmd(apiBase *string) *cobra.Command {
	var gameID int64
	cmd := &cobra.Command{
		Use:   "predict <A|B|TICKER>",
		Short: "Pick which stock outperforms today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pick := strings.ToUpper(strings.TrimSpace(args[0]))
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				if gameID == 0 {
					g, err := c.TodayGame(ctx, token)
					if cl.IsOffline(err) {
						return fmt.Errorf("api unreachable; pass --game to queue the pick offline: %w", err)
					}
					if err != nil {
						return err
					}
					id, ok := g["id"].(float64)
					if !ok || id <= 0 {
						return errors.New("no game is open today")
					}
					gameID = int64(id)
				}

				idem := uuid.NewString()
				out, err := c.Predict(ctx, token, gameID, pick, idem)
				if err != nil {
					return queueOnNetworkError(err, syncq.Prediction{
						GameID:         gameID,
						Pick:           pick,
						IdempotencyKey: idem,
					})
				}
				return renderPrediction(out)
			})
		},
	}
	cmd.Flags().Int64Var(&gameID, "game", 0, "game id (defaults to today's game)")
	return cmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay picks queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			results, err := newClient(apiBase).SyncReplay(ctx, sess.AccessToken, queue)
			if err != nil {
				return err
			}
			tally := tallyReplay(results)
			for _, r := range results {
				switch r.Status {
				case "rejected":
					printError(fmt.Sprintf("Pick %s rejected: %s", truncate(r.IdempotencyKey, 8), r.Error))
				case "retry":
					printWarn(fmt.Sprintf("Pick %s kept for the next sync: %s", truncate(r.IdempotencyKey, 8), r.Error))
				}
			}
			if err := syncq.Remove(tally.done...); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: applied=%d rejected=%d remaining=%d",
				tally.applied, tally.rejected, len(queue)-len(tally.done)))
			return nil
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List your past predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.Predictions(ctx, token, page, 0)
				if err != nil {
					return err
				}
				return renderHistory(out)
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var (
		sort    string
		friends bool
		page    int
	)
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the global or friends leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.Leaderboard(ctx, token, sort, friends, page)
				if err != nil {
					return err
				}
				title := "Global Leaderboard"
				if friends {
					title = "Friends Leaderboard"
				}
				return renderLeaderboard(out, title)
			})
		},
	}
	cmd.Flags().StringVar(&sort, "sort", "", "accuracy, streak or munyiq")
	cmd.Flags().BoolVar(&friends, "friends", false, "only you and the players you follow")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func newIQCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "iq",
		Short: "Show your MunyIQ breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.MunyIQ(ctx, token)
				if err != nil {
					return err
				}
				return renderMunyIQ(out)
			})
		},
	}
}

func newFriendsCmd(apiBase *string) *cobra.Command {
	friends := &cobra.Command{
		Use:   "friends",
		Short: "Follow players by invite code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.Friends(ctx, token)
				if err != nil {
					return err
				}
				return renderFriends(out)
			})
		},
	}
	friends.AddCommand(&cobra.Command{
		Use:   "add [invite_code]",
		Short: "Follow a player",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := inviteCodeFromArgsOrPrompt(args)
			if err != nil {
				return err
			}
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.AddFriend(ctx, token, code)
				if err != nil {
					return err
				}
				name, _ := out["username"].(string)
				if name == "" {
					name = code
				}
				printSuccess("Now following " + name + ".")
				return nil
			})
		},
	})
	friends.AddCommand(&cobra.Command{
		Use:   "remove [invite_code]",
		Short: "Stop following a player",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := inviteCodeFromArgsOrPrompt(args)
			if err != nil {
				return err
			}
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.RemoveFriend(ctx, token, code)
				if err != nil {
					return err
				}
				return renderSimpleOK(out, fmt.Sprintf("Stopped following invite code %s.", code))
			})
		},
	})
	return friends
}

func newAdminCmd(apiBase *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands (admin accounts only)",
	}
	admin.AddCommand(&cobra.Command{
		Use:   "generate [YYYY-MM-DD]",
		Short: "Generate the game for a date (default: next trading day)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date := ""
			if len(args) > 0 {
				date = strings.TrimSpace(args[0])
			}
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.GenerateGame(ctx, token, date)
				if err != nil {
					return err
				}
				return renderGame(out)
			})
		},
	})

	var force bool
	settle := &cobra.Command{
		Use:   "settle <game_id>",
		Short: "Settle a game from closing prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGameID(args[0])
			if err != nil {
				return err
			}
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.SettleGame(ctx, token, id, force)
				if err != nil {
					return err
				}
				return renderGame(out)
			})
		},
	}
	settle.Flags().BoolVar(&force, "force", false, "settle before the scheduled settle time")
	admin.AddCommand(settle)

	admin.AddCommand(&cobra.Command{
		Use:   "void <game_id> <reason...>",
		Short: "Void a game without scoring it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseGameID(args[0])
			if err != nil {
				return err
			}
			reason := strings.Join(args[1:], " ")
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.VoidGame(ctx, token, id, reason)
				if err != nil {
					return err
				}
				return renderGame(out)
			})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.Jobs(ctx, token)
				if err != nil {
					return err
				}
				return renderJobs(out)
			})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Run a scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			return authed(cmd, apiBase, func(ctx context.Context, c *cl.Client, token string) error {
				out, err := c.RunJob(ctx, token, name)
				if err != nil {
					return err
				}
				return renderSimpleOK(out, fmt.Sprintf("Job %s finished.", name))
			})
		},
	})
	return admin
}

type replayTally struct {
	done     []string
	applied  int
	rejected int
}

// tallyReplay picks the queue entries that are settled for good. Anything the
// server asked to retry, or did not answer, stays queued.
func tallyReplay(results []cl.ReplayResult) replayTally {
	var t replayTally
	for _, r := range results {
		switch r.Status {
		case "applied", "duplicate":
			t.applied++
			t.done = append(t.done, r.IdempotencyKey)
		case "rejected":
			t.rejected++
			t.done = append(t.done, r.IdempotencyKey)
		}
	}
	return t
}

func queueOnNetworkError(err error, p syncq.Prediction) error {
	if err == nil {
		return nil
	}
	if !cl.IsOffline(err) {
		return err
	}
	if qerr := syncq.Push(p); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", errors.Join(err, qerr))
	}
	printWarn(fmt.Sprintf("API unreachable. Pick %s for game #%d queued; run `muny sync` once back online.", p.Pick, p.GameID))
	return nil
}

func inviteCodeFromArgsOrPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return strings.ToUpper(strings.TrimSpace(args[0])), nil
	}
	code, err := promptRequired("Invite code")
	if err != nil {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(code)), nil
}

func parseGameID(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid game id %q", raw)
	}
	return v, nil
}
