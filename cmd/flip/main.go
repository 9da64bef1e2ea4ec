package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "github.com/starfariii/coinflip1/internal/cli"
	"github.com/starfariii/coinflip1/internal/coinflip"
	"github.com/starfariii/coinflip1/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "flip",
		Short:        "Coinflip wagering client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "coinflip API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newCatalogCmd(&apiBase),
		newInventoryCmd(&apiBase),
		newMatchesCmd(&apiBase),
		newShowCmd(&apiBase),
		newCreateCmd(&apiBase),
		newJoinCmd(&apiBase),
		newCancelCmd(&apiBase),
		newHistoryCmd(&apiBase),
		newVerifyCmd(&apiBase),
		newWatchCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an account and receive the starter pack",
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
			session, err := newClient(apiBase).Signup(ctx, email, password)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `flip login`.")
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
		Short: "Login and save a session",
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
			printSuccess("Logged in as " + session.User.Email)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newCatalogCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List every item kind and its value",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			items, err := newClient(apiBase).Catalog(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderCatalog(items)
			return nil
		},
	}
}

func newInventoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "inventory",
		Aliases: []string{"inv"},
		Short:   "Show your held items with their positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			inv, err := newClient(apiBase).Inventory(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderInventory(inv)
			return nil
		},
	}
}

func newMatchesCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "matches",
		Short: "List joinable matches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			matches, err := client.ListMatches(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			values, err := catalogValues(ctx, client, sess.AccessToken)
			if err != nil {
				return err
			}
			renderMatches(matches, values, sess.UserID)
			return nil
		},
	}
}

func newShowCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <match-id>",
		Short: "Show one match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			m, err := client.GetMatch(ctx, sess.AccessToken, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			values, err := catalogValues(ctx, client, sess.AccessToken)
			if err != nil {
				return err
			}
			renderMatch(m, values, sess.UserID)
			return nil
		},
	}
}

func newCreateCmd(apiBase *string) *cobra.Command {
	var side string
	cmd := &cobra.Command{
		Use:   "create [positions...]",
		Short: "Open a match staking the items at the given inventory positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			if strings.TrimSpace(side) == "" {
				side, err = promptChoice("Side", []string{"heads", "tails"}, "heads")
				if err != nil {
					return err
				}
			}
			parsed, err := coinflip.ParseSide(side)
			if err != nil {
				return err
			}
			refs, err := positionsFromArgsOrPrompt(args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			refs, err = selectHeld(ctx, client, sess.AccessToken, refs)
			if err != nil {
				return err
			}
			m, err := client.CreateMatch(ctx, sess.AccessToken, uuid.NewString(), parsed, refs)
			if err != nil {
				return explain(err)
			}
			printSuccess(fmt.Sprintf("Match %s open on %s with %d item(s).", m.ID, m.CreatorSide, len(m.Items)))
			printInfo("Commitment: " + m.Commitment)
			return nil
		},
	}
	cmd.Flags().StringVar(&side, "side", "", "heads or tails")
	return cmd
}

func newJoinCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join <match-id> [positions...]",
		Short: "Join an open match on the opposite side",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			matchID := strings.TrimSpace(args[0])
			refs, err := positionsFromArgsOrPrompt(args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			refs, err = selectHeld(ctx, client, sess.AccessToken, refs)
			if err != nil {
				return err
			}
			m, err := client.JoinMatch(ctx, sess.AccessToken, uuid.NewString(), matchID, refs)
			if err != nil {
				return explain(err)
			}
			side, _ := m.SideOf(sess.UserID)
			printSuccess(fmt.Sprintf("Joined %s on %s. Flipping...", m.ID, side))
			printInfo("Run `flip show " + m.ID + "` once it settles, or `flip watch`.")
			return nil
		},
	}
}

func newCancelCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <match-id>",
		Short: "Cancel your open match and take the stake back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			matchID := strings.TrimSpace(args[0])
			if err := newClient(apiBase).CancelMatch(ctx, sess.AccessToken, uuid.NewString(), matchID); err != nil {
				return explain(err)
			}
			printSuccess("Match " + matchID + " cancelled. Items returned.")
			return nil
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show your settled matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := newClient(apiBase).History(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			renderHistory(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}

func newVerifyCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <match-id>",
		Short: "Check a settled match's seed against its commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			m, err := newClient(apiBase).GetMatch(ctx, sess.AccessToken, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if m.Status != coinflip.StatusCompleted {
				printWarn(fmt.Sprintf("Match is %s; the seed is revealed after settlement.", m.Status))
				return nil
			}
			if err := coinflip.Verify(m.Commitment, m.Seed, m.Result); err != nil {
				printError("Verification failed: " + err.Error())
				return err
			}
			printSuccess(fmt.Sprintf("Verified: sha256(seed) matches the commitment and the seed lands on %s.", m.Result))
			return nil
		},
	}
}

func positionsFromArgsOrPrompt(args []string) ([]coinflip.StakeRef, error) {
	if len(args) == 0 {
		text, err := promptRequired("Positions (e.g. 0 2 5)")
		if err != nil {
			return nil, err
		}
		args = strings.Fields(strings.ReplaceAll(text, ",", " "))
	}
	refs := make([]coinflip.StakeRef, 0, len(args))
	for _, raw := range args {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			pos, err := strconv.Atoi(part)
			if err != nil || pos < 0 {
				return nil, fmt.Errorf("invalid position %q", part)
			}
			refs = append(refs, coinflip.StakeRef{Position: pos})
		}
	}
	if len(refs) == 0 {
		return nil, coinflip.ErrEmptyStake
	}
	return refs, nil
}

// selectHeld reads the inventory and pins each position to the catalog item
// held there, so the server rejects the stake if the ledger moves meanwhile.
func selectHeld(ctx context.Context, client *cl.Client, accessToken string, refs []coinflip.StakeRef) ([]coinflip.StakeRef, error) {
	inv, err := client.Inventory(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return pinPositions(inv, refs)
}

func pinPositions(inv coinflip.Inventory, refs []coinflip.StakeRef) ([]coinflip.StakeRef, error) {
	byPos := make(map[int]string, len(inv.Items))
	for _, it := range inv.Items {
		byPos[it.Position] = it.CatalogItemID
	}
	out := make([]coinflip.StakeRef, len(refs))
	for i, ref := range refs {
		id, ok := byPos[ref.Position]
		if !ok {
			return nil, fmt.Errorf("no item at position %d; run `flip inventory`", ref.Position)
		}
		out[i] = coinflip.StakeRef{Position: ref.Position, CatalogItemID: id}
	}
	return out, nil
}

// explain turns the API's error codes into a hint for the player.
func explain(err error) error {
	var apiErr *cl.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case "already_taken":
		printWarn("Someone else joined first.")
	case "value_out_of_range":
		printWarn("Your stake must be within 10% of the creator's.")
	case "insufficient_stake":
		printWarn("Your inventory changed. Run `flip inventory` and pick positions again.")
	case "forbidden":
		printWarn("That action is not allowed on this match.")
	}
	return err
}
