package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/arena/internal/auth"
	"github.com/atmx/arena/internal/client"
	"github.com/atmx/arena/internal/config"
)

type globals struct {
	apiBase string
	token   string
	timeout time.Duration
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:          "arenactl",
		Short:        "Operate and play the portfolio arena",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", envOr("ARENA_API_URL", "http://localhost:8080"), "Arena API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("ARENA_TOKEN"), "Bearer token identifying the caller")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newTokenCmd(),
		newSettingsCmd(g),
		newTypesCmd(g),
		newAuthorizeCmd(g),
		newRoundCmd(g),
		newPortfolioCmd(g),
		newPrizeCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (g *globals) client() *client.Client {
	return client.New(g.apiBase, g.token)
}

func (g *globals) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRoundID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("round id must be a positive integer, got %q", s)
	}
	return id, nil
}

// --- token ---

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token ADDRESS",
		Short: "Issue a caller token signed with the server's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Server configuration file")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (server default when zero)")
	return cmd
}

// --- settings ---

func newSettingsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change arena settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			settings, err := g.client().Settings(ctx)
			if err != nil {
				return err
			}
			return printJSON(settings)
		},
	}

	var (
		token     string
		fee       string
		maxAssets int
	)
	update := &cobra.Command{
		Use:   "update",
		Short: "Change the fee token, creation fee and asset cap (owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(fee)
			if err != nil {
				return fmt.Errorf("invalid fee %q: %w", fee, err)
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			settings, err := g.client().UpdateSettings(ctx, token, amount, maxAssets)
			if err != nil {
				return err
			}
			return printJSON(settings)
		},
	}
	update.Flags().StringVar(&token, "fee-token", "", "Fee token identifier")
	update.Flags().StringVar(&fee, "fee", "", "Creation fee in token base units")
	update.Flags().IntVar(&maxAssets, "max-assets", 0, "Maximum assets per portfolio")
	_ = update.MarkFlagRequired("fee-token")
	_ = update.MarkFlagRequired("fee")
	_ = update.MarkFlagRequired("max-assets")

	cmd.AddCommand(update)
	return cmd
}

// --- portfolio types ---

func newTypesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List portfolio types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			types, err := g.client().PortfolioTypes(ctx)
			if err != nil {
				return err
			}
			for i, name := range types {
				fmt.Printf("%d\t%s\n", i, name)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Append a portfolio type (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			idx, err := g.client().AddPortfolioType(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%s\n", idx, args[0])
			return nil
		},
	})
	return cmd
}

func newAuthorizeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize ADDRESS",
		Short: "Allow ADDRESS to write to the portfolio registry (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			return g.client().Authorize(ctx, args[0])
		},
	}
}

// --- rounds ---

func newRoundCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Inspect and drive rounds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every round",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			rounds, err := g.client().Rounds(ctx)
			if err != nil {
				return err
			}
			for _, rd := range rounds {
				fmt.Printf("%d\t%s\tentries=%d\tpool=%s %s\n", rd.ID, rd.Status, rd.Entries, rd.PrizePool, rd.FeeToken)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show ROUND",
		Short: "Show one round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			rd, err := g.client().Round(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(rd)
		},
	})

	var duration time.Duration
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the pending round (owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			rd, err := g.client().StartRound(ctx, duration)
			if err != nil {
				return err
			}
			fmt.Printf("round %d started with %d entries, ends no earlier than %s\n",
				rd.ID, rd.Entries, rd.StartedAt.Add(rd.Duration()).Format(time.RFC3339))
			return nil
		},
	}
	start.Flags().DurationVar(&duration, "duration", 7*24*time.Hour, "Minimum round duration")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "end",
		Short: "End the active round and rank portfolios (owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			rd, err := g.client().EndRound(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("round %d ended, winners: %s\n", rd.ID, strings.Join(rd.Winners, ", "))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "standings ROUND",
		Short: "Show scores of an ended round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			standings, err := g.client().Standings(ctx, id)
			if err != nil {
				return err
			}
			for _, s := range standings {
				fmt.Printf("%s\t%s\t%s\n", s.Participant, s.Type, s.Score)
			}
			return nil
		},
	})
	return cmd
}

// --- portfolios ---

// parseHoldings turns ASSET:WEIGHT pairs into parallel slices.
func parseHoldings(pairs []string) ([]string, []int64, error) {
	assets := make([]string, 0, len(pairs))
	weights := make([]int64, 0, len(pairs))
	for _, pair := range pairs {
		asset, raw, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, nil, fmt.Errorf("holding %q must be ASSET:WEIGHT", pair)
		}
		weight, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("holding %q: invalid weight: %w", pair, err)
		}
		assets = append(assets, asset)
		weights = append(weights, weight)
	}
	return assets, weights, nil
}

func newPortfolioCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Enter and inspect portfolios",
	}

	var portfolioType string
	create := &cobra.Command{
		Use:   "create ASSET:WEIGHT...",
		Short: "Enter the next round, paying the creation fee",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, weights, err := parseHoldings(args)
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			p, err := g.client().CreatePortfolio(ctx, portfolioType, assets, weights)
			if err != nil {
				return err
			}
			fmt.Printf("portfolio %s entered in round %d (fee %s %s)\n", p.ID, p.RoundID, p.Fee, p.FeeToken)
			return nil
		},
	}
	create.Flags().StringVar(&portfolioType, "type", "Crypto", "Portfolio type")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "view ROUND INDEX PARTICIPANT",
		Short: "Show a participant's portfolio by type index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			p, err := g.client().ViewPortfolio(ctx, id, index, args[2])
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	})
	return cmd
}

// --- prizes ---

func newPrizeCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prize",
		Short: "Prize pool, winners and withdrawals",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pool ROUND",
		Short: "Show a round's prize pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			pool, err := g.client().PrizePool(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(pool)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "winners ROUND [PARTICIPANT]",
		Short: "List winners, or check one participant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			c := g.client()
			if len(args) == 2 {
				won, err := c.IsWinner(ctx, id, args[1])
				if err != nil {
					return err
				}
				fmt.Println(won)
				return nil
			}
			winners, err := c.Winners(ctx, id)
			if err != nil {
				return err
			}
			for _, w := range winners {
				fmt.Println(w)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "owner-won ROUND",
		Short: "Report whether the owner won a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			won, err := g.client().IsOwnerWinner(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(won)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "withdraw ROUND",
		Short: "Withdraw your share of a round's prize pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRoundID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			amount, err := g.client().Withdraw(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("withdrew %s from round %d\n", amount, id)
			return nil
		},
	})
	return cmd
}
