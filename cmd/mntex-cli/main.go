// Command mntex-cli talks to a running exchange node over its REST API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/mntex/pkg/api"
)

var (
	apiURL  string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "mntex-cli",
	Short:        "Trade and inspect accounts on an mntex node",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "node API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(orderCmd(), cancelCmd(), quoteCmd(), depthCmd(),
		accountCmd(), depositCmd(), withdrawCmd(), openCmd(), closeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cli() *client { return newClient(apiURL, timeout) }

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

func orderCmd() *cobra.Command {
	var req api.SubmitOrderRequest
	var price, size string
	cmd := &cobra.Command{
		Use:   "order <symbol> <buy|sell>",
		Short: "Submit a CLOB order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Symbol, req.Side = args[0], args[1]
			var err error
			if req.Size, err = parseAmount(size); err != nil {
				return err
			}
			if req.Type != "market" {
				if req.Price, err = parseAmount(price); err != nil {
					return err
				}
			}
			resp, err := cli().SubmitOrder(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&req.Owner, "owner", "", "order owner")
	cmd.Flags().StringVar(&req.Type, "type", "limit", "limit or market")
	cmd.Flags().StringVar(&price, "price", "", "limit price in MNT")
	cmd.Flags().StringVar(&size, "size", "", "quantity")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a resting order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := cli().CancelOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(o)
		},
	}
}

func quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Show the exchange's two-sided quote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := cli().Quote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  bid %s  ask %s  spread %s %s\n", q.Symbol, q.Bid, q.Ask, q.Spread, q.Currency)
			return nil
		},
	}
}

func depthCmd() *cobra.Command {
	var levels int
	cmd := &cobra.Command{
		Use:   "depth <symbol>",
		Short: "Show aggregated book depth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			book, err := cli().Depth(cmd.Context(), args[0], levels)
			if err != nil {
				return err
			}
			for i := len(book.Asks) - 1; i >= 0; i-- {
				fmt.Printf("  ask %14s  %s\n", book.Asks[i].Price, book.Asks[i].Size)
			}
			for _, l := range book.Bids {
				fmt.Printf("  bid %14s  %s\n", l.Price, l.Size)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&levels, "levels", 10, "levels per side")
	return cmd
}

func accountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account <owner>",
		Short: "Show balance, equity and positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := cli().Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(acc)
		},
	}
}

func balanceCmd(use, short string, apply func(c *client, cmd *cobra.Command, owner string, amount api.AmountRequest) (api.BalanceResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <owner> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			resp, err := apply(cli(), cmd, args[0], api.AmountRequest{Amount: amount})
			if err != nil {
				return err
			}
			fmt.Printf("%s balance %s MNT\n", resp.Owner, resp.Balance)
			return nil
		},
	}
}

func depositCmd() *cobra.Command {
	return balanceCmd("deposit", "Credit MNT to an account",
		func(c *client, cmd *cobra.Command, owner string, amount api.AmountRequest) (api.BalanceResponse, error) {
			return c.Deposit(cmd.Context(), owner, amount)
		})
}

func withdrawCmd() *cobra.Command {
	return balanceCmd("withdraw", "Withdraw free MNT from an account",
		func(c *client, cmd *cobra.Command, owner string, amount api.AmountRequest) (api.BalanceResponse, error) {
			return c.Withdraw(cmd.Context(), owner, amount)
		})
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <owner> <symbol> <long|short> <size>",
		Short: "Open or add to a position at the exchange's quote",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseAmount(args[3])
			if err != nil {
				return err
			}
			pos, err := cli().OpenPosition(cmd.Context(), args[0],
				api.OpenPositionRequest{Symbol: args[1], Side: args[2], Size: size})
			if err != nil {
				return err
			}
			return printJSON(pos)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <owner> <symbol>",
		Short: "Close a position and realize its pnl",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cli().ClosePosition(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
