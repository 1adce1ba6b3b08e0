package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solsync/client"
)

// newClient builds an API client from the global flags. Only errors are logged.
func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(c.String("server"), nil, logger)
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync status",
		Action: func(c *cli.Context) error {
			status, err := newClient(c).Status(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, status)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Wallet:            %s\n", status.Address)
			fmt.Fprintf(w, "Started:           %t\n", status.Started)
			fmt.Fprintf(w, "Connected:         %t\n", status.Connected)
			fmt.Fprintf(w, "Ready:             %t\n", status.Ready)
			fmt.Fprintf(w, "Block height:      %d\n", status.LastBlockHeight)
			fmt.Fprintf(w, "Initial sync done: %t\n", status.InitialSynced)
			fmt.Fprintf(w, "Balance:           %s\n", status.BalanceSyncState)
			fmt.Fprintf(w, "Tokens:            %s\n", status.TokenSyncState)
			fmt.Fprintf(w, "Transactions:      %s\n", status.TransactionsSyncState)
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the cached SOL balance",
		Action: func(c *cli.Context) error {
			bal, err := newClient(c).Balance(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, bal)
			}
			fmt.Fprintf(c.App.Writer, "%s SOL (%d lamports)\n", bal.SOL, bal.Lamports)
			return nil
		},
	}
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txs"},
		Usage:   "List cached transactions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "direction",
				Aliases: []string{"d"},
				Usage:   "incoming or outgoing",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "all, sol or spl",
			},
			&cli.StringFlag{
				Name:  "mint",
				Usage: "Only transactions moving this mint (implies --kind spl)",
			},
			&cli.StringFlag{
				Name:  "from-hash",
				Usage: "Only transactions older than this one",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
				Usage:   "Maximum number of transactions",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to each transaction; all must be truthy (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			page, err := newClient(c).Transactions(c.Context, client.TransactionQuery{
				Direction: c.String("direction"),
				Kind:      c.String("kind"),
				Mint:      c.String("mint"),
				FromHash:  c.String("from-hash"),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			txs, err := filterTransactions(page.Transactions, filters)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txs)
			}
			printTransactions(c.App.Writer, txs)
			if page.NextFromHash != "" {
				fmt.Fprintf(c.App.ErrWriter, "\nMore available: --from-hash %s\n", page.NextFromHash)
			}
			return nil
		},
	}
}

func tokensCommand() *cli.Command {
	return &cli.Command{
		Name:  "tokens",
		Usage: "List tracked token accounts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "fungible or nft (default: both)",
			},
		},
		Action: func(c *cli.Context) error {
			tokens, err := newClient(c).Tokens(c.Context, c.String("kind"))
			if err != nil {
				return fmt.Errorf("failed to list tokens: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, tokens)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MINT\tBALANCE\tDECIMALS\tNFT")
			for _, t := range tokens {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", t.Mint, t.UIBalance, t.Decimals, t.IsNFT)
			}
			w.Flush()
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d tokens\n", len(tokens))
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Token account commands",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Start tracking a mint",
				ArgsUsage: "MINT",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "decimals",
						Usage:    "Mint decimals (0 tracks the mint as an NFT)",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: mint address")
					}
					mint := c.Args().First()
					created, err := newClient(c).AddToken(c.Context, mint, c.Int("decimals"))
					if err != nil {
						return fmt.Errorf("failed to add token: %w", err)
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, map[string]interface{}{"mint": mint, "created": created})
					}
					if created {
						fmt.Fprintf(c.App.Writer, "Tracking %s\n", mint)
					} else {
						fmt.Fprintf(c.App.Writer, "Already tracking %s\n", mint)
					}
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show one token account",
				ArgsUsage: "MINT",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: mint address")
					}
					tok, err := newClient(c).Token(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get token: %w", err)
					}
					if c.Bool("json") {
						return outputJSON(c.App.Writer, tok)
					}
					fmt.Fprintf(c.App.Writer, "%s: %s (decimals %d, nft %t)\n", tok.Mint, tok.UIBalance, tok.Decimals, tok.IsNFT)
					return nil
				},
			},
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Sync every domain now",
		Action: func(c *cli.Context) error {
			if err := newClient(c).Refresh(c.Context); err != nil {
				return fmt.Errorf("failed to refresh: %w", err)
			}
			fmt.Fprintln(c.App.ErrWriter, "Refresh requested")
			return nil
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "Pending transaction commands",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Record a transaction this host broadcast",
				ArgsUsage: "SIGNATURE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "Recipient address"},
					&cli.StringFlag{Name: "amount", Usage: "SOL amount"},
					&cli.StringFlag{Name: "fee", Usage: "Fee in SOL"},
					&cli.TimestampFlag{
						Name:   "time",
						Layout: time.RFC3339,
						Usage:  "Broadcast time (default: now)",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: transaction signature")
					}
					tx := client.PendingTransaction{
						Hash:      c.Args().First(),
						Timestamp: time.Now().Unix(),
					}
					if ts := c.Timestamp("time"); ts != nil {
						tx.Timestamp = ts.Unix()
					}
					if to := c.String("to"); to != "" {
						tx.To = &to
					}
					var err error
					if tx.Amount, err = parseDecimalFlag(c, "amount"); err != nil {
						return err
					}
					if tx.Fee, err = parseDecimalFlag(c, "fee"); err != nil {
						return err
					}

					if err := newClient(c).RecordPendingTransaction(c.Context, tx); err != nil {
						return fmt.Errorf("failed to record pending transaction: %w", err)
					}
					fmt.Fprintf(c.App.ErrWriter, "Recorded pending transaction %s\n", tx.Hash)
					return nil
				},
			},
		},
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Print engine events as they happen",
		Action: func(c *cli.Context) error {
			return newClient(c).Stream(c.Context, func(e client.Event) error {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, e)
				}
				fmt.Fprintf(c.App.Writer, "%s  %s\n", e.Time.Format(time.RFC3339), describeEvent(e))
				return nil
			})
		},
	}
}

func describeEvent(e client.Event) string {
	switch {
	case e.BlockHeight != nil:
		return fmt.Sprintf("%s %d", e.Type, *e.BlockHeight)
	case e.Balance != nil:
		return fmt.Sprintf("%s %d", e.Type, *e.Balance)
	case e.State != nil:
		return fmt.Sprintf("%s %s", e.Type, e.State)
	case len(e.Transactions) > 0:
		return fmt.Sprintf("%s (%d)", e.Type, len(e.Transactions))
	default:
		return e.Type
	}
}

func parseDecimalFlag(c *cli.Context, name string) (*decimal.Decimal, error) {
	v := c.String(name)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", name, v, err)
	}
	return &d, nil
}

// compileJQFilters parses and compiles every filter up front.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// filterTransactions keeps the transactions for which every filter is truthy.
// Filters run against the transaction's JSON form.
func filterTransactions(txs []client.FullTransaction, filters []*gojq.Code) ([]client.FullTransaction, error) {
	if len(filters) == 0 {
		return txs, nil
	}
	out := make([]client.FullTransaction, 0, len(txs))
	for _, tx := range txs {
		ok, err := matchesAll(tx, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func matchesAll(v interface{}, filters []*gojq.Code) (bool, error) {
	// gojq works on plain JSON values.
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, fmt.Errorf("jq filter failed: %w", err)
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func printTransactions(out io.Writer, txs []client.FullTransaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tTIME\tFROM\tTO\tAMOUNT\tTOKENS\tSTATUS")
	for _, ft := range txs {
		tx := ft.Transaction
		amount := "-"
		if tx.Amount != nil {
			amount = tx.Amount.String() + " SOL"
		}
		status := "ok"
		switch {
		case tx.Pending:
			status = "pending"
		case tx.Error != nil:
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(tx.Hash, 16),
			time.Unix(tx.Timestamp, 0).UTC().Format(time.RFC3339),
			truncate(formatOptionalAddress(tx.From), 12),
			truncate(formatOptionalAddress(tx.To), 12),
			amount,
			strconv.Itoa(len(ft.TokenTransfers)),
			status,
		)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// formatOptionalAddress renders a nil or empty address as "-".
func formatOptionalAddress(addr *string) string {
	if addr != nil && *addr != "" {
		return *addr
	}
	return "-"
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
