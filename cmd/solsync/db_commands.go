package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/solsync/service/config"
	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/kit"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "driver",
			Usage:   "Store driver (sqlite or postgres)",
			EnvVars: []string{"STORE_DRIVER"},
			Value:   config.DriverSQLite,
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "Directory holding SQLite caches",
			EnvVars: []string{"DATA_DIR"},
			Value:   "./data",
		},
		&cli.StringFlag{
			Name:    "wallet-id",
			Usage:   "Wallet cache identifier",
			EnvVars: []string{"WALLET_ID"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL (postgres)",
			EnvVars: []string{"DATABASE_URL"},
		},
	}
}

func dbClearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Delete the wallet's cached data (stop the engine first)",
		Flags: storeFlags(),
		Action: func(c *cli.Context) error {
			driver := c.String("driver")
			if driver == config.DriverSQLite {
				if err := kit.ClearCache(c.String("data-dir"), c.String("wallet-id")); err != nil {
					return fmt.Errorf("failed to clear cache: %w", err)
				}
				fmt.Fprintf(c.App.ErrWriter, "Removed %s\n", db.DBPath(c.String("data-dir"), c.String("wallet-id")))
				return nil
			}

			store, err := openStore(c.Context, driver, c.String("data-dir"), c.String("wallet-id"), c.String("database-url"))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(c.Context); err != nil {
				return fmt.Errorf("failed to clear store: %w", err)
			}
			fmt.Fprintln(c.App.ErrWriter, "Cleared store")
			return nil
		},
	}
}

func dbTransactionsCommand() *cli.Command {
	flags := append(storeFlags(),
		&cli.StringFlag{
			Name:    "wallet",
			Aliases: []string{"w"},
			Usage:   "Wallet address that --direction is relative to",
			EnvVars: []string{"WALLET_ADDRESS"},
		},
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
			Usage: "Only transactions moving this mint",
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Value:   50,
			Usage:   "Maximum number of transactions (0 for all)",
		},
	)

	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txs"},
		Usage:   "List transactions straight from the local cache",
		Flags:   flags,
		Action: func(c *cli.Context) error {
			direction, err := db.ParseDirection(c.String("direction"))
			if err != nil {
				return err
			}
			kind, err := db.ParseTransactionKind(c.String("kind"))
			if err != nil {
				return err
			}
			if direction != db.DirectionAny && c.String("wallet") == "" {
				return fmt.Errorf("--direction requires --wallet (or WALLET_ADDRESS)")
			}
			if c.String("mint") != "" {
				kind = db.KindSPL
			}

			store, err := openStore(c.Context, c.String("driver"), c.String("data-dir"), c.String("wallet-id"), c.String("database-url"))
			if err != nil {
				return err
			}
			defer store.Close()

			txs, err := store.ListTransactions(c.Context, db.TransactionFilter{
				Owner:     c.String("wallet"),
				Direction: direction,
				Kind:      kind,
				Mint:      c.String("mint"),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, txs)
			}

			for _, ft := range txs {
				tx := ft.Transaction
				amount := "-"
				if tx.Amount != nil {
					amount = tx.Amount.String()
				}
				fmt.Fprintf(c.App.Writer, "%s  %d  from=%s to=%s amount=%s transfers=%d pending=%t\n",
					tx.Hash, tx.Timestamp,
					formatOptionalAddress(tx.From), formatOptionalAddress(tx.To),
					amount, len(ft.TokenTransfers), tx.Pending,
				)
			}
			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d transactions\n", len(txs))
			return nil
		},
	}
}
