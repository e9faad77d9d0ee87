package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cipherflows/regulator/config"
	"github.com/cipherflows/regulator/directory"
	"github.com/cipherflows/regulator/journal"
	"github.com/cipherflows/regulator/ledger"
	"github.com/cipherflows/regulator/market"
	"github.com/cipherflows/regulator/regulate"
	signalstore "github.com/cipherflows/regulator/signal"
	"github.com/cipherflows/regulator/venue"
	"github.com/cipherflows/regulator/venue/sim"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one regulation cycle against a simulated venue",
	Long: `Run a single cycle for one demo account against an in-memory
venue seeded with a filled position, a duplicated pair of pending
orders, and a position trading beyond its 1:1 milestone. Useful for
seeing what each engine does without touching a real terminal.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

const demoSignals = `{
    "orders": [
        {
            "pair": "eurusd", "order_type": "buy_limit", "entry_price": "100",
            "ratio_0_25_price": "102.5", "ratio_0_5_price": "105",
            "ratio_1_price": "110", "ratio_2_price": "120",
            "timeframe": "1hour", "lot_size": "0.1"
        },
        {
            "pair": "boom500", "order_type": "sell_limit", "entry_price": "3400",
            "timeframe": "1hour", "lot_size": "0.2"
        },
        {
            "pair": "boom500", "order_type": "sell_limit", "entry_price": "3400.4",
            "timeframe": "1hour", "lot_size": "0.2"
        }
    ]
}`

func runDemo(cmd *cobra.Command, args []string) error {
	dir, err := os.MkdirTemp("", "regulator-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	sigPath := filepath.Join(dir, "signals.json")
	if err := os.WriteFile(sigPath, []byte(demoSignals), 0o644); err != nil {
		return err
	}
	signals, err := signalstore.Open(sigPath)
	if err != nil {
		return err
	}

	now := time.Now()
	v := sim.New()
	// A position trading past its 1:1 milestone.
	v.AddPosition(venue.Position{
		Ticket: 10, Instrument: "EURUSD", Direction: market.Long, Entry: 100,
		OpenTime: now.Add(-6 * time.Hour),
	})
	v.SetTick("EURUSD", market.Tick{Bid: 111.9, Ask: 112.0, Time: now})
	v.SetCandle("EURUSD", market.Candle{Close: 112.0, Time: now.Add(-time.Hour)})
	v.SetSymbolInfo(venue.SymbolInfo{Name: "EURUSD", MinStopDistance: 0.5, TickSize: 0.01, Tradeable: true})

	// Two sell limits close enough to duplicate each other's risk.
	v.AddOrder(venue.PendingOrder{Ticket: 20, Instrument: "BOOM500", Direction: market.Short, Entry: 3400, SetupTime: now.Add(-time.Hour)})
	v.AddOrder(venue.PendingOrder{Ticket: 21, Instrument: "BOOM500", Direction: market.Short, Entry: 3400.4, SetupTime: now.Add(-time.Hour)})
	v.SetTick("BOOM500", market.Tick{Bid: 3395, Ask: 3395.5, Time: now})
	v.SetSymbolInfo(venue.SymbolInfo{Name: "BOOM500", MinStopDistance: 1.0, TickSize: 0.1, Tradeable: true})

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SignalsFile = sigPath

	dialer := regulate.DialerFunc(func(ctx context.Context, acct directory.Account) (venue.Adapter, error) {
		return v, nil
	})
	accounts := demoAccounts{{ID: "1", RiskTier: "regular"}}

	loop := regulate.NewLoop(cfg, accounts, dialer, signals, journal.Nop{})
	if err := loop.RunOnce(cmd.Context()); err != nil {
		return err
	}

	led, err := ledger.Open(dir, "user_1")
	if err != nil {
		return err
	}
	fmt.Printf("running=%d limit=%d closed=%d\n", len(led.Running()), len(led.Closed()), len(led.Limit()))
	for ticket, stops := range v.Modified {
		fmt.Printf("stop for ticket %d moved to %v\n", ticket, stops)
	}
	for _, ticket := range v.Cancelled {
		fmt.Printf("cancelled pending order %d\n", ticket)
	}
	return nil
}

type demoAccounts []directory.Account

func (d demoAccounts) ActiveAccounts(ctx context.Context) ([]directory.Account, error) {
	return d, nil
}
