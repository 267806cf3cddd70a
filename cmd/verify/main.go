// verify is an operator diagnostic: it derives the keeper identity, reads
// the keeper account from the ledger, and optionally decodes recent inbound
// transactions or replays the fee math for one position. It never
// broadcasts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dn-keeper-bot/internal/bundle"
	"dn-keeper-bot/internal/config"
	"dn-keeper-bot/internal/fees"
	"dn-keeper-bot/internal/ledger"
	"dn-keeper-bot/internal/logging"
	"dn-keeper-bot/internal/signer"
	"dn-keeper-bot/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	showTxs := flag.Int("transactions", 0, "decode the N most recent inbound keeper transactions")
	positionID := flag.String("position", "", "print economics and simulated fee split for one position")
	exitEquity := flag.Float64("exit-equity", 0, "hypothetical exit equity for the fee simulation")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	privateKey := strings.TrimSpace(os.Getenv(cfg.Keeper.PrivateKeyEnv))
	if privateKey == "" {
		fatal(fmt.Errorf("%s is required", cfg.Keeper.PrivateKeyEnv))
	}
	keeper, err := signer.NewKeeper(privateKey)
	if err != nil {
		fatal(err)
	}
	keeperAddr := keeper.Address().Hex()
	fmt.Printf("keeper address: %s\n", keeperAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledgerClient := ledger.NewHTTP(cfg.Ledger, log)
	account, err := ledgerClient.GetAccount(ctx, keeperAddr)
	if err != nil {
		fatal(fmt.Errorf("keeper account read: %w", err))
	}
	fmt.Printf("keeper account: balance=%.4f seqno=%d deployed=%v\n",
		account.Balance, account.Seqno, account.Deployed)

	if *showTxs > 0 {
		printTransactions(ctx, ledgerClient, keeperAddr, *showTxs)
	}
	if *positionID != "" {
		printPosition(ctx, cfg, *positionID, *exitEquity)
	}
}

func printTransactions(ctx context.Context, client *ledger.HTTPClient, keeperAddr string, limit int) {
	txs, err := client.GetTransactions(ctx, keeperAddr, limit)
	if err != nil {
		fatal(fmt.Errorf("transaction read: %w", err))
	}
	fmt.Printf("inbound transactions: %d\n", len(txs))
	for _, tx := range txs {
		comment, ok := bundle.DecodeComment(tx.Body)
		if !ok {
			comment = "<undecodable>"
		}
		trigger := ""
		if ok && strings.Contains(strings.ToLower(comment), "refund") {
			trigger = " [exit trigger]"
		}
		fmt.Printf("  lt=%d sender=%s value=%.4f comment=%q%s\n",
			tx.LogicalOrder, tx.Sender, tx.Value, comment, trigger)
	}
}

func printPosition(ctx context.Context, cfg *config.Config, id string, exitEquity float64) {
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		fatal(fmt.Errorf("postgres: %w", err))
	}
	defer db.Close()

	p, err := postgres.NewPositionStore(db.Pool()).Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			fatal(fmt.Errorf("position %s not found", id))
		}
		fatal(err)
	}
	fmt.Printf("position %s: status=%s pair=%s owner=%s vault=%s\n",
		p.ID, p.Status, p.Pair, p.Owner, p.VaultAddress)
	fmt.Printf("  spot=%.6f perp=%.6f equity=%.4f drift=%.4f floor=%.4f\n",
		p.SpotAmount, p.PerpAmount, p.TotalEquity, p.Drift, p.PrincipalFloor)

	if exitEquity <= 0 {
		exitEquity = p.TotalEquity
	}
	split := fees.Compute(p.EntryEquity, exitEquity, cfg.Fees.PerformanceRate)
	fmt.Printf("  fee simulation at exit equity %.4f: fee=%.4f net=%.4f payable=%v\n",
		exitEquity, split.Fee, split.NetToUser, fees.Payable(split.Fee, cfg.Fees.DustThreshold))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
