package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/unlockd/internal/config"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the remote ledger state for the configured user",
	Long:  `Show active unlocks, coins, streak and today's logged steps as the remote ledger sees them.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ledger := store.Ledger()
	now := time.Now()

	account, err := ledger.GetAccount(ctx, cfg.User.ID)
	if err != nil {
		return fmt.Errorf("failed to read account: %w", err)
	}

	unlocks, err := ledger.FetchActiveUnlocks(ctx, cfg.User.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch unlocks: %w", err)
	}

	today, err := ledger.GetDailySteps(ctx, cfg.User.ID, now.Format("2006-01-02"))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read daily steps: %w", err)
	}

	printStatus(cfg.User.ID, account, unlocks, today, now)
	return nil
}

func printStatus(userID string, account *storage.Account, unlocks []storage.Unlock, steps int64, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Printf("LEDGER STATUS: %s\n", userID)
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Coins:        %d\n", account.Coins)
	fmt.Printf("Streak:       %d\n", account.Streak)
	fmt.Printf("Steps today:  %d\n", steps)
	if account.LastEmergency != nil {
		fmt.Printf("Emergency:    %s\n", account.LastEmergency.Local().Format(time.RFC1123))
	}
	fmt.Println()

	_, _ = cyan.Println("[unlocks]")
	if len(unlocks) == 0 {
		_, _ = yellow.Println("  (none active)")
		fmt.Println()
		return
	}

	sort.Slice(unlocks, func(i, j int) bool {
		return unlocks[i].AppID < unlocks[j].AppID
	})

	for _, u := range unlocks {
		remaining := time.Duration(u.TotalRemaining(now)) * time.Millisecond
		_, _ = green.Fprintf(os.Stdout, "  %-40s %-6s %s remaining", u.AppID, u.Kind, remaining.Round(time.Second))
		fmt.Printf("  (%d min for %d coins)\n", u.MinutesGranted, u.CoinsSpent)
	}

	totals := storage.TotalsByApp(unlocks, now)
	fmt.Println()
	_, _ = cyan.Println("[totals]")
	apps := make([]string, 0, len(totals))
	for app := range totals {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		fmt.Printf("  %-40s %s\n", app, (time.Duration(totals[app]) * time.Millisecond).Round(time.Second))
	}
	fmt.Println()
}
