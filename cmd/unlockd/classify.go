package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/unlockd/internal/config"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/policy/opa"
	"github.com/goodtune/unlockd/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [APP_ID...]",
	Short: "Check how foreground identifiers are classified",
	Long: `Check what the classification policy decides for one or more foreground
identifiers, and whether each is a managed application. Without arguments
every managed application is checked, which catches managed apps that the
policy would never charge.`,
	Example: `  unlockd -c config.yaml classify com.android.systemui com.example.game
  unlockd classify com.google.android.inputmethod.latin
  unlockd -c config.yaml classify`,
	Args: cobra.ArbitraryArgs,
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	policyEngine, err := policy.NewEngine(
		policy.TableFromConfig(cfg.Classification),
		opa.Config{PolicyFile: cfg.Classification.PolicyFile},
		cfg.Classification.CacheSize,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize classification engine: %w", err)
	}

	catalog := usage.NewCatalog(usage.AppsFromConfig(cfg.Apps))
	if len(args) == 0 {
		for _, app := range catalog.List() {
			args = append(args, app.ID)
		}
		if len(args) == 0 {
			return fmt.Errorf("no managed apps configured and no identifiers given")
		}
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("FOREGROUND CLASSIFICATION")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, appID := range args {
		class := policyEngine.Classify(context.Background(), appID)

		fmt.Println()
		fmt.Printf("Identifier: %s\n", appID)
		_, _ = cyan.Print("Class:      ")
		switch class {
		case policy.ClassTransient:
			_, _ = yellow.Println("TRANSIENT")
			fmt.Println("            → Ignored, the previous app keeps being charged")
		case policy.ClassSystem:
			_, _ = green.Println("SYSTEM")
			fmt.Println("            → Ends the previous app's session, never charged")
		default:
			_, _ = green.Println("APP")
			app, managed := catalog.Get(appID)
			switch {
			case !managed:
				fmt.Println("            → Not managed, time is not tracked")
			case app.Blocked:
				_, _ = red.Println("            → Managed and blocked, time is deducted and the lock overlay applies")
			default:
				fmt.Println("            → Managed, time is deducted from its unlocks")
			}
		}
	}
	fmt.Println()

	return nil
}
