package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one idle scan cycle and exit",
	Long: `Run a single idle scan cycle, for deployments that schedule scans
with an external cron instead of the run command's ticker.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := loadConfig()
		a, err := newApp(cfg, log)
		if err != nil {
			log.Fatalf("Failed to initialize engine: %v", err)
		}
		defer a.Close()

		report, err := a.scanner.RunIdleScanCycle(context.Background())
		if err != nil {
			log.Fatalf("Idle scan failed: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := loadConfig()
		db, err := openDatabase(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		log.Info("Starting database migration...")
		if err := migrate(db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Info("Database migration completed successfully")
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(migrateCmd)
}
