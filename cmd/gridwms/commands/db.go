package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the scheduler database",
	Long: `db — Manage scheduler database operations

Examples:
  gridwms db stats     # Show queue and job statistics
  gridwms db migrate   # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display task queue counts, attached job counts, and owner group totals",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to configured path)")
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	var queues, jobs, groups int
	err = database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM tq_task_queues),
			(SELECT COUNT(*) FROM tq_jobs),
			(SELECT COUNT(DISTINCT owner_group) FROM tq_task_queues)
	`).Scan(&queues, &jobs, &groups)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query scheduler stats: %w", err)
	}

	var requests, proxies int
	err = database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM proxy_requests),
			(SELECT COUNT(*) FROM proxy_proxies)
	`).Scan(&requests, &proxies)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query credential stats: %w", err)
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:       %s\n", cfg.Database.Path)
	fmt.Printf("Task Queues:         %d\n", queues)
	fmt.Printf("Attached Jobs:       %d\n", jobs)
	fmt.Printf("Owner Groups:        %d\n", groups)
	fmt.Printf("Delegation Requests: %d\n", requests)
	fmt.Printf("Stored Proxies:      %d\n", proxies)

	return nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as a side effect
	database, _, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Schema is up to date")
	return nil
}
