package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/gridwms/cmd/gridwms/commands"
	"github.com/teranos/gridwms/logger"
)

var rootCmd = &cobra.Command{
	Use:   "gridwms",
	Short: "gridwms - Task queue scheduler for distributed workloads",
	Long: `gridwms - Task queue scheduler for distributed workload management.

Jobs with identical requirement vectors are grouped into task queues;
worker agents describe what they can run and receive at most one job
per match. Fair-share priorities bias which queue serves first.

Available commands:
  db        - Manage the scheduler database
  queues    - Inspect and maintain task queues
  match     - Dry-run a resource description against the live queues
  housekeep - Run the periodic maintenance pass
  version   - Show version information

Examples:
  gridwms db stats            # Show database statistics
  gridwms queues ls           # List live task queues
  gridwms match --setup prod --cputime 86400 --site LCG.CERN.ch
  gridwms housekeep --once    # Single maintenance pass`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.QueuesCmd)
	rootCmd.AddCommand(commands.MatchCmd)
	rootCmd.AddCommand(commands.HousekeepCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
