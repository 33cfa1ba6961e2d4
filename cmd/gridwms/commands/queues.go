package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/gridwms/logger"
	"github.com/teranos/gridwms/tq"
)

// QueuesCmd represents the queues command
var QueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and maintain task queues",
	Long: `queues — Inspect and maintain the live task queue population

Examples:
  gridwms queues ls        # List task queues with their content
  gridwms queues clean     # Remove queues with no attached jobs
  gridwms queues shares    # Recalculate fair-share priorities`,
}

var queuesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List live task queues",
	RunE:  runQueuesLs,
}

var queuesCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned task queues",
	Long:  "Delete every task queue with no attached jobs, as the housekeeping pass would",
	RunE:  runQueuesClean,
}

var queuesSharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "Recalculate fair-share priorities for all owner groups",
	RunE:  runQueuesShares,
}

func init() {
	QueuesCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to configured path)")
	QueuesCmd.AddCommand(queuesLsCmd)
	QueuesCmd.AddCommand(queuesCleanCmd)
	QueuesCmd.AddCommand(queuesSharesCmd)
}

func openScheduler(dbPath string) (*tq.Scheduler, func(), error) {
	database, cfg, err := openDatabase(dbPath)
	if err != nil {
		return nil, nil, err
	}
	scheduler := tq.NewScheduler(database, cfg, logger.Logger.Named("scheduler"))
	return scheduler, func() { database.Close() }, nil
}

func runQueuesLs(cmd *cobra.Command, args []string) error {
	scheduler, closeDB, err := openScheduler(dbPathFlag)
	if err != nil {
		return err
	}
	defer closeDB()

	queues, err := scheduler.RetrieveTaskQueues(cmd.Context())
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		fmt.Println("No task queues")
		return nil
	}

	ids := make([]int64, 0, len(queues))
	for id := range queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Printf("%-6s %-12s %-10s %8s %5s %7s  %s\n",
		"TQ", "GROUP", "SETUP", "CPUTIME", "JOBS", "SHARE", "CONSTRAINTS")
	for _, id := range ids {
		d := queues[id]
		fmt.Printf("%-6d %-12s %-10s %8d %5d %7.3f  %s\n",
			id, d.OwnerGroup, d.Setup, d.CPUTime, d.Jobs, d.Share, formatConstraints(d))
	}
	return nil
}

func formatConstraints(d *tq.TaskQueueDescriptor) string {
	if len(d.MultiValue) == 0 {
		return "-"
	}
	fields := make([]string, 0, len(d.MultiValue))
	for field := range d.MultiValue {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s=%s", field, strings.Join(d.MultiValue[field], ",")))
	}
	return strings.Join(parts, " ")
}

func runQueuesClean(cmd *cobra.Command, args []string) error {
	scheduler, closeDB, err := openScheduler(dbPathFlag)
	if err != nil {
		return err
	}
	defer closeDB()

	removed, err := scheduler.CleanOrphanedTaskQueues(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d orphaned task queues\n", removed)
	return nil
}

func runQueuesShares(cmd *cobra.Command, args []string) error {
	scheduler, closeDB, err := openScheduler(dbPathFlag)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := scheduler.RecalculateSharesForAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Recalculated shares for all owner groups")
	return nil
}
