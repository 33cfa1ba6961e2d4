package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/gridwms/tq"
)

// MatchCmd represents the match command
var MatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Dry-run a resource description against the live queues",
	Long: `match — Show which task queues a resource description would match

No job is dequeued; this is the diagnostic half of the matching cycle.

Examples:
  gridwms match --setup prod --cputime 86400
  gridwms match --setup prod --cputime 86400 --site LCG.CERN.ch --platform centos7
  gridwms match --setup prod --cputime 500000 --tag MultiProcessor --tag GPU`,
	RunE: runMatch,
}

var (
	matchSetupFlag    string
	matchCPUTimeFlag  int64
	matchOwnerDNFlag  string
	matchGroupsFlag   []string
	matchSitesFlag    []string
	matchCEsFlag      []string
	matchPlatformFlag []string
	matchJobTypeFlag  []string
	matchTagsFlag     []string
	matchReqTagsFlag  []string
	matchBanTagsFlag  []string
	matchLimitFlag    int
)

func init() {
	MatchCmd.Flags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to configured path)")
	MatchCmd.Flags().StringVar(&matchSetupFlag, "setup", "", "Setup the resource belongs to (required)")
	MatchCmd.Flags().Int64Var(&matchCPUTimeFlag, "cputime", 0, "CPU seconds the resource offers (required)")
	MatchCmd.Flags().StringVar(&matchOwnerDNFlag, "owner-dn", "", "Restrict to queues owned by this DN")
	MatchCmd.Flags().StringSliceVar(&matchGroupsFlag, "group", nil, "Restrict to queues of these owner groups")
	MatchCmd.Flags().StringSliceVar(&matchSitesFlag, "site", nil, "Sites the resource runs at")
	MatchCmd.Flags().StringSliceVar(&matchCEsFlag, "grid-ce", nil, "Computing elements the resource runs on")
	MatchCmd.Flags().StringSliceVar(&matchPlatformFlag, "platform", nil, "Platforms the resource offers")
	MatchCmd.Flags().StringSliceVar(&matchJobTypeFlag, "job-type", nil, "Job types the resource accepts")
	MatchCmd.Flags().StringSliceVar(&matchTagsFlag, "tag", nil, "Capability tags the resource offers")
	MatchCmd.Flags().StringSliceVar(&matchReqTagsFlag, "required-tag", nil, "Tags a queue must carry")
	MatchCmd.Flags().StringSliceVar(&matchBanTagsFlag, "banned-tag", nil, "Tags a queue must not carry")
	MatchCmd.Flags().IntVar(&matchLimitFlag, "limit", 10, "Maximum number of candidate queues to show")
	MatchCmd.MarkFlagRequired("setup")
	MatchCmd.MarkFlagRequired("cputime")
}

func runMatch(cmd *cobra.Command, args []string) error {
	scheduler, closeDB, err := openScheduler(dbPathFlag)
	if err != nil {
		return err
	}
	defer closeDB()

	resource := &tq.Resource{
		Setup:        matchSetupFlag,
		CPUTime:      matchCPUTimeFlag,
		OwnerDN:      matchOwnerDNFlag,
		OwnerGroups:  matchGroupsFlag,
		Sites:        matchSitesFlag,
		GridCEs:      matchCEsFlag,
		Platforms:    matchPlatformFlag,
		JobTypes:     matchJobTypeFlag,
		Tags:         matchTagsFlag,
		RequiredTags: matchReqTagsFlag,
		BannedTags:   matchBanTagsFlag,
	}

	ids, err := scheduler.MatchAndGetTaskQueue(cmd.Context(), resource, matchLimitFlag)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No compatible task queues")
		return nil
	}

	queues, err := scheduler.RetrieveTaskQueues(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Compatible task queues (best share first):\n")
	for _, id := range ids {
		if d, ok := queues[id]; ok {
			fmt.Printf("  tq %-6d group=%-12s jobs=%-4d share=%.3f\n",
				id, d.OwnerGroup, d.Jobs, d.Share)
		} else {
			fmt.Printf("  tq %-6d (deleted since match)\n", id)
		}
	}
	return nil
}
