package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/gridwms/config"
	"github.com/teranos/gridwms/logger"
	"github.com/teranos/gridwms/proxy"
	"github.com/teranos/gridwms/tq"
)

// HousekeepCmd represents the housekeep command
var HousekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Run the periodic maintenance pass",
	Long: `housekeep — Clean orphaned queues, purge expired credentials, refresh shares

Runs on the configured interval until interrupted, or exactly once with --once.

Examples:
  gridwms housekeep           # Run on the configured interval
  gridwms housekeep --once    # Single pass, then exit`,
	RunE: runHousekeep,
}

var housekeepOnceFlag bool

func init() {
	HousekeepCmd.Flags().StringVar(&dbPathFlag, "db", "", "Database path (defaults to configured path)")
	HousekeepCmd.Flags().BoolVar(&housekeepOnceFlag, "once", false, "Run a single pass and exit")
}

func runHousekeep(cmd *cobra.Command, args []string) error {
	database, cfg, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	scheduler := tq.NewScheduler(database, cfg, log.Named("scheduler"))
	proxyStore := proxy.NewStore(database,
		time.Duration(cfg.Housekeeping.DefaultRequestLifetimeSeconds)*time.Second,
		log.Named("proxy"))

	interval := time.Duration(cfg.Housekeeping.IntervalSeconds) * time.Second
	hk := tq.NewHousekeeper(cmd.Context(), scheduler, proxyStore, interval, log.Named("housekeeper"))

	if housekeepOnceFlag {
		hk.RunOnce(cmd.Context())
		fmt.Println("Housekeeping pass complete")
		return nil
	}

	// Hot-reload the platform order when the config file changes
	if configPath := config.FilePath(); configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("Config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				scheduler.ReloadPlatformOrder(newCfg.Scheduler.PlatformOrder)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	hk.Start()
	defer hk.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infow("Shutting down", "signal", sig)
	case <-cmd.Context().Done():
		if cmd.Context().Err() != context.Canceled {
			return cmd.Context().Err()
		}
	}
	return nil
}
