package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerline/peerline/internal/sweeper"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass immediately",
		Long:  "Ends idle sessions, expires stale proposals, and reports the waiting queue, then exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Peerline config file")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(configPath)
	if err != nil {
		return err
	}

	sweeper.New(st, sweeper.Config{
		IdleBudget:         cfg.Timing.IdleBudget.Std(),
		ProposalTTL:        cfg.Timing.ProposalTTL.Std(),
		WaitingNoticeAfter: cfg.Timing.WaitingNoticeAfter.Std(),
	}, asSweeperNotifiers(buildNotifiers(cmd, cfg))...).Sweep(time.Now())

	fmt.Fprintln(cmd.OutOrStdout(), "Sweep complete")
	return nil
}
