package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/peerline/peerline/internal/config"
	"github.com/peerline/peerline/internal/db"
	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/notify"
	"github.com/peerline/peerline/internal/server"
	"github.com/peerline/peerline/internal/store"
	"github.com/peerline/peerline/internal/sweeper"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the maintenance sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Peerline config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s store, %d tables migrated\n", cfg.Database.Driver, len(db.AllModels()))

	broker := feed.NewBroker()
	st := store.New(gdb, broker)

	notifiers := buildNotifiers(cmd, cfg)
	sw := sweeper.New(st, sweeper.Config{
		Schedule:           cfg.Timing.SweepSchedule,
		IdleBudget:         cfg.Timing.IdleBudget.Std(),
		ProposalTTL:        cfg.Timing.ProposalTTL.Std(),
		WaitingNoticeAfter: cfg.Timing.WaitingNoticeAfter.Std(),
	}, asSweeperNotifiers(notifiers)...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sw.Run(ctx)
	})
	g.Go(func() error {
		return server.Start(ctx, server.StartOpts{
			Store:     st,
			Broker:    broker,
			Port:      cfg.Server.Port,
			Out:       out,
			Notifiers: notifiers,
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Shut down cleanly")
	return nil
}

// loadConfigOrDefault falls back to built-in defaults when the default
// config file is absent; an explicitly named file must exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(unwrapPathError(err)) && path == "config.yaml" {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func unwrapPathError(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// buildNotifiers creates the configured notification adapters. Missing
// credentials just disable the channel.
func buildNotifiers(cmd *cobra.Command, cfg *config.Config) []notify.Adapter {
	var notifiers []notify.Adapter

	if cfg.Notify.SlackBotToken != "" {
		a, err := notify.NewSlack(notify.SlackOpts{
			BotToken:  cfg.Notify.SlackBotToken,
			ChannelID: cfg.Notify.SlackChannelID,
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "slack notifications disabled: %v\n", err)
		} else {
			notifiers = append(notifiers, a)
		}
	}
	if cfg.Notify.DiscordToken != "" {
		a, err := notify.NewDiscord(notify.DiscordOpts{
			BotToken:  cfg.Notify.DiscordToken,
			ChannelID: cfg.Notify.DiscordChannel,
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "discord notifications disabled: %v\n", err)
		} else {
			notifiers = append(notifiers, a)
		}
	}
	return notifiers
}

func asSweeperNotifiers(adapters []notify.Adapter) []sweeper.Notifier {
	notifiers := make([]sweeper.Notifier, len(adapters))
	for i, a := range adapters {
		notifiers[i] = a
	}
	return notifiers
}
