package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerline/peerline/internal/db"
	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/store"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage chat sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsEndCmd())
	return cmd
}

// openStore connects to the configured database for one-shot commands.
func openStore(configPath string) (*store.Store, error) {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return store.New(gdb, feed.NewBroker()), nil
}

func newSessionsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions waiting for a specialist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Peerline config file")
	return cmd
}

func runSessionsList(cmd *cobra.Command, configPath string) error {
	st, err := openStore(configPath)
	if err != nil {
		return err
	}

	waiting, err := st.ListWaiting()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(waiting) == 0 {
		fmt.Fprintln(out, "No sessions waiting.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tWAITING SINCE")
	for _, sess := range waiting {
		fmt.Fprintf(w, "%s\t%s\t%s\n", sess.ID, sess.UserID,
			sess.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func newSessionsEndCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "Terminate a session from the operator console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsEnd(cmd, configPath, args[0], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Peerline config file")
	cmd.Flags().StringVar(&reason, "reason", models.EndReasonManual, "recorded end reason")
	return cmd
}

func runSessionsEnd(cmd *cobra.Command, configPath, sessionID, reason string) error {
	st, err := openStore(configPath)
	if err != nil {
		return err
	}

	sess, err := st.EndSession(sessionID, reason, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s ended (%s)\n", sess.ID, sess.EndReason)
	return nil
}
