package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/workspace/session-coordinator/internal/persistence"
)

type eventView struct {
	persistence.Event `yaml:",inline"`
	Payload           string `yaml:"payload"`
}

type inspectReport struct {
	Session  persistence.Session            `yaml:"session"`
	Sandbox  *persistence.SandboxConnection `yaml:"sandbox,omitempty"`
	Messages []persistence.Message          `yaml:"messages"`
	Events   []eventView                    `yaml:"events"`
}

func newInspectCmd() *cobra.Command {
	var (
		limit      int
		heartbeats bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <session.db>",
		Short: "Dump a session store as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("session store: %w", err)
			}
			store, err := persistence.Open(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := buildReport(store, limit, heartbeats)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages and events to print (0 for all)")
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "include heartbeat events")
	return cmd
}

func buildReport(store *persistence.Store, limit int, heartbeats bool) (*inspectReport, error) {
	sess, err := store.GetSession()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	sandbox, err := store.GetSandboxConnection(sess.ID)
	if err != nil {
		return nil, err
	}
	messages, err := store.ListMessages(persistence.MessageFilter{}, limit, 0)
	if err != nil {
		return nil, err
	}

	filter := persistence.EventFilter{}
	if !heartbeats {
		filter.ExcludeTypes = []string{persistence.HeartbeatEventType}
	}
	events, err := store.ListEvents(filter, limit, 0)
	if err != nil {
		return nil, err
	}

	report := &inspectReport{Session: sess, Sandbox: sandbox, Messages: messages}
	for _, e := range events {
		report.Events = append(report.Events, eventView{Event: e, Payload: string(e.Payload)})
	}
	return report, nil
}
