package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerline/agentrun/internal/agent"
	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/internal/config"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect registered agents",
	}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsCapabilitiesCmd())
	cmd.AddCommand(agentsStatusCmd())
	return cmd
}

func agentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectBus()
			if err != nil {
				return err
			}
			defer client.Close()

			records, err := client.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No agents registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCAPABILITIES\tSTATUS\tREGISTERED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					rec.ID, len(rec.Capabilities), rec.Status, rec.RegisteredAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func agentsCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities <capability>",
		Short: "List agents advertising a capability string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectBus()
			if err != nil {
				return err
			}
			defer client.Close()

			ids, err := client.FindAgentsByCapability(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Printf("No agents advertise %s.\n", args[0])
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func agentsStatusCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Query one agent's live status from the running serve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectBus()
			if err != nil {
				return err
			}
			defer client.Close()

			env := protocol.NewEnvelope(protocol.ProtocolAgentStatus, "get").
				From("cli").
				To(args[0])
			data, err := client.RequestEnvelope(cmd.Context(), env, map[string]any{}, timeout)
			if err != nil {
				return err
			}

			var report agent.StatusReport
			if err := json.Unmarshal(data, &report); err != nil {
				return fmt.Errorf("decode status reply: %w", err)
			}
			fmt.Printf("%s (%s)\n", report.ID, report.Name)
			fmt.Printf("  Status: %s\n", report.Status)
			for name, value := range report.Metrics {
				fmt.Printf("  %s: %g\n", name, value)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "reply wait ceiling")
	return cmd
}

func connectBus() (*bus.Client, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return bus.New(cfg.RedisURL)
}
