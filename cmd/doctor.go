package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ledgerline/agentrun/internal/config"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check bus connectivity and stream health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}
}

func runDoctor(cmd *cobra.Command) error {
	ctx := cmd.Context()

	fmt.Println("agentrun doctor")
	fmt.Printf("  OS:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:  %s\n", runtime.Version())
	fmt.Println()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	fmt.Printf("  Config:  %s\n", resolveConfigPath())
	fmt.Printf("  Bus:     %s", cfg.RedisURL)

	client, err := connectBus()
	if err != nil {
		fmt.Println(" (INVALID URL)")
		return err
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		fmt.Println(" (UNREACHABLE)")
		return err
	}
	fmt.Println(" (OK)")

	fmt.Println()
	fmt.Println("  Streams:")
	for _, stream := range []string{protocol.StreamRequests, protocol.StreamResponses, protocol.StreamActivities} {
		depth, err := client.StreamDepth(ctx, stream)
		if err != nil {
			fmt.Printf("    %-18s ERROR: %v\n", stream+":", err)
			continue
		}
		fmt.Printf("    %-18s %d entries\n", stream+":", depth)
	}

	fmt.Println()
	fmt.Println("  Log lists:")
	for _, key := range []string{protocol.ListLogsAll, protocol.LevelKey("error"), protocol.CategoryKey("auth")} {
		depth, err := client.LogDepth(ctx, key)
		if err != nil {
			fmt.Printf("    %-22s ERROR: %v\n", key+":", err)
			continue
		}
		fmt.Printf("    %-22s %d entries\n", key+":", depth)
	}

	fmt.Println()
	exists, err := client.HasGroup(ctx, protocol.StreamResponses, protocol.BridgeGroup)
	switch {
	case err != nil:
		fmt.Printf("  Bridge group: ERROR: %v\n", err)
	case exists:
		fmt.Printf("  Bridge group: %s (OK)\n", protocol.BridgeGroup)
	default:
		fmt.Printf("  Bridge group: %s (not created yet)\n", protocol.BridgeGroup)
	}

	records, err := client.ListAgents(ctx)
	if err != nil {
		fmt.Printf("  Registry:     ERROR: %v\n", err)
	} else {
		fmt.Printf("  Registry:     %d agents\n", len(records))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
	return nil
}
