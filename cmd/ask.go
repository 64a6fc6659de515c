package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ledgerline/agentrun/internal/bus"
	"github.com/ledgerline/agentrun/internal/config"
	"github.com/ledgerline/agentrun/pkg/protocol"
)

const (
	askPollInterval = 250 * time.Millisecond
	askPollAttempts = 40 // 10s ceiling
)

func askCmd() *cobra.Command {
	var agentType, message string
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Send one request to a running agent and print its response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, agentType, message)
		},
	}
	cmd.Flags().StringVar(&agentType, "type", "chat-agent", "target agent type")
	cmd.Flags().StringVar(&message, "message", "", "request message")
	cmd.MarkFlagRequired("message")
	return cmd
}

func runAsk(cmd *cobra.Command, agentType, message string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	client, err := bus.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	req := protocol.AgentRequest{
		RequestID: uuid.NewString(),
		AgentType: agentType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if _, err := client.AppendRequest(ctx, req); err != nil {
		return err
	}

	data, err := client.AwaitResponse(ctx, req.RequestID, askPollInterval, askPollAttempts)
	if err != nil {
		return fmt.Errorf("await response for %s: %w", req.RequestID, err)
	}

	var resp protocol.AgentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Println(resp.Response)
	fmt.Printf("\n(success=%t, agent=%s, request=%s)\n", resp.Success, resp.AgentType, resp.RequestID)
	return nil
}
