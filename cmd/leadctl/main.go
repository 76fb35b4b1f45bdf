// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command leadctl inspects the lead outbox and redelivers pending leads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/config"
	"github.com/your-org/funnel-assistant/internal/lead"
	"github.com/your-org/funnel-assistant/internal/resilience"
)

const defaultListLimit = 20

var (
	configPath     string
	jsonOutput     bool
	listLimit      int
	redeliverLimit int
	statusFilter   string
	verbose        bool
)

// loadConfig and openOutbox are swapped in tests.
var (
	loadConfig = func(path string) (*config.Config, error) {
		return config.LoadWithOptions(config.LoadOptions{
			ConfigPath:       path,
			AllowMissingFile: path == "" && os.Getenv("CONFIG_PATH") == "",
		})
	}
	openOutbox = func(cfg *config.Config, logger *zap.Logger) (lead.Outbox, error) {
		return lead.NewOutbox(lead.OutboxConfig{StorageType: cfg.Lead.StorageType, DBPath: cfg.Lead.DBPath}, logger)
	}
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "leadctl",
		Short:         "Inspect and redeliver leads of the funnel widget",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries, newest first",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", defaultListLimit, "Maximum number of entries")
	listCmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status (pending, delivered)")

	showCmd := &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show one outbox entry with its payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}

	redeliverCmd := &cobra.Command{
		Use:   "redeliver [lead-id]",
		Short: "Deliver one lead, or every pending lead when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRedeliver,
	}
	redeliverCmd.Flags().IntVarP(&redeliverLimit, "limit", "n", 100, "Maximum number of pending leads to deliver")

	root.AddCommand(listCmd, showCmd, redeliverCmd)
	return root
}

// session bundles what every subcommand opens.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	outbox lead.Outbox
}

func open() (*session, error) {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	outbox, err := openOutbox(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open lead outbox: %w", err)
	}
	return &session{cfg: cfg, logger: logger, outbox: outbox}, nil
}

func (s *session) close() {
	_ = s.outbox.Close()
	_ = s.logger.Sync()
}

func runList(cmd *cobra.Command, _ []string) error {
	status := lead.Status(statusFilter)
	switch status {
	case "", lead.StatusPending, lead.StatusDelivered:
	default:
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	s, err := open()
	if err != nil {
		return err
	}
	defer s.close()

	entries, err := s.outbox.List(cmd.Context(), status, listLimit)
	if err != nil {
		return fmt.Errorf("failed to list leads: %w", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tPRODUCT\tORIGIN\tCREATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID(), e.Status, e.Attempts, e.Payload.ProductLabel, e.Payload.Origin,
			e.CreatedAt.Format(time.RFC3339), e.LastError)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := open()
	if err != nil {
		return err
	}
	defer s.close()

	entry, err := s.outbox.Get(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return fmt.Errorf("lead %s not found", args[0])
		}
		return fmt.Errorf("failed to load lead: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), entry)
}

func runRedeliver(cmd *cobra.Command, args []string) error {
	s, err := open()
	if err != nil {
		return err
	}
	defer s.close()

	if s.cfg.Assistant.BaseURL == "" {
		return errors.New("assistant.base_url is required to deliver leads")
	}

	submitter := lead.NewSubmitter(
		s.outbox,
		lead.NewHTTPTransport(s.cfg.Assistant.APIURL(s.cfg.Assistant.LeadPath), &http.Client{Timeout: 15 * time.Second}),
		lead.SubmitterConfig{
			MaxAttempts:    s.cfg.Lead.MaxAttempts,
			RetryBaseDelay: time.Duration(s.cfg.Lead.RetryBaseDelayMs) * time.Millisecond,
			Breaker:        resilience.DefaultCircuitBreakerConfig("leadctl"),
		},
		s.logger, nil,
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		entry, err := submitter.Retry(ctx, args[0])
		if err != nil {
			return fmt.Errorf("lead %s not delivered: %w", args[0], err)
		}
		fmt.Fprintf(out, "Delivered %s after %d attempts\n", entry.ID(), entry.Attempts)
		return nil
	}

	delivered, failed, err := submitter.Redeliver(ctx, redeliverLimit)
	if err != nil {
		return fmt.Errorf("redelivery failed: %w", err)
	}
	fmt.Fprintf(out, "Delivered %d, failed %d\n", delivered, failed)
	if failed > 0 {
		return fmt.Errorf("%d leads are still pending", failed)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
