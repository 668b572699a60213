package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/utkarshayachit/simplified-batch/internal/batch"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

type poolOptions struct {
	endpoint string
	clientID string
	poolID   string
	info     bool
	resize   int
	json     bool
}

// newRootCmd builds the CLI. A nil svc connects to the endpoint given by flags.
func newRootCmd(svc batch.Service) *cobra.Command {
	root := &cobra.Command{
		Use:          "poolctl",
		Short:        "Inspect and resize the Azure Batch pool used for visualization sessions",
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	opts := &poolOptions{}
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Show or resize a pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.info == cmd.Flags().Changed("resize") {
				return errors.New("exactly one of --info or --resize is required")
			}
			if svc == nil {
				client, err := connect(opts)
				if err != nil {
					return err
				}
				svc = client
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if opts.info {
				return showPool(ctx, svc, opts, cmd.OutOrStdout())
			}
			return resizePool(ctx, svc, opts, cmd.OutOrStdout())
		},
	}
	poolCmd.Flags().StringVar(&opts.endpoint, "batch-endpoint", os.Getenv("GATEWAY_BATCH_ENDPOINT"), "Azure Batch account endpoint")
	poolCmd.Flags().StringVar(&opts.clientID, "managed-identity-client-id", "", "client id of the user assigned managed identity")
	poolCmd.Flags().StringVar(&opts.poolID, "pool-id", "trame-pool", "pool to operate on")
	poolCmd.Flags().BoolVar(&opts.info, "info", false, "print pool information")
	poolCmd.Flags().IntVar(&opts.resize, "resize", 0, "resize the pool to this many dedicated nodes")
	poolCmd.Flags().BoolVar(&opts.json, "json", false, "print pool information as JSON")
	root.AddCommand(poolCmd)
	return root
}

func connect(opts *poolOptions) (batch.Service, error) {
	if opts.endpoint == "" {
		return nil, errors.New("--batch-endpoint is required")
	}
	var (
		cred azcore.TokenCredential
		err  error
	)
	if opts.clientID != "" {
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(opts.clientID),
		})
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return batch.NewClient(opts.endpoint, cred, log.Logger)
}

func showPool(ctx context.Context, svc batch.Service, opts *poolOptions, out io.Writer) error {
	pool, err := svc.GetPool(ctx, opts.poolID)
	if err != nil {
		return fmt.Errorf("get pool %s: %w", opts.poolID, err)
	}
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pool)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Pool:\t%s\n", pool.ID)
	fmt.Fprintf(w, "State:\t%s\n", pool.State)
	fmt.Fprintf(w, "Allocation state:\t%s\n", pool.AllocationState)
	fmt.Fprintf(w, "VM size:\t%s\n", pool.VMSize)
	fmt.Fprintf(w, "Dedicated nodes:\t%d current / %d target\n", pool.CurrentDedicatedNodes, pool.TargetDedicatedNodes)
	fmt.Fprintf(w, "Low priority nodes:\t%d\n", pool.CurrentLowPriorityNodes)
	return w.Flush()
}

func resizePool(ctx context.Context, svc batch.Service, opts *poolOptions, out io.Writer) error {
	if opts.resize < 0 {
		return fmt.Errorf("--resize must not be negative, got %d", opts.resize)
	}
	if err := svc.ResizePool(ctx, opts.poolID, opts.resize); err != nil {
		return fmt.Errorf("resize pool %s: %w", opts.poolID, err)
	}
	_, err := fmt.Fprintf(out, "Pool %s resizing to %d dedicated nodes\n", opts.poolID, opts.resize)
	return err
}
