package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

var (
	serverURL  string
	operator   string
	outputJSON bool
)

func main() {
	defer logx.Sync()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "outreachctl",
	Short:         "Operate outreach jobs and campaigns",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("JOB_API_URL", "http://localhost:8080"), "Job API URL")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", os.Getenv("OPERATOR_ID"), "Operator id sent as X-Operator-ID")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")

	rootCmd.AddCommand(jobsCmd, campaignsCmd, prefetchCmd, eventsCmd)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
