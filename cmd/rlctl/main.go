package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	learnerAddr string
	timeout     time.Duration
	outputJSON  bool

	rootCmd = &cobra.Command{
		Use:           "rlctl",
		Short:         "Inspect and control a running learner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&learnerAddr, "learner", "localhost:50052", "Learner gRPC address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-command deadline")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	rootCmd.AddCommand(getInfoCmd)
	rootCmd.AddCommand(setInfoCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(learnerInfoCmd)
	rootCmd.AddCommand(saveCheckpointCmd)
	rootCmd.AddCommand(loadCheckpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
