package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runWorkers int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the master with in-process workers over loopback gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyMasterFlags(cmd, rc)

		n := rc.Master.NumWorkers
		if cmd.Flags().Changed("workers") {
			n = runWorkers
		}
		if n <= 0 {
			return &exitError{code: 1, err: fmt.Errorf("at least one worker is required, got %d", n)}
		}
		return runMaster(rc, n)
	},
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Number of in-process workers (defaults to master.num_workers)")
	addMasterFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
