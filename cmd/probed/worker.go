package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymon/probed/pkg/log"
	"github.com/relaymon/probed/pkg/workerproc"
)

// workerFD is the descriptor a spawned worker inherits its master
// socket on. pool.spawnWorker always passes exactly one extra file,
// which os/exec places at fd 3 (stdin/stdout/stderr occupy 0-2).
const workerFD = 3

var workerCmd = &cobra.Command{
	Use:    "__worker",
	Short:  "internal: run as a worker process (re-exec target, not for direct use)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := workerproc.New(workerFD, log.WithComponent("workerproc"))
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		if err := w.Run(); err != nil {
			return fmt.Errorf("worker loop: %w", err)
		}
		os.Exit(0)
		return nil
	},
}
