package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymon/probed/pkg/config"
	"github.com/relaymon/probed/pkg/log"
	"github.com/relaymon/probed/pkg/pool"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Submit a burst of check jobs to a worker pool and report latency",
	Long: `probed bench spawns a worker pool, submits a configurable number
of identical check jobs across it, and reports completion latency
percentiles once every job has answered. It exists to exercise and
measure the dispatch path under load, not as an operational command.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("workers", 4, "Number of worker processes to spawn")
	benchCmd.Flags().Int("jobs", 1000, "Number of check jobs to submit")
	benchCmd.Flags().String("cmd", "/bin/echo ok", "Command each check job runs")
	benchCmd.Flags().Duration("poll-interval", 10*time.Millisecond, "Interval between Pool.Poll calls")
}

func runBench(cmd *cobra.Command, args []string) error {
	benchLog := log.WithComponent("bench")

	workers, _ := cmd.Flags().GetInt("workers")
	jobs, _ := cmd.Flags().GetInt("jobs")
	command, _ := cmd.Flags().GetString("cmd")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	cfg := config.PoolConfig{Workers: workers}
	cfg.Normalize()

	p, err := pool.New(cfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	latencies := make([]time.Duration, 0, jobs)
	remaining := jobs
	dispatched := make(map[*pool.CheckAccumulator]time.Time, jobs)

	p.SetCheckResultHandler(func(c *pool.CheckAccumulator) {
		latencies = append(latencies, time.Since(dispatched[c]))
		remaining--
	})

	if err := p.InitWorkers(workers); err != nil {
		return fmt.Errorf("init workers: %w", err)
	}
	defer p.FreeWorkerMemory()

	benchLog.Info().Int("workers", workers).Int("jobs", jobs).Str("cmd", command).Msg("dispatching")

	start := time.Now()
	for i := 0; i < jobs; i++ {
		accum := &pool.CheckAccumulator{HostName: fmt.Sprintf("bench-%d", i)}
		dispatched[accum] = time.Now()
		if _, err := p.RunCheck(accum, command, nil); err != nil {
			return fmt.Errorf("dispatch job %d: %w", i, err)
		}
	}

	for remaining > 0 {
		if err := p.Poll(pollInterval); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := percentile(latencies, 0.50)
	p95 := percentile(latencies, 0.95)
	p99 := percentile(latencies, 0.99)

	benchLog.Info().
		Dur("total", elapsed).
		Dur("p50", p50).
		Dur("p95", p95).
		Dur("p99", p99).
		Msg("bench complete")

	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
