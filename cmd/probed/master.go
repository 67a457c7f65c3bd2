package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymon/probed/pkg/config"
	"github.com/relaymon/probed/pkg/log"
	"github.com/relaymon/probed/pkg/metrics"
	"github.com/relaymon/probed/pkg/pool"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a demo master: spawn a worker pool and drive its poll loop",
	Long: `probed master loads a pool configuration, spawns the configured
number of workers, and drives Pool.Poll in a loop, logging every
completed check. It is a standalone demonstration of the subsystem, not
a full monitoring daemon: configuration loading, the domain object
store, and the scheduling of what to check are all out of scope here.`,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().String("config", "", "Path to a pool config YAML file (optional; defaults apply if omitted)")
	masterCmd.Flags().Int("workers", 0, "Override the configured worker count")
	masterCmd.Flags().String("metrics-addr", "127.0.0.1:9106", "Address to serve /metrics and /healthz on")
}

func runMaster(cmd *cobra.Command, args []string) error {
	masterLog := log.WithComponent("master")

	configPath, _ := cmd.Flags().GetString("config")
	workerOverride, _ := cmd.Flags().GetInt("workers")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var cfg config.PoolConfig
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg.Normalize()
	}
	if workerOverride > 0 {
		cfg.Workers = workerOverride
	}
	if cfg.MetricsAddr != "" && !cmd.Flags().Changed("metrics-addr") {
		metricsAddr = cfg.MetricsAddr
	}

	p, err := pool.New(cfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	p.SetCheckResultHandler(func(c *pool.CheckAccumulator) {
		masterLog.Info().
			Str("host", c.HostName).
			Str("service", c.ServiceDescription).
			Int("return_code", c.ReturnCode).
			Bool("exited_ok", c.ExitedOK).
			Bool("early_timeout", c.EarlyTimeout).
			Dur("runtime", c.Runtime).
			Msg(c.Output)
	})

	if err := p.InitWorkers(cfg.Workers); err != nil {
		return fmt.Errorf("init workers: %w", err)
	}
	masterLog.Info().Int("workers", cfg.Workers).Msg("worker pool started")

	metrics.RegisterComponent("pool", true, "")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			masterLog.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	masterLog.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := p.Poll(500 * time.Millisecond); err != nil {
				masterLog.Error().Err(err).Msg("poll error")
			}
		}
	}()

	<-stop
	masterLog.Info().Msg("shutting down")
	close(done)
	_ = server.Close()
	return p.FreeWorkerMemory()
}
