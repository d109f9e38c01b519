// Command haproxy-cloud-discovery runs the reconciliation sidecar: it
// loads its configuration, builds the configured cloud DiscoveryClient,
// and either ticks the DaemonLoop forever or runs a single cycle and
// exits, per the --once/--validate flags (spec.md §6.4).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/daemon"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/discovery"
	discoveryaws "github.com/gspiliotis/haproxy-cloud-discovery/internal/discovery/aws"
	discoveryazure "github.com/gspiliotis/haproxy-cloud-discovery/internal/discovery/azure"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/haproxy"
)

var logger = loggo.GetLogger("haproxycloud.main")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("haproxy-cloud-discovery", flag.ContinueOnError)
	configPath := flags.String("config", "/etc/haproxy-cloud-discovery/config.yaml", "path to the YAML configuration file")
	validateOnly := flags.Bool("validate", false, "load and validate configuration, then exit")
	once := flags.Bool("once", false, "run a single reconciliation cycle and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	if err := loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", cfg.Logging.Level)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		return 1
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		return 0
	}

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		logger.Errorf("failed to build reconciliation pipeline: %v", err)
		return 1
	}

	if *once {
		if err := daemon.RunOnce(context.Background(), pipeline); err != nil {
			logger.Errorf("reconcile cycle failed: %v", err)
			return 1
		}
		return 0
	}

	return runDaemon(cfg, pipeline)
}

func buildPipeline(cfg *config.AppConfig) (daemon.Pipeline, error) {
	discoveryClient, err := buildDiscoveryClient(cfg)
	if err != nil {
		return nil, err
	}

	tagFilter := discovery.NewTagFilter(cfg.Tags)
	changeDetector := discovery.NewChangeDetector(cfg.Tags.AZWeightTag)

	dataplaneClient := haproxy.NewHTTPClient(cfg.HAProxy)
	reconciler := haproxy.NewReconciler(dataplaneClient, cfg.HAProxy, changeDetector.SlotCount)
	reconciler.SetAZWeightTag(cfg.Tags.AZWeightTag)

	return daemon.NewCorePipeline(discoveryClient, tagFilter, changeDetector, reconciler), nil
}

func buildDiscoveryClient(cfg *config.AppConfig) (discovery.Client, error) {
	switch {
	case cfg.HasAzure():
		return discoveryazure.New(*cfg.Azure)
	case cfg.HasAWS():
		return discoveryaws.New(*cfg.AWS, cfg.Tags)
	default:
		return nil, fmt.Errorf("no cloud provider configured")
	}
}

func runDaemon(cfg *config.AppConfig, pipeline daemon.Pipeline) int {
	w, err := daemon.New(daemon.Config{
		Pipeline: pipeline,
		Clock:    clock.WallClock,
		Polling:  cfg.Polling,
	})
	if err != nil {
		logger.Errorf("failed to start daemon: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			logger.Infof("received SIGHUP, will reset state on next cycle")
			w.RequestReset()
		case syscall.SIGTERM, syscall.SIGINT:
			logger.Infof("received %s, draining", sig)
			w.Kill()
			if err := w.Wait(); err != nil {
				logger.Errorf("daemon exited with error: %v", err)
				return 1
			}
			return 0
		}
	}
	return 0
}
