// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flowbridge/iobroker-connector/core/facade"
	"github.com/flowbridge/iobroker-connector/core/nr"
	"github.com/flowbridge/iobroker-connector/pkg/config"
	"github.com/flowbridge/iobroker-connector/pkg/logging"
	"github.com/flowbridge/iobroker-connector/pkg/metrics"
)

var serveFlags struct {
	configPath  string
	promptPass  bool
	logLevel    string
	logFile     string
	metricsAddr string
	nodeID      string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bring up one server connection and print status transitions",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVarP(&serveFlags.configPath, "config", "c", "", "path to a ServerConfig YAML file (required)")
	flags.BoolVar(&serveFlags.promptPass, "password-stdin", false, "prompt for the adapter password interactively instead of reading it from the config file")
	flags.StringVar(&serveFlags.logLevel, "log-level", "info", "debug, info, warn, or error")
	flags.StringVar(&serveFlags.logFile, "log-file", "", "additionally write rotating JSON logs to this path")
	flags.StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&serveFlags.nodeID, "node-id", "iobroker-bridge-cli", "node id this process registers subscriptions under")
	serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(serveFlags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if serveFlags.promptPass {
		pass, err := promptPassword()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		cfg.Password = pass
	}

	log := logging.New(logging.Options{
		Level:    serveFlags.logLevel,
		Console:  true,
		FilePath: serveFlags.logFile,
	})

	var promReg *prometheus.Registry
	if serveFlags.metricsAddr != "" {
		promReg = prometheus.NewRegistry()
		go serveMetrics(serveFlags.metricsAddr, promReg, log)
	}

	f, err := facade.New(facade.Options{
		DedupCacheSize: 4096,
		Logger:         log,
		Metrics:        metrics.New(promReg),
	})
	if err != nil {
		return fmt.Errorf("constructing facade: %w", err)
	}

	serverID := cfg.ServerID()
	if err := f.RegisterForEvents(serveFlags.nodeID, *cfg, false); err != nil {
		return fmt.Errorf("registering %s: %w", serverID, err)
	}
	log.Infof("serve: watching %s as node %s", serverID, serveFlags.nodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go printStatusLoop(ctx, f, serverID, log)

	f.RunUntilSignal(ctx, cfg.ShutdownGracePeriod)
	return nil
}

// printStatusLoop polls GetConnectionStatus once a second, logging state
// changes. The façade's RegisterForEvents takes no callbacks, so polling
// is how the demo CLI gets visible status output.
func printStatusLoop(ctx context.Context, f *facade.Facade, serverID string, log *logging.Logger) {
	var last nr.Status
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := f.GetConnectionStatus(serverID)
			if st.Status != last {
				log.Infof("serve: %s status -> %s (state=%s, queue=%d)", serverID, st.Status, st.State, st.QueueDepth)
				last = st.Status
			}
		}
	}
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("serve: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("serve: metrics server: %v", err)
	}
}
