// Package main provides the CLI entry point for the remoteaudio sink.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"

	"github.com/postalsys/remoteaudio/internal/audio"
	"github.com/postalsys/remoteaudio/internal/config"
	"github.com/postalsys/remoteaudio/internal/logging"
	"github.com/postalsys/remoteaudio/internal/metrics"
	"github.com/postalsys/remoteaudio/internal/sink"
	"github.com/postalsys/remoteaudio/internal/sysinfo"
)

// Version is set at build time via ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	var (
		configPath string
		port       int
		slotCount  int
		logLevel   string
		logFormat  string
		metricsAddr string
		statsOnce  bool
	)

	rootCmd := &cobra.Command{
		Use:     "remoteaudio-sink [device-name] [port]",
		Short:   "Receive and play back remoteaudio streams from up to N sources",
		Version: Version,
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			sinkCfg := sink.DefaultConfig()
			sinkCfg.OutputDevice = cfg.Sink.Device
			sinkCfg.SlotCount = slotCount
			listenPort := cfg.Sink.Port
			if port != 0 {
				listenPort = port
			}

			if len(args) >= 1 {
				sinkCfg.OutputDevice = args[0]
			}
			if len(args) >= 2 {
				p, err := parsePort(args[1])
				if err != nil {
					return err
				}
				listenPort = p
			}
			sinkCfg.ListenAddr = fmt.Sprintf(":%d", listenPort)

			logger := logging.NewLogger(logLevel, logFormat)
			m := metrics.Default()

			s, err := sink.New(sinkCfg, logger, m)
			if err != nil {
				return fmt.Errorf("start sink: %w", err)
			}
			defer s.Close()
			defer audio.Terminate()

			logger.Info("sink listening",
				"addr", s.Addr().String(),
				"slots", sinkCfg.SlotCount,
				"device", sinkCfg.OutputDevice,
				"version", Version,
			)

			if statsOnce {
				printStatsLine(m)
				return nil
			}

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

			runDone := make(chan error, 1)
			go func() { runDone <- s.Run(ctx) }()

			statusTicker := time.NewTicker(10 * time.Second)
			defer statusTicker.Stop()

			for {
				select {
				case sig := <-sigCh:
					if sig == syscall.SIGHUP {
						logger.Info("SIGHUP received, reloading config")
						if reloaded, err := config.Load(configPath); err != nil {
							logger.Warn("config reload failed", logging.KeyError, err)
						} else {
							cfg = reloaded
							s.SetOutputDevice(cfg.Sink.Device)
							logger.Info("config reloaded, playback device re-opened", "device", cfg.Sink.Device)
						}
						continue
					}
					logger.Info("signal received, shutting down", "signal", sig.String())
					cancel()
					<-runDone
					return nil
				case <-statusTicker.C:
					printStatsLine(m)
				case err := <-runDone:
					return err
				}
			}
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to INI config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "UDP port to listen on (overrides config)")
	rootCmd.Flags().IntVar(&slotCount, "slots", 16, "Maximum number of concurrent source sessions")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (host:port); empty disables")
	rootCmd.Flags().BoolVar(&statsOnce, "stats", false, "Print one status line and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func serveMetrics(addr string, logger interface {
	Warn(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server exited", "error", err)
	}
}

var (
	statsLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statsValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// printStatsLine renders a single human-readable status line summarizing
// traffic since process start, used both by the periodic status ticker and
// the one-shot --stats flag.
func printStatsLine(m *metrics.Metrics) {
	received := testutil.ToFloat64(m.BytesReceived)
	sent := testutil.ToFloat64(m.BytesSent)
	active := testutil.ToFloat64(m.SlotsActive)

	line := fmt.Sprintf("%s %s  %s %s / %s %s  %s %s",
		statsLabelStyle.Render("uptime"), statsValueStyle.Render(sysinfo.Uptime().Round(time.Second).String()),
		statsLabelStyle.Render("rx"), statsValueStyle.Render(humanize.Bytes(uint64(received))),
		statsLabelStyle.Render("tx"), statsValueStyle.Render(humanize.Bytes(uint64(sent))),
		statsLabelStyle.Render("slots active"), statsValueStyle.Render(fmt.Sprintf("%d", int(active))),
	)
	fmt.Println(line)
}
