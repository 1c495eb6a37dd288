// Package main provides the CLI entry point for the remoteaudio source.
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
	"github.com/postalsys/remoteaudio/internal/protocol"
	"github.com/postalsys/remoteaudio/internal/source"
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
		configPath  string
		port        int
		channels    int
		sampleRate  int
		frameSize   int
		formatFlag  string
		logLevel    string
		logFormat   string
		metricsAddr string
		statsOnce   bool
	)

	rootCmd := &cobra.Command{
		Use:     "remoteaudio-source <sink-host> [device-name] [port]",
		Short:   "Capture, encode, and encrypt local audio to a remoteaudio sink",
		Version: Version,
		Args:    cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			sinkHost := args[0]
			srcCfg := source.DefaultConfig(sinkHost)
			srcCfg.CaptureDevice = cfg.Source.Device
			srcCfg.ChannelCount = channels
			srcCfg.SampleRate = sampleRate
			srcCfg.FrameSize = frameSize
			if formatFlag == "i16" {
				srcCfg.SampleFormat = protocol.SampleFormatI16
			}

			sinkPort := cfg.Source.Port
			if port != 0 {
				sinkPort = port
			}
			if len(args) >= 2 {
				srcCfg.CaptureDevice = args[1]
			}
			if len(args) >= 3 {
				p, err := parsePort(args[2])
				if err != nil {
					return err
				}
				sinkPort = p
			}
			srcCfg.SinkAddr = fmt.Sprintf("%s:%d", sinkHost, sinkPort)

			logger := logging.NewLogger(logLevel, logFormat)
			m := metrics.Default()

			src, err := source.New(srcCfg, logger, m)
			if err != nil {
				return fmt.Errorf("start source: %w", err)
			}
			defer src.Close()
			defer audio.Terminate()

			logger.Info("source connecting",
				"sink", srcCfg.SinkAddr,
				"device", srcCfg.CaptureDevice,
				"version", Version,
			)

			if statsOnce {
				printStatsLine(m, src)
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
			go func() { runDone <- src.Run(ctx) }()

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
							logger.Info("config reloaded")
						}
						continue
					}
					logger.Info("signal received, shutting down", "signal", sig.String())
					cancel()
					<-runDone
					return nil
				case <-statusTicker.C:
					printStatsLine(m, src)
				case err := <-runDone:
					return err
				}
			}
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to INI config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Sink UDP port (overrides config)")
	rootCmd.Flags().IntVar(&channels, "channels", 2, "Capture channel count (1 or 2)")
	rootCmd.Flags().IntVar(&sampleRate, "sample-rate", 48000, "Capture sample rate in Hz")
	rootCmd.Flags().IntVar(&frameSize, "frame-size", 960, "Frame size in samples (20ms at 48kHz)")
	rootCmd.Flags().StringVar(&formatFlag, "format", "f32", "Sample format: f32 or i16")
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
// traffic and session state since process start.
func printStatsLine(m *metrics.Metrics, src *source.Source) {
	sent := testutil.ToFloat64(m.BytesSent)
	received := testutil.ToFloat64(m.BytesReceived)
	framesEncoded := testutil.ToFloat64(m.FramesEncoded)

	line := fmt.Sprintf("%s %s  %s %s  %s %s / %s %s  %s %s",
		statsLabelStyle.Render("uptime"), statsValueStyle.Render(sysinfo.Uptime().Round(time.Second).String()),
		statsLabelStyle.Render("state"), statsValueStyle.Render(src.State().String()),
		statsLabelStyle.Render("tx"), statsValueStyle.Render(humanize.Bytes(uint64(sent))),
		statsLabelStyle.Render("rx"), statsValueStyle.Render(humanize.Bytes(uint64(received))),
		statsLabelStyle.Render("frames"), statsValueStyle.Render(fmt.Sprintf("%d", int(framesEncoded))),
	)
	fmt.Println(line)
}
