package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thermoflow/thermoflow/internal/logger"
	"github.com/thermoflow/thermoflow/pkg/thermoflow"
)

func main() {
	log, _ := logger.New("info", logger.FormatConsole, os.Stderr)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:], log)
	case "validate":
		err = validateCommand(os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:], log)
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("thermo-edge failed")
	}
}

func runCommand(args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to edge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := thermoflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", *cfgPath).Str("source", flow.Config().Source.Kind).Str("store", flow.Config().Store.Kind).Msg("edge runtime starting")
	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := thermoflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	fmt.Printf("  source=%s store=%s window=%d attempts=%d attempt_timeout=%s\n",
		cfg.Source.Kind, cfg.Store.Kind, cfg.Policy.WindowCapacity, cfg.Policy.MaxAttempts, cfg.Policy.AttemptTimeout)
	fmt.Printf("  worst-case forward time per window: %s\n", cfg.Policy.ForwardBound())
	return nil
}

// replayCommand runs the pipeline over a directory of snapshot files and
// exits once the last file has been forwarded.
func replayCommand(args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Optional configuration file for policy, store and spool settings")
	dir := fs.String("dir", "", "Directory holding snapshot_*.json files")
	pattern := fs.String("pattern", "snapshot_*.json", "File name pattern")
	interval := fs.Duration("interval", 500*time.Millisecond, "Delay between snapshots")
	machine := fs.String("machine", "", "Machine id for files that carry none")
	loop := fs.Bool("loop", false, "Start over after the last file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	cfg := &thermoflow.Config{}
	if *cfgPath != "" {
		raw, err := os.ReadFile(*cfgPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("%w: %v", thermoflow.ErrInvalidConfig, err)
		}
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = thermoflow.StoreHTTP
	}
	cfg.Source = thermoflow.SourceConfig{
		Kind: thermoflow.SourceReplay,
		Replay: thermoflow.ReplayConfig{
			Dir:       *dir,
			Pattern:   *pattern,
			Interval:  *interval,
			MachineID: *machine,
			Loop:      *loop,
		},
	}

	flow, err := thermoflow.ConfFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("dir", *dir).Str("pattern", *pattern).Dur("interval", *interval).Msg("replaying snapshots")
	return flow.Run(ctx)
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: *interval}
	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(client, *url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsTargets = map[string]string{
	"thermo_snapshots_received_total": "received",
	"thermo_snapshots_dropped_total":  "dropped",
	"thermo_windows_reduced_total":    "windows",
	"thermo_records_accepted_total":   "accepted",
	"thermo_records_rejected_total":   "rejected",
	"thermo_forward_exhausted_total":  "exhausted",
	"thermo_records_spooled_total":    "spooled",
	"thermo_records_dropped_total":    "lost",
	"thermo_active_machines":          "machines",
	"thermo_spool_size_bytes":         "spool_bytes",
}

func printMetricsSnapshot(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := make(map[string]float64, len(statsTargets))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key, label := range statsTargets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[label] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	labels := make([]string, 0, len(statsTargets))
	for _, label := range statsTargets {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s=%g", label, values[label]))
	}
	fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), strings.Join(parts, " "))
	return nil
}

func printUsage() {
	fmt.Printf(`ThermoFlow edge CLI

Usage:
  thermo-edge <command> [flags]

Commands:
  run        Start the edge runtime using the provided config
  validate   Load and validate a config file without starting the runtime
  replay     Run the pipeline over a directory of snapshot files
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  thermo-edge run -config ./data/config.yaml
  thermo-edge validate -config ./data/config.yaml
  thermo-edge replay -dir ./snapshots -interval 100ms -config ./data/config.yaml
  thermo-edge stats -url http://localhost:9100/metrics -interval 1s
`)
}
