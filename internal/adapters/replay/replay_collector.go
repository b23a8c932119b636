// Package replay feeds snapshot files from a directory into the pipeline,
// in file name order, the way a bench device replays simulator output.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thermoflow/thermoflow/internal/domain"
	"github.com/thermoflow/thermoflow/internal/ports"
)

type Config struct {
	Dir      string        `yaml:"dir"`
	Pattern  string        `yaml:"pattern"`
	Interval time.Duration `yaml:"interval"`
	// MachineID is used for files that do not name their machine.
	MachineID string `yaml:"machine_id"`
	// Loop restarts from the first file after the last one.
	Loop bool `yaml:"loop"`
}

func (c *Config) ApplyDefaults() {
	if c.Pattern == "" {
		c.Pattern = "snapshot_*.json"
	}
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.MachineID == "" {
		c.MachineID = "MACHINE_001"
	}
}

func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	if _, err := filepath.Match(c.Pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", c.Pattern, err)
	}
	return nil
}

type Collector struct {
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func NewCollector(cfg Config, log zerolog.Logger) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{cfg: cfg, log: log, now: time.Now, done: make(chan struct{})}, nil
}

// Files lists the snapshot files that a replay would send, in order.
func (c *Collector) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(c.cfg.Dir, c.cfg.Pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (c *Collector) Start(out chan<- *domain.RawSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("replay collector already started")
	}

	files, err := c.Files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files matching %s in %s", c.cfg.Pattern, c.cfg.Dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, files, out)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// Done is closed once every file has been sent, or after Stop.
func (c *Collector) Done() <-chan struct{} { return c.done }

func (c *Collector) run(ctx context.Context, files []string, out chan<- *domain.RawSnapshot) {
	defer close(c.done)

	var ticker *time.Ticker
	if c.cfg.Interval > 0 {
		ticker = time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
	}

	for first := true; ; first = false {
		if !first && !c.cfg.Loop {
			return
		}
		for i, path := range files {
			if ticker != nil && (i > 0 || !first) {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}

			raw, err := c.load(path)
			if err != nil {
				c.log.Error().Err(err).Str("file", path).Msg("replay_file_skipped")
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- raw:
			}
		}
	}
}

func (c *Collector) load(path string) (*domain.RawSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode %s: not a JSON object", filepath.Base(path))
	}

	if _, ok := fields["machine_id"]; !ok {
		fields["machine_id"] = c.cfg.MachineID
	}
	_, hasTS := fields["timestamp"]
	_, hasStep := fields["timestep"]
	if !hasTS && !hasStep {
		fields["timestamp"] = c.now().UTC().Format(time.RFC3339Nano)
	}

	return &domain.RawSnapshot{
		Source:     "replay:" + filepath.Base(path),
		Fields:     fields,
		ReceivedAt: c.now(),
	}, nil
}

var (
	_ ports.Collector = (*Collector)(nil)
	_ ports.Finite    = (*Collector)(nil)
)
