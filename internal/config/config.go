// Package config loads the roverlog configuration: the rovers and their byte
// sources, demultiplexer limits, synchroniser and replay tuning, the session
// store and log routing.
package config

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/roverlog/internal/demux"
	"github.com/banshee-data/roverlog/internal/ingest"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/replay"
	"github.com/banshee-data/roverlog/internal/rover"
	"github.com/banshee-data/roverlog/internal/serialmux"
	"github.com/banshee-data/roverlog/internal/timesync"
)

// DefaultConfigPath is the example configuration shipped with the repo.
const DefaultConfigPath = "config/roverlog.example.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DefaultListen is the admin listen address when none is configured.
const DefaultListen = "localhost:8091"

//go:embed schema.json
var schemaJSON []byte

// Config is the root configuration. Optional fields are pointers; the Get*
// methods supply defaults for anything left out.
type Config struct {
	Rovers    []RoverConfig  `json:"rovers"`
	Demux     *DemuxConfig   `json:"demux,omitempty"`
	Sync      *SyncConfig    `json:"sync,omitempty"`
	Replay    *ReplayConfig  `json:"replay,omitempty"`
	StorePath *string        `json:"store_path,omitempty"`
	Listen    *string        `json:"listen,omitempty"`
	Logging   *LoggingConfig `json:"logging,omitempty"`
}

// RoverConfig names one rover and where its bytes come from. At most one of
// Serial, PCAP and Fixture is used, in that order.
type RoverConfig struct {
	Name     string                 `json:"name"`
	Serial   string                 `json:"serial,omitempty"`
	Port     *serialmux.PortOptions `json:"port,omitempty"`
	PCAP     string                 `json:"pcap,omitempty"`
	PCAPPort int                    `json:"pcap_port,omitempty"`
	Fixture  string                 `json:"fixture,omitempty"`
	// Init holds hex-encoded frames written to the receiver on start.
	Init []string `json:"init,omitempty"`
}

type DemuxConfig struct {
	MaxUnidentified *int  `json:"max_unidentified,omitempty"`
	MaxPayload      *int  `json:"max_payload,omitempty"`
	MaxSentence     *int  `json:"max_sentence,omitempty"`
	VerifyRTCMCRC   *bool `json:"verify_rtcm_crc,omitempty"`
}

type SyncConfig struct {
	QueueLimit           *int   `json:"queue_limit,omitempty"`
	AlignIntervalMs      *int64 `json:"align_interval_ms,omitempty"`
	AlignThresholdMs     *int64 `json:"align_threshold_ms,omitempty"`
	MaxConsecutiveErrors *int   `json:"max_consecutive_errors,omitempty"`
	Mailbox              *int   `json:"mailbox,omitempty"`
}

type ReplayConfig struct {
	Speed        *float64 `json:"speed,omitempty"`
	FastSpeed    *float64 `json:"fast_speed,omitempty"`
	MaxStepDelay *string  `json:"max_step_delay,omitempty"` // duration string like "5s"
	MaxDrift     *string  `json:"max_drift,omitempty"`
	Loop         *bool    `json:"loop,omitempty"`
}

// LoggingConfig routes each log stream to "stderr", "stdout", "off" or a
// file path.
type LoggingConfig struct {
	Ops   *string `json:"ops,omitempty"`
	Diag  *string `json:"diag,omitempty"`
	Trace *string `json:"trace,omitempty"`
}

// Load reads a configuration file. Files ending in .yaml or .yml are read as
// YAML, everything else as JSON. Both forms are checked against the embedded
// schema before Validate.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON configuration.
func Parse(data []byte) (*Config, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add config schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return schema, nil
}

// yamlToJSON re-encodes a YAML document as JSON so that both forms share
// one schema and one set of struct tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return json.Marshal(doc)
}

// Validate checks values the schema cannot express.
func (c *Config) Validate() error {
	if len(c.Rovers) < rover.MinRovers || len(c.Rovers) > rover.MaxRovers {
		return fmt.Errorf("need %d to %d rovers, got %d", rover.MinRovers, rover.MaxRovers, len(c.Rovers))
	}
	seen := make(map[string]bool)
	for i, r := range c.Rovers {
		if r.Name == "" {
			return fmt.Errorf("rover %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rover name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Port != nil {
			if _, err := r.Port.Normalise(); err != nil {
				return fmt.Errorf("rover %s: %w", r.Name, err)
			}
		}
		if _, err := r.InitCommands(); err != nil {
			return fmt.Errorf("rover %s: %w", r.Name, err)
		}
	}

	if c.Replay != nil {
		for name, v := range map[string]*string{"max_step_delay": c.Replay.MaxStepDelay, "max_drift": c.Replay.MaxDrift} {
			if v == nil || *v == "" {
				continue
			}
			if d, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			} else if d <= 0 {
				return fmt.Errorf("%s must be positive, got %s", name, d)
			}
		}
		if c.Replay.Speed != nil && *c.Replay.Speed <= 0 {
			return fmt.Errorf("speed must be positive, got %f", *c.Replay.Speed)
		}
	}

	if c.Sync != nil && c.Sync.AlignThresholdMs != nil && c.Sync.AlignIntervalMs != nil {
		if *c.Sync.AlignThresholdMs*2 > *c.Sync.AlignIntervalMs {
			return fmt.Errorf("align_threshold_ms %d exceeds half of align_interval_ms %d",
				*c.Sync.AlignThresholdMs, *c.Sync.AlignIntervalMs)
		}
	}
	return nil
}

// Names returns the rover names in configuration order.
func (c *Config) Names() []string {
	names := make([]string, len(c.Rovers))
	for i, r := range c.Rovers {
		names[i] = r.Name
	}
	return names
}

// InitCommands decodes the rover's hex-encoded start-up frames.
func (r RoverConfig) InitCommands() ([][]byte, error) {
	var out [][]byte
	for i, s := range r.Init {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid init command %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// PortOptions returns the rover's serial options with defaults applied.
func (r RoverConfig) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if r.Port != nil {
		opts = *r.Port
	}
	if n, err := opts.Normalise(); err == nil {
		return n
	}
	return opts
}

// GetDemuxOptions returns the demultiplexer options with defaults applied.
func (c *Config) GetDemuxOptions() demux.Options {
	opts := demux.DefaultOptions()
	d := c.Demux
	if d == nil {
		return opts
	}
	if d.MaxUnidentified != nil {
		opts.MaxUnidentified = *d.MaxUnidentified
	}
	if d.MaxPayload != nil {
		opts.MaxPayload = *d.MaxPayload
	}
	if d.MaxSentence != nil {
		opts.MaxSentence = *d.MaxSentence
	}
	if d.VerifyRTCMCRC != nil {
		opts.VerifyRTCMCRC = *d.VerifyRTCMCRC
	}
	return opts
}

// GetSyncOptions returns the synchroniser options.
func (c *Config) GetSyncOptions() rover.Options {
	if c.Sync == nil || c.Sync.QueueLimit == nil {
		return rover.Options{QueueLimit: rover.DefaultQueueLimit}
	}
	return rover.Options{QueueLimit: *c.Sync.QueueLimit}
}

// GetAligner returns the live iTOW aligner, or nil when auto-align is off.
// The threshold defaults to a tenth of the interval.
func (c *Config) GetAligner() *timesync.Aligner {
	if c.Sync == nil || c.Sync.AlignIntervalMs == nil || *c.Sync.AlignIntervalMs <= 0 {
		return nil
	}
	a := &timesync.Aligner{IntervalMs: *c.Sync.AlignIntervalMs, ThresholdMs: *c.Sync.AlignIntervalMs / 10}
	if c.Sync.AlignThresholdMs != nil {
		a.ThresholdMs = *c.Sync.AlignThresholdMs
	}
	return a
}

// GetMaxConsecutiveErrors returns the parse-error run that aborts a source.
func (c *Config) GetMaxConsecutiveErrors() int {
	if c.Sync == nil || c.Sync.MaxConsecutiveErrors == nil {
		return ingest.DefaultMaxConsecutiveErrors
	}
	return *c.Sync.MaxConsecutiveErrors
}

// GetMailbox returns the arrival channel capacity.
func (c *Config) GetMailbox() int {
	if c.Sync == nil || c.Sync.Mailbox == nil {
		return ingest.DefaultMailbox
	}
	return *c.Sync.Mailbox
}

// GetReplayOptions returns the replay scheduler options with defaults
// applied.
func (c *Config) GetReplayOptions() replay.Options {
	opts := replay.DefaultOptions()
	r := c.Replay
	if r == nil {
		return opts
	}
	if r.Speed != nil {
		opts.Speed = *r.Speed
	}
	if r.FastSpeed != nil {
		opts.FastSpeed = *r.FastSpeed
	}
	if d, ok := parseDuration(r.MaxStepDelay); ok {
		opts.MaxStepDelay = d
	}
	if d, ok := parseDuration(r.MaxDrift); ok {
		opts.MaxDrift = d
	}
	if r.Loop != nil {
		opts.Loop = *r.Loop
	}
	return opts
}

func parseDuration(s *string) (time.Duration, bool) {
	if s == nil || *s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// GetStorePath returns the session database path; empty disables the store.
func (c *Config) GetStorePath() string {
	if c.StorePath == nil {
		return ""
	}
	return *c.StorePath
}

// GetListen returns the admin listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// LogWriters opens the configured log destinations. Ops and diag default to
// stderr, trace is off. The returned closer releases any opened files.
func (c *Config) LogWriters() (monitoring.LogWriters, io.Closer, error) {
	l := c.Logging
	if l == nil {
		l = &LoggingConfig{}
	}
	files := &fileSet{}
	ops, err := files.open(l.Ops, "stderr")
	if err != nil {
		files.Close()
		return monitoring.LogWriters{}, nil, err
	}
	diag, err := files.open(l.Diag, "stderr")
	if err != nil {
		files.Close()
		return monitoring.LogWriters{}, nil, err
	}
	trace, err := files.open(l.Trace, "off")
	if err != nil {
		files.Close()
		return monitoring.LogWriters{}, nil, err
	}
	return monitoring.LogWriters{Ops: ops, Diag: diag, Trace: trace}, files, nil
}

type fileSet struct {
	files  []*os.File
	byPath map[string]*os.File
}

func (f *fileSet) open(target *string, def string) (io.Writer, error) {
	t := def
	if target != nil && *target != "" {
		t = *target
	}
	switch t {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "off":
		return nil, nil
	}
	if fh, ok := f.byPath[t]; ok {
		return fh, nil
	}
	fh, err := os.OpenFile(t, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if f.byPath == nil {
		f.byPath = make(map[string]*os.File)
	}
	f.byPath[t] = fh
	f.files = append(f.files, fh)
	return fh, nil
}

func (f *fileSet) Close() error {
	var first error
	for _, fh := range f.files {
		if err := fh.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.files = nil
	f.byPath = nil
	return first
}
