package spooler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SourceConfig is one watched glob with the context applied to its files.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Glob     string `yaml:"glob"`
	Format   string `yaml:"format"`
	Host     string `yaml:"host"`
	App      string `yaml:"app"`
	Timezone string `yaml:"timezone"`
}

// SourcesConfig accepts either:
//  1. mapping form (preferred):
//     sources:
//     nginx: /var/log/nginx/*.log
//     auth:  {glob: /var/log/auth*, format: syslog, host: web1}
//  2. list form:
//     sources:
//     - name: nginx
//     glob: /var/log/nginx/*.log
type SourcesConfig struct {
	Items []SourceConfig
}

func (s *SourcesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]SourceConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			name := strings.TrimSpace(k.Value)
			if name == "" {
				continue
			}

			// Allow mapping values to be either:
			// - scalar string: <glob>
			// - mapping object: {glob: ..., format: ..., host: ...}
			switch v.Kind {
			case yaml.ScalarNode:
				glob := strings.TrimSpace(v.Value)
				if glob == "" {
					continue
				}
				items = append(items, SourceConfig{Name: name, Glob: glob})
			case yaml.MappingNode:
				var tmp SourceConfig
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				tmp.Name = name
				tmp.Glob = strings.TrimSpace(tmp.Glob)
				if tmp.Glob == "" {
					continue
				}
				items = append(items, tmp)
			default:
				continue
			}
		}
		s.Items = items
		return nil
	case yaml.SequenceNode:
		var items []SourceConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		s.Items = items
		return nil
	default:
		// ignore other kinds
		return nil
	}
}

// ByteSize is a byte count written as a number or a human string ("9GiB").
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// ParseByteSize parses "512MiB", "9GB" or a plain number of bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("byte size %q: %w", s, err)
	}
	return int64(n), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type IngestConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMax      time.Duration `yaml:"retry_max"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StableWait    time.Duration `yaml:"stable_wait"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	// DeleteAfterCommit removes source files once their content is stored.
	// ArchiveDir, when set, receives them instead.
	DeleteAfterCommit bool     `yaml:"delete_after_commit"`
	ArchiveDir        string   `yaml:"archive_dir"`
	IgnoreSuffixes    []string `yaml:"ignore_suffixes"`
	SampleBytes       int      `yaml:"sample_bytes"`
}

type QuarantineConfig struct {
	Dir        string        `yaml:"dir"`
	MaxAge     time.Duration `yaml:"max_age"`
	MaxBytes   ByteSize      `yaml:"max_bytes"`
	PurgeEvery time.Duration `yaml:"purge_every"`
}

type RetentionConfig struct {
	// MaxAge prunes events ingested longer ago than this; zero disables.
	MaxAge        time.Duration `yaml:"max_age"`
	Interval      time.Duration `yaml:"interval"`
	ChunkSize     int           `yaml:"chunk_size"`
	HighWatermark ByteSize      `yaml:"high_watermark"`
	LowWatermark  ByteSize      `yaml:"low_watermark"`
	// MinAge protects recently ingested rows from quota pruning.
	MinAge time.Duration `yaml:"min_age"`
}

type AlertsConfig struct {
	Cooldown         time.Duration     `yaml:"cooldown"`
	StorageThreshold ByteSize          `yaml:"storage_threshold"`
	EvaluateEvery    time.Duration     `yaml:"evaluate_every"`
	SyslogAddr       string            `yaml:"syslog_addr"`
	SyslogTimeout    time.Duration     `yaml:"syslog_timeout"`
	Labels           map[string]string `yaml:"labels"`
}

type TagsConfig struct {
	Codes []string `yaml:"codes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileConfig struct {
	Database   DatabaseConfig   `yaml:"database"`
	Sources    SourcesConfig    `yaml:"sources"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Retention  RetentionConfig  `yaml:"retention"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Tags       TagsConfig       `yaml:"tags"`
	Log        LogConfig        `yaml:"log"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.WithDefaults()
	return &cfg, nil
}

var defaultIgnoreSuffixes = []string{".tmp", ".partial", ".swp", ".crdownload"}

// WithDefaults fills unset values in place.
func (c *FileConfig) WithDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "logvault.db"
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	in := &c.Ingest
	if in.Workers <= 0 {
		in.Workers = 4
	}
	if in.BatchSize <= 0 {
		in.BatchSize = 500
	}
	if in.BatchTimeout <= 0 {
		in.BatchTimeout = 30 * time.Second
	}
	if in.RetryAttempts <= 0 {
		in.RetryAttempts = 5
	}
	if in.RetryInitial <= 0 {
		in.RetryInitial = 200 * time.Millisecond
	}
	if in.RetryMax <= 0 {
		in.RetryMax = 10 * time.Second
	}
	if in.PollInterval <= 0 {
		in.PollInterval = 5 * time.Second
	}
	if in.StableWait <= 0 {
		in.StableWait = time.Second
	}
	if in.StaleAfter <= 0 {
		in.StaleAfter = 15 * time.Minute
	}
	if in.IgnoreSuffixes == nil {
		in.IgnoreSuffixes = append([]string(nil), defaultIgnoreSuffixes...)
	}
	if in.SampleBytes <= 0 {
		in.SampleBytes = 8 * 1024
	}
	if c.Quarantine.Dir == "" {
		c.Quarantine.Dir = "quarantine"
	}
	if c.Quarantine.PurgeEvery <= 0 {
		c.Quarantine.PurgeEvery = time.Hour
	}
	r := &c.Retention
	if r.Interval <= 0 {
		r.Interval = time.Hour
	}
	if r.ChunkSize <= 0 {
		r.ChunkSize = 5000
	}
	if r.LowWatermark <= 0 && r.HighWatermark > 0 {
		r.LowWatermark = r.HighWatermark * 9 / 10
	}
	if c.Alerts.Cooldown <= 0 {
		c.Alerts.Cooldown = 15 * time.Minute
	}
	if c.Alerts.EvaluateEvery <= 0 {
		c.Alerts.EvaluateEvery = time.Minute
	}
	if c.Alerts.StorageThreshold <= 0 {
		c.Alerts.StorageThreshold = r.HighWatermark
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports configuration that cannot work.
func (c *FileConfig) Validate() error {
	names := map[string]bool{}
	for i, s := range c.Sources.Items {
		if strings.TrimSpace(s.Glob) == "" {
			return fmt.Errorf("sources[%d]: glob is required", i)
		}
		if s.Name != "" && names[s.Name] {
			return fmt.Errorf("sources: duplicate name %q", s.Name)
		}
		names[s.Name] = true
		if _, err := s.Location(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	r := c.Retention
	if r.HighWatermark > 0 && r.LowWatermark > r.HighWatermark {
		return fmt.Errorf("retention: low_watermark %s above high_watermark %s", r.LowWatermark, r.HighWatermark)
	}
	return nil
}

// Location resolves the source timezone. Empty means UTC.
func (s SourceConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}
