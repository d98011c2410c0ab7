// Package config loads docsync configuration from YAML files.
//
// A file is decoded strictly (unknown keys are errors), defaults fill the
// unset fields, and the result is validated against the embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/docsync/internal/revision"
)

//go:embed schema.cue
var schemaCUE string

// Defaults for unset fields.
const (
	DefaultDatabase              = "docsync.db"
	DefaultRetentionCap          = 10000
	DefaultReconnectInitialDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultTransientCeiling      = 10
	DefaultObserverQueueSize     = 256
	DefaultPushBatchSize         = 100
	DefaultLogLevel              = "info"
)

// Config is the recognized configuration surface.
type Config struct {
	// Database is the SQLite file path.
	Database string `yaml:"database"`

	// Name labels metrics and logs. Defaults to the database file name.
	Name string `yaml:"name"`

	// RemoteEndpoint is the gateway url to sync with; empty disables sync.
	RemoteEndpoint string `yaml:"remoteEndpoint"`

	ConflictPolicy revision.Policy `yaml:"conflictPolicy"`

	// RetentionCap bounds the change feed. 0 means unbounded.
	RetentionCap int64 `yaml:"retentionCap"`

	ReconnectInitialDelay time.Duration `yaml:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnectMaxDelay"`

	// TransientCeiling is the number of consecutive failed connection
	// attempts after which transport errors are reported.
	TransientCeiling int `yaml:"transientCeiling"`

	ObserverQueueSize int    `yaml:"observerQueueSize"`
	PushBatchSize     int    `yaml:"pushBatchSize"`
	LogLevel          string `yaml:"logLevel"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(c.Database), filepath.Ext(c.Database))
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = revision.PolicyManual
	}
	if c.RetentionCap == 0 {
		c.RetentionCap = DefaultRetentionCap
	}
	if c.ReconnectInitialDelay == 0 {
		c.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.TransientCeiling == 0 {
		c.TransientCeiling = DefaultTransientCeiling
	}
	if c.ObserverQueueSize == 0 {
		c.ObserverQueueSize = DefaultObserverQueueSize
	}
	if c.PushBatchSize == 0 {
		c.PushBatchSize = DefaultPushBatchSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks c against the schema. Call ApplyDefaults first; the
// schema requires every field.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c.fields()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay <= 0 {
		return fmt.Errorf("invalid config: reconnect delays must be positive")
	}
	if c.ReconnectInitialDelay > c.ReconnectMaxDelay {
		return fmt.Errorf("invalid config: reconnectInitialDelay %s exceeds reconnectMaxDelay %s",
			c.ReconnectInitialDelay, c.ReconnectMaxDelay)
	}
	return nil
}

// fields is c as the schema sees it.
func (c Config) fields() map[string]any {
	return map[string]any{
		"database":              c.Database,
		"name":                  c.Name,
		"remoteEndpoint":        c.RemoteEndpoint,
		"conflictPolicy":        string(c.ConflictPolicy),
		"retentionCap":          c.RetentionCap,
		"reconnectInitialDelay": c.ReconnectInitialDelay.String(),
		"reconnectMaxDelay":     c.ReconnectMaxDelay.String(),
		"transientCeiling":      c.TransientCeiling,
		"observerQueueSize":     c.ObserverQueueSize,
		"pushBatchSize":         c.PushBatchSize,
		"logLevel":              c.LogLevel,
	}
}

// Level returns LogLevel as a slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
