// Package runspec loads and validates declarative run specifications.
// Validation is whole-file: every missing or malformed field is collected
// and reported in a single InvalidConfigError, and a partially populated
// config is never returned.
package runspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/stage"
)

// InvalidConfigError lists every field that failed validation.
type InvalidConfigError struct {
	Fields []string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid run spec: %s", strings.Join(e.Fields, "; "))
}

// StagePlan is one stage selection with its per-run execution policy.
type StagePlan struct {
	Name   string
	Params map[string]string

	Retries    int
	Backoff    time.Duration
	BestEffort bool

	// Timeout overrides the descriptor default when positive.
	Timeout time.Duration
}

// Input declares one file to stage into the run root before execution.
type Input struct {
	Sha256  string
	Url     string
	Content string
	Dest    string
}

// Config is a fully validated run configuration, owned by one run.
type Config struct {
	RunID    string
	Start    time.Time
	NumHours int

	RunRoot string
	Grace   time.Duration

	Stages []StagePlan
	Inputs []Input

	// ArchivePath, when set, receives the zstd artifact archive.
	ArchivePath string
}

// Release frees the run's working-directory claim. Call once the run is
// finished.
func (c *Config) Release() {
	releaseWorkdir(c.RunRoot)
}

type specStage struct {
	Name       string            `toml:"name"`
	Params     map[string]string `toml:"params"`
	Retries    int               `toml:"retries"`
	BackoffSec int               `toml:"backoff_sec"`
	BestEffort bool              `toml:"best_effort"`
	TimeoutSec int               `toml:"timeout_sec"`
}

type specInput struct {
	Sha256  string `toml:"sha256"`
	Url     string `toml:"url"`
	Content string `toml:"content"`
	Dest    string `toml:"dest"`
}

type specRoot struct {
	RunID    string `toml:"run_id"`
	Start    string `toml:"start"`
	NumHours int    `toml:"num_hours"`

	RunRoot  string `toml:"run_root"`
	GraceSec int    `toml:"grace_sec"`

	ArchivePath string `toml:"archive_path"`

	Stages []specStage `toml:"stages"`
	Inputs []specInput `toml:"inputs"`
}

var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseStart(s string) (time.Time, error) {
	for _, layout := range startLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start time %q", s)
}

// Load reads a run spec from path and validates it against the stage
// registry. The returned config holds a claim on its working directory;
// release it with Config.Release.
func Load(path string, reg *stage.Registry) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run spec: %w", err)
	}
	return Parse(data, reg)
}

// Parse validates a run spec from raw TOML.
func Parse(data []byte, reg *stage.Registry) (*Config, error) {
	var root specRoot
	if err := toml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse run spec TOML: %w", err)
	}
	return build(root, reg)
}

// FromRequest validates a queue-submitted run request. The request carries
// the same information as a run spec file; it goes through the same
// whole-request validation and claims the working directory on success.
func FromRequest(req *api.RunReq, reg *stage.Registry) (*Config, error) {
	root := specRoot{
		RunID:    req.RunUuid,
		Start:    req.Start,
		NumHours: req.NumHours,
		RunRoot:  req.RunRoot,
	}
	for _, s := range req.Stages {
		root.Stages = append(root.Stages, specStage{
			Name:       s.Name,
			Params:     s.Params,
			Retries:    s.Retries,
			BackoffSec: s.BackoffSec,
			BestEffort: s.BestEffort,
			TimeoutSec: s.TimeoutSec,
		})
	}
	for _, in := range req.Inputs {
		root.Inputs = append(root.Inputs, specInput{
			Sha256:  deref(in.Sha256),
			Url:     deref(in.Url),
			Content: deref(in.Content),
			Dest:    in.Dest,
		})
	}
	return build(root, reg)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func build(root specRoot, reg *stage.Registry) (*Config, error) {
	var fields []string
	bad := func(format string, args ...any) {
		fields = append(fields, fmt.Sprintf(format, args...))
	}

	cfg := &Config{
		RunID:       root.RunID,
		NumHours:    root.NumHours,
		Grace:       time.Duration(root.GraceSec) * time.Second,
		ArchivePath: root.ArchivePath,
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	if root.Start == "" {
		bad("start: required")
	} else if start, err := parseStart(root.Start); err != nil {
		bad("start: %v", err)
	} else {
		cfg.Start = start
	}

	if root.NumHours < 1 {
		bad("num_hours: must be at least 1, got %d", root.NumHours)
	}
	if root.GraceSec < 0 {
		bad("grace_sec: must not be negative")
	}

	if root.RunRoot == "" {
		bad("run_root: required")
	} else if abs, err := filepath.Abs(root.RunRoot); err != nil {
		bad("run_root: %v", err)
	} else {
		cfg.RunRoot = abs
	}

	if len(root.Stages) == 0 {
		bad("stages: at least one stage is required")
	}
	seen := mapset.NewSet[string]()
	for i, s := range root.Stages {
		if s.Name == "" {
			bad("stages[%d].name: required", i)
			continue
		}
		if !reg.Has(s.Name) {
			bad("stages[%d].name: unknown stage %q", i, s.Name)
		}
		if !seen.Add(s.Name) {
			bad("stages[%d].name: duplicate stage %q", i, s.Name)
		}
		if s.Retries < 0 {
			bad("stages[%d].retries: must not be negative", i)
		}
		if s.BackoffSec < 0 {
			bad("stages[%d].backoff_sec: must not be negative", i)
		}
		if s.TimeoutSec < 0 {
			bad("stages[%d].timeout_sec: must not be negative", i)
		}
		cfg.Stages = append(cfg.Stages, StagePlan{
			Name:       s.Name,
			Params:     s.Params,
			Retries:    s.Retries,
			Backoff:    time.Duration(s.BackoffSec) * time.Second,
			BestEffort: s.BestEffort,
			Timeout:    time.Duration(s.TimeoutSec) * time.Second,
		})
	}

	for i, in := range root.Inputs {
		if in.Dest == "" {
			bad("inputs[%d].dest: required", i)
		}
		if in.Content == "" && in.Url == "" {
			bad("inputs[%d]: either url or content is required", i)
		}
		if in.Url != "" && in.Sha256 == "" {
			bad("inputs[%d].sha256: required for downloaded inputs", i)
		}
		cfg.Inputs = append(cfg.Inputs, Input{
			Sha256:  in.Sha256,
			Url:     in.Url,
			Content: in.Content,
			Dest:    in.Dest,
		})
	}

	if len(fields) > 0 {
		return nil, &InvalidConfigError{Fields: fields}
	}

	if err := claimWorkdir(cfg.RunID, cfg.RunRoot); err != nil {
		return nil, &InvalidConfigError{Fields: []string{err.Error()}}
	}

	return cfg, nil
}
