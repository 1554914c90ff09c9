package config

import (
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/adatrace/tracer-core/tracererr"
)

// fileShape is the raw YAML document shape; Load converts it into a
// validated Options, parsing triggers[]/exclude[] and compiling the
// exclude glob set along the way.
type fileShape struct {
	OutputDir            string   `yaml:"output_dir"`
	DurationSeconds      int      `yaml:"duration_seconds"`
	StackBytes           int      `yaml:"stack_bytes"`
	PreRollSeconds       int      `yaml:"pre_roll_seconds"`
	PostRollSeconds      int      `yaml:"post_roll_seconds"`
	Triggers             []string `yaml:"triggers"`
	Exclude              []string `yaml:"exclude"`
	IndexLaneEnabled     *bool    `yaml:"index_lane_enabled"`
	DetailLaneEnabled    *bool    `yaml:"detail_lane_enabled"`
	CaptureStackSnapshot bool     `yaml:"capture_stack_snapshot"`
}

// Load reads and validates a YAML configuration file at path.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, tracererr.Wrap(tracererr.IOFailure, "config: read file", err)
	}

	var raw fileShape
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, tracererr.Wrap(tracererr.Parse, "config: parse yaml", err)
	}

	opts := Options{
		OutputDir:            raw.OutputDir,
		DurationSeconds:      raw.DurationSeconds,
		StackBytes:           datasize.ByteSize(raw.StackBytes) * datasize.B,
		PreRollSeconds:       raw.PreRollSeconds,
		PostRollSeconds:      raw.PostRollSeconds,
		IndexLaneEnabled:     raw.IndexLaneEnabled == nil || *raw.IndexLaneEnabled,
		DetailLaneEnabled:    raw.DetailLaneEnabled == nil || *raw.DetailLaneEnabled,
		CaptureStackSnapshot: raw.CaptureStackSnapshot,
	}

	for _, t := range raw.Triggers {
		trig, err := ParseTrigger(t)
		if err != nil {
			return Options{}, err
		}
		opts.Triggers = append(opts.Triggers, trig)
	}

	excludes, err := CompileExcludes(raw.Exclude)
	if err != nil {
		return Options{}, err
	}
	opts.Exclude = excludes

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
