// Package config implements configuration option parsing and validation:
// ranges on capture duration, detail stack depth, and pre/post-roll
// windows, plus the trigger and exclude grammars and the control block's
// process and flight-recorder state enums.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"

	"github.com/adatrace/tracer-core/marking"
	"github.com/adatrace/tracer-core/tracererr"
)

// ProcessState mirrors the control block's process_state field: the
// lifecycle stage of the traced process as observed by the controller.
type ProcessState int

const (
	ProcessUnknown ProcessState = iota
	ProcessSpawning
	ProcessAttached
	ProcessRunning
	ProcessExited
)

// FlightRecorderState mirrors the control block's flight_state field: the
// tracer's own capture lifecycle, independent of the traced process.
type FlightRecorderState int

const (
	RecorderIdle FlightRecorderState = iota
	RecorderArmed
	RecorderCapturing
	RecorderFinalizing
	RecorderStopped
)

// TriggerKind distinguishes the three trigger grammars the CLI accepts.
type TriggerKind int

const (
	TriggerCrash TriggerKind = iota
	TriggerSymbol
	TriggerTime
)

// Trigger is one parsed entry from triggers[].
type Trigger struct {
	Kind TriggerKind

	// Symbol trigger fields.
	ModuleName    string // optional, empty means unscoped
	SymbolPattern string
	SymbolIsRegex bool

	// Time trigger field, in seconds.
	TimeSeconds int
}

var (
	moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)

	// symbolLiteralRe matches "symbol=<module?::|@|:>sym" and
	// symbolRegexRe matches "symbol~=<regex>".
	symbolLiteralRe = regexp.MustCompile(`^symbol=(?:([A-Za-z0-9_.\-/]+)(?:::|@|:))?(.+)$`)
	symbolRegexRe   = regexp.MustCompile(`^symbol~=(.+)$`)
	timeRe          = regexp.MustCompile(`^time=(\d+)$`)
)

// ParseTrigger parses one entry of the triggers[] grammar.
func ParseTrigger(s string) (Trigger, error) {
	switch {
	case s == "crash":
		return Trigger{Kind: TriggerCrash}, nil
	case symbolRegexRe.MatchString(s):
		m := symbolRegexRe.FindStringSubmatch(s)
		return Trigger{Kind: TriggerSymbol, SymbolPattern: m[1], SymbolIsRegex: true}, nil
	case symbolLiteralRe.MatchString(s):
		m := symbolLiteralRe.FindStringSubmatch(s)
		return Trigger{Kind: TriggerSymbol, ModuleName: m[1], SymbolPattern: m[2]}, nil
	case timeRe.MatchString(s):
		m := timeRe.FindStringSubmatch(s)
		seconds, err := strconv.Atoi(m[1])
		if err != nil {
			return Trigger{}, tracererr.Wrap(tracererr.Parse, "config: time trigger seconds", err)
		}
		return Trigger{Kind: TriggerTime, TimeSeconds: seconds}, nil
	default:
		return Trigger{}, tracererr.New(tracererr.Parse, fmt.Sprintf("config: unrecognized trigger %q", s))
	}
}

// ToMarkingEntry converts a Symbol trigger into a marking policy entry.
// Crash and Time triggers have no marking-policy equivalent; ok is false
// for them.
func (t Trigger) ToMarkingEntry() (marking.TriggerEntry, bool) {
	if t.Kind != TriggerSymbol {
		return marking.TriggerEntry{}, false
	}
	match := marking.Literal
	if t.SymbolIsRegex {
		match = marking.Regex
	}
	return marking.TriggerEntry{
		Target:     marking.Symbol,
		Match:      match,
		Pattern:    t.SymbolPattern,
		ModuleName: t.ModuleName,
	}, true
}

// ExcludeSet is a compiled set of exclude[] module-name glob patterns.
type ExcludeSet struct {
	globs []glob.Glob
}

// CompileExcludes compiles each pattern in patterns, validating the
// module-name character class before passing it to glob.Compile so
// operators can write "libfoo*" instead of being limited to exact names.
func CompileExcludes(patterns []string) (*ExcludeSet, error) {
	set := &ExcludeSet{}
	for _, p := range patterns {
		stripped := strings.Map(func(r rune) rune {
			if r == '*' || r == '?' {
				return -1
			}
			return r
		}, p)
		if !moduleNamePattern.MatchString(stripped) {
			return nil, tracererr.New(tracererr.Parse, fmt.Sprintf("config: invalid exclude pattern %q", p))
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, tracererr.Wrap(tracererr.Parse, "config: compile exclude pattern", err)
		}
		set.globs = append(set.globs, g)
	}
	return set, nil
}

// Excluded reports whether moduleName matches any compiled exclude
// pattern.
func (e *ExcludeSet) Excluded(moduleName string) bool {
	for _, g := range e.globs {
		if g.Match(moduleName) {
			return true
		}
	}
	return false
}

// Options is the validated, in-memory shape of the recognized
// configuration options.
type Options struct {
	OutputDir            string
	DurationSeconds      int
	StackBytes           datasize.ByteSize
	PreRollSeconds       int
	PostRollSeconds      int
	Triggers             []Trigger
	Exclude              *ExcludeSet
	IndexLaneEnabled     bool
	DetailLaneEnabled    bool
	CaptureStackSnapshot bool
}

// rangeError builds a Parse error describing which option fell outside
// its permitted range.
func rangeError(field string, got, lo, hi int) error {
	return tracererr.New(tracererr.Parse, fmt.Sprintf("config: %s=%d out of range [%d,%d]", field, got, lo, hi))
}

// Validate checks every ranged option against its permitted bounds.
func (o Options) Validate() error {
	if o.OutputDir == "" {
		return tracererr.New(tracererr.Parse, "config: output_dir must not be empty")
	}
	if o.DurationSeconds < 0 || o.DurationSeconds > 86400 {
		return rangeError("duration_seconds", o.DurationSeconds, 0, 86400)
	}
	if o.StackBytes > 512*datasize.B {
		return rangeError("stack_bytes", int(o.StackBytes), 0, 512)
	}
	if o.PreRollSeconds < 0 || o.PreRollSeconds > 86400 {
		return rangeError("pre_roll_seconds", o.PreRollSeconds, 0, 86400)
	}
	if o.PostRollSeconds < 0 || o.PostRollSeconds > 86400 {
		return rangeError("post_roll_seconds", o.PostRollSeconds, 0, 86400)
	}
	return nil
}
