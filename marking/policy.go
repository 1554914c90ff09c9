// Package marking implements the selective-persistence policy: a
// compiled set of pattern rules matched against a probe at mark time,
// deciding whether a Detail window is worth keeping once its ring fills.
package marking

import (
	"regexp"
	"strings"
)

// Target is the probe field a rule matches against.
type Target int

const (
	Symbol Target = iota
	Message
)

// MatchKind selects literal equality or regex matching for a rule.
type MatchKind int

const (
	Literal MatchKind = iota
	Regex
)

// TriggerEntry is the unvalidated shape produced by config parsing. Fields
// left zero-valued are treated as absent.
type TriggerEntry struct {
	Target        Target
	Match         MatchKind
	Pattern       string
	ModuleName    string // optional scope; empty means unscoped
	CaseSensitive bool
}

// rule is one compiled matcher.
type rule struct {
	target        Target
	pattern       string
	moduleName    string
	hasModule     bool
	caseSensitive bool
	re            *regexp.Regexp // nil if this rule matches literally
	compileFailed bool
}

// Policy is a compiled, immutable set of rules. The zero Policy matches
// nothing.
type Policy struct {
	rules           []rule
	compileFailures int
}

// Probe is the event the policy is evaluated against at mark time. A field
// whose Has flag is false never matches a rule that targets it.
type Probe struct {
	SymbolName string
	ModuleName string
	Message    string

	HasSymbolName bool
	HasModuleName bool
	HasMessage    bool
}

// Compile builds a Policy from a trigger list. Entries missing required
// fields (empty pattern) are silently skipped.
func Compile(entries []TriggerEntry) *Policy {
	p := &Policy{}
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		r := rule{
			target:        e.Target,
			pattern:       e.Pattern,
			moduleName:    e.ModuleName,
			hasModule:     e.ModuleName != "",
			caseSensitive: e.CaseSensitive,
		}
		if e.Match == Regex {
			expr := e.Pattern
			if !e.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				// Best-effort fallback to literal on the same pattern; the
				// compile failure is still recorded.
				r.compileFailed = true
				p.compileFailures++
			} else {
				r.re = re
			}
		}
		p.rules = append(p.rules, r)
	}
	return p
}

// CompileFailures returns how many rules fell back to literal matching
// because their regex failed to compile.
func (p *Policy) CompileFailures() int { return p.compileFailures }

// RuleCount returns how many rules the policy holds.
func (p *Policy) RuleCount() int { return len(p.rules) }

// Matches reports whether probe satisfies any rule in the policy.
func (p *Policy) Matches(probe Probe) bool {
	for _, r := range p.rules {
		if matchesRule(r, probe) {
			return true
		}
	}
	return false
}

func matchesRule(r rule, probe Probe) bool {
	if r.hasModule {
		if !probe.HasModuleName || !equalFold(probe.ModuleName, r.moduleName, r.caseSensitive) {
			return false
		}
	}

	switch r.target {
	case Symbol:
		if !probe.HasSymbolName {
			return false
		}
		return matchValue(r, probe.SymbolName)
	case Message:
		if !probe.HasMessage {
			return false
		}
		return matchValue(r, probe.Message)
	default:
		return false
	}
}

func matchValue(r rule, value string) bool {
	if r.pattern == "" {
		return false
	}
	if r.re != nil {
		return r.re.MatchString(value)
	}
	return equalFold(value, r.pattern, r.caseSensitive)
}

func equalFold(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}
