// Package severity maps severity labels to numeric priorities and combines
// priorities of correlated events.
package severity

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownLabel is reported for priorities at or below the baseline.
const UnknownLabel = "unknown"

// DefaultLevels is the default label to priority map.
var DefaultLevels = map[string]int{
	"critical": 4,
	"error":    3,
	"warning":  2,
	"info":     1,
}

// DefaultAliases maps common spellings onto canonical labels.
var DefaultAliases = map[string]string{
	"crit":          "critical",
	"fatal":         "critical",
	"emergency":     "critical",
	"alert":         "critical",
	"err":           "error",
	"high":          "error",
	"warn":          "warning",
	"medium":        "warning",
	"information":   "info",
	"informational": "info",
	"notice":        "info",
	"low":           "info",
}

// Level is a priority that may be undefined.
type Level struct {
	Value   int
	Defined bool
}

// Defined returns a defined level.
func Defined(v int) Level { return Level{Value: v, Defined: true} }

// Undefined returns the undefined level.
func Undefined() Level { return Level{} }

// Scale resolves severity labels against a configured priority map.
type Scale struct {
	levels   map[string]int
	aliases  map[string]string
	baseline int
	// ordered canonical labels, highest priority first
	ordered []string
}

// NewScale builds a Scale. Labels are matched case-insensitively. Priorities
// must be greater than the baseline so a known label always outranks an
// unknown one.
func NewScale(levels map[string]int, aliases map[string]string, baseline int) (*Scale, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("severity scale needs at least one level")
	}

	s := &Scale{
		levels:   make(map[string]int, len(levels)),
		aliases:  make(map[string]string, len(aliases)),
		baseline: baseline,
	}
	for label, p := range levels {
		label = normalize(label)
		if label == "" {
			return nil, fmt.Errorf("severity level with empty label")
		}
		if p <= baseline {
			return nil, fmt.Errorf("severity %q priority %d must be greater than baseline %d", label, p, baseline)
		}
		s.levels[label] = p
		s.ordered = append(s.ordered, label)
	}
	for alias, target := range aliases {
		target = normalize(target)
		if _, ok := s.levels[target]; !ok {
			return nil, fmt.Errorf("severity alias %q targets unknown level %q", alias, target)
		}
		s.aliases[normalize(alias)] = target
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		pi, pj := s.levels[s.ordered[i]], s.levels[s.ordered[j]]
		if pi != pj {
			return pi > pj
		}
		return s.ordered[i] < s.ordered[j]
	})
	return s, nil
}

// DefaultScale returns the scale built from DefaultLevels and DefaultAliases
// with a baseline of zero.
func DefaultScale() *Scale {
	s, err := NewScale(DefaultLevels, DefaultAliases, 0)
	if err != nil {
		panic(err)
	}
	return s
}

// Baseline returns the priority used when a label is unknown or absent.
func (s *Scale) Baseline() int { return s.baseline }

// Lookup returns the priority for label. The level is undefined when the
// label is empty or not part of the scale.
func (s *Scale) Lookup(label string) Level {
	label = normalize(label)
	if label == "" {
		return Undefined()
	}
	if p, ok := s.levels[label]; ok {
		return Defined(p)
	}
	if target, ok := s.aliases[label]; ok {
		return Defined(s.levels[target])
	}
	return Undefined()
}

// Priority returns the priority for label, falling back to the baseline.
func (s *Scale) Priority(label string) int {
	l := s.Lookup(label)
	if !l.Defined {
		return s.baseline
	}
	return l.Value
}

// Label returns the canonical label with the highest priority not above p.
// Priorities at or below the baseline map to UnknownLabel.
func (s *Scale) Label(p int) string {
	if p <= s.baseline {
		return UnknownLabel
	}
	for _, label := range s.ordered {
		if s.levels[label] <= p {
			return label
		}
	}
	return UnknownLabel
}

// Canonical returns the canonical spelling of label, or UnknownLabel.
func (s *Scale) Canonical(label string) string {
	l := s.Lookup(label)
	if !l.Defined {
		return UnknownLabel
	}
	return s.Label(l.Value)
}

// CombinedPriority merges the priority of an incoming event with the priority
// already recorded for its incident.
//
//   - both defined: the greater of the two
//   - exactly one defined: that one
//   - neither defined: the baseline
func (s *Scale) CombinedPriority(current, related Level) int {
	switch {
	case current.Defined && related.Defined:
		if current.Value >= related.Value {
			return current.Value
		}
		return related.Value
	case current.Defined:
		return current.Value
	case related.Defined:
		return related.Value
	default:
		return s.baseline
	}
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
