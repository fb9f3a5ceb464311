// Package mitre maps honeypot actions onto MITRE ATT&CK tactic /
// technique / sub-technique triples using a prioritized rule table.
package mitre

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/trapline/internal/model"
)

// Rule is one classification rule. Kind rules match the action kind
// exactly; pattern rules run a regex over the payload. A rule with both
// requires both to hold.
type Rule struct {
	ID           string `yaml:"id"`
	Service      string `yaml:"service"`
	Kind         string `yaml:"kind"`
	Pattern      string `yaml:"pattern"`
	Tactic       string `yaml:"tactic"`
	Technique    string `yaml:"technique"`
	SubTechnique string `yaml:"sub_technique"`

	re *regexp.Regexp
}

// Validate compiles the pattern and checks required fields.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if r.Kind == "" && r.Pattern == "" {
		return fmt.Errorf("rule %s: needs a kind or a pattern", r.ID)
	}
	if r.Tactic == "" || r.Technique == "" {
		return fmt.Errorf("rule %s: tactic and technique are required", r.ID)
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: bad pattern: %w", r.ID, err)
		}
		r.re = re
	}
	return nil
}

func (r *Rule) matchesService(service string) bool {
	return r.Service == "" || r.Service == "*" || r.Service == service
}

// snapshot is an immutable compiled rule table. Exact-kind rules are
// checked before pattern rules, both in table order.
type snapshot struct {
	kindRules    []Rule
	patternRules []Rule
	version      int64
}

// Classifier holds the active rule snapshot behind an atomic pointer so
// reloads never block classification.
type Classifier struct {
	snap atomic.Pointer[snapshot]
}

// NewClassifier builds a classifier from an initial rule set.
func NewClassifier(rules []Rule) (*Classifier, error) {
	c := &Classifier{}
	if err := c.Swap(rules, 1); err != nil {
		return nil, err
	}
	return c, nil
}

// NewDefaultClassifier builds a classifier from the built-in table.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(defaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Swap validates and atomically installs a new rule table.
func (c *Classifier) Swap(rules []Rule, version int64) error {
	snap := &snapshot{version: version}
	for _, r := range rules {
		r := r
		if err := r.Validate(); err != nil {
			return err
		}
		if r.Kind != "" {
			snap.kindRules = append(snap.kindRules, r)
		} else {
			snap.patternRules = append(snap.patternRules, r)
		}
	}
	c.snap.Store(snap)
	return nil
}

// Version reports the installed rule table version.
func (c *Classifier) Version() int64 {
	return c.snap.Load().version
}

// RuleCount reports how many rules are installed.
func (c *Classifier) RuleCount() int {
	s := c.snap.Load()
	return len(s.kindRules) + len(s.patternRules)
}

// Classify maps (service, action kind, payload) to a MITRE triple, or
// nil when nothing matches. Pure with respect to the installed snapshot:
// same inputs give the same output, and no I/O happens here.
func (c *Classifier) Classify(service, kind string, payload []byte) *model.Annotation {
	s := c.snap.Load()
	for i := range s.kindRules {
		r := &s.kindRules[i]
		if r.Kind != kind || !r.matchesService(service) {
			continue
		}
		if r.re != nil && !r.re.Match(payload) {
			continue
		}
		return &model.Annotation{Tactic: r.Tactic, Technique: r.Technique, SubTechnique: r.SubTechnique}
	}
	for i := range s.patternRules {
		r := &s.patternRules[i]
		if !r.matchesService(service) {
			continue
		}
		if r.re.Match(payload) {
			return &model.Annotation{Tactic: r.Tactic, Technique: r.Technique, SubTechnique: r.SubTechnique}
		}
	}
	return fallback(kind)
}

// fallback covers action families that should classify even without an
// explicit rule.
func fallback(kind string) *model.Annotation {
	switch {
	case strings.HasSuffix(kind, ".exfil_attempt"):
		return &model.Annotation{Tactic: "Exfiltration", Technique: "T1041"}
	case kind == "lure.access":
		return &model.Annotation{Tactic: "Collection", Technique: "T1005"}
	default:
		return nil
	}
}

// LoadRules reads a YAML rule table from disk. The caller installs it
// with Swap, keeping reload atomic.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rules %s: empty table", path)
	}
	return doc.Rules, nil
}
