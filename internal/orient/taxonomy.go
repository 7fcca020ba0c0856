package orient

import (
	"fmt"
	"strings"
)

// Fallback labels for evidence no rule claims.
const (
	UnknownCategory    = "Unknown"
	UnknownSubcategory = "Needs Investigation"
)

// ForecastSignal names the synthetic evidence produced by a forecast shortfall.
const ForecastSignal = "forecast"

// Directions a rule can require of the z-score.
const (
	DirectionHigh = "high"
	DirectionLow  = "low"
	DirectionAny  = "any"
)

// Rule maps matching evidence to a category label and a component type.
type Rule struct {
	Name          string   `yaml:"name"`
	Signal        string   `yaml:"signal"`
	Direction     string   `yaml:"direction"`
	MinSeverity   float64  `yaml:"min_severity"`
	Category      string   `yaml:"category"`
	Subcategory   string   `yaml:"subcategory"`
	ComponentType string   `yaml:"component_type"`
	Actions       []string `yaml:"actions"`
}

// Taxonomy is the externally supplied category catalogue plus its ordered rules.
type Taxonomy struct {
	Categories map[string][]string `yaml:"categories"`
	Rules      []Rule              `yaml:"rules"`
}

// Evidence is one signal observation that needs a label.
type Evidence struct {
	Signal   string
	ZScore   float64
	Severity float64
}

// Label is the outcome of classifying evidence.
type Label struct {
	Rule          string
	Category      string
	Subcategory   string
	ComponentType string
	Actions       []string
}

// Unknown reports whether the label is the fallback.
func (l Label) Unknown() bool {
	return l.Category == UnknownCategory
}

type predicate func(Evidence) bool

type classifier struct {
	pred  predicate
	label Label
}

// Classifier evaluates compiled rules in order; the first match wins.
type Classifier struct {
	rules []classifier
}

// Validate checks every rule label against the category catalogue.
func (t Taxonomy) Validate() error {
	for i, r := range t.Rules {
		if r.Category == "" || r.Subcategory == "" {
			return fmt.Errorf("taxonomy rule %d (%s): category and subcategory are required", i, r.Name)
		}
		switch strings.ToLower(r.Direction) {
		case "", DirectionHigh, DirectionLow, DirectionAny:
		default:
			return fmt.Errorf("taxonomy rule %d (%s): unknown direction %q", i, r.Name, r.Direction)
		}
		if len(t.Categories) == 0 {
			continue
		}
		subs, ok := t.Categories[r.Category]
		if !ok {
			return fmt.Errorf("taxonomy rule %d (%s): category %q not declared", i, r.Name, r.Category)
		}
		if !containsFold(subs, r.Subcategory) {
			return fmt.Errorf("taxonomy rule %d (%s): subcategory %q not declared under %q", i, r.Name, r.Subcategory, r.Category)
		}
	}
	return nil
}

// Compile turns the rule list into an ordered predicate chain.
func (t Taxonomy) Compile() *Classifier {
	c := &Classifier{rules: make([]classifier, 0, len(t.Rules))}
	for _, r := range t.Rules {
		c.rules = append(c.rules, classifier{
			pred: rulePredicate(r),
			label: Label{
				Rule:          r.Name,
				Category:      r.Category,
				Subcategory:   r.Subcategory,
				ComponentType: r.ComponentType,
				Actions:       append([]string(nil), r.Actions...),
			},
		})
	}
	return c
}

// Classify returns the label of the first matching rule or the Unknown fallback.
func (c *Classifier) Classify(ev Evidence) Label {
	if c != nil {
		for _, r := range c.rules {
			if r.pred(ev) {
				return r.label
			}
		}
	}
	return Label{
		Category:    UnknownCategory,
		Subcategory: UnknownSubcategory,
		Actions:     []string{"dispatch technician for inspection"},
	}
}

func rulePredicate(r Rule) predicate {
	signal := strings.ToLower(strings.TrimSpace(r.Signal))
	direction := strings.ToLower(r.Direction)
	minSeverity := r.MinSeverity
	return func(ev Evidence) bool {
		if signal != "" && signal != "*" && !strings.EqualFold(ev.Signal, signal) {
			return false
		}
		if ev.Severity < minSeverity {
			return false
		}
		switch direction {
		case DirectionHigh:
			return ev.ZScore > 0
		case DirectionLow:
			return ev.ZScore < 0
		default:
			return true
		}
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
