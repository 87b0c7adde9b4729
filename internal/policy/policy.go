// Package policy implements C5: evaluation of a tenant's configured rule set
// against a prospective change's context, producing a require-approval
// verdict and the rule hits that produced it.
package policy

import (
	"fmt"
	"strings"
)

// RuleType enumerates the rule kinds a Policy may carry (spec.md §4.5).
type RuleType string

const (
	RuleMaxRisk           RuleType = "max_risk"
	RuleBlockKeywords     RuleType = "block_keywords"
	RuleEditedWithinHours RuleType = "edited_within_hours"
	RuleMaxBlocks         RuleType = "max_blocks"
	RuleMinBlocks         RuleType = "min_blocks"
	RuleRequireDBParent   RuleType = "require_db_parent"
)

// Mode controls how rule hits combine into a verdict.
type Mode string

const (
	ModeAny Mode = "ANY"
	ModeAll Mode = "ALL"
)

// Rule is one entry of a tenant's policy document. Value holds the rule's
// threshold or keyword list depending on Type; Action is always
// "require_approval" in the MVP but kept as a field so new actions can be
// added without changing the document shape.
type Rule struct {
	Type   RuleType
	Value  any
	Action string
}

// Policy is a tenant's full rule set.
type Policy struct {
	Version string
	Rules   []Rule
	Mode    Mode
}

// Default mirrors the out-of-the-box policy a new tenant gets (spec.md §4.5).
func Default() Policy {
	return Policy{
		Version: "1.0",
		Rules: []Rule{
			{Type: RuleMaxRisk, Value: 0.7, Action: "require_approval"},
			{Type: RuleBlockKeywords, Value: []string{"contract", "pricing"}, Action: "require_approval"},
			{Type: RuleEditedWithinHours, Value: 2.0, Action: "require_approval"},
			{Type: RuleMaxBlocks, Value: 200, Action: "require_approval"},
		},
		Mode: ModeAny,
	}
}

// Context is the subset of a change's normalized facts the rule set reads.
// EditedAgeHours defaults to effectively "never edited" when the caller
// leaves it at its zero value's sentinel use (see Evaluate).
type Context struct {
	RiskScore      float64
	Title          string
	BlocksCount    int
	EditedAgeHours float64
	HasEditedAge   bool
	ParentType     string
}

const noEditSentinel = 1e9

// Evaluate returns whether the policy requires approval and which rules hit,
// formatted as "type:value" in rule order, matching spec.md §4.5.
func Evaluate(p Policy, ctx Context) (requiresApproval bool, hits []string) {
	editedAge := ctx.EditedAgeHours
	if !ctx.HasEditedAge {
		editedAge = noEditSentinel
	}
	title := strings.ToLower(ctx.Title)

	for _, r := range p.Rules {
		matched := false
		switch r.Type {
		case RuleMaxRisk:
			if threshold, ok := asFloat(r.Value); ok && ctx.RiskScore > threshold {
				matched = true
			}
		case RuleBlockKeywords:
			if keywords, ok := r.Value.([]string); ok {
				for _, k := range keywords {
					if strings.Contains(title, strings.ToLower(k)) {
						matched = true
						break
					}
				}
			}
		case RuleEditedWithinHours:
			if threshold, ok := asFloat(r.Value); ok && editedAge <= threshold {
				matched = true
			}
		case RuleMaxBlocks:
			if threshold, ok := asInt(r.Value); ok && ctx.BlocksCount > threshold {
				matched = true
			}
		case RuleMinBlocks:
			if threshold, ok := asInt(r.Value); ok && ctx.BlocksCount < threshold {
				matched = true
			}
		case RuleRequireDBParent:
			if ctx.ParentType != "database" {
				matched = true
			}
		}

		action := r.Action
		if action == "" {
			action = "require_approval"
		}
		if matched && action == "require_approval" {
			hits = append(hits, r.Type.string()+":"+valueString(r.Value))
		}
	}

	mode := p.Mode
	if mode == "" {
		mode = ModeAny
	}
	if mode == ModeAll {
		return len(hits) == len(p.Rules) && len(p.Rules) > 0, hits
	}
	return len(hits) > 0, hits
}

func (t RuleType) string() string { return string(t) }

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func valueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(val, ",")
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
