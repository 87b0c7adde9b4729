package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_DefaultPolicy_AnyMode(t *testing.T) {
	p := Default()

	t.Run("nothing matches", func(t *testing.T) {
		requires, hits := Evaluate(p, Context{RiskScore: 0.1, Title: "bump deps", BlocksCount: 5})
		assert.False(t, requires)
		assert.Empty(t, hits)
	})

	t.Run("max_risk alone triggers", func(t *testing.T) {
		requires, hits := Evaluate(p, Context{RiskScore: 0.9, Title: "bump deps", BlocksCount: 5})
		assert.True(t, requires)
		assert.Equal(t, []string{"max_risk:0.7"}, hits)
	})

	t.Run("block_keywords case-insensitive match", func(t *testing.T) {
		requires, hits := Evaluate(p, Context{RiskScore: 0.1, Title: "new Contract terms", BlocksCount: 5})
		assert.True(t, requires)
		assert.Contains(t, hits, "block_keywords:contract,pricing")
	})

	t.Run("edited_within_hours boundary is inclusive", func(t *testing.T) {
		requires, hits := Evaluate(p, Context{RiskScore: 0.1, BlocksCount: 5, EditedAgeHours: 2, HasEditedAge: true})
		assert.True(t, requires)
		assert.Contains(t, hits, "edited_within_hours:2")
	})

	t.Run("max_blocks strictly greater", func(t *testing.T) {
		requires, _ := Evaluate(p, Context{RiskScore: 0.1, BlocksCount: 200})
		assert.False(t, requires)

		requires, hits := Evaluate(p, Context{RiskScore: 0.1, BlocksCount: 201})
		assert.True(t, requires)
		assert.Contains(t, hits, "max_blocks:200")
	})
}

func TestEvaluate_AllMode_RequiresEveryRule(t *testing.T) {
	p := Policy{
		Rules: []Rule{
			{Type: RuleMaxRisk, Value: 0.5, Action: "require_approval"},
			{Type: RuleMinBlocks, Value: 3, Action: "require_approval"},
		},
		Mode: ModeAll,
	}

	requires, _ := Evaluate(p, Context{RiskScore: 0.9, BlocksCount: 1})
	assert.True(t, requires, "both rules matched")

	requires, _ = Evaluate(p, Context{RiskScore: 0.9, BlocksCount: 10})
	assert.False(t, requires, "only max_risk matched, ALL mode needs both")
}

func TestEvaluate_EmptyRuleSet_NeverRequiresApproval(t *testing.T) {
	requires, hits := Evaluate(Policy{Mode: ModeAny}, Context{RiskScore: 1.0})
	assert.False(t, requires)
	assert.Empty(t, hits)

	requires, _ = Evaluate(Policy{Mode: ModeAll}, Context{RiskScore: 1.0})
	assert.False(t, requires, "ALL mode with zero rules never requires approval")
}

func TestEvaluate_RequireDBParent(t *testing.T) {
	rule := Policy{Rules: []Rule{{Type: RuleRequireDBParent, Action: "require_approval"}}, Mode: ModeAny}

	requires, hits := Evaluate(rule, Context{ParentType: "database"})
	assert.False(t, requires)
	assert.Empty(t, hits)

	requires, hits = Evaluate(rule, Context{ParentType: "page"})
	assert.True(t, requires)
	assert.Contains(t, hits, "require_db_parent:")
}
