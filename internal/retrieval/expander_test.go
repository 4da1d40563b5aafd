package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryExpander_Expand_Deterministic(t *testing.T) {
	exp := NewQueryExpander(nil)

	first := exp.Expand("how to fix the install error", StrategyBalanced)
	second := exp.Expand("how to fix the install error", StrategyBalanced)

	assert.Equal(t, first, second)
}

func TestQueryExpander_Expand_PopulatesFields(t *testing.T) {
	exp := NewQueryExpander(nil)

	out := exp.Expand("fix the install error", StrategyBalanced)

	assert.Equal(t, "fix the install error", out.Original)
	assert.Equal(t, string(StrategyBalanced), out.Strategy)
	assert.Contains(t, out.ExpandedTerms, "repair")
	assert.Contains(t, out.ExpandedTerms, "setup")
	assert.NotEmpty(t, out.ReformulatedQueries)
}

func TestQueryExpander_Expand_StrategyBudgets(t *testing.T) {
	exp := NewQueryExpander(nil)

	conservative := exp.Expand("fix error", StrategyConservative)
	balanced := exp.Expand("fix error", StrategyBalanced)
	aggressive := exp.Expand("fix error", StrategyAggressive)

	assert.Less(t, len(conservative.ExpandedTerms), len(balanced.ExpandedTerms))
	assert.Less(t, len(balanced.ExpandedTerms), len(aggressive.ExpandedTerms))
	assert.Less(t, len(conservative.ReformulatedQueries), len(aggressive.ReformulatedQueries))
}

func TestQueryExpander_Expand_ExtractsEntities(t *testing.T) {
	exp := NewQueryExpander(nil)

	out := exp.Expand("what does the AWS Lambda runtime do", StrategyBalanced)

	require.Len(t, out.Entities, 1)
	assert.Equal(t, "AWS Lambda", out.Entities[0])
}

func TestQueryExpander_Expand_SentenceCaseIsNotAnEntity(t *testing.T) {
	exp := NewQueryExpander(nil)

	out := exp.Expand("How to configure logging", StrategyBalanced)

	assert.Empty(t, out.Entities)
}

func TestQueryExpander_Expand_DomainDictionaryMergesIn(t *testing.T) {
	exp := NewQueryExpander(map[string][]string{
		"k8s": {"kubernetes"},
	})

	out := exp.Expand("k8s setup", StrategyConservative)

	assert.Contains(t, out.ExpandedTerms, "kubernetes")
}

func TestQueryExpander_Expand_EmptyQuery(t *testing.T) {
	exp := NewQueryExpander(nil)

	out := exp.Expand("", StrategyBalanced)

	assert.Empty(t, out.ExpandedTerms)
	assert.Empty(t, out.Entities)
	assert.Equal(t, "", out.SparseQuery())
}

func TestExpandedQuery_SparseQuery(t *testing.T) {
	q := &ExpandedQuery{
		Original:      "fix error",
		ExpandedTerms: []string{"repair", "failure"},
	}

	assert.Equal(t, "fix error repair failure", q.SparseQuery())
}

func TestExpandedQuery_SparseQuery_NoTerms(t *testing.T) {
	q := &ExpandedQuery{Original: "fix error"}

	assert.Equal(t, "fix error", q.SparseQuery())
}
