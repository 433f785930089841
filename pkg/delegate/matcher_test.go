package delegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkode/conductor/pkg/agent"
)

func capDef(name string, enabled bool, caps ...string) agent.Definition {
	return agent.Definition{
		Name:         name,
		Enabled:      enabled,
		Capabilities: caps,
		Connection:   agent.Connection{Stdio: &agent.StdioConnection{Command: "agent"}},
	}
}

func TestCapabilityScore(t *testing.T) {
	tests := []struct {
		name      string
		taskCaps  []string
		agentCaps []string
		want      float64
	}{
		{"full overlap", []string{"coding", "testing"}, []string{"coding", "testing", "writing"}, 1.0},
		{"half overlap", []string{"coding", "research"}, []string{"coding"}, 0.5},
		{"no overlap", []string{"design"}, []string{"coding"}, 0.0},
		{"no requirements against a capable agent", nil, []string{"coding"}, 0.5},
		{"no requirements against a bare agent", nil, nil, 0.0},
		{"substring match against a broader agent capability", []string{"research"}, []string{"deep-research"}, 1.0},
		{"substring match against a narrower agent capability", []string{"deep-research"}, []string{"research"}, 1.0},
		{"related words that are not substrings", []string{"code"}, []string{"coding"}, 0.0},
		{"case insensitive", []string{"Research"}, []string{"RESEARCH"}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CapabilityScore(tt.taskCaps, tt.agentCaps), 0.001)
		})
	}
}

func TestRank(t *testing.T) {
	defs := []agent.Definition{
		capDef("generalist", true, "coding"),
		capDef("specialist", true, "coding", "testing"),
		capDef("designer", true, "design"),
		capDef("retired", false, "coding", "testing"),
	}
	analysis := Analysis{Capabilities: []string{"coding", "testing"}}

	t.Run("should order by score and drop zero scores", func(t *testing.T) {
		ranked := Rank(analysis, defs)

		require.Len(t, ranked, 2)
		assert.Equal(t, "specialist", ranked[0].AgentName)
		assert.InDelta(t, 1.0, ranked[0].Score, 0.001)
		assert.Equal(t, "generalist", ranked[1].AgentName)
		assert.InDelta(t, 0.5, ranked[1].Score, 0.001)
	})

	t.Run("should skip disabled agents", func(t *testing.T) {
		for _, s := range Rank(analysis, defs) {
			assert.NotEqual(t, "retired", s.AgentName)
		}
	})
}

func TestRecommend(t *testing.T) {
	t.Run("should not delegate a capability-free simple task", func(t *testing.T) {
		analysis := Analysis{TaskType: TaskSimple}
		suggestions := []Suggestion{{AgentName: "any", Score: 0.5}}
		assert.False(t, Recommend(analysis, suggestions))
	})

	t.Run("should require at least one candidate", func(t *testing.T) {
		analysis := Analysis{TaskType: TaskComplex, Capabilities: []string{"coding"}}
		assert.False(t, Recommend(analysis, nil))
	})

	t.Run("should delegate when the best score clears the threshold", func(t *testing.T) {
		analysis := Analysis{TaskType: TaskSimple, Capabilities: []string{"coding"}}
		assert.True(t, Recommend(analysis, []Suggestion{{AgentName: "coder", Score: 0.4}}))
		assert.False(t, Recommend(analysis, []Suggestion{{AgentName: "coder", Score: 0.2}}))
	})

	t.Run("should always delegate non-simple tasks with a candidate", func(t *testing.T) {
		analysis := Analysis{TaskType: TaskMultiStep, Capabilities: []string{"coding"}}
		assert.True(t, Recommend(analysis, []Suggestion{{AgentName: "coder", Score: 0.1}}))
	})
}
