package delegate

import (
	"sort"
	"strings"

	"github.com/vkode/conductor/pkg/agent"
)

// Suggestion is one ranked candidate agent for a task
type Suggestion struct {
	AgentName string  `json:"agent_name"`
	Score     float64 `json:"score"`
}

// minRecommendScore is the overlap threshold below which a simple task is
// not worth delegating.
const minRecommendScore = 0.3

// CapabilityScore computes the overlap between a task's required
// capabilities and an agent's capabilities: satisfied count divided by
// required count, matched case-insensitively by substring in either
// direction. A task with no required capabilities scores 0.5 against any
// agent that has at least one capability.
func CapabilityScore(taskCaps, agentCaps []string) float64 {
	if len(taskCaps) == 0 {
		if len(agentCaps) > 0 {
			return 0.5
		}
		return 0
	}

	satisfied := 0
	for _, need := range taskCaps {
		needLower := strings.ToLower(need)
		for _, have := range agentCaps {
			haveLower := strings.ToLower(have)
			if strings.Contains(haveLower, needLower) || strings.Contains(needLower, haveLower) {
				satisfied++
				break
			}
		}
	}

	return float64(satisfied) / float64(len(taskCaps))
}

// Rank scores every enabled agent against the analysis and returns
// suggestions sorted by score descending. Zero-score agents are excluded.
func Rank(analysis Analysis, defs []agent.Definition) []Suggestion {
	var suggestions []Suggestion
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		score := CapabilityScore(analysis.Capabilities, def.Capabilities)
		if score > 0 {
			suggestions = append(suggestions, Suggestion{AgentName: def.Name, Score: score})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})
	return suggestions
}

// Recommend reports whether delegating is worthwhile: the task must not be
// a capability-free simple task, at least one agent must score above zero,
// and either the best score clears the threshold or the task is not simple.
func Recommend(analysis Analysis, suggestions []Suggestion) bool {
	if analysis.TaskType == TaskSimple && len(analysis.Capabilities) == 0 {
		return false
	}
	if len(suggestions) == 0 {
		return false
	}
	return suggestions[0].Score >= minRecommendScore || analysis.TaskType != TaskSimple
}
