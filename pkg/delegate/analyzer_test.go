package delegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	t.Run("should split sequential tasks on connectives", func(t *testing.T) {
		analysis := Analyze("Research competitor pricing, then write a summary")

		require.Len(t, analysis.Subtasks, 2)
		assert.Equal(t, "Research competitor pricing", analysis.Subtasks[0])
		assert.Equal(t, "write a summary", analysis.Subtasks[1])
		assert.Equal(t, TaskMultiStep, analysis.TaskType)
		assert.ElementsMatch(t, []string{"research", "writing"}, analysis.Capabilities)
	})

	t.Run("should classify a single-verb task as simple", func(t *testing.T) {
		analysis := Analyze("fix the login bug")

		assert.Empty(t, analysis.Subtasks)
		assert.Equal(t, TaskSimple, analysis.TaskType)
		assert.Equal(t, []string{"coding"}, analysis.Capabilities)
	})

	t.Run("should extract numbered list items as subtasks", func(t *testing.T) {
		analysis := Analyze("1. research the market\n2. build a prototype\n3. validate it with users")

		require.Len(t, analysis.Subtasks, 3)
		assert.Equal(t, "build a prototype", analysis.Subtasks[1])
		assert.Equal(t, TaskMultiStep, analysis.TaskType)
	})

	t.Run("should extract bullet list items as subtasks", func(t *testing.T) {
		analysis := Analyze("- draft the report\n- review the numbers")

		require.Len(t, analysis.Subtasks, 2)
		assert.Equal(t, TaskMultiStep, analysis.TaskType)
	})

	t.Run("should split comma clauses only when each starts with an action verb", func(t *testing.T) {
		split := Analyze("research the api, write the docs")
		require.Len(t, split.Subtasks, 2)

		unsplit := Analyze("a cheap, cheerful bugfix")
		assert.Empty(t, unsplit.Subtasks)
	})

	t.Run("should detect capabilities across the taxonomy", func(t *testing.T) {
		analysis := Analyze("deploy the service and benchmark query latency")

		assert.Contains(t, analysis.Capabilities, "deployment")
		assert.Contains(t, analysis.Capabilities, "testing")
		assert.Contains(t, analysis.Capabilities, "data")
	})

	t.Run("should report no capabilities for vague text", func(t *testing.T) {
		analysis := Analyze("something vague about stuff")
		assert.Empty(t, analysis.Capabilities)
	})
}

func TestEstimateComplexity(t *testing.T) {
	t.Run("should stay within the 1-10 range", func(t *testing.T) {
		low := Analyze("hi")
		assert.GreaterOrEqual(t, low.Complexity, 1)

		task := "1. research the full market comprehensively\n" +
			"2. analyze every competitor dataset in detail\n" +
			"3. design and build a working prototype application\n" +
			"4. write thorough documentation for everything\n" +
			"5. deploy and test the complete comprehensive system"
		high := Analyze(task)
		assert.LessOrEqual(t, high.Complexity, 10)
		assert.Greater(t, high.Complexity, low.Complexity)
	})

	t.Run("should weight complexity adjectives", func(t *testing.T) {
		plain := Analyze("analyze the logs")
		heavy := Analyze("do a comprehensive analysis of the logs")
		assert.Greater(t, heavy.Complexity, plain.Complexity)
	})
}
