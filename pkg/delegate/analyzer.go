package delegate

import (
	"regexp"
	"strings"
)

// TaskType classifies how a task should be routed
type TaskType string

const (
	TaskSimple    TaskType = "simple"
	TaskComplex   TaskType = "complex"
	TaskMultiStep TaskType = "multi-step"
)

// Analysis is the pure-function breakdown of a task description
type Analysis struct {
	Capabilities []string `json:"capabilities"`
	Subtasks     []string `json:"subtasks"`
	TaskType     TaskType `json:"task_type"`
	Complexity   int      `json:"complexity"` // 1-10
}

// The fixed capability taxonomy. A content word maps to a capability when
// it contains one of the capability's keywords, or vice versa.
var capabilityKeywords = map[string][]string{
	"research":   {"research", "investigate", "search", "find", "explore", "gather", "lookup", "learn"},
	"coding":     {"code", "coding", "implement", "program", "develop", "build", "fix", "debug", "refactor", "script", "compile"},
	"analysis":   {"analyze", "analysis", "evaluate", "assess", "compare", "measure", "profile", "audit"},
	"writing":    {"write", "writing", "draft", "summarize", "summary", "document", "compose", "describe", "report"},
	"data":       {"data", "dataset", "database", "query", "csv", "spreadsheet", "metric", "statistics"},
	"design":     {"design", "architect", "diagram", "prototype", "wireframe", "layout", "sketch"},
	"deployment": {"deploy", "deployment", "release", "ship", "publish", "provision", "infrastructure", "rollout"},
	"testing":    {"test", "testing", "verify", "validate", "benchmark", "coverage", "regression"},
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "into": true, "are": true, "was": true,
	"were": true, "will": true, "would": true, "should": true, "could": true,
	"can": true, "has": true, "have": true, "had": true, "not": true,
	"but": true, "all": true, "any": true, "its": true, "our": true,
	"your": true, "their": true, "then": true, "than": true, "when": true,
	"what": true, "which": true, "who": true, "how": true, "why": true,
	"about": true, "after": true, "before": true, "also": true, "some": true,
	"please": true, "need": true, "want": true, "use": true, "using": true,
}

var actionVerbs = map[string]bool{
	"research": true, "investigate": true, "find": true, "search": true,
	"write": true, "draft": true, "summarize": true, "document": true,
	"code": true, "implement": true, "build": true, "create": true,
	"fix": true, "debug": true, "refactor": true, "develop": true,
	"analyze": true, "evaluate": true, "assess": true, "compare": true,
	"review": true, "test": true, "verify": true, "validate": true,
	"deploy": true, "release": true, "ship": true, "publish": true,
	"design": true, "prototype": true, "make": true, "add": true,
	"remove": true, "update": true, "check": true, "run": true,
}

var complexityAdjectives = []string{
	"complex", "complicated", "detailed", "comprehensive", "thorough",
	"advanced", "sophisticated", "extensive", "elaborate",
}

var (
	connectiveRe   = regexp.MustCompile(`(?i)(?:,\s*)?(?:\s|^)(?:and\s+)?(?:then|after that|finally)[\s,]+`)
	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
	bulletItemRe   = regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+)$`)
	wordRe         = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_-]*`)
)

// Analyze is a pure function of the task text: it extracts required
// capabilities, detects subtasks, classifies the task type, and estimates
// complexity on a 1-10 scale.
func Analyze(task string) Analysis {
	words := contentWords(task)
	caps := detectCapabilities(words)
	subtasks := detectSubtasks(task)

	var taskType TaskType
	switch {
	case len(subtasks) > 1:
		taskType = TaskMultiStep
	case len(caps) > 2 || len(subtasks) == 1:
		taskType = TaskComplex
	default:
		taskType = TaskSimple
	}

	return Analysis{
		Capabilities: caps,
		Subtasks:     subtasks,
		TaskType:     taskType,
		Complexity:   estimateComplexity(task, words, subtasks, caps),
	}
}

// contentWords strips stopwords and keeps tokens longer than 2 characters
func contentWords(task string) []string {
	var words []string
	for _, token := range wordRe.FindAllString(strings.ToLower(task), -1) {
		if len(token) <= 2 || stopwords[token] {
			continue
		}
		words = append(words, token)
	}
	return words
}

// detectCapabilities maps content words onto the fixed taxonomy via
// substring containment in either direction.
func detectCapabilities(words []string) []string {
	found := make(map[string]bool)
	for _, word := range words {
		for capability, keywords := range capabilityKeywords {
			if found[capability] {
				continue
			}
			for _, kw := range keywords {
				if strings.Contains(word, kw) || strings.Contains(kw, word) {
					found[capability] = true
					break
				}
			}
		}
	}

	// Stable order for deterministic results
	var caps []string
	for _, capability := range []string{"research", "coding", "analysis", "writing", "data", "design", "deployment", "testing"} {
		if found[capability] {
			caps = append(caps, capability)
		}
	}
	return caps
}

// detectSubtasks looks for decomposition patterns in priority order:
// sequential connectives, numbered lists, bullet lists, then comma
// clauses that each begin with an action verb. No pattern means no
// subtasks.
func detectSubtasks(task string) []string {
	if parts := splitClean(connectiveRe, task); len(parts) > 1 {
		return parts
	}

	if items := matchItems(numberedItemRe, task); len(items) > 1 {
		return items
	}

	if items := matchItems(bulletItemRe, task); len(items) > 1 {
		return items
	}

	clauses := strings.Split(task, ",")
	if len(clauses) > 1 {
		cleaned := make([]string, 0, len(clauses))
		for _, clause := range clauses {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			first := strings.ToLower(strings.TrimLeft(wordRe.FindString(clause), " "))
			if !actionVerbs[first] {
				return nil
			}
			cleaned = append(cleaned, clause)
		}
		if len(cleaned) > 1 {
			return cleaned
		}
	}

	return nil
}

func splitClean(re *regexp.Regexp, task string) []string {
	var parts []string
	for _, part := range re.Split(task, -1) {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), ","))
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func matchItems(re *regexp.Regexp, task string) []string {
	var items []string
	for _, match := range re.FindAllStringSubmatch(task, -1) {
		item := strings.TrimSpace(match[1])
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// estimateComplexity scores 1-10 from word count, subtask count,
// capability count, and complexity-signaling adjectives.
func estimateComplexity(task string, words, subtasks, caps []string) int {
	score := 1

	switch {
	case len(words) > 50:
		score += 3
	case len(words) > 20:
		score += 2
	case len(words) > 10:
		score++
	}

	score += len(subtasks)
	score += len(caps)

	lower := strings.ToLower(task)
	for _, adj := range complexityAdjectives {
		if strings.Contains(lower, adj) {
			score += 2
			break
		}
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}
