package agent

import (
	"fmt"
	"regexp"
)

// TaskAnalysis is the result of scoring an instruction for complexity. Pure
// data, nothing persisted.
type TaskAnalysis struct {
	Score          int
	Complexity     string // simple, moderate, complex
	RequiresTodo   bool
	Reason         string
	EstimatedSteps int
}

const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

const (
	moderateThreshold = 3
	complexThreshold  = 8
	todoThreshold     = 5
)

type weightedPattern struct {
	re     *regexp.Regexp
	weight int
}

// Complexity indicators: multi-step creation, refactors, sequencing language,
// plural file operations, deployment and setup phrasing.
var complexityIndicators = []weightedPattern{
	{regexp.MustCompile(`(?i)\b(implement|build|create|develop|write|add)\b`), 3},
	{regexp.MustCompile(`(?i)\b(refactor|rewrite|migrate|redesign|restructure|overhaul)\b`), 4},
	{regexp.MustCompile(`(?i)\b(deploy|install|set ?up|configure|provision|release)\b`), 3},
	{regexp.MustCompile(`(?i)\b(tests?|testing|validate|benchmark)\b`), 2},
	{regexp.MustCompile(`(?i)\b(and then|then|after that|followed by|finally|steps?)\b`), 2},
	{regexp.MustCompile(`(?i)\b(files|modules|packages|components|endpoints|services)\b`), 2},
	{regexp.MustCompile(`(?i),\s*[^,]+,\s*and\b`), 2}, // enumerated task list
}

// Simplicity indicators: question-style openings and single-item reads.
var simplicityIndicators = []weightedPattern{
	{regexp.MustCompile(`(?i)^\s*(what|who|when|where|why|how|which|is|are|does|do|can|could|should)\b`), 3},
	{regexp.MustCompile(`(?i)\b(show|print|display|explain|describe|tell me|summarize)\b`), 2},
	{regexp.MustCompile(`(?i)\b(read|open|view|look at) (the |a |this )?\S+\s*$`), 2},
	{regexp.MustCompile(`\?\s*$`), 2},
}

// AnalyzeTask scores an instruction against the two weighted pattern sets and
// decides whether the agent should plan before acting.
func AnalyzeTask(text string) TaskAnalysis {
	complexScore, complexCount := scan(text, complexityIndicators)
	simpleScore, simpleCount := scan(text, simplicityIndicators)
	score := complexScore - simpleScore

	var complexity string
	switch {
	case score < moderateThreshold || simpleCount > complexCount:
		complexity = ComplexitySimple
	case score < complexThreshold:
		complexity = ComplexityModerate
	default:
		complexity = ComplexityComplex
	}

	requiresTodo := score >= todoThreshold && simpleCount <= complexCount

	reason := fmt.Sprintf("%d complexity and %d simplicity indicators (score %d)",
		complexCount, simpleCount, score)

	return TaskAnalysis{
		Score:          score,
		Complexity:     complexity,
		RequiresTodo:   requiresTodo,
		Reason:         reason,
		EstimatedSteps: estimateSteps(complexity, score),
	}
}

func scan(text string, patterns []weightedPattern) (score, count int) {
	for _, p := range patterns {
		n := len(p.re.FindAllStringIndex(text, -1))
		if n > 0 {
			score += p.weight * n
			count += n
		}
	}
	return score, count
}

func estimateSteps(complexity string, score int) int {
	steps := score / 3
	switch complexity {
	case ComplexityModerate:
		return max(2, steps)
	case ComplexityComplex:
		return max(3, steps)
	default:
		return max(1, steps)
	}
}
