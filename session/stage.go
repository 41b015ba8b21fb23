package session

// Stage describes what the agent loop is currently doing. Idle is both the
// initial state and the terminal state of every submission cycle.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageThinking  Stage = "thinking"
	StagePlanning  Stage = "planning"
	StageExecuting Stage = "executing"
	StageFeedback  Stage = "feedback"
)
