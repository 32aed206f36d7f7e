package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AgentName string

const (
	AgentNeedVector  AgentName = "Agent1"
	AgentProfile     AgentName = "Agent2"
	AgentPrompt      AgentName = "Agent3"
	AgentImagePrompt AgentName = "Agent4"
	AgentImage       AgentName = "Agent5"
	AgentSystem      AgentName = "System"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []AgentName{AgentNeedVector, AgentProfile, AgentPrompt, AgentImagePrompt, AgentImage}

type StageStatus string

const (
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageError      StageStatus = "error"
	StageSkipped    StageStatus = "skipped"
)

// StageLog records one stage execution within a job attempt. A row is inserted
// as processing and moves to completed or error exactly once; skipped rows are
// inserted in their final state.
type StageLog struct {
	ID              uuid.UUID       `json:"id"`
	JobID           uuid.UUID       `json:"job_id"`
	Attempt         int             `json:"attempt"`
	Seq             int             `json:"seq"`
	AgentName       AgentName       `json:"agent_name"`
	Status          StageStatus     `json:"status"`
	Message         string          `json:"message"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	OutputData      json.RawMessage `json:"output_data,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

// StageResult is the terminal state written onto a processing StageLog.
type StageResult struct {
	Status          StageStatus
	Message         string
	OutputData      json.RawMessage
	ExecutionTimeMs int64
}

// AttemptLogs returns the stage rows of one attempt in their stored order.
// System rows are left out.
func AttemptLogs(logs []StageLog, attempt int) []StageLog {
	var out []StageLog
	for _, l := range logs {
		if l.Attempt == attempt && l.AgentName != AgentSystem {
			out = append(out, l)
		}
	}
	return out
}
