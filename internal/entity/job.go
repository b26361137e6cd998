package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/agro-preprocess/constants"
)

// Job represents a preprocess job for data transfer between layers.
type Job struct {
	ID        string              `json:"id"`
	JobType   constants.JobType   `json:"job_type"`
	Status    constants.JobStatus `json:"status"`
	Payload   json.RawMessage     `json:"payload"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     *JobError           `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// JobError is the structured error document stored on failed jobs.
type JobError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// DecodeResult unmarshals the job result into v.
func (j *Job) DecodeResult(v any) error {
	if len(j.Result) == 0 {
		return nil
	}
	return json.Unmarshal(j.Result, v)
}
