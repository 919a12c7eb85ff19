package schema

import (
	"encoding/json"
	"time"
)

// Execution is one run of a workflow revision against a trigger input.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Revision       int             `json:"revision"`
	OrganizationID string          `json:"organization_id"`
	Status         ExecutionStatus `json:"status"`
	TriggerInput   map[string]any  `json:"trigger_input,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// StepOutput is the recorded output of one step. Absent marks a step that ran
// but never produced data, which is distinct from data that is JSON null.
type StepOutput struct {
	Label  string `json:"label"`
	Data   any    `json:"data"`
	Absent bool   `json:"-"`
}

// MarshalJSON omits the data key for absent output.
func (o StepOutput) MarshalJSON() ([]byte, error) {
	if o.Absent {
		return json.Marshal(struct {
			Label string `json:"label"`
		}{o.Label})
	}
	return json.Marshal(struct {
		Label string `json:"label"`
		Data  any    `json:"data"`
	}{o.Label, o.Data})
}

// UnmarshalJSON sets Absent when the data key is missing.
func (o *StepOutput) UnmarshalJSON(b []byte) error {
	var raw struct {
		Label string          `json:"label"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.Label = raw.Label
	o.Data = nil
	o.Absent = raw.Data == nil
	if len(raw.Data) > 0 {
		return json.Unmarshal(raw.Data, &o.Data)
	}
	return nil
}

// StepOutputs maps step id to recorded output.
type StepOutputs map[string]StepOutput

// Clone returns a shallow copy safe for independent writes.
func (s StepOutputs) Clone() StepOutputs {
	out := make(StepOutputs, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
