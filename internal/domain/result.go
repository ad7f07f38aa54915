package domain

import (
	"encoding/json"
	"time"
)

// Mode selects whether a step performs side effects.
type Mode string

const (
	ModeExecute Mode = "execute"
	ModeDryRun  Mode = "dryRun"
)

func (m Mode) DryRun() bool { return m == ModeDryRun }

// Outcome is either Success or Blocked.
type Outcome interface {
	outcome()
}

// Success means the step reached (or was already at) its target state.
type Success struct {
	StateAfter    Status
	FieldsChanged []string
	Idempotent    bool
	Data          map[string]any
}

// Blocked means the step refused to proceed; the issue is untouched.
type Blocked struct {
	Code    BlockerCode
	Message string
}

func (Success) outcome() {}
func (Blocked) outcome() {}

// Result is the value every step invocation produces.
type Result struct {
	Step        Step
	StateBefore Status
	Outcome     Outcome
	Message     string
	Duration    time.Duration
}

func (r Result) Blocked() (Blocked, bool) {
	b, ok := r.Outcome.(Blocked)
	return b, ok
}

func (r Result) Succeeded() (Success, bool) {
	s, ok := r.Outcome.(Success)
	return s, ok
}

// StateAfter is the success state, or StateBefore when blocked.
func (r Result) StateAfter() Status {
	if s, ok := r.Succeeded(); ok && s.StateAfter != "" {
		return s.StateAfter
	}
	return r.StateBefore
}

// ResultView is the flat wire form of a Result.
type ResultView struct {
	Success        bool           `json:"success"`
	Blocked        bool           `json:"blocked"`
	BlockerCode    BlockerCode    `json:"blockerCode,omitempty"`
	BlockerMessage string         `json:"blockerMessage,omitempty"`
	StateBefore    Status         `json:"stateBefore"`
	StateAfter     Status         `json:"stateAfter"`
	FieldsChanged  []string       `json:"fieldsChanged"`
	Idempotent     bool           `json:"idempotent"`
	Message        string         `json:"message"`
	DurationMS     int64          `json:"durationMs"`
	Data           map[string]any `json:"data,omitempty"`
}

func (r Result) View() ResultView {
	v := ResultView{
		StateBefore:   r.StateBefore,
		StateAfter:    r.StateAfter(),
		FieldsChanged: []string{},
		Message:       r.Message,
		DurationMS:    r.Duration.Milliseconds(),
	}
	switch o := r.Outcome.(type) {
	case Success:
		v.Success = true
		v.Idempotent = o.Idempotent
		v.Data = o.Data
		if o.FieldsChanged != nil {
			v.FieldsChanged = o.FieldsChanged
		}
	case Blocked:
		v.Blocked = true
		v.BlockerCode = o.Code
		v.BlockerMessage = o.Message
	}
	return v
}

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.View())
}
