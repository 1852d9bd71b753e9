package disser

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// UnitOutcome records what happened to one transfer unit on one target.
type UnitOutcome struct {
	Local  string    `json:"local"`
	Remote string    `json:"remote"`
	IsDir  bool      `json:"is_dir,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ScriptOutcome records one remote script execution.
type ScriptOutcome struct {
	Remote  string    `json:"remote"`
	Command string    `json:"command,omitempty"`
	Output  []string  `json:"output,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// TargetOutcome is the final record for one target.
type TargetOutcome struct {
	Target  string          `json:"target"`
	Address string          `json:"address"`
	State   TargetState     `json:"state"`
	Failure ErrorKind       `json:"failure,omitempty"`
	Error   string          `json:"error,omitempty"`
	Units   []UnitOutcome   `json:"units,omitempty"`
	Scripts []ScriptOutcome `json:"scripts,omitempty"`
}

// Transferred counts units that reached the target.
func (o TargetOutcome) Transferred() int {
	n := 0
	for _, u := range o.Units {
		if u.Error == "" {
			n++
		}
	}
	return n
}

// FailedUnits counts units that did not reach the target.
func (o TargetOutcome) FailedUnits() int {
	return len(o.Units) - o.Transferred()
}

// FailedScripts counts scripts that could not be run successfully.
func (o TargetOutcome) FailedScripts() int {
	n := 0
	for _, s := range o.Scripts {
		if s.Error != "" {
			n++
		}
	}
	return n
}

func (o *TargetOutcome) fail(err error, fallback ErrorKind) {
	o.State = StateFailed
	o.Failure = KindOf(err, fallback)
	o.Error = err.Error()
}

// Summary aggregates a run.
type Summary struct {
	Targets        int `json:"targets"`
	Done           int `json:"done"`
	Failed         int `json:"failed"`
	Transferred    int `json:"transferred"`
	FileFailures   int `json:"file_failures"`
	Scripts        int `json:"scripts"`
	ScriptFailures int `json:"script_failures"`
}

// Report is the outcome of a run, targets in configuration order.
type Report struct {
	Targets []TargetOutcome `json:"targets"`
	Summary Summary         `json:"summary"`
}

func newReport(outcomes []TargetOutcome) *Report {
	r := &Report{Targets: outcomes}
	for _, o := range outcomes {
		r.Summary.Targets++
		if o.State == StateDone {
			r.Summary.Done++
		} else {
			r.Summary.Failed++
		}
		r.Summary.Transferred += o.Transferred()
		r.Summary.FileFailures += o.FailedUnits()
		r.Summary.Scripts += len(o.Scripts)
		r.Summary.ScriptFailures += o.FailedScripts()
	}
	return r
}

// HasFailures reports whether any target, unit or script failed.
func (r *Report) HasFailures() bool {
	s := r.Summary
	return s.Failed > 0 || s.FileFailures > 0 || s.ScriptFailures > 0
}

// WriteJSON writes the report to path.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write report %s", path)
	}
	return nil
}
