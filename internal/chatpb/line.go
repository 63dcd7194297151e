package chatpb

import (
	"bytes"
	"encoding/json"
)

// WorkerLine is a JSON object printed by a worker client script: a frame, or
// an error report with an optional numeric status code.
type WorkerLine struct {
	Frame
	Error string          `json:"error,omitempty"`
	Code  json.RawMessage `json:"code,omitempty"`
}

// UnmarshalJSON decodes the frame fields and the error report side by side;
// without it the frame's own decoder would be promoted and drop the report.
func (l *WorkerLine) UnmarshalJSON(b []byte) error {
	var report struct {
		Error string          `json:"error"`
		Code  json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(b, &report); err != nil {
		return err
	}
	if err := l.Frame.UnmarshalJSON(b); err != nil {
		return err
	}
	l.Error, l.Code = report.Error, report.Code
	return nil
}

// ParseWorkerLine decodes payload when it is a JSON object. Plain text and
// malformed JSON report ok=false.
func ParseWorkerLine(payload string) (WorkerLine, bool) {
	b := bytes.TrimSpace([]byte(payload))
	if len(b) == 0 || b[0] != '{' {
		return WorkerLine{}, false
	}
	var wl WorkerLine
	if err := json.Unmarshal(b, &wl); err != nil {
		return WorkerLine{}, false
	}
	return wl, true
}

// IsError reports whether the line carries an error report.
func (l WorkerLine) IsError() bool { return l.Error != "" }
