package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogLevel of a log frame.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogFrame is one structured log message produced by a task instance and
// streamed to the principal's log pipeline.
type LogFrame struct {
	WorkflowID         string   `json:"workflow_id"`
	WorkflowName       string   `json:"workflow_name"`
	WorkflowInstanceID string   `json:"workflow_instance_id"`
	TaskName           string   `json:"task_name"`
	TaskInstanceID     string   `json:"task_instance_id"`
	TimestampMS        int64    `json:"timestamp_ms"`
	Level              LogLevel `json:"level"`
	Payload            string   `json:"payload"`
}

// Timestamp returns the frame time.
func (f LogFrame) Timestamp() time.Time {
	return time.UnixMilli(f.TimestampMS)
}

// EncodeFrame serializes a frame for the log channels.
func EncodeFrame(f LogFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, Errorf(KindProtocol, "encode log frame: %v", err)
	}
	return data, nil
}

// DecodeFrame deserializes a frame from the log channels.
func DecodeFrame(data []byte) (LogFrame, error) {
	var f LogFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return LogFrame{}, Errorf(KindProtocol, "decode log frame: %v", err)
	}
	return f, nil
}

// Log channel subjects. Workflow ids are dot-separated path components, so
// they embed directly into the fan-out subject and NATS token matching
// provides the prefix-filter semantics subscribers expect.
const (
	SubjectControl   = "cdktr.control"
	SubjectLogIngest = "cdktr.logs.ingest"
	subjectLogOut    = "cdktr.logs.out"
)

// LogOutSubject returns the fan-out subject for one workflow id.
func LogOutSubject(workflowID string) string {
	return fmt.Sprintf("%s.%s", subjectLogOut, sanitizeID(workflowID))
}

// LogOutFilters returns the subjects a subscriber listens on to receive
// frames for every workflow id with the given prefix. An empty prefix
// matches everything.
func LogOutFilters(prefix string) []string {
	if prefix == "" {
		return []string{subjectLogOut + ".>"}
	}
	p := sanitizeID(prefix)
	return []string{
		fmt.Sprintf("%s.%s", subjectLogOut, p),
		fmt.Sprintf("%s.%s.>", subjectLogOut, p),
	}
}

// sanitizeID keeps a workflow id usable as NATS subject tokens. Spaces and
// wildcard characters never appear in path-derived ids, but a malformed id
// must not corrupt the subject space.
func sanitizeID(id string) string {
	r := strings.NewReplacer(" ", "_", "*", "_", ">", "_")
	return r.Replace(id)
}
