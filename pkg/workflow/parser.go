package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// rawWorkflow is the YAML shape of a workflow file. StartTime is kept as a
// string so the parser controls the accepted formats.
type rawWorkflow struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Cron        string           `yaml:"cron"`
	StartTime   string           `yaml:"start_time"`
	Tasks       map[string]*Task `yaml:"tasks"`
}

// Parser turns workflow YAML files into validated definitions.
type Parser struct{}

// NewParser creates a workflow parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses and validates a workflow definition. The workflow id is
// supplied by the caller because it derives from the file path, not the
// file contents.
func (p *Parser) Parse(workflowID string, data []byte) (*Workflow, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &InvalidWorkflowError{WorkflowID: workflowID, Reason: ReasonParse, Detail: err.Error()}
	}

	if raw.Name == "" {
		return nil, &InvalidWorkflowError{WorkflowID: workflowID, Reason: ReasonParse, Detail: "name is required"}
	}

	wf := &Workflow{
		ID:          workflowID,
		Name:        raw.Name,
		Description: raw.Description,
		Cron:        raw.Cron,
		Tasks:       raw.Tasks,
	}

	if raw.StartTime != "" {
		ts, err := parseStartTime(raw.StartTime)
		if err != nil {
			return nil, &InvalidWorkflowError{
				WorkflowID: workflowID,
				Reason:     ReasonParse,
				Detail:     fmt.Sprintf("invalid start_time %q: %v", raw.StartTime, err),
			}
		}
		wf.StartTime = &ts
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func parseStartTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp")
}

// IDFromPath maps a workflow file path to its stable workflow id: the path
// relative to the workflow root, extension stripped, separators replaced
// with dots. "etl/daily.yml" under root becomes "etl.daily".
func IDFromPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("workflow path %s outside root %s: %w", path, root, err)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = filepath.ToSlash(rel)
	return strings.ReplaceAll(rel, "/", "."), nil
}
