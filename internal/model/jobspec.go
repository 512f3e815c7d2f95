package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Process types understood by crew-style workflow engines.
const (
	ProcessSequential   = "sequential"
	ProcessHierarchical = "hierarchical"
)

const maxAgents = 32

var workflowName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)

// JobSpec describes what to execute: a workflow identifier plus its input.
// It is opaque to the orchestrator beyond validation and is never modified
// after the run is created.
type JobSpec struct {
	Workflow      string          `json:"workflow"`
	Input         json.RawMessage `json:"input,omitempty"`
	Agents        []string        `json:"agents,omitempty"`
	ProcessType   string          `json:"process_type,omitempty"`
	MemoryEnabled bool            `json:"memory_enabled,omitempty"`
	Verbose       bool            `json:"verbose,omitempty"`
}

// ValidationError reports a malformed job spec. Runs are never created for
// specs that fail validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job spec: %s: %s", e.Field, e.Reason)
}

// Validate checks the spec's structure.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Workflow) == "" {
		return &ValidationError{Field: "workflow", Reason: "is required"}
	}
	if !workflowName.MatchString(s.Workflow) {
		return &ValidationError{Field: "workflow", Reason: "contains invalid characters"}
	}

	if len(s.Input) > 0 {
		trimmed := bytes.TrimSpace(s.Input)
		if !json.Valid(trimmed) {
			return &ValidationError{Field: "input", Reason: "is not valid JSON"}
		}
		if !bytes.HasPrefix(trimmed, []byte("{")) && !bytes.Equal(trimmed, []byte("null")) {
			return &ValidationError{Field: "input", Reason: "must be a JSON object"}
		}
	}

	if len(s.Agents) > maxAgents {
		return &ValidationError{Field: "agents", Reason: fmt.Sprintf("at most %d agents allowed", maxAgents)}
	}
	for i, a := range s.Agents {
		if strings.TrimSpace(a) == "" {
			return &ValidationError{Field: fmt.Sprintf("agents[%d]", i), Reason: "must not be empty"}
		}
	}

	switch s.ProcessType {
	case "", ProcessSequential, ProcessHierarchical:
	default:
		return &ValidationError{Field: "process_type", Reason: fmt.Sprintf("unknown process type %q", s.ProcessType)}
	}

	return nil
}
