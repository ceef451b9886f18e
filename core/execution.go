package core

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusFinished  ExecutionStatus = "finished"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution is the durable lifecycle record of one approved invocation. It is
// created exactly once on approval and completed exactly once.
type Execution struct {
	ID           string          `json:"id"`
	CacheHash    string          `json:"cache_hash"`
	Lab          map[string]any  `json:"lab,omitempty"`
	ServerInfo   string          `json:"server_info"`
	HardwareType string          `json:"hardware_type"`
	ServerID     string          `json:"server_id"`
	UserID       string          `json:"user_id"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Server is the identity of the process hosting the dispatcher.
type Server struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	HardwareType string `json:"hardware_type" yaml:"hardware_type"`
}

// Info renders the human readable server description stored on executions.
func (s Server) Info() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.HardwareType)
}

// RunConfig is the concrete run configuration resolved from an invocation.
type RunConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}
