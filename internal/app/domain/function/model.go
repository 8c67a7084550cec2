// Package function holds function definitions and execution results.
package function

import (
	"time"

	"github.com/unitool-ai/unitool/internal/app/schema"
)

// Protocol identifies how a function is invoked upstream.
type Protocol string

// ProtocolREST is the only protocol currently implemented.
const ProtocolREST Protocol = "rest"

// RestMetadata describes the upstream endpoint of a REST function.
type RestMetadata struct {
	Method    string `json:"method"`
	ServerURL string `json:"server_url"`
	Path      string `json:"path"`
}

// Definition is an immutable, importable description of a callable
// operation on an app. Parameters is an object schema whose top-level
// properties are partitioned by HTTP location.
type Definition struct {
	ID          string
	AppID       string
	Name        string
	Description string
	Tags        []string
	Enabled     bool
	Protocol    Protocol
	Rest        RestMetadata
	Parameters  *schema.Object
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionResult is the sole return contract of the execution core.
// Exactly one of Data/Error is populated.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed result from an error message.
func Failure(msg string) ExecutionResult {
	return ExecutionResult{Success: false, Error: msg}
}

// Successful builds a successful result carrying upstream data.
func Successful(data any) ExecutionResult {
	return ExecutionResult{Success: true, Data: data}
}
