// Package api defines the JSON messages exchanged over the status websocket.
package api

import (
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/procscan"
)

// Message types. Clients send ping, status and processes; the server answers
// with the matching type or error.
const (
	TypeHello     = "hello"
	TypeStatus    = "status"
	TypeProcesses = "processes"
	TypeError     = "error"
	TypePing      = "ping"
	TypePong      = "pong"
)

// HelloMessage is sent once after the upgrade.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int64           `json:"interval_ms"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
}

func NewHelloMessage(intervalMS int64, gpus []gpu.Info, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return HelloMessage{
		Type:       TypeHello,
		IntervalMS: intervalMS,
		GPUs:       gpus,
		Features:   features,
	}
}

// StatusMessage carries one published cycle.
type StatusMessage struct {
	Type string `json:"type"`
	monitor.Status
}

func NewStatusMessage(status monitor.Status) StatusMessage {
	return StatusMessage{Type: TypeStatus, Status: status}
}

// ProcessesMessage answers a processes request.
type ProcessesMessage struct {
	Type string `json:"type"`
	procscan.Snapshot
}

func NewProcessesMessage(snapshot procscan.Snapshot) ProcessesMessage {
	return ProcessesMessage{Type: TypeProcesses, Snapshot: snapshot}
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// ClientMessage is the envelope of every inbound message.
type ClientMessage struct {
	Type string `json:"type"`
}

type PongMessage struct {
	Type string `json:"type"`
}
