// Package models provides shared types for sam CLI output and external tools.
// These types mirror the store rows and are stable for use by other consumers.
package models

import "time"

// Node is an ephemeral compute instance that hosts agent workspaces.
// WarmSince is non-nil iff the node is idle and eligible for reclamation
// or self-destruction.
type Node struct {
	NodeID       string     `json:"node_id"`
	UserID       string     `json:"user_id"`
	Status       string     `json:"status"`
	HealthStatus string     `json:"health_status,omitempty"`
	WarmSince    *time.Time `json:"warm_since,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
}

// Workspace is an agent workspace hosted on a node. Many workspaces may share
// one node; a node is idle iff none of its workspaces are running, creating,
// or in recovery.
type Workspace struct {
	WorkspaceID string    `json:"workspace_id"`
	NodeID      string    `json:"node_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Task is a unit of agent work. AutoProvisionedNodeID links the task to a
// node it caused to be created, for max-lifetime enforcement.
type Task struct {
	TaskID                string     `json:"task_id"`
	ProjectID             string     `json:"project_id,omitempty"`
	UserID                string     `json:"user_id"`
	Status                string     `json:"status"`
	WorkspaceID           *string    `json:"workspace_id,omitempty"`
	ExecutionStep         *string    `json:"execution_step,omitempty"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	AutoProvisionedNodeID *string    `json:"auto_provisioned_node_id,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at,omitempty"`
}

// TaskStatusEvent is an append-only audit record of a task status transition.
type TaskStatusEvent struct {
	EventID    int64     `json:"event_id"`
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// AgentSession is a conversational agent session bound to a workspace. The
// ACP session ID and agent type survive suspend/resume unchanged so a
// reclaimed warm node can pick the conversation back up.
type AgentSession struct {
	SessionID    string     `json:"session_id"`
	WorkspaceID  string     `json:"workspace_id"`
	Status       string     `json:"status"`
	Label        string     `json:"label,omitempty"`
	ACPSessionID string     `json:"acp_session_id,omitempty"`
	AgentType    string     `json:"agent_type,omitempty"`
	LastPrompt   string     `json:"last_prompt,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	SuspendedAt  *time.Time `json:"suspended_at,omitempty"`
}
