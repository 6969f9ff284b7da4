// Package manager owns the agent registry. It enforces admission limits,
// allocates workspaces, and orchestrates the per-agent supervisor, event
// log and fan-out hub.
package manager

import (
	"time"

	"github.com/hivemind/hivemind/internal/agent/supervisor"
)

// Agent is the public record for one orchestrated agent.
type Agent struct {
	ID                         string            `json:"id"`
	Name                       string            `json:"name"`
	ParentID                   string            `json:"parentId,omitempty"`
	Depth                      int               `json:"depth"`
	Role                       string            `json:"role,omitempty"`
	Capabilities               []string          `json:"capabilities,omitempty"`
	Model                      string            `json:"model"`
	MaxTurns                   int               `json:"maxTurns"`
	WorkspaceDir               string            `json:"workspaceDir"`
	Status                     supervisor.Status `json:"status"`
	CurrentTask                string            `json:"currentTask,omitempty"`
	SessionID                  string            `json:"claudeSessionId,omitempty"`
	Usage                      supervisor.Usage  `json:"usage"`
	LastActivity               time.Time         `json:"lastActivity"`
	CreatedAt                  time.Time         `json:"createdAt"`
	DangerouslySkipPermissions bool              `json:"dangerouslySkipPermissions,omitempty"`
}

// CreateSpec is the input to Create and CreateBatch.
type CreateSpec struct {
	Prompt                     string          `json:"prompt"`
	ParentID                   string          `json:"parentId,omitempty"`
	Role                       string          `json:"role,omitempty"`
	Capabilities               []string        `json:"capabilities,omitempty"`
	Model                      string          `json:"model,omitempty"`
	MaxTurns                   int             `json:"maxTurns,omitempty"`
	DangerouslySkipPermissions bool            `json:"dangerouslySkipPermissions,omitempty"`
	GitRepos                   []GitRepoAccess `json:"gitRepos,omitempty"`
}

// GitRepoAccess grants the agent push access to one repository via a
// personal access token written to the workspace .git-credentials file.
type GitRepoAccess struct {
	Host string `json:"host"`
	Path string `json:"path"`
	PAT  string `json:"pat,omitempty"`
}

// BatchResult is one entry of a CreateBatch response.
type BatchResult struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// Attachment is a file uploaded alongside a prompt.
type Attachment struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// TopologyNode and TopologyEdge describe the parent/child graph.
type TopologyNode struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Role   string            `json:"role,omitempty"`
	Depth  int               `json:"depth"`
	Status supervisor.Status `json:"status"`
}

type TopologyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is the graph derived from parent links.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// RegistryEntry is the compact per-agent view including unread counts.
type RegistryEntry struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Role           string            `json:"role,omitempty"`
	Status         supervisor.Status `json:"status"`
	CurrentTask    string            `json:"currentTask,omitempty"`
	UnreadMessages int               `json:"unreadMessages"`
}

func (a *Agent) clone() *Agent {
	out := *a
	if a.Capabilities != nil {
		out.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &out
}
