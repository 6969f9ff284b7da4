package api

import "github.com/hivemind/hivemind/internal/agent/manager"

type createAgentRequest struct {
	manager.CreateSpec
	CloseOnDone *bool `json:"closeOnDone,omitempty"`
}

type createBatchRequest struct {
	Agents []manager.CreateSpec `json:"agents"`
}

type attachmentUpload struct {
	Name    string `json:"name"`
	Content []byte `json:"content"` // base64 over the wire
}

type messageRequest struct {
	Message     string             `json:"message"`
	MaxTurns    int                `json:"maxTurns,omitempty"`
	SessionID   string             `json:"sessionId,omitempty"`
	Attachments []attachmentUpload `json:"attachments,omitempty"`
	CloseOnDone *bool              `json:"closeOnDone,omitempty"`
}

type postMessageRequest struct {
	From         string                 `json:"from"`
	FromName     string                 `json:"fromName,omitempty"`
	To           string                 `json:"to,omitempty"`
	Channel      string                 `json:"channel,omitempty"`
	Type         string                 `json:"type,omitempty"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ExcludeRoles []string               `json:"excludeRoles,omitempty"`
}

type markReadRequest struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role,omitempty"`
}

type setGuardrailRequest struct {
	Option string `json:"option"`
	Value  int64  `json:"value"`
}

type startWorkflowRequest struct {
	Name        string `json:"name"`
	InitiatorID string `json:"initiatorId,omitempty"`
}

type setSecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
