// Package api exposes the orchestrator over HTTP and SSE.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/agent/hub"
	"github.com/hivemind/hivemind/internal/agent/manager"
	"github.com/hivemind/hivemind/internal/bus"
	apperrors "github.com/hivemind/hivemind/internal/common/errors"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/guardrails"
	"github.com/hivemind/hivemind/internal/secrets"
	"github.com/hivemind/hivemind/internal/sysinfo"
	"github.com/hivemind/hivemind/internal/workflow"
)

// Handlers binds the HTTP surface to the core services.
type Handlers struct {
	manager    *manager.Manager
	bus        *bus.Bus
	workflows  *workflow.Service
	guardrails *guardrails.Registry
	secrets    *secrets.Store
	memory     *sysinfo.MemoryProbe
	depCache   *sysinfo.DepCache
	logger     *logger.Logger
}

// NewHandlers wires the handlers.
func NewHandlers(m *manager.Manager, b *bus.Bus, wf *workflow.Service,
	gr *guardrails.Registry, sec *secrets.Store,
	probe *sysinfo.MemoryProbe, depCache *sysinfo.DepCache, log *logger.Logger) *Handlers {
	return &Handlers{
		manager:    m,
		bus:        b,
		workflows:  wf,
		guardrails: gr,
		secrets:    sec,
		memory:     probe,
		depCache:   depCache,
		logger:     log,
	}
}

func renderError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":     appErr.Message,
		"code":      appErr.Code,
		"retryable": appErr.Retryable,
	})
}

// GET /api/agents
func (h *Handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

// GET /api/agents/registry
func (h *Handlers) registry(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Registry())
}

// GET /api/agents/topology
func (h *Handlers) topology(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Topology())
}

// POST /api/agents responds with the new agent's SSE stream.
func (h *Handlers) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	agent, subscribe, err := h.manager.Create(c.Request.Context(), req.CreateSpec)
	if err != nil {
		renderError(c, err)
		return
	}

	c.Header("X-Agent-Id", agent.ID)
	c.Header("X-Agent-Name", agent.Name)
	h.streamEvents(c, subscribe, -1, closeOnDone(req.CloseOnDone))
}

// POST /api/agents/batch
func (h *Handlers) createBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	results, err := h.manager.CreateBatch(c.Request.Context(), req.Agents)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GET /api/agents/:id. Reading an agent counts as activity.
func (h *Handlers) getAgent(c *gin.Context) {
	id := c.Param("id")
	agent, ok := h.manager.Get(id)
	if !ok {
		renderError(c, apperrors.NotFound("agent", id))
		return
	}
	h.manager.Touch(id)
	c.JSON(http.StatusOK, agent)
}

// PATCH /api/agents/:id
func (h *Handlers) patchAgent(c *gin.Context) {
	var req manager.UpdateSpec
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	agent, err := h.manager.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DELETE /api/agents/:id
func (h *Handlers) destroyAgent(c *gin.Context) {
	id := c.Param("id")
	if !h.manager.Destroy(c.Request.Context(), id) {
		renderError(c, apperrors.NotFound("agent", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/agents/:id/message responds with an SSE stream for the
// new turn. Attachments are saved to the workspace and referenced from
// the prompt.
func (h *Handlers) messageAgent(c *gin.Context) {
	id := c.Param("id")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	prompt := req.Message
	if len(req.Attachments) > 0 {
		atts := make([]manager.Attachment, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			atts = append(atts, manager.Attachment{Name: a.Name, Content: a.Content})
		}
		suffix, err := h.manager.SaveAttachments(id, atts)
		if err != nil {
			renderError(c, err)
			return
		}
		prompt += suffix
	}

	// Replay starts past what is already in the log, so the stream
	// carries only this turn.
	after := -1
	if entries, err := h.manager.GetEvents(id); err == nil && len(entries) > 0 {
		after = entries[len(entries)-1].Index + 1
	}

	agent, subscribe, err := h.manager.Message(c.Request.Context(), id, prompt, req.MaxTurns, req.SessionID)
	if err != nil {
		renderError(c, err)
		return
	}

	c.Header("X-Agent-Id", agent.ID)
	h.streamEvents(c, subscribe, after, closeOnDone(req.CloseOnDone))
}

// GET /api/agents/:id/events?after=N is the reconnection stream; it never
// closes on done.
func (h *Handlers) agentEvents(c *gin.Context) {
	id := c.Param("id")
	after := -1
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			renderError(c, apperrors.ValidationError("after", "must be an integer"))
			return
		}
		after = n
	}

	if _, exists := h.manager.Get(id); !exists {
		renderError(c, apperrors.NotFound("agent", id))
		return
	}
	h.streamEvents(c, func(fn hub.Listener, a int) func() {
		unsub, ok := h.manager.Subscribe(id, fn, a)
		if !ok {
			return func() {}
		}
		return unsub
	}, after, false)
}

// GET /api/agents/:id/raw-events is a debug summary of the retained log.
func (h *Handlers) rawEvents(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.manager.GetEvents(id)
	if err != nil {
		renderError(c, err)
		return
	}
	types := map[string]int{}
	for _, e := range entries {
		types[e.Event.Type()]++
	}
	summary := gin.H{"count": len(entries), "types": types}
	if len(entries) > 0 {
		summary["firstIndex"] = entries[0].Index
		summary["lastIndex"] = entries[len(entries)-1].Index
	}
	c.JSON(http.StatusOK, summary)
}

// GET /api/agents/:id/logs?types=&tail=&format=text|json
func (h *Handlers) agentLogs(c *gin.Context) {
	id := c.Param("id")

	var types []string
	if raw := c.Query("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			renderError(c, apperrors.ValidationError("tail", "must be a non-negative integer"))
			return
		}
		tail = n
	}

	entries, err := h.manager.GetLogs(id, types, tail)
	if err != nil {
		renderError(c, err)
		return
	}

	if c.Query("format") == "text" {
		var sb strings.Builder
		for _, e := range entries {
			sb.WriteString(strconv.Itoa(e.Index))
			sb.WriteByte(' ')
			sb.WriteString(e.Event.Type())
			if text := eventText(e.Event); text != "" {
				sb.WriteByte(' ')
				sb.WriteString(text)
			}
			sb.WriteByte('\n')
		}
		c.String(http.StatusOK, sb.String())
		return
	}
	c.JSON(http.StatusOK, entries)
}

// GET /api/agents/:id/files?q=&limit=
func (h *Handlers) agentFiles(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			renderError(c, apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	files, err := h.manager.ListFiles(c.Param("id"), c.Query("q"), limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

// GET /api/agents/:id/metadata
func (h *Handlers) agentMetadata(c *gin.Context) {
	meta, err := h.manager.GetMetadata(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// GET /api/agents/:id/usage
func (h *Handlers) agentUsage(c *gin.Context) {
	usage, err := h.manager.GetUsage(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// POST /api/agents/:id/pause
func (h *Handlers) pauseAgent(c *gin.Context) {
	if err := h.manager.Pause(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/agents/:id/resume
func (h *Handlers) resumeAgent(c *gin.Context) {
	if err := h.manager.Resume(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/health
func (h *Handlers) health(c *gin.Context) {
	memStats, err := h.memory.Read()
	if err != nil {
		h.logger.Debug("Memory probe unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"agents":   h.manager.Count(),
		"memory":   memStats,
		"depCache": h.depCache.State(),
	})
}

// POST /api/messages
func (h *Handlers) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if req.From == "" || req.Content == "" {
		renderError(c, apperrors.ValidationError("message", "from and content are required"))
		return
	}

	msg := bus.NewMessage(req.From, req.FromName, req.To, req.Channel, req.Type, req.Content)
	msg.Metadata = req.Metadata
	msg.ExcludeRoles = req.ExcludeRoles
	c.JSON(http.StatusOK, h.bus.Post(msg))
}

// GET /api/messages?agentId=&role=&to=&from=&channel=&type=&unreadBy=&since=&limit=
func (h *Handlers) queryMessages(c *gin.Context) {
	filter := bus.Filter{
		To:       c.Query("to"),
		From:     c.Query("from"),
		Channel:  c.Query("channel"),
		Type:     c.Query("type"),
		UnreadBy: c.Query("unreadBy"),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			renderError(c, apperrors.ValidationError("since", "must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			renderError(c, apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	c.JSON(http.StatusOK, h.bus.Query(c.Query("agentId"), c.Query("role"), filter))
}

// POST /api/messages/:id/read
func (h *Handlers) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		renderError(c, apperrors.ValidationError("agentId", "agentId is required"))
		return
	}
	if !h.bus.MarkRead(c.Param("id"), req.AgentID) {
		renderError(c, apperrors.NotFound("message", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/messages/read-all
func (h *Handlers) markAllRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentID == "" {
		renderError(c, apperrors.ValidationError("agentId", "agentId is required"))
		return
	}
	count := h.bus.MarkAllRead(req.AgentID, req.Role)
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// DELETE /api/messages/:id
func (h *Handlers) deleteMessage(c *gin.Context) {
	if !h.bus.Delete(c.Param("id")) {
		renderError(c, apperrors.NotFound("message", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/guardrails
func (h *Handlers) getGuardrails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"limits": h.guardrails.Limits(),
		"bounds": guardrails.Bounds(),
	})
}

// PUT /api/guardrails
func (h *Handlers) setGuardrail(c *gin.Context) {
	var req setGuardrailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.guardrails.Set(req.Option, req.Value); err != nil {
		renderError(c, apperrors.ValidationError(req.Option, err.Error()))
		return
	}
	c.JSON(http.StatusOK, h.guardrails.Limits())
}

// GET /api/workflows
func (h *Handlers) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, h.workflows.List())
}

// POST /api/workflows
func (h *Handlers) startWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		renderError(c, apperrors.ValidationError("name", "name is required"))
		return
	}
	w, err := h.workflows.Start(req.Name, req.InitiatorID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// POST /api/workflows/:id/cancel
func (h *Handlers) cancelWorkflow(c *gin.Context) {
	if err := h.workflows.Cancel(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /api/secrets returns names only; values never leave the store.
func (h *Handlers) listSecrets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"names": h.secrets.Names()})
}

// PUT /api/secrets
func (h *Handlers) setSecret(c *gin.Context) {
	var req setSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		renderError(c, apperrors.ValidationError("name", "name is required"))
		return
	}
	h.secrets.Set(req.Name, req.Value)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DELETE /api/secrets/:name
func (h *Handlers) deleteSecret(c *gin.Context) {
	h.secrets.Delete(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func closeOnDone(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

// eventText pulls a short human-readable body out of an event.
func eventText(ev map[string]interface{}) string {
	for _, key := range []string{"text", "content", "message", "result"} {
		if s, ok := ev[key].(string); ok {
			return s
		}
	}
	return ""
}
