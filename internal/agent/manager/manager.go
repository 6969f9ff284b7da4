package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivemind/hivemind/internal/agent/eventlog"
	"github.com/hivemind/hivemind/internal/agent/hub"
	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/agent/supervisor"
	apperrors "github.com/hivemind/hivemind/internal/common/errors"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/events"
	eventbus "github.com/hivemind/hivemind/internal/events/bus"
	"github.com/hivemind/hivemind/internal/guardrails"
	"github.com/hivemind/hivemind/internal/sanitizer"
	"github.com/hivemind/hivemind/internal/store"
)

// ttlInterval is how often the TTL sweep runs.
const ttlInterval = 60 * time.Second

// MessageBus is what the manager needs from the inter-agent bus.
type MessageBus interface {
	CleanupForAgent(agentID string)
	UnreadCount(agentID, role string) int
}

// Probe reports memory pressure for admission control.
type Probe interface {
	UnderPressure() bool
}

// RecordStore persists agent records across restarts.
type RecordStore interface {
	Save(ctx context.Context, rec *store.AgentRecord) error
	List(ctx context.Context) ([]*store.AgentRecord, error)
	Delete(ctx context.Context, id string) error
}

// SubscribeFunc attaches a listener to an agent's hub, replaying entries
// after the given index first. The returned function unsubscribes.
type SubscribeFunc func(fn hub.Listener, after int) func()

// Options wires the manager's collaborators.
type Options struct {
	Guardrails    *guardrails.Registry
	Sanitizer     *sanitizer.Sanitizer
	Bus           MessageBus
	Events        eventbus.EventBus // optional lifecycle event publishing
	Records       RecordStore       // optional durable registry
	Memory        Probe
	Logger        *logger.Logger
	Command       []string // argv of the LLM CLI
	WorkspaceBase string
	Env           []string // base environment for children
}

// Manager is the agent registry.
type Manager struct {
	opts Options
	log  *logger.Logger

	mu     sync.RWMutex
	agents map[string]*entry
}

// entry bundles everything owned by one agent.
type entry struct {
	mu    sync.Mutex
	agent *Agent
	elog  *eventlog.Log
	hub   *hub.Hub
	sup   *supervisor.Supervisor
}

// New creates a manager. Guardrails, Sanitizer, Memory and Logger are
// required; Bus, Events and Records may be nil in tests.
func New(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		agents: make(map[string]*entry),
	}
}

// Create runs admission, allocates a workspace, starts the supervisor
// and sends the initial prompt.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Agent, SubscribeFunc, error) {
	limits := m.opts.Guardrails.Limits()

	if len(spec.Prompt) > limits.MaxPromptLength {
		return nil, nil, apperrors.ValidationError("prompt",
			fmt.Sprintf("prompt exceeds %d characters", limits.MaxPromptLength))
	}
	if !guardrails.ModelAllowed(spec.Model) {
		return nil, nil, apperrors.ValidationError("model", fmt.Sprintf("model %q is not allowed", spec.Model))
	}

	// Admission order matters: pressure first so callers learn to back
	// off before hitting a hard limit.
	if m.opts.Memory != nil && m.opts.Memory.UnderPressure() {
		return nil, nil, apperrors.ServiceUnavailable("memory pressure, retry later")
	}

	id := uuid.New().String()
	agent := &Agent{
		ID:                         id,
		Name:                       generateNameFromPrompt(spec.Prompt, id),
		ParentID:                   spec.ParentID,
		Role:                       spec.Role,
		Capabilities:               append([]string(nil), spec.Capabilities...),
		Model:                      resolveModel(spec.Model),
		MaxTurns:                   clampTurns(spec.MaxTurns, limits.MaxTurns),
		Status:                     supervisor.StatusStarting,
		CurrentTask:                firstLine(spec.Prompt),
		LastActivity:               time.Now().UTC(),
		CreatedAt:                  time.Now().UTC(),
		DangerouslySkipPermissions: spec.DangerouslySkipPermissions,
	}

	e, err := m.admit(agent, limits)
	if err != nil {
		return nil, nil, err
	}

	if err := m.startEntry(ctx, e, spec, ""); err != nil {
		m.mu.Lock()
		delete(m.agents, id)
		m.mu.Unlock()
		return nil, nil, err
	}

	m.persist(ctx, e)
	m.publishLifecycle(ctx, events.AgentCreated, agent.ID, map[string]interface{}{
		"agentId":  agent.ID,
		"name":     agent.Name,
		"parentId": agent.ParentID,
	})

	m.log.Info("Agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.Int("depth", agent.Depth))

	return m.snapshot(e), m.subscribeFunc(e), nil
}

// admit checks limits and reserves the registry slot under one lock so
// concurrent creates cannot oversubscribe.
func (m *Manager) admit(agent *Agent, limits guardrails.Limits) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.agents) >= limits.MaxAgents {
		return nil, apperrors.BadRequest(fmt.Sprintf("agent limit of %d reached", limits.MaxAgents))
	}

	if agent.ParentID != "" {
		parent, ok := m.agents[agent.ParentID]
		if !ok {
			return nil, apperrors.ValidationError("parentId", fmt.Sprintf("parent agent %s not found", agent.ParentID))
		}
		depth := parent.agent.Depth + 1
		if depth > limits.MaxAgentDepth {
			return nil, apperrors.BadRequest(
				fmt.Sprintf("agent depth limit of %d reached", limits.MaxAgentDepth))
		}
		children := 0
		for _, other := range m.agents {
			if other.agent.ParentID == agent.ParentID {
				children++
			}
		}
		if children >= limits.MaxChildrenPerAgent {
			return nil, apperrors.BadRequest(
				fmt.Sprintf("parent already has %d children", children))
		}
		agent.Depth = depth
	}

	elog := eventlog.New(eventlog.DefaultRetention)
	e := &entry{
		agent: agent,
		elog:  elog,
		hub:   hub.New(elog, m.opts.Sanitizer, m.log),
	}
	m.agents[agent.ID] = e
	return e, nil
}

// startEntry allocates the workspace and spawns the supervisor. A
// non-empty resumeSession restores a previous CLI session.
func (m *Manager) startEntry(ctx context.Context, e *entry, spec CreateSpec, resumeSession string) error {
	agent := e.agent

	workspace := filepath.Join(m.opts.WorkspaceBase, "workspaces", agent.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return apperrors.InternalError("workspace allocation failed", err)
	}
	agent.WorkspaceDir = workspace

	if err := writeGitCredentials(workspace, spec.GitRepos); err != nil {
		return apperrors.InternalError("git credentials setup failed", err)
	}

	sup := supervisor.New(supervisor.Config{
		Command: m.buildCommand(agent, resumeSession),
		WorkDir: workspace,
		Env:     m.childEnv(),
	}, e.hub, m.log.WithAgentID(agent.ID), m.onStatus(e))

	if err := sup.Start(ctx); err != nil {
		return apperrors.InternalError("failed to start agent process", err)
	}
	e.mu.Lock()
	e.sup = sup
	e.mu.Unlock()

	if spec.Prompt != "" {
		if err := sup.Send(spec.Prompt, agent.MaxTurns, resumeSession); err != nil {
			return apperrors.InternalError("failed to send initial prompt", err)
		}
	}
	return nil
}

func (m *Manager) buildCommand(agent *Agent, resumeSession string) []string {
	argv := append([]string(nil), m.opts.Command...)
	argv = append(argv, "--model", agent.Model)
	if agent.DangerouslySkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if resumeSession != "" {
		argv = append(argv, "--resume", resumeSession)
	}
	return argv
}

func (m *Manager) childEnv() []string {
	if m.opts.Env != nil {
		return m.opts.Env
	}
	return os.Environ()
}

// onStatus folds supervisor status changes back into the registry entry
// and fans them out as lifecycle events.
func (m *Manager) onStatus(e *entry) func(supervisor.Status) {
	return func(status supervisor.Status) {
		e.mu.Lock()
		e.agent.Status = status
		if e.sup != nil {
			e.agent.SessionID = e.sup.SessionID()
			e.agent.Usage = e.sup.Usage()
		}
		e.mu.Unlock()

		ctx := context.Background()
		m.persist(ctx, e)
		m.publishLifecycle(ctx, events.AgentStatusChanged, e.agent.ID, map[string]interface{}{
			"agentId": e.agent.ID,
			"status":  string(status),
		})
	}
}

// CreateBatch creates up to MaxBatchSize agents, collecting a per-item
// outcome instead of failing the whole batch.
func (m *Manager) CreateBatch(ctx context.Context, specs []CreateSpec) ([]BatchResult, error) {
	limits := m.opts.Guardrails.Limits()
	if len(specs) == 0 {
		return nil, apperrors.ValidationError("agents", "batch is empty")
	}
	if len(specs) > limits.MaxBatchSize {
		return nil, apperrors.ValidationError("agents",
			fmt.Sprintf("batch exceeds limit of %d", limits.MaxBatchSize))
	}

	results := make([]BatchResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			agent, _, err := m.Create(gctx, spec)
			if err != nil {
				results[i] = BatchResult{Error: err.Error()}
				return nil
			}
			results[i] = BatchResult{ID: agent.ID, Name: agent.Name}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Get returns a copy of the agent record. Reading an individual agent
// counts as activity.
func (m *Manager) Get(id string) (*Agent, bool) {
	e := m.lookup(id)
	if e == nil {
		return nil, false
	}
	return m.snapshot(e), true
}

// List returns all agents ordered by creation time. Listing does not
// bump lastActivity.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Agent, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Registry returns the compact agent list with unread message counts.
func (m *Manager) Registry() []RegistryEntry {
	agents := m.List()
	out := make([]RegistryEntry, 0, len(agents))
	for _, a := range agents {
		unread := 0
		if m.opts.Bus != nil {
			unread = m.opts.Bus.UnreadCount(a.ID, a.Role)
		}
		out = append(out, RegistryEntry{
			ID:             a.ID,
			Name:           a.Name,
			Role:           a.Role,
			Status:         a.Status,
			CurrentTask:    a.CurrentTask,
			UnreadMessages: unread,
		})
	}
	return out
}

// Topology derives the parent/child graph.
func (m *Manager) Topology() Topology {
	agents := m.List()
	topo := Topology{Nodes: make([]TopologyNode, 0, len(agents)), Edges: []TopologyEdge{}}
	for _, a := range agents {
		topo.Nodes = append(topo.Nodes, TopologyNode{
			ID: a.ID, Name: a.Name, Role: a.Role, Depth: a.Depth, Status: a.Status,
		})
		if a.ParentID != "" {
			topo.Edges = append(topo.Edges, TopologyEdge{From: a.ParentID, To: a.ID})
		}
	}
	return topo
}

// Touch bumps lastActivity.
func (m *Manager) Touch(id string) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.agent.LastActivity = time.Now().UTC()
	e.mu.Unlock()
	return true
}

// UpdateSpec carries the PATCH-able agent fields.
type UpdateSpec struct {
	Role                       *string `json:"role,omitempty"`
	CurrentTask                *string `json:"currentTask,omitempty"`
	Name                       *string `json:"name,omitempty"`
	DangerouslySkipPermissions *bool   `json:"dangerouslySkipPermissions,omitempty"`
}

var validName = regexp.MustCompile(`^[a-z0-9-]+$`)

// Update applies a PATCH to the mutable agent fields.
func (m *Manager) Update(ctx context.Context, id string, spec UpdateSpec) (*Agent, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, apperrors.NotFound("agent", id)
	}
	if spec.Name != nil && !validName.MatchString(*spec.Name) {
		return nil, apperrors.ValidationError("name", "name must match [a-z0-9-]+")
	}

	e.mu.Lock()
	if spec.Role != nil {
		e.agent.Role = *spec.Role
	}
	if spec.CurrentTask != nil {
		e.agent.CurrentTask = *spec.CurrentTask
	}
	if spec.Name != nil {
		e.agent.Name = *spec.Name
	}
	if spec.DangerouslySkipPermissions != nil {
		e.agent.DangerouslySkipPermissions = *spec.DangerouslySkipPermissions
	}
	e.agent.LastActivity = time.Now().UTC()
	e.mu.Unlock()

	m.persist(ctx, e)
	return m.snapshot(e), nil
}

// Message sends a follow-up prompt. A disconnected agent with a saved
// session is transparently respawned with the session resumed.
func (m *Manager) Message(ctx context.Context, id, prompt string, maxTurns int, sessionID string) (*Agent, SubscribeFunc, error) {
	limits := m.opts.Guardrails.Limits()
	if len(prompt) > limits.MaxPromptLength {
		return nil, nil, apperrors.ValidationError("prompt",
			fmt.Sprintf("prompt exceeds %d characters", limits.MaxPromptLength))
	}

	e := m.lookup(id)
	if e == nil {
		return nil, nil, apperrors.NotFound("agent", id)
	}

	e.mu.Lock()
	sup := e.sup
	status := e.agent.Status
	savedSession := e.agent.SessionID
	turns := e.agent.MaxTurns
	e.mu.Unlock()

	if maxTurns > 0 {
		turns = clampTurns(maxTurns, limits.MaxTurns)
	}
	resume := sessionID
	if resume == "" {
		resume = savedSession
	}

	if (sup == nil || !sup.Alive()) && status == supervisor.StatusDisconnected {
		// The record survived a restart; bring the process back.
		if err := m.startEntry(ctx, e, CreateSpec{}, resume); err != nil {
			return nil, nil, err
		}
		e.mu.Lock()
		e.agent.Status = supervisor.StatusRestored
		sup = e.sup
		e.mu.Unlock()
		m.log.Info("Agent restored", zap.String("agent_id", id))
	}
	if sup == nil {
		return nil, nil, apperrors.BadRequest("agent process is not running")
	}

	if err := sup.Send(prompt, turns, sessionID); err != nil {
		return nil, nil, apperrors.BadRequest(err.Error())
	}

	e.mu.Lock()
	e.agent.CurrentTask = firstLine(prompt)
	e.agent.LastActivity = time.Now().UTC()
	e.mu.Unlock()
	m.persist(ctx, e)

	return m.snapshot(e), m.subscribeFunc(e), nil
}

// Subscribe attaches a listener to the agent's hub. Returns false when
// the agent is unknown.
func (m *Manager) Subscribe(id string, fn hub.Listener, after int) (func(), bool) {
	e := m.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	e.agent.LastActivity = time.Now().UTC()
	e.mu.Unlock()
	return e.hub.Subscribe(fn, after), true
}

// Inject delivers a local-only event to the agent's subscribers without
// recording it in the log.
func (m *Manager) Inject(id string, ev stream.Event) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}
	e.hub.Inject(ev)
	return true
}

// Destroy tears down an agent and, recursively, its children.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	e := m.lookup(id)
	if e == nil {
		return false
	}

	// Children go first so no orphan keeps running.
	m.mu.RLock()
	var children []string
	for cid, other := range m.agents {
		if other.agent.ParentID == id {
			children = append(children, cid)
		}
	}
	m.mu.RUnlock()
	for _, cid := range children {
		if !m.Destroy(ctx, cid) {
			m.log.Warn("Failed to destroy child agent",
				zap.String("agent_id", id), zap.String("child_id", cid))
		}
	}

	if m.opts.Bus != nil {
		m.opts.Bus.CleanupForAgent(id)
	}

	e.mu.Lock()
	sup := e.sup
	e.agent.Status = supervisor.StatusDestroyed
	e.mu.Unlock()
	if sup != nil {
		sup.Destroy(ctx)
	}

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	if m.opts.Records != nil {
		if err := m.opts.Records.Delete(ctx, id); err != nil {
			m.log.Warn("Failed to delete agent record", zap.String("agent_id", id), zap.Error(err))
		}
	}
	m.publishLifecycle(ctx, events.AgentDestroyed, id, map[string]interface{}{"agentId": id})

	m.log.Info("Agent destroyed", zap.String("agent_id", id))
	return true
}

// DestroyAll tears down every agent; used on shutdown.
func (m *Manager) DestroyAll(ctx context.Context) {
	for _, a := range m.List() {
		m.Destroy(ctx, a.ID)
	}
}

// Pause stops the agent's process group.
func (m *Manager) Pause(id string) error {
	return m.signal(id, func(s *supervisor.Supervisor) bool { return s.Pause() }, "pause")
}

// Resume continues a paused agent.
func (m *Manager) Resume(id string) error {
	return m.signal(id, func(s *supervisor.Supervisor) bool { return s.Resume() }, "resume")
}

func (m *Manager) signal(id string, op func(*supervisor.Supervisor) bool, verb string) error {
	e := m.lookup(id)
	if e == nil {
		return apperrors.NotFound("agent", id)
	}
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	if sup == nil {
		return apperrors.BadRequest("agent process is not running")
	}
	if !op(sup) {
		return apperrors.BadRequest(
			fmt.Sprintf("cannot %s agent in status %s", verb, sup.Status()))
	}
	return nil
}

// GetUsage returns the accumulated token usage.
func (m *Manager) GetUsage(id string) (supervisor.Usage, error) {
	e := m.lookup(id)
	if e == nil {
		return supervisor.Usage{}, apperrors.NotFound("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		e.agent.Usage = e.sup.Usage()
	}
	return e.agent.Usage, nil
}

// GetMetadata returns runtime metadata for debugging.
func (m *Manager) GetMetadata(id string) (map[string]interface{}, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, apperrors.NotFound("agent", id)
	}
	a := m.snapshot(e)
	return map[string]interface{}{
		"id":           a.ID,
		"name":         a.Name,
		"status":       a.Status,
		"depth":        a.Depth,
		"workspaceDir": a.WorkspaceDir,
		"sessionId":    a.SessionID,
		"events":       e.elog.Len(),
		"subscribers":  e.hub.SubscriberCount(),
		"createdAt":    a.CreatedAt,
		"lastActivity": a.LastActivity,
	}, nil
}

// GetEvents returns the retained event log.
func (m *Manager) GetEvents(id string) ([]eventlog.Entry, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, apperrors.NotFound("agent", id)
	}
	return e.elog.All(), nil
}

// GetLogs returns retained events filtered by type, keeping the last
// tail entries when tail > 0.
func (m *Manager) GetLogs(id string, types []string, tail int) ([]eventlog.Entry, error) {
	entries, err := m.GetEvents(id)
	if err != nil {
		return nil, err
	}
	if len(types) > 0 {
		want := make(map[string]bool, len(types))
		for _, t := range types {
			want[t] = true
		}
		filtered := entries[:0]
		for _, en := range entries {
			if want[en.Event.Type()] {
				filtered = append(filtered, en)
			}
		}
		entries = filtered
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	return entries, nil
}

// SaveAttachments writes uploaded files into the agent workspace and
// returns the @-reference block to append to the prompt.
func (m *Manager) SaveAttachments(id string, attachments []Attachment) (string, error) {
	e := m.lookup(id)
	if e == nil {
		return "", apperrors.NotFound("agent", id)
	}
	e.mu.Lock()
	workspace := e.agent.WorkspaceDir
	e.agent.LastActivity = time.Now().UTC()
	e.mu.Unlock()

	dir := filepath.Join(workspace, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.InternalError("attachment directory", err)
	}

	var refs []string
	for _, att := range attachments {
		name := filepath.Base(att.Name)
		if name == "" || name == "." || name == ".." {
			return "", apperrors.ValidationError("name", "invalid attachment name")
		}
		if err := os.WriteFile(filepath.Join(dir, name), att.Content, 0o644); err != nil {
			return "", apperrors.InternalError("attachment write", err)
		}
		refs = append(refs, "@attachments/"+name)
	}
	if len(refs) == 0 {
		return "", nil
	}
	return "\n\n" + strings.Join(refs, "\n"), nil
}

// ListFiles searches the agent workspace for paths containing q,
// relative to the workspace root.
func (m *Manager) ListFiles(id, q string, limit int) ([]string, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, apperrors.NotFound("agent", id)
	}
	e.mu.Lock()
	workspace := e.agent.WorkspaceDir
	e.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []string
	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		if q == "" || strings.Contains(strings.ToLower(rel), strings.ToLower(q)) {
			out = append(out, rel)
			if len(out) >= limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.InternalError("workspace walk", err)
	}
	return out, nil
}

// Count returns the number of live agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// RunTTL destroys agents idle past the session TTL until ctx ends.
func (m *Manager) RunTTL(ctx context.Context) {
	ticker := time.NewTicker(ttlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired destroys every agent whose lastActivity is older than the
// session TTL. Returns how many were destroyed.
func (m *Manager) SweepExpired(ctx context.Context) int {
	ttl := m.opts.Guardrails.Limits().SessionTTL()
	cutoff := time.Now().UTC().Add(-ttl)

	var expired []string
	for _, a := range m.List() {
		if a.LastActivity.Before(cutoff) {
			expired = append(expired, a.ID)
		}
	}
	for _, id := range expired {
		m.log.Info("Agent TTL expired", zap.String("agent_id", id))
		m.Destroy(ctx, id)
	}
	return len(expired)
}

// Restore re-registers agents persisted by a previous run. Their
// processes are gone, so they come back disconnected; a later message
// resumes the CLI session.
func (m *Manager) Restore(ctx context.Context) error {
	if m.opts.Records == nil {
		return nil
	}
	records, err := m.opts.Records.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec.Status == string(supervisor.StatusDestroyed) {
			continue
		}
		elog := eventlog.New(eventlog.DefaultRetention)
		m.agents[rec.ID] = &entry{
			agent: &Agent{
				ID:           rec.ID,
				Name:         rec.Name,
				ParentID:     rec.ParentID,
				Depth:        rec.Depth,
				Role:         rec.Role,
				Capabilities: rec.Capabilities,
				Model:        rec.Model,
				MaxTurns:     rec.MaxTurns,
				WorkspaceDir: rec.WorkspaceDir,
				Status:       supervisor.StatusDisconnected,
				CurrentTask:  rec.CurrentTask,
				SessionID:    rec.SessionID,
				Usage: supervisor.Usage{
					TokensIn:      rec.TokensIn,
					TokensOut:     rec.TokensOut,
					EstimatedCost: rec.EstimatedCost,
				},
				LastActivity: rec.LastActivity,
				CreatedAt:    rec.CreatedAt,
			},
			elog: elog,
			hub:  hub.New(elog, m.opts.Sanitizer, m.log),
		}
	}
	m.log.Info("Restored agents from store", zap.Int("count", len(records)))
	return nil
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

func (m *Manager) snapshot(e *entry) *Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		e.agent.SessionID = e.sup.SessionID()
		e.agent.Usage = e.sup.Usage()
	}
	return e.agent.clone()
}

func (m *Manager) subscribeFunc(e *entry) SubscribeFunc {
	return func(fn hub.Listener, after int) func() {
		return e.hub.Subscribe(fn, after)
	}
}

func (m *Manager) persist(ctx context.Context, e *entry) {
	if m.opts.Records == nil {
		return
	}
	a := m.snapshot(e)
	rec := &store.AgentRecord{
		ID:            a.ID,
		Name:          a.Name,
		ParentID:      a.ParentID,
		Depth:         a.Depth,
		Role:          a.Role,
		Capabilities:  a.Capabilities,
		Model:         a.Model,
		MaxTurns:      a.MaxTurns,
		WorkspaceDir:  a.WorkspaceDir,
		Status:        string(a.Status),
		SessionID:     a.SessionID,
		CurrentTask:   a.CurrentTask,
		TokensIn:      a.Usage.TokensIn,
		TokensOut:     a.Usage.TokensOut,
		EstimatedCost: a.Usage.EstimatedCost,
		CreatedAt:     a.CreatedAt,
		LastActivity:  a.LastActivity,
	}
	if err := m.opts.Records.Save(ctx, rec); err != nil {
		m.log.Warn("Failed to persist agent record", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	if m.opts.Events == nil {
		return
	}
	subject := events.SubjectAgents + "." + agentID
	if err := m.opts.Events.Publish(ctx, subject, eventbus.NewEvent(eventType, "manager", data)); err != nil {
		m.log.Warn("Failed to publish lifecycle event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// writeGitCredentials writes an https credential line per repo that has
// a PAT. No file is written when no repo carries one.
func writeGitCredentials(workspace string, repos []GitRepoAccess) error {
	var lines []string
	for _, r := range repos {
		if r.PAT == "" {
			continue
		}
		path := strings.TrimPrefix(r.Path, "/")
		lines = append(lines, fmt.Sprintf("https://oauth2:%s@%s/%s", r.PAT, r.Host, path))
	}
	if len(lines) == 0 {
		return nil
	}
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(filepath.Join(workspace, ".git-credentials"), []byte(content), 0o600)
}

func resolveModel(model string) string {
	if model == "" {
		return guardrails.DefaultModel
	}
	return model
}

func clampTurns(turns, max int) int {
	if turns <= 0 || turns > max {
		return max
	}
	return turns
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
