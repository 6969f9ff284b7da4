// Package workflow tracks multi-agent workflows. A workflow is started
// by an operator, runs until an agent posts a completion message on the
// bus, and is bounded by a concurrent-workflow cap.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/bus"
	apperrors "github.com/hivemind/hivemind/internal/common/errors"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/events"
	eventbus "github.com/hivemind/hivemind/internal/events/bus"
)

// TypeComplete is the bus message type that finishes a workflow. The
// workflow id travels in the message metadata.
const TypeComplete = "workflow_complete"

// DefaultMaxActive caps concurrently running workflows.
const DefaultMaxActive = 10

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Workflow is one tracked run.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	InitiatorID string     `json:"initiatorId,omitempty"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Service owns the workflow table and watches the message bus for
// completion messages.
type Service struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	maxActive int

	events eventbus.EventBus
	logger *logger.Logger
	unsub  func()
}

// NewService creates the service. maxActive <= 0 selects the default.
func NewService(maxActive int, ev eventbus.EventBus, log *logger.Logger) *Service {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Service{
		workflows: make(map[string]*Workflow),
		maxActive: maxActive,
		events:    ev,
		logger:    log,
	}
}

// Watch subscribes to the message bus for completion messages.
func (s *Service) Watch(b *bus.Bus) {
	s.unsub = b.Subscribe(func(m bus.Message) {
		if m.Type != TypeComplete {
			return
		}
		id, _ := m.Metadata["workflowId"].(string)
		if id == "" {
			return
		}
		if s.complete(id, m.Content) {
			s.logger.Info("Workflow completed",
				zap.String("workflow_id", id), zap.String("agent_id", m.From))
		}
	})
}

// Stop detaches the bus watcher.
func (s *Service) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
}

// Start registers a new running workflow, enforcing the cap.
func (s *Service) Start(name, initiatorID string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, w := range s.workflows {
		if w.Status == StatusRunning {
			active++
		}
	}
	if active >= s.maxActive {
		return nil, apperrors.TooManyRequests(
			fmt.Sprintf("workflow limit of %d reached", s.maxActive))
	}

	w := &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		InitiatorID: initiatorID,
		Status:      StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	s.workflows[w.ID] = w
	return cloneWorkflow(w), nil
}

// Cancel marks a running workflow cancelled.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return apperrors.NotFound("workflow", id)
	}
	if w.Status != StatusRunning {
		return apperrors.BadRequest(fmt.Sprintf("workflow is %s", w.Status))
	}
	now := time.Now().UTC()
	w.Status = StatusCancelled
	w.CompletedAt = &now
	return nil
}

// Get returns one workflow.
func (s *Service) Get(id string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, false
	}
	return cloneWorkflow(w), true
}

// List returns all workflows, newest first.
func (s *Service) List() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, cloneWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Service) complete(id, result string) bool {
	s.mu.Lock()
	w, ok := s.workflows[id]
	if !ok || w.Status != StatusRunning {
		s.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	w.Status = StatusCompleted
	w.Result = result
	w.CompletedAt = &now
	s.mu.Unlock()

	if s.events != nil {
		ev := eventbus.NewEvent(events.WorkflowCompleted, "workflow", map[string]interface{}{
			"workflowId": id,
			"result":     result,
		})
		if err := s.events.Publish(context.Background(), events.SubjectWorkflow, ev); err != nil {
			s.logger.Warn("Failed to publish workflow event", zap.Error(err))
		}
	}
	return true
}

func cloneWorkflow(w *Workflow) *Workflow {
	out := *w
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
