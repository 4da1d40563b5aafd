package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// WorkflowStore is the slice of the workflow repository the runner
// needs.
type WorkflowStore interface {
	Create(ctx context.Context, wf *storage.AgentWorkflow) error
	Complete(ctx context.Context, wfID int64, status storage.WorkflowStatus, executionLog json.RawMessage) error
}

// Runner records agent runs as workflow rows: created in the running
// state, completed or failed with the marshaled outcome as the
// execution log.
type Runner struct {
	agent  *Agent
	store  WorkflowStore
	logger *observability.Logger
}

// NewRunner wires an agent to a workflow store.
func NewRunner(agent *Agent, store WorkflowStore, logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Runner{agent: agent, store: store, logger: logger.WithComponent("agent.runner")}
}

// Execute runs the agent for userQuery starting at seedURL and persists
// the run under projectID. The partial outcome is returned even when
// the run fails, so callers can surface what was gathered.
func (r *Runner) Execute(ctx context.Context, projectID int64, userQuery, seedURL string) (*storage.AgentWorkflow, *Outcome, error) {
	cfgJSON, err := json.Marshal(map[string]any{
		"seed_url":  seedURL,
		"max_pages": r.agent.cfg.MaxPages,
		"max_depth": r.agent.cfg.MaxDepth,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal workflow config: %w", err)
	}
	wf := &storage.AgentWorkflow{
		ProjectID: projectID,
		UserQuery: userQuery,
		Status:    storage.WorkflowStatusRunning,
		Config:    cfgJSON,
	}
	if err := r.store.Create(ctx, wf); err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}

	outcome, runErr := r.agent.Run(ctx, seedURL, userQuery)
	if runErr != nil {
		if err := r.store.Complete(ctx, wf.ID, storage.WorkflowStatusFailed, executionLog(outcome, runErr)); err != nil {
			r.logger.Error().Int64("workflow_id", wf.ID).Err(err).Msg("recording workflow failure failed")
		}
		wf.Status = storage.WorkflowStatusFailed
		return wf, outcome, runErr
	}

	if err := r.store.Complete(ctx, wf.ID, storage.WorkflowStatusCompleted, executionLog(outcome, nil)); err != nil {
		return wf, outcome, fmt.Errorf("complete workflow: %w", err)
	}
	wf.Status = storage.WorkflowStatusCompleted
	return wf, outcome, nil
}

// executionLog marshals the outcome for the workflow row. Screenshots
// stay out of the database.
func executionLog(outcome *Outcome, runErr error) json.RawMessage {
	wrapper := struct {
		*Outcome
		Error string `json:"error,omitempty"`
	}{Outcome: outcome}
	if runErr != nil {
		wrapper.Error = runErr.Error()
	}
	data, err := json.Marshal(wrapper)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
