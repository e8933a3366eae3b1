package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Workflow is one planned coordination: the primary agent, the dependents
// that are prepared first, and the request.
type Workflow struct {
	CoordinationID string
	Request        *models.AgentRequest
	Primary        models.AgentDescriptor
	Dependents     []models.AgentDescriptor
}

// TotalAgentCount is the primary plus every dependent.
func (w *Workflow) TotalAgentCount() int { return 1 + len(w.Dependents) }

// IsComplex is true when more than one dependent takes part.
func (w *Workflow) IsComplex() bool { return len(w.Dependents) > 1 }

func (w *Workflow) DependentIDs() []string {
	ids := make([]string, len(w.Dependents))
	for i, d := range w.Dependents {
		ids[i] = d.ID
	}
	return ids
}

// PreparationRequest builds the request sent to each dependent before the
// primary runs. It carries the original request's routing fields.
func (w *Workflow) PreparationRequest() *models.AgentRequest {
	params := make(map[string]string, len(w.Request.Parameters)+3)
	for k, v := range w.Request.Parameters {
		params[k] = v
	}
	params["original-request-id"] = w.Request.ID
	params["coordination-id"] = w.CoordinationID
	params["primary-agent"] = w.Primary.ID

	return &models.AgentRequest{
		ID:                 uuid.New().String(),
		Type:               models.RequestTypePreparation,
		Description:        "Prepare for coordination: " + w.Request.Description,
		RequiredCapability: w.Request.RequiredCapability,
		SourceProject:      w.Request.SourceProject,
		TargetProject:      w.Request.TargetProject,
		Priority:           w.Request.Priority,
		Parameters:         params,
		CreatedAt:          w.Request.CreatedAt,
	}
}

// prepare invokes every dependent concurrently and waits for all of them.
// Failures become error responses; they never abort the workflow.
func (e *Engine) prepare(ctx context.Context, wf *Workflow) []*models.AgentResponse {
	ctx, span := tracer.Start(ctx, "coordination.prepare")
	defer span.End()
	span.SetAttributes(attribute.Int("dependents", len(wf.Dependents)))

	responses := make([]*models.AgentResponse, len(wf.Dependents))
	var g errgroup.Group
	for i, dep := range wf.Dependents {
		g.Go(func() error {
			resp, err := e.invoke(ctx, dep.ID, wf.PreparationRequest())
			if err != nil {
				resp = models.ErrorResponse(wf.Request.ID, "Preparation failed: "+err.Error())
				resp.AgentID = dep.ID
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

// execute runs the four phases: prepare dependents, run the primary,
// resolve conflicts, build the result.
func (e *Engine) execute(ctx context.Context, wf *Workflow) (*models.CoordinationResult, error) {
	responses := e.prepare(ctx, wf)

	pctx, span := tracer.Start(ctx, "coordination.primary")
	span.SetAttributes(attribute.String("agent_id", wf.Primary.ID))
	primary, err := e.invoke(pctx, wf.Primary.ID, wf.Request)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		return nil, &models.ExecutionError{Op: "primary agent " + wf.Primary.ID, Err: err}
	}
	responses = append(responses, primary)

	_, rspan := tracer.Start(ctx, "coordination.resolve")
	resolution := e.resolver.Resolve(wf.Request.ID, responses)
	rspan.SetAttributes(
		attribute.String("outcome", string(resolution.Outcome)),
		attribute.Int("conflicts", len(resolution.Conflicts)),
	)
	rspan.End()

	result := &models.CoordinationResult{
		CoordinationID:   wf.CoordinationID,
		Request:          wf.Request,
		PrimaryAgent:     wf.Primary.ID,
		DependentAgents:  wf.DependentIDs(),
		ResolvedResponse: resolution.Response,
		AllResponses:     responses,
		Success:          resolution.Successful(),
	}
	if !result.Success {
		result.ErrorMessage = resolution.Response.ErrorMessage
		result.ErrorCode = models.CodeExecution
	}
	return result, nil
}

// invoke calls one agent under its configured response timeout.
func (e *Engine) invoke(ctx context.Context, agentID string, req *models.AgentRequest) (*models.AgentResponse, error) {
	e.mu.RLock()
	h, ok := e.handlers[agentID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for agent %s", agentID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.responseTimeout(ctx, agentID))
	defer cancel()

	type reply struct {
		resp *models.AgentResponse
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := h.HandleRequest(ctx, req)
		ch <- reply{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil {
			return nil, fmt.Errorf("agent %s returned no response", agentID)
		}
		if r.resp.AgentID == "" {
			r.resp.AgentID = agentID
		}
		if r.resp.RequestID == "" {
			r.resp.RequestID = req.ID
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("agent %s timed out: %w", agentID, ctx.Err())
	}
}

func (e *Engine) responseTimeout(ctx context.Context, agentID string) time.Duration {
	if e.config == nil {
		return models.DefaultResponseTimeout
	}
	cfg, err := e.config.GetEffectiveConfiguration(ctx, agentID, e.workspaceID, e.environmentID)
	if err != nil {
		return models.DefaultResponseTimeout
	}
	return cfg.ResponseTimeout()
}
