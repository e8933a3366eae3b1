// Package invoker calls remote agents over HTTP.
//
// A remote agent exposes POST <endpoint>/requests, accepting an AgentRequest
// and answering with an AgentResponse, both JSON. Trace context is
// propagated in the request headers.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxErrorBody = 4 << 10

// HTTPAgent implements contracts.AgentHandler for one remote agent.
type HTTPAgent struct {
	agentID  string
	endpoint string
	client   *http.Client

	// Exponential moving average of call latency in milliseconds.
	latencyMs atomic.Int64
}

// NewHTTPAgent creates a handler for the agent served at endpoint. Deadlines
// come from the caller's context; client may be nil.
func NewHTTPAgent(agentID, endpoint string, client *http.Client) *HTTPAgent {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAgent{
		agentID:  agentID,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

func (a *HTTPAgent) Endpoint() string { return a.endpoint }

// Latency is the smoothed call latency.
func (a *HTTPAgent) Latency() time.Duration {
	return time.Duration(a.latencyMs.Load()) * time.Millisecond
}

func (a *HTTPAgent) HandleRequest(ctx context.Context, req *models.AgentRequest) (*models.AgentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.agentID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/requests", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.agentID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Fleet-Request-ID", req.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", a.agentID, err)
	}
	defer httpResp.Body.Close()
	a.observe(time.Since(start))

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s: status %d: %s", a.agentID, httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var resp models.AgentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.agentID, err)
	}
	if resp.AgentID == "" {
		resp.AgentID = a.agentID
	}
	if resp.RequestID == "" {
		resp.RequestID = req.ID
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	return &resp, nil
}

func (a *HTTPAgent) observe(d time.Duration) {
	ms := d.Milliseconds()
	for {
		prev := a.latencyMs.Load()
		next := ms
		if prev != 0 {
			next = (prev*7 + ms*3) / 10
		}
		if a.latencyMs.CompareAndSwap(prev, next) {
			return
		}
	}
}
