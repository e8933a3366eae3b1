package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/agentfleet/control-plane/internal/notify"
	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
)

func newTestService() *notify.Service {
	return notify.NewService(notify.WithRetryInterval(time.Millisecond))
}

func TestWebhookSignedAndRetried(t *testing.T) {
	var calls atomic.Int32
	var gotSig, gotEvent string
	var got contracts.NotificationEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Fleet-Signature")
		gotEvent = r.Header.Get("X-Fleet-Event")
		if gotSig != notify.Signature("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := newTestService()
	if err := svc.AddChannel(models.NotificationChannel{
		Name:   "ops",
		Kind:   models.ChannelWebhook,
		URL:    srv.URL,
		Secret: "s3cret",
		Active: true,
	}); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}

	results := svc.Notify(context.Background(), contracts.NotificationEvent{
		Type:    models.EventFailoverCompleted,
		AgentID: "ledger",
		Payload: map[string]any{"target": "prod-secondary"},
	})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("Notify() = %+v", results)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if gotEvent != models.EventFailoverCompleted || !strings.HasPrefix(gotSig, "sha256=") {
		t.Errorf("headers event=%q sig=%q", gotEvent, gotSig)
	}
	if got.AgentID != "ledger" || got.Timestamp.IsZero() {
		t.Errorf("delivered event = %+v", got)
	}
}

func TestWebhookGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := newTestService()
	ch := &models.NotificationChannel{Name: "ops", Kind: models.ChannelWebhook, URL: srv.URL, Active: true}
	r := svc.DispatchToChannel(context.Background(), ch, contracts.NotificationEvent{Type: models.EventRecoveryFailed})

	if r.Success {
		t.Fatal("DispatchToChannel() succeeded against a failing webhook")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if !strings.Contains(r.Error, "after 3 attempts") {
		t.Errorf("Error = %q", r.Error)
	}
}

func TestNotifyFiltersChannels(t *testing.T) {
	svc := newTestService()
	for _, ch := range []models.NotificationChannel{
		{Name: "all", Kind: models.ChannelLog, Active: true},
		{Name: "recovery-only", Kind: models.ChannelLog, Active: true, Events: []string{models.EventRecoveryStarted}},
		{Name: "muted", Kind: models.ChannelLog, Active: false},
	} {
		if err := svc.AddChannel(ch); err != nil {
			t.Fatalf("AddChannel(%s) error = %v", ch.Name, err)
		}
	}

	results := svc.Notify(context.Background(), contracts.NotificationEvent{Type: models.EventAgentUnhealthy, AgentID: "ledger"})
	if len(results) != 1 || results[0].Channel != "log/all" || !results[0].Success {
		t.Errorf("Notify(agent_unhealthy) = %+v", results)
	}

	results = svc.Notify(context.Background(), contracts.NotificationEvent{Type: models.EventRecoveryStarted})
	if len(results) != 2 {
		t.Errorf("Notify(recovery_started) delivered to %d channels, want 2", len(results))
	}
}

func TestAddChannelValidation(t *testing.T) {
	svc := newTestService()
	bad := []models.NotificationChannel{
		{Kind: models.ChannelLog},
		{Name: "pager", Kind: "pagerduty"},
		{Name: "hook", Kind: models.ChannelWebhook},
	}
	for _, ch := range bad {
		if err := svc.AddChannel(ch); models.CodeOf(err) != models.CodeValidation {
			t.Errorf("AddChannel(%+v) error = %v, want validation", ch, err)
		}
	}

	if err := svc.AddChannel(models.NotificationChannel{Name: "ops", Kind: models.ChannelLog, Active: true}); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	if got := svc.Channels(); len(got) != 1 || got[0].Name != "ops" {
		t.Errorf("Channels() = %+v", got)
	}
	if !svc.RemoveChannel("ops") || svc.RemoveChannel("ops") {
		t.Error("RemoveChannel() did not report removal once")
	}
}
