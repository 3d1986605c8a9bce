package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"gigwire/pkg/bus"
	"gigwire/pkg/domain"
	"gigwire/services/messaging/internal/chat"
	"gigwire/services/messaging/internal/dispatch"
)

// noFanout satisfies the dispatcher's recipient oracle for events that carry
// an explicit target.
type noFanout struct{}

func (noFanout) EligibleProviders(context.Context, string) ([]string, error) {
	return nil, nil
}

func bidPlacedBody(target string) map[string]any {
	return map[string]any{
		"topic": "bids",
		"type":  "placed",
		"entity": map[string]string{
			"kind": "bid",
			"id":   "bid-1",
		},
		"actor_id":       "prov",
		"target_user_id": target,
		"payload": map[string]any{
			"bidId":       "bid-1",
			"jobId":       "job-1",
			"jobTitle":    "Fix sink",
			"providerId":  "prov",
			"clientId":    target,
			"amountCents": 12500,
			"currency":    "USD",
		},
	}
}

func TestPublishEventRequiresServiceToken(t *testing.T) {
	srv := newTestServer(t)

	received := make(chan bus.Event, 1)
	if err := srv.bus.Subscribe(context.Background(), []string{"#"}, func(_ context.Context, event bus.Event) error {
		received <- event
		return nil
	}); err != nil {
		t.Fatalf("subscribe capture: %v", err)
	}

	// 1) No token.
	status, _ := srv.doJSON(t, http.MethodPost, "/internal/events", "", bidPlacedBody("cli"))
	if status != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", status)
	}

	// 2) A user token is not a service token.
	status, _ = srv.doJSON(t, http.MethodPost, "/internal/events", srv.userToken(t, "alice"), bidPlacedBody("cli"))
	if status != http.StatusUnauthorized {
		t.Fatalf("user token expected 401, got %d", status)
	}
	select {
	case event := <-received:
		t.Fatalf("unauthorized request must not publish, got %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// 3) A signed service token publishes and returns the event id.
	svcToken, err := srv.svcSigner.Sign("messaging")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	status, raw := srv.doJSON(t, http.MethodPost, "/internal/events", svcToken, bidPlacedBody("cli"))
	if status != http.StatusAccepted {
		t.Fatalf("service token expected 202, got %d: %s", status, raw)
	}
	var accepted struct {
		EventID string `json:"event_id"`
	}
	decodeInto(t, raw, &accepted)
	if accepted.EventID == "" {
		t.Fatalf("expected an event_id in %s", raw)
	}

	select {
	case event := <-received:
		if event.Type != domain.EventBidPlaced {
			t.Fatalf("expected routing key bids.placed, got %q", event.Type)
		}
		if event.ID != accepted.EventID {
			t.Fatalf("bus event id %q does not match response %q", event.ID, accepted.EventID)
		}
		if event.EntityKind != "bid" || event.EntityID != "bid-1" || event.TargetUserID != "cli" {
			t.Fatalf("unexpected envelope %+v", event)
		}
		if event.OccurredAt.IsZero() {
			t.Fatalf("expected occurredAt to be stamped")
		}
		var payload domain.BidEvent
		decodeInto(t, event.Payload, &payload)
		if payload.AmountCents != 12500 || payload.JobID != "job-1" {
			t.Fatalf("payload did not survive the trip: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("published event never reached the bus")
	}
}

func TestPublishEventValidatesBody(t *testing.T) {
	srv := newTestServer(t)
	svcToken, err := srv.svcSigner.Sign("messaging")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}

	// 1) Missing topic/type.
	status, _ := srv.doJSON(t, http.MethodPost, "/internal/events", svcToken, map[string]any{
		"entity": map[string]string{"kind": "bid", "id": "bid-1"},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing topic expected 400, got %d", status)
	}

	// 2) Missing entity.
	status, _ = srv.doJSON(t, http.MethodPost, "/internal/events", svcToken, map[string]any{
		"topic": "bids",
		"type":  "placed",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing entity expected 400, got %d", status)
	}

	// 3) Body that is not JSON.
	req, err := http.NewRequest(http.MethodPost, srv.ts.URL+"/internal/events", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+svcToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post garbage: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage body expected 400, got %d", resp.StatusCode)
	}
}

func TestPublishEventRateLimited(t *testing.T) {
	srv := newTestServer(t, withRateLimits(0, 2))
	svcToken, err := srv.svcSigner.Sign("messaging")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}

	for i := 0; i < 2; i++ {
		status, raw := srv.doJSON(t, http.MethodPost, "/internal/events", svcToken, bidPlacedBody("cli"))
		if status != http.StatusAccepted {
			t.Fatalf("publish %d expected 202, got %d: %s", i+1, status, raw)
		}
	}

	req, err := http.NewRequest(http.MethodPost, srv.ts.URL+"/internal/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+svcToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("third publish: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third publish expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
}

// TestPublishedEventReachesConnectedRecipient exercises the full pipeline:
// HTTP publish -> bus -> dispatcher -> notification row -> live socket push.
func TestPublishedEventReachesConnectedRecipient(t *testing.T) {
	srv := newTestServer(t)
	disp, err := dispatch.New(dispatch.Config{
		Bus:        srv.bus,
		Store:      srv.store,
		Registry:   srv.registry,
		Jobs:       noFanout{},
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()
	// Let the consumer bind before publishing; the memory bus has no backlog.
	time.Sleep(50 * time.Millisecond)

	cli := srv.connect(t, "cli")

	svcToken, err := srv.svcSigner.Sign("messaging")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	status, raw := srv.doJSON(t, http.MethodPost, "/internal/events", svcToken, bidPlacedBody("cli"))
	if status != http.StatusAccepted {
		t.Fatalf("publish expected 202, got %d: %s", status, raw)
	}

	// 1) The client's live session receives the push.
	env := expectFrame(t, cli, chat.FrameNewNotification)
	var pushed domain.Notification
	decodeInto(t, env.Payload, &pushed)
	if pushed.RecipientID != "cli" || pushed.Type != domain.NotifBidReceived {
		t.Fatalf("unexpected notification %s", env.Payload)
	}
	if !strings.Contains(pushed.Body, "USD 125.00") {
		t.Fatalf("expected formatted amount in body, got %q", pushed.Body)
	}

	// 2) The bid opened the job room for both parties.
	room, ok, err := srv.store.GetJobRoom("job-1", "prov")
	if err != nil || !ok {
		t.Fatalf("expected job room after bids.placed, ok=%v err=%v", ok, err)
	}
	if !room.IsActive {
		t.Fatalf("expected the new job room to be active")
	}

	// 3) Delivery marks the row so catch-up stays exactly-once. The mark lands
	// just after the push, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := srv.store.ListNotifications("cli", false, "", 10)
		if err != nil {
			t.Fatalf("list notifications: %v", err)
		}
		if len(rows) == 1 && rows[0].DeliveredAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one delivered notification, got %+v", rows)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatcher run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop after cancel")
	}
}
