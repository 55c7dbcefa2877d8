package callservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/ari-worker/internal/ariparser"
	"github.com/flowpbx/ari-worker/internal/callstore"
)

func parseEv(raw []byte) ariparser.ParsedEvent {
	return ariparser.Parse(raw)
}

// fakeAri is a test double for AriClient that records every call and
// lets the test script specific failures.
type fakeAri struct {
	mu sync.Mutex

	originateErr        error
	createBridgeErr      error
	addChannelErr        map[string]error // channelID -> error
	nextChannelID        string
	nextBridgeID         string

	originateCalls  []string // endpoint
	bridgeCalls     []string // name
	addChannelCalls []string // channelID
	hangupCalls     []string // channelID
	destroyCalls    []string // bridgeID
}

func newFakeAri() *fakeAri {
	return &fakeAri{
		addChannelErr: make(map[string]error),
		nextChannelID: "C-B",
		nextBridgeID:  "B-1",
	}
}

func (f *fakeAri) Originate(ctx context.Context, endpoint, appArgs, callerID string, timeoutSec int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.originateCalls = append(f.originateCalls, endpoint)
	if f.originateErr != nil {
		return "", f.originateErr
	}
	return f.nextChannelID, nil
}

func (f *fakeAri) CreateBridge(ctx context.Context, name, bridgeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bridgeCalls = append(f.bridgeCalls, name)
	if f.createBridgeErr != nil {
		return "", f.createBridgeErr
	}
	return f.nextBridgeID, nil
}

func (f *fakeAri) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addChannelCalls = append(f.addChannelCalls, channelID)
	return f.addChannelErr[channelID]
}

func (f *fakeAri) HangupChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangupCalls = append(f.hangupCalls, channelID)
	return nil
}

func (f *fakeAri) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls = append(f.destroyCalls, bridgeID)
	return nil
}

// fakeRecorder is a test double for Recorder.
type fakeRecorder struct {
	mu sync.Mutex

	events  []callstore.EventInput
	ensured []uuid.UUID
	bridged []uuid.UUID
	failed  []string
	ended   []uuid.UUID
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{}
}

func (r *fakeRecorder) EnsureCallRow(ctx context.Context, callID uuid.UUID, callerExten, calleeExten, callerChannelID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, callID)
	return nil
}

func (r *fakeRecorder) AddEvent(ctx context.Context, ev callstore.EventInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) MarkBridged(ctx context.Context, callID uuid.UUID, bridgeID, callerChannelID, calleeChannelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridged = append(r.bridged, callID)
	return nil
}

func (r *fakeRecorder) MarkFailed(ctx context.Context, callID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
	return nil
}

func (r *fakeRecorder) MarkEnded(ctx context.Context, callID uuid.UUID, endedAt *time.Time, hangupCause *int, hangupReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, callID)
	return nil
}

func stasisStartFrame(channelID, channelName, app string, args []string) []byte {
	payload := map[string]any{
		"type":        "StasisStart",
		"timestamp":   "2024-01-01T00:00:00.000+0000",
		"application": app,
		"args":        args,
		"channel": map[string]any{
			"id":   channelID,
			"name": channelName,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func hangupFrame(eventType, channelID string, cause int, causeTxt string) []byte {
	payload := map[string]any{
		"type":      eventType,
		"timestamp": "2024-01-01T00:01:00.000+0000",
		"cause":     cause,
		"cause_txt": causeTxt,
		"channel": map[string]any{
			"id": channelID,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

// wait polls until cond is true or fails the test after a short timeout,
// used to synchronize against the fire-and-forget bridge goroutine.
func wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHappyPath1000To1001(t *testing.T) {
	ari := newFakeAri()
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-A", "PJSIP/1000-00000001", "pbx_ari", []string{"1001"})))

	if len(ari.originateCalls) != 1 || ari.originateCalls[0] != "PJSIP/1001" {
		t.Fatalf("originate calls = %v, want one PJSIP/1001", ari.originateCalls)
	}

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-B", "PJSIP/1001-00000002", "pbx_ari", []string{"callee", "1001"})))

	wait(t, func() bool {
		ari.mu.Lock()
		defer ari.mu.Unlock()
		return len(ari.bridgeCalls) == 1 && len(ari.addChannelCalls) == 2
	})

	if len(rec.bridged) != 1 {
		t.Fatalf("expected one mark_bridged call, got %d", len(rec.bridged))
	}

	svc.HandleEvent(ctx, parseEv(hangupFrame("ChannelDestroyed", "C-A", 16, "Normal Clearing")))

	wait(t, func() bool {
		ari.mu.Lock()
		defer ari.mu.Unlock()
		return len(ari.hangupCalls) == 2 && len(ari.destroyCalls) == 1
	})

	found := false
	for _, ch := range ari.hangupCalls {
		if ch == "C-B" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected hangup of C-B, got %v", ari.hangupCalls)
	}
	if len(rec.ended) != 1 {
		t.Errorf("expected one mark_ended call, got %d", len(rec.ended))
	}
}

func TestOrphanCallee(t *testing.T) {
	ari := newFakeAri()
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-B", "PJSIP/1001-00000002", "pbx_ari", []string{"callee", "1001"})))

	if len(ari.originateCalls) != 0 || len(ari.bridgeCalls) != 0 {
		t.Fatalf("expected no REST calls for orphan callee, got originate=%v bridge=%v", ari.originateCalls, ari.bridgeCalls)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one call_events row, got %d", len(rec.events))
	}
	if len(rec.ensured) != 0 {
		t.Errorf("expected no calls row for an orphan callee, got %d", len(rec.ensured))
	}
}

func TestOriginateFailureCleansUpPendingQueue(t *testing.T) {
	ari := newFakeAri()
	ari.originateErr = fmt.Errorf("engine unreachable")
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-A", "PJSIP/1000-00000001", "pbx_ari", []string{"1001"})))

	if len(rec.ensured) != 1 {
		t.Fatalf("expected ensure_call_row before originate, got %d", len(rec.ensured))
	}

	svc.mu.Lock()
	pending := len(svc.pendingByExten["1001"])
	sessions := len(svc.sessions)
	svc.mu.Unlock()

	if pending != 0 {
		t.Errorf("pending queue for 1001 = %d, want 0 after originate failure", pending)
	}
	if sessions != 0 {
		t.Errorf("sessions = %d, want 0 after originate failure", sessions)
	}
}

func TestBridgePartialFailureMarksFailedAndTearsDown(t *testing.T) {
	ari := newFakeAri()
	ari.addChannelErr["C-B"] = fmt.Errorf("engine rejected add channel")
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-A", "PJSIP/1000-00000001", "pbx_ari", []string{"1001"})))
	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-B", "PJSIP/1001-00000002", "pbx_ari", []string{"callee", "1001"})))

	wait(t, func() bool {
		ari.mu.Lock()
		defer ari.mu.Unlock()
		return len(ari.destroyCalls) == 1
	})

	ari.mu.Lock()
	hangups := append([]string(nil), ari.hangupCalls...)
	ari.mu.Unlock()

	if len(hangups) != 2 {
		t.Fatalf("expected both legs hung up on partial bridge failure, got %v", hangups)
	}
	if len(rec.failed) != 1 {
		t.Fatalf("expected one mark_failed call, got %d", len(rec.failed))
	}
}

func TestDuplicateHangupIsIdempotent(t *testing.T) {
	ari := newFakeAri()
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-A", "PJSIP/1000-00000001", "pbx_ari", []string{"1001"})))
	svc.HandleEvent(ctx, parseEv(hangupFrame("ChannelDestroyed", "C-A", 16, "Normal Clearing")))
	svc.HandleEvent(ctx, parseEv(hangupFrame("ChannelDestroyed", "C-A", 16, "Normal Clearing")))

	ari.mu.Lock()
	hangupCount := len(ari.hangupCalls)
	ari.mu.Unlock()

	if hangupCount != 1 {
		t.Errorf("hangup_channel called %d times across duplicate terminations, want 1", hangupCount)
	}
}

func TestCauseExtractionFallsBackToCauseText(t *testing.T) {
	raw := hangupFrame("ChannelDestroyed", "C-A", 0, "")
	var m map[string]any
	json.Unmarshal(raw, &m)
	delete(m, "cause")
	delete(m, "cause_txt")
	m["causeText"] = "Busy"
	raw, _ = json.Marshal(m)

	_, reason := extractHangupCause(raw, "ChannelDestroyed")
	if reason == nil || *reason != "Busy" {
		t.Errorf("reason = %v, want Busy", reason)
	}
}

func TestStasisEndIsLoggedOnly(t *testing.T) {
	ari := newFakeAri()
	rec := newFakeRecorder()
	svc := New(ari, rec, nil, 30)
	ctx := context.Background()

	svc.HandleEvent(ctx, parseEv(stasisStartFrame("C-A", "PJSIP/1000-00000001", "pbx_ari", []string{"1001"})))
	svc.HandleEvent(ctx, parseEv([]byte(`{"type":"StasisEnd","channel":{"id":"C-A"}}`)))

	if len(ari.hangupCalls) != 0 || len(ari.destroyCalls) != 0 {
		t.Errorf("StasisEnd must not trigger termination, got hangups=%v destroys=%v", ari.hangupCalls, ari.destroyCalls)
	}

	svc.mu.Lock()
	sessions := len(svc.sessions)
	svc.mu.Unlock()
	if sessions != 1 {
		t.Errorf("expected the session to remain live after StasisEnd, got %d sessions", sessions)
	}
}
