// Package callservice is the stateful core of the worker: it owns the
// in-memory call session table and runs the pairing/bridging/teardown
// protocol against a telephony engine's REST surface and a persistent
// call store.
package callservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/ari-worker/internal/ariparser"
	"github.com/flowpbx/ari-worker/internal/callstore"
)

// AriClient is the subset of the telephony engine's REST surface the
// service drives. Satisfied by *ariclient.Client.
type AriClient interface {
	Originate(ctx context.Context, endpoint, appArgs, callerID string, timeoutSec int) (string, error)
	CreateBridge(ctx context.Context, name, bridgeType string) (string, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	HangupChannel(ctx context.Context, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
}

// Recorder is the subset of call persistence the service drives.
// Satisfied by *callstore.Recorder.
type Recorder interface {
	EnsureCallRow(ctx context.Context, callID uuid.UUID, callerExten, calleeExten, callerChannelID *string) error
	AddEvent(ctx context.Context, ev callstore.EventInput) error
	MarkBridged(ctx context.Context, callID uuid.UUID, bridgeID, callerChannelID, calleeChannelID string) error
	MarkFailed(ctx context.Context, callID uuid.UUID, reason string) error
	MarkEnded(ctx context.Context, callID uuid.UUID, endedAt *time.Time, hangupCause *int, hangupReason *string) error
}

// session is the in-memory record of one paired or pairing call. Owned
// exclusively by Service's sessions table.
type session struct {
	callID          uuid.UUID
	targetExten     string
	callerChannelID string
	calleeChannelID string // empty until the callee arm attaches
	bridgeID        string // empty until bridged
	bridged         bool
	done            bool
}

// Service is the pairing/bridging state machine. All reads and writes to
// the four in-memory indices are serialized by mu; external I/O (REST,
// DB) always happens outside it.
type Service struct {
	mu              sync.Mutex
	sessions        map[uuid.UUID]*session
	pendingByExten  map[string][]uuid.UUID
	channelToCall   map[string]uuid.UUID
	channelToBridge map[string]string

	ari                 AriClient
	recorder            Recorder
	logger              *slog.Logger
	originateTimeoutSec int

	wg sync.WaitGroup
}

// New constructs a Service with empty indices. originateTimeoutSec is the
// number of seconds ARI waits for the callee leg to answer; callers should
// pass cfg.OriginateTimeoutSec.
func New(ari AriClient, recorder Recorder, logger *slog.Logger, originateTimeoutSec int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if originateTimeoutSec <= 0 {
		originateTimeoutSec = 30
	}
	return &Service{
		sessions:            make(map[uuid.UUID]*session),
		pendingByExten:      make(map[string][]uuid.UUID),
		channelToCall:       make(map[string]uuid.UUID),
		channelToBridge:     make(map[string]string),
		ari:                 ari,
		recorder:            recorder,
		logger:              logger.With("component", "call_service"),
		originateTimeoutSec: originateTimeoutSec,
	}
}

// Shutdown waits for in-flight bridge/termination goroutines to finish,
// up to ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent processes one parsed event. It never panics or returns an
// error: every failure is logged and swallowed so a single bad event
// cannot kill the reader loop.
func (s *Service) HandleEvent(ctx context.Context, ev ariparser.ParsedEvent) {
	if ev.EType == "" {
		return
	}

	if ev.EType == "StasisStart" {
		s.onStasisStart(ctx, ev)
	}

	if ev.BridgeID != "" && ev.ChannelID != "" {
		s.mu.Lock()
		s.channelToBridge[ev.ChannelID] = ev.BridgeID
		s.mu.Unlock()
	}

	ts := parseARITimestamp(ev.Timestamp)

	var callID uuid.UUID
	var haveCallID bool
	var bridgeID *string
	if ev.ChannelID != "" {
		s.mu.Lock()
		if id, ok := s.channelToCall[ev.ChannelID]; ok {
			callID, haveCallID = id, true
		}
		if b, ok := s.channelToBridge[ev.ChannelID]; ok {
			bridgeID = &b
		}
		s.mu.Unlock()
	}

	recEv := callstore.EventInput{
		Timestamp: ts,
		Type:      ev.EType,
		Raw:       ev.Raw,
		BridgeID:  bridgeID,
	}
	if haveCallID {
		recEv.CallID = &callID
	}
	if ev.ChannelID != "" {
		ch := ev.ChannelID
		recEv.ChannelID = &ch
	}
	if s.recorder != nil {
		if err := s.recorder.AddEvent(ctx, recEv); err != nil {
			s.logger.Error("add_event failed", "error", err, "type", ev.EType)
		}
	}

	if ev.EType == "ChannelHangupRequest" || ev.EType == "ChannelDestroyed" {
		s.onHangupLike(ctx, ev)
	}
}

// onStasisStart discriminates the two StasisStart sub-protocols by
// app_args: a "callee,<exten>" prefix is the second leg entering stasis
// after a prior originate; anything else non-empty is the first leg.
func (s *Service) onStasisStart(ctx context.Context, ev ariparser.ParsedEvent) {
	if ev.ChannelID == "" {
		return
	}

	if len(ev.AppArgs) >= 2 && ev.AppArgs[0] == "callee" {
		s.attachCalleeAndBridge(ctx, ev.AppArgs[1], ev.ChannelID)
		return
	}

	if len(ev.AppArgs) == 0 {
		return
	}

	targetExten := ev.AppArgs[0]
	callID := uuid.New()
	callerExten := callerExtenFromChannelName(ev.ChannelName)

	s.mu.Lock()
	s.sessions[callID] = &session{
		callID:          callID,
		targetExten:     targetExten,
		callerChannelID: ev.ChannelID,
	}
	s.channelToCall[ev.ChannelID] = callID
	s.pendingByExten[targetExten] = append(s.pendingByExten[targetExten], callID)
	s.mu.Unlock()

	var callerExtenPtr, calleeExtenPtr, callerChannelPtr *string
	if callerExten != "" {
		callerExtenPtr = &callerExten
	}
	calleeExtenPtr = &targetExten
	callerChannelID := ev.ChannelID
	callerChannelPtr = &callerChannelID

	if s.recorder != nil {
		if err := s.recorder.EnsureCallRow(ctx, callID, callerExtenPtr, calleeExtenPtr, callerChannelPtr); err != nil {
			s.logger.Error("ensure_call_row failed", "error", err, "call_id", callID)
		}
	}

	endpoint := "PJSIP/" + targetExten
	appArgs := "callee," + targetExten
	calleeChannelID, err := s.ari.Originate(ctx, endpoint, appArgs, "ARI", s.originateTimeoutSec)
	if err != nil {
		s.logger.Error("originate failed", "error", err, "dialed_exten", targetExten, "call_id", callID)
		s.cleanupCall(callID)
		return
	}

	s.logger.Info("originate", "dialed_exten", targetExten, "callee_channel_id", calleeChannelID, "call_id", callID)
}

// attachCalleeAndBridge pops the oldest waiting session for extension and
// attaches calleeChannelID to it, then schedules the bridge task outside
// the mutex. A session with no waiting caller, or whose caller already
// terminated, is dropped (orphan callee).
func (s *Service) attachCalleeAndBridge(ctx context.Context, extension, calleeChannelID string) {
	s.mu.Lock()
	q := s.pendingByExten[extension]
	if len(q) == 0 {
		s.mu.Unlock()
		s.logger.Warn("orphan callee", "target_exten", extension, "channel_id", calleeChannelID)
		return
	}

	callID := q[0]
	s.pendingByExten[extension] = q[1:]
	if len(s.pendingByExten[extension]) == 0 {
		delete(s.pendingByExten, extension)
	}

	sess, ok := s.sessions[callID]
	if !ok || sess.done {
		s.mu.Unlock()
		return
	}

	sess.calleeChannelID = calleeChannelID
	s.channelToCall[calleeChannelID] = callID
	callerChannelID := sess.callerChannelID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bridgePair(ctx, callID, callerChannelID, calleeChannelID)
	}()
}

// bridgePair creates a mixing bridge and joins both legs. It runs outside
// the mutex except for its liveness checks and final state update.
func (s *Service) bridgePair(ctx context.Context, callID uuid.UUID, callerChannelID, calleeChannelID string) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if !ok || sess.done || sess.bridged {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	bridgeName := fmt.Sprintf("call-%s", shortID(callID))
	bridgeID, err := s.ari.CreateBridge(ctx, bridgeName, "mixing")
	if err != nil {
		s.failAndTerminate(ctx, callID, fmt.Errorf("create_bridge: %w", err))
		return
	}

	// Record the bridge on the session right away so that a failure while
	// adding channels lets termination destroy it.
	s.mu.Lock()
	if sess, ok := s.sessions[callID]; ok && !sess.done {
		sess.bridgeID = bridgeID
	}
	s.mu.Unlock()

	if err := s.ari.AddChannelToBridge(ctx, bridgeID, callerChannelID); err != nil {
		s.failAndTerminate(ctx, callID, fmt.Errorf("add_channel_to_bridge caller: %w", err))
		return
	}
	if err := s.ari.AddChannelToBridge(ctx, bridgeID, calleeChannelID); err != nil {
		s.failAndTerminate(ctx, callID, fmt.Errorf("add_channel_to_bridge callee: %w", err))
		return
	}

	s.mu.Lock()
	sess, ok = s.sessions[callID]
	bridgedNow := false
	if ok && !sess.done {
		s.channelToBridge[callerChannelID] = bridgeID
		s.channelToBridge[calleeChannelID] = bridgeID
		sess.bridgeID = bridgeID
		sess.bridged = true
		bridgedNow = true
	}
	s.mu.Unlock()

	if !bridgedNow {
		return
	}

	s.logger.Info("bridge", "call_id", callID, "bridge_id", bridgeID)
	if s.recorder != nil {
		if err := s.recorder.MarkBridged(ctx, callID, bridgeID, callerChannelID, calleeChannelID); err != nil {
			s.logger.Error("mark_bridged failed", "error", err, "call_id", callID)
		}
	}
}

// failAndTerminate records the bridge failure and runs full teardown,
// which best-effort tears down any partial REST state.
func (s *Service) failAndTerminate(ctx context.Context, callID uuid.UUID, cause error) {
	s.logger.Error("bridge_error", "error", cause, "call_id", callID)
	if s.recorder != nil {
		if err := s.recorder.MarkFailed(ctx, callID, cause.Error()); err != nil {
			s.logger.Error("mark_failed failed", "error", err, "call_id", callID)
		}
	}
	s.terminateCall(ctx, callID)
}

// onHangupLike handles ChannelHangupRequest and ChannelDestroyed: persist
// the terminal state, then run termination.
func (s *Service) onHangupLike(ctx context.Context, ev ariparser.ParsedEvent) {
	if ev.ChannelID == "" {
		return
	}

	s.mu.Lock()
	callID, ok := s.channelToCall[ev.ChannelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	endedAt := parseARITimestamp(ev.Timestamp)
	cause, reason := extractHangupCause(ev.Raw, ev.EType)

	if s.recorder != nil {
		if err := s.recorder.MarkEnded(ctx, callID, endedAt, cause, reason); err != nil {
			s.logger.Error("mark_ended failed", "error", err, "call_id", callID)
		}
	}

	s.terminateCall(ctx, callID)
}

// terminateCall is idempotent: the atomic done check under the mutex
// guarantees a second call is a no-op beyond that check.
func (s *Service) terminateCall(ctx context.Context, callID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if !ok || sess.done {
		s.mu.Unlock()
		return
	}
	sess.done = true
	caller := sess.callerChannelID
	callee := sess.calleeChannelID
	bridgeID := sess.bridgeID
	s.mu.Unlock()

	if caller != "" {
		if err := s.ari.HangupChannel(ctx, caller); err != nil {
			s.logger.Error("hangup_channel failed", "error", err, "channel_id", caller, "call_id", callID)
		}
	}
	if callee != "" {
		if err := s.ari.HangupChannel(ctx, callee); err != nil {
			s.logger.Error("hangup_channel failed", "error", err, "channel_id", callee, "call_id", callID)
		}
	}
	if bridgeID != "" {
		if err := s.ari.DestroyBridge(ctx, bridgeID); err != nil {
			s.logger.Error("destroy_bridge failed", "error", err, "bridge_id", bridgeID, "call_id", callID)
		}
	}

	s.cleanupCall(callID)
}

// cleanupCall removes the session and every trace of it from the
// indices. Safe to call on a session that was never fully populated
// (e.g. an originate failure before a callee attached).
func (s *Service) cleanupCall(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return
	}
	delete(s.sessions, callID)

	if q, ok := s.pendingByExten[sess.targetExten]; ok {
		kept := q[:0]
		for _, id := range q {
			if id != callID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.pendingByExten, sess.targetExten)
		} else {
			s.pendingByExten[sess.targetExten] = kept
		}
	}

	if sess.callerChannelID != "" {
		delete(s.channelToCall, sess.callerChannelID)
		delete(s.channelToBridge, sess.callerChannelID)
	}
	if sess.calleeChannelID != "" {
		delete(s.channelToCall, sess.calleeChannelID)
		delete(s.channelToBridge, sess.calleeChannelID)
	}
}

// shortID returns the first 8 hex characters of a UUID, used to name
// bridges in a way an operator can correlate back to a call id.
func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// callerExtenFromChannelName extracts the extension from a channel name
// of the form "PJSIP/<exten>-<suffix>": the substring between the first
// '/' and the first '-'. Returns "" if the name does not match.
func callerExtenFromChannelName(name string) string {
	slash := strings.IndexByte(name, '/')
	if slash < 0 {
		return ""
	}
	rest := name[slash+1:]
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return ""
	}
	return rest[:dash]
}

// parseARITimestamp parses an ARI event timestamp, accepting both
// RFC 3339 and the variant where the trailing zone offset is "+HHMM"
// without a colon; such offsets get a colon inserted before parsing.
// Returns nil on any failure, per spec: timestamp is best-effort.
func parseARITimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}

	candidate := raw
	if t, err := time.Parse(time.RFC3339Nano, candidate); err == nil {
		return &t
	}

	if repaired, ok := insertOffsetColon(raw); ok {
		if t, err := time.Parse(time.RFC3339Nano, repaired); err == nil {
			return &t
		}
	}

	return nil
}

// insertOffsetColon rewrites a trailing "+HHMM"/"-HHMM" offset (no colon)
// into "+HH:MM" so it parses as RFC 3339. Returns ok=false if raw does
// not end in that shape.
func insertOffsetColon(raw string) (string, bool) {
	if len(raw) < 5 {
		return "", false
	}
	sign := raw[len(raw)-5]
	if sign != '+' && sign != '-' {
		return "", false
	}
	digits := raw[len(raw)-4:]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return raw[:len(raw)-2] + ":" + raw[len(raw)-2:], true
}

// extractHangupCause pulls the numeric cause code and human-readable
// reason out of a raw event payload. raw.cause may be a number or a
// numeric string; the reason falls back to raw.cause_txt, then
// raw.causeText, then the event type itself.
func extractHangupCause(raw json.RawMessage, eventType string) (*int, *string) {
	var fields struct {
		Cause     json.RawMessage `json:"cause"`
		CauseTxt  string          `json:"cause_txt"`
		CauseText string          `json:"causeText"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		reason := eventType
		return nil, &reason
	}

	var cause *int
	if len(fields.Cause) > 0 {
		var n int
		if err := json.Unmarshal(fields.Cause, &n); err == nil {
			cause = &n
		} else {
			var s string
			if err := json.Unmarshal(fields.Cause, &s); err == nil {
				if parsed, err := strconv.Atoi(s); err == nil {
					cause = &parsed
				}
			}
		}
	}

	reason := fields.CauseTxt
	if reason == "" {
		reason = fields.CauseText
	}
	if reason == "" {
		reason = eventType
	}

	return cause, &reason
}
