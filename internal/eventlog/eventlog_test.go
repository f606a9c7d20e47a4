package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"clawline/internal/dispatcher"
	"clawline/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "clawline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureUserSequence(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure user sequence: %v", err)
	}

	w := dispatcher.NewWriter(context.Background(), 8)
	t.Cleanup(func() { _ = w.Close() })

	return New(st, w, 200, 200), st
}

func TestAppendAllocatesSequentialSeq(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	r1, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "hello"})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	r2, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c2", Content: "world"})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if r1.Sequence != 1 || r2.Sequence != 2 {
		t.Fatalf("expected sequential seqs 1,2, got %d,%d", r1.Sequence, r2.Sequence)
	}
	if r1.Outcome != OutcomeNew || r2.Outcome != OutcomeNew {
		t.Fatalf("expected both appends to be new, got %v,%v", r1.Outcome, r2.Outcome)
	}
}

func TestAppendIsIdempotentByDeviceClientID(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "dup", Content: "hello"})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "dup", Content: "hello"})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Outcome == OutcomeNew {
		t.Fatalf("expected resubmission to be reported as a duplicate")
	}
	if second.EventID != first.EventID || second.Sequence != first.Sequence {
		t.Fatalf("expected duplicate to return the original event, got %#v vs %#v", second, first)
	}
}

func TestAppendRejectsContentMismatchOnRetry(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "dup", Content: "hello"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "dup", Content: "hello again, different"}); err == nil {
		t.Fatalf("expected an error for a retried clientId with different content")
	}
}

func TestDifferentDevicesDoNotDeduplicateAgainstEachOther(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	r1, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "same-id", Content: "from d1"})
	if err != nil {
		t.Fatalf("append from d1: %v", err)
	}
	r2, err := log.Append(ctx, AppendParams{DeviceID: "d2", UserID: "u1", ClientID: "same-id", Content: "from d2"})
	if err != nil {
		t.Fatalf("append from d2: %v", err)
	}
	if r1.Outcome != OutcomeNew || r2.Outcome != OutcomeNew {
		t.Fatalf("expected both to be new messages, got %v,%v", r1.Outcome, r2.Outcome)
	}
	if r1.EventID == r2.EventID {
		t.Fatalf("expected distinct events for distinct devices reusing a clientId")
	}
}

func TestReplayForFallsBackToRecentWithHistoryReset(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: string(rune('a' + i)), Content: "msg"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, truncated, historyReset, err := log.ReplayFor(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if truncated {
		t.Fatalf("did not expect truncation with only 3 events and maxReplay 200")
	}
	if !historyReset {
		t.Fatalf("expected historyReset when no lastMessageId anchor is given")
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Sequence != 1 || events[2].Sequence != 3 {
		t.Fatalf("expected oldest-first ordering, got %#v", events)
	}
}

func TestReplayForResolvesAnchorWithoutHistoryReset(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "one"})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c2", Content: "two"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	events, truncated, historyReset, err := log.ReplayFor(ctx, "u1", &first.EventID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if truncated || historyReset {
		t.Fatalf("expected a clean resumed replay, got truncated=%v historyReset=%v", truncated, historyReset)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("expected only the second event after the anchor, got %#v", events)
	}
}

func TestAssistantReplyLifecycle(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	user, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}

	eventID, seq, err := log.BeginAssistantReply(ctx, "u1", "d1", "c1")
	if err != nil {
		t.Fatalf("begin assistant reply: %v", err)
	}
	if seq != user.Sequence+1 {
		t.Fatalf("expected assistant reply to take the next seq, got %d after %d", seq, user.Sequence)
	}

	if err := log.FlushAssistantChunk(ctx, eventID, "partial"); err != nil {
		t.Fatalf("flush chunk: %v", err)
	}

	if _, err := log.FinalizeAssistantReply(ctx, eventID, "final text", "d1", "c1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	ev, ok, err := log.st.EventByID(ctx, eventID)
	if err != nil || !ok {
		t.Fatalf("expected to find the finalized event: ok=%v err=%v", ok, err)
	}
	if ev.Streaming != 0 {
		t.Fatalf("expected the finalized event to be marked streaming=0, got %d", ev.Streaming)
	}
}

func TestDuplicateRetryDuringActiveStreamResendsAckOnly(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	user, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	if _, _, err := log.BeginAssistantReply(ctx, "u1", "d1", "c1"); err != nil {
		t.Fatalf("begin assistant reply: %v", err)
	}

	retry, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if retry.Outcome != OutcomeDuplicateResendAck {
		t.Fatalf("expected OutcomeDuplicateResendAck while the reply is streaming, got %v", retry.Outcome)
	}
	if retry.EventID != user.EventID {
		t.Fatalf("expected retry to resolve to the original event id")
	}
}

func TestPromptWindowOrdersOldestToNewest(t *testing.T) {
	t.Parallel()
	log, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, AppendParams{DeviceID: "d1", UserID: "u1", ClientID: "c1", Content: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	eventID, _, err := log.BeginAssistantReply(ctx, "u1", "d1", "c1")
	if err != nil {
		t.Fatalf("begin reply: %v", err)
	}
	if _, err := log.FinalizeAssistantReply(ctx, eventID, "first reply", "d1", "c1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	window, err := log.PromptWindow(ctx, "u1", "second")
	if err != nil {
		t.Fatalf("prompt window: %v", err)
	}
	if window == "" {
		t.Fatalf("expected a non-empty prompt window")
	}
}
