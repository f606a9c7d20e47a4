package session

import (
	"testing"
	"time"

	"clawline/internal/protocol"
)

func ch(buf int) chan *protocol.Envelope {
	return make(chan *protocol.Envelope, buf)
}

func TestAddThenGet(t *testing.T) {
	t.Parallel()
	r := New()
	sess, replaced := r.Add("u1", "d1", false, ch(4), nil)
	if replaced != nil {
		t.Fatalf("did not expect a replaced session on first add")
	}
	got, ok := r.Get("d1")
	if !ok || got != sess {
		t.Fatalf("expected to get back the added session")
	}
}

func TestAddTakesOverExistingDevice(t *testing.T) {
	t.Parallel()
	r := New()
	first, _ := r.Add("u1", "d1", false, ch(4), nil)
	second, replaced := r.Add("u1", "d1", false, ch(4), nil)
	if replaced != first {
		t.Fatalf("expected takeover to return the original session")
	}
	if second == first {
		t.Fatalf("expected a new session object after takeover")
	}
	deadline := time.After(time.Second)
	for {
		select {
		case _, stillSending := <-first.Send:
			if !stillSending {
				return
			}
		case <-deadline:
			t.Fatalf("expected the replaced session's channel to be closed")
		}
	}
}

func TestBroadcastToUserSkipsExceptDevice(t *testing.T) {
	t.Parallel()
	r := New()
	r.Add("u1", "d1", false, ch(4), nil)
	r.Add("u1", "d2", false, ch(4), nil)

	msg := &protocol.Envelope{Type: protocol.TypeEvent}
	r.BroadcastToUser("u1", msg, "d1")

	d1, _ := r.Get("d1")
	select {
	case <-d1.Send:
		t.Fatalf("d1 should have been excluded from the broadcast")
	default:
	}

	d2, _ := r.Get("d2")
	select {
	case got := <-d2.Send:
		if got != msg {
			t.Fatalf("unexpected message delivered to d2")
		}
	default:
		t.Fatalf("expected d2 to receive the broadcast")
	}
}

func TestBroadcastToAdminsOnlyReachesAdmins(t *testing.T) {
	t.Parallel()
	r := New()
	r.Add("u1", "d1", true, ch(4), nil)
	r.Add("u2", "d2", false, ch(4), nil)

	msg := &protocol.Envelope{Type: protocol.TypePairApprovalRequest}
	r.BroadcastToAdmins(msg)

	admin, _ := r.Get("d1")
	select {
	case got := <-admin.Send:
		if got != msg {
			t.Fatalf("unexpected message delivered to admin")
		}
	default:
		t.Fatalf("expected admin device to receive the approval request")
	}

	nonAdmin, _ := r.Get("d2")
	select {
	case <-nonAdmin.Send:
		t.Fatalf("non-admin device should not receive the approval request")
	default:
	}
}

func TestSendToSlowConsumerDoesNotBlockForever(t *testing.T) {
	t.Parallel()
	r := New()
	r.Add("u1", "d1", false, ch(0), nil) // unbuffered, never drained

	start := time.Now()
	ok := r.SendTo("d1", &protocol.Envelope{Type: protocol.TypeEvent})
	elapsed := time.Since(start)

	if ok {
		t.Fatalf("expected send to an undrained unbuffered channel to time out")
	}
	if elapsed > 2*SendTimeout {
		t.Fatalf("send took too long to give up: %v", elapsed)
	}
}

func TestRemoveClearsUserIndex(t *testing.T) {
	t.Parallel()
	r := New()
	sess, _ := r.Add("u1", "d1", false, ch(4), nil)
	r.Remove("d1", sess)

	if _, ok := r.Get("d1"); ok {
		t.Fatalf("expected device to be removed")
	}
	if len(r.DevicesForUser("u1")) != 0 {
		t.Fatalf("expected user index to be cleared after last device removed")
	}
}

func TestRemoveIgnoresStaleSessionAfterTakeover(t *testing.T) {
	t.Parallel()
	r := New()
	first, _ := r.Add("u1", "d1", false, ch(4), nil)
	second, _ := r.Add("u1", "d1", false, ch(4), nil)

	// The superseded connection's own cleanup must not evict the session
	// that replaced it.
	r.Remove("d1", first)

	got, ok := r.Get("d1")
	if !ok || got != second {
		t.Fatalf("expected the newer session to remain registered")
	}
}
