package pondsync

import (
	"sort"
	"time"
)

// transcript is the ordered message list of one conversation together with the set of server
// ids already applied. It holds no lock; the Reconciler serializes access.
type transcript struct {
	messages  []ChatMessage
	processed map[string]struct{}
}

func newTranscript() *transcript {
	return &transcript{processed: make(map[string]struct{})}
}

// sort orders by created-at, keeping arrival order for equal timestamps.
func (t *transcript) sort() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].CreatedAt.Before(t.messages[j].CreatedAt)
	})
}

func (t *transcript) snapshot() []ChatMessage {
	out := make([]ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *transcript) indexByLocalID(localID string) int {
	if localID == "" {
		return -1
	}
	for i, m := range t.messages {
		if m.LocalID == localID {
			return i
		}
	}
	return -1
}

func (t *transcript) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range t.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (t *transcript) remove(i int) ChatMessage {
	removed := t.messages[i]
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return removed
}

// isDuplicateSubmission reports whether the same sender already has the same body in flight or
// sent within window of now.
func (t *transcript) isDuplicateSubmission(body, senderID string, now time.Time, window time.Duration) bool {
	for _, m := range t.messages {
		if m.Body != body || m.SenderID != senderID {
			continue
		}
		if m.Status != StatusSending && m.Status != StatusSent {
			continue
		}
		if absDuration(now.Sub(m.CreatedAt)) <= window {
			return true
		}
	}
	return false
}

// matchPending returns the sending entry with the same body and sender whose created-at is
// closest to the server timestamp and within window, or -1. Ties go to the earlier entry.
func (t *transcript) matchPending(server ChatMessage, window time.Duration) int {
	best := -1
	var bestGap time.Duration
	for i, m := range t.messages {
		if m.Status != StatusSending || m.Body != server.Body || m.SenderID != server.SenderID {
			continue
		}
		gap := absDuration(server.CreatedAt.Sub(m.CreatedAt))
		if gap > window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// appendConfirmed adds a server row that has not been seen yet. It reports false for processed
// ids, which covers rows deleted after they were applied.
func (t *transcript) appendConfirmed(server ChatMessage) bool {
	if server.ID == "" {
		return false
	}
	if _, seen := t.processed[server.ID]; seen {
		return false
	}
	t.processed[server.ID] = struct{}{}
	server.Status = StatusSent
	t.messages = append(t.messages, server)
	t.sort()
	return true
}

// applyServer merges a server-confirmed message. Exact redeliveries of a processed id are
// dropped unless refresh is set, in which case an existing entry is updated in place. It
// returns whether the transcript changed and whether an optimistic entry was reconciled.
func (t *transcript) applyServer(server ChatMessage, window time.Duration, refresh bool) (changed bool, reconciledLocalID string) {
	server.Status = StatusSent
	if _, seen := t.processed[server.ID]; seen {
		if !refresh {
			return false, ""
		}
		if i := t.indexByID(server.ID); i >= 0 {
			server.LocalID = t.messages[i].LocalID
			t.messages[i] = server
			t.sort()
			return true, ""
		}
		return false, ""
	}
	t.processed[server.ID] = struct{}{}

	if i := t.matchPending(server, window); i >= 0 {
		server.LocalID = t.messages[i].LocalID
		t.messages[i] = server
		t.sort()
		return true, server.LocalID
	}
	if i := t.indexByID(server.ID); i >= 0 {
		server.LocalID = t.messages[i].LocalID
		t.messages[i] = server
	} else {
		t.messages = append(t.messages, server)
	}
	t.sort()
	return true, ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
