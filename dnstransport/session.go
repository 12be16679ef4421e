package dnstransport

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/opd-ai/veil/internal/vlog"
)

// reassembler accumulates fragments for one in-flight payload until every
// sequence number 0..total-1 has arrived, then yields the coalesced bytes.
type reassembler struct {
	fragments map[uint16][]byte
	total     uint16
}

func newReassembler() *reassembler {
	return &reassembler{fragments: make(map[uint16][]byte)}
}

// add records one fragment and returns the reassembled payload once every
// fragment has arrived, resetting internal state so the reassembler is
// ready for the next payload on the same session.
func (r *reassembler) add(h FragmentHeader, data []byte) ([]byte, bool) {
	r.fragments[h.Seq] = data
	r.total = h.Total

	if uint16(len(r.fragments)) < r.total {
		return nil, false
	}
	for i := uint16(0); i < r.total; i++ {
		if _, ok := r.fragments[i]; !ok {
			return nil, false
		}
	}

	var out []byte
	for i := uint16(0); i < r.total; i++ {
		out = append(out, r.fragments[i]...)
	}
	r.fragments = make(map[uint16][]byte)
	return out, true
}

// session tracks one DNS tunnel peer: its last-known UDP source address
// (for routing responses), the most recent DNS transaction id (which the
// response must echo), in-flight reassembly state, and an idle timestamp.
type session struct {
	addr         net.Addr
	lastTxID     uint16
	lastQuestion dns.Question
	inbound      *reassembler
	lastActivity time.Time
}

// SessionTable is the server-side `sid -> session` map from the DNS
// transport's fragmentation/session scheme, guarded by a single RWMutex
// and swept periodically the way the teacher's crypto.NonceStore sweeps
// expired nonces on a ticker.
type SessionTable struct {
	mu          sync.RWMutex
	sessions    map[uint16]*session
	idleTimeout time.Duration
	stopCh      chan struct{}
}

// NewSessionTable starts the table's background idle-sweep goroutine,
// removing sessions idle longer than idleTimeout every sweepPeriod.
func NewSessionTable(idleTimeout, sweepPeriod time.Duration) *SessionTable {
	t := &SessionTable{
		sessions:    make(map[uint16]*session),
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
	go t.sweepLoop(sweepPeriod)
	return t
}

// touch returns the session for sid, creating it (and recording addr) if
// this is the first packet seen for that session id.
func (t *SessionTable) touch(sid uint16, addr net.Addr, txID uint16, question dns.Question) *session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sid]
	if !ok {
		s = &session{addr: addr, inbound: newReassembler()}
		t.sessions[sid] = s
		vlog.For("dnstransport", "touch").
			WithField("session_id", sid).
			WithField("addr", addr).
			Info("dnstransport: new session")
	}
	s.addr = addr
	s.lastTxID = txID
	s.lastQuestion = question
	s.lastActivity = time.Now()
	return s
}

// sessionSnapshot is a copy of the routing fields touch writes, taken
// under the table's lock, so a caller outside the lock (WriteTo, racing
// against the read goroutine's touch calls) never dereferences the live
// *session.
type sessionSnapshot struct {
	addr         net.Addr
	lastTxID     uint16
	lastQuestion dns.Question
}

// snapshot returns a copy of sid's routing fields, guarding against the
// concurrent touch calls the read goroutine makes for the same session.
func (t *SessionTable) snapshot(sid uint16) (sessionSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sid]
	if !ok {
		return sessionSnapshot{}, false
	}
	return sessionSnapshot{addr: s.addr, lastTxID: s.lastTxID, lastQuestion: s.lastQuestion}, true
}

func (t *SessionTable) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *SessionTable) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for sid, s := range t.sessions {
		if now.Sub(s.lastActivity) > t.idleTimeout {
			delete(t.sessions, sid)
			removed++
		}
	}
	if removed > 0 {
		vlog.For("dnstransport", "sweep").WithField("removed", removed).Info("dnstransport: swept idle sessions")
	}
}

// Close stops the sweep goroutine.
func (t *SessionTable) Close() error {
	close(t.stopCh)
	return nil
}

// Size returns the number of live sessions, exported for tests and status
// reporting.
func (t *SessionTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
