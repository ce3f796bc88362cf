package teamsync

import (
	"sort"
	"sync"
	"time"
)

// presenceTracker keeps the team member list fresh from presence broadcasts
// and votes. Stale members are pruned whenever the list is read, so no
// separate GC timer is needed.
type presenceTracker struct {
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	session uint64
	members map[string]TeamMember
	subs    listeners[[]TeamMember]
}

func newPresenceTracker(clock Clock, ttl time.Duration) *presenceTracker {
	return &presenceTracker{
		clock:   clock,
		ttl:     ttl,
		members: make(map[string]TeamMember),
	}
}

// upsert replaces the member entry for m.DeviceID. LastSeen is stamped with
// the local receipt time; peer clocks are never compared to ours.
func (p *presenceTracker) upsert(session uint64, m TeamMember) bool {
	p.mu.Lock()
	if session != p.session {
		p.mu.Unlock()
		return false
	}
	m.LastSeen = p.clock.Now().UnixMilli()
	p.members[m.DeviceID] = m
	active, fns := p.activeLocked(), p.subs.snapshot()
	p.mu.Unlock()

	notifyAll(fns, active)
	return true
}

// touch refreshes LastSeen for a voting device, creating the entry when the
// device has not announced itself yet. Other fields are preserved.
func (p *presenceTracker) touch(session uint64, deviceID, userName string) {
	p.mu.Lock()
	if session != p.session {
		p.mu.Unlock()
		return
	}
	m, ok := p.members[deviceID]
	if !ok {
		m = TeamMember{DeviceID: deviceID}
	}
	if userName != "" {
		m.UserName = userName
	}
	m.LastSeen = p.clock.Now().UnixMilli()
	p.members[deviceID] = m
	active, fns := p.activeLocked(), p.subs.snapshot()
	p.mu.Unlock()

	notifyAll(fns, active)
}

// active returns non-stale members and prunes the rest
func (p *presenceTracker) active() []TeamMember {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *presenceTracker) activeLocked() []TeamMember {
	cutoff := p.clock.Now().Add(-p.ttl).UnixMilli()

	out := make([]TeamMember, 0, len(p.members))
	for id, m := range p.members {
		if m.LastSeen < cutoff {
			delete(p.members, id)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// subscribe registers fn and calls it right away with the current members
func (p *presenceTracker) subscribe(fn func([]TeamMember)) func() {
	p.mu.Lock()
	id := p.subs.add(fn)
	active := p.activeLocked()
	p.mu.Unlock()

	fn(active)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.subs.remove(id)
	}
}

// reset drops every member and starts a new session; late updates tagged
// with an older session are ignored.
func (p *presenceTracker) reset(session uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
	p.members = make(map[string]TeamMember)
}

func (p *presenceTracker) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}
