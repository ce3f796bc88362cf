package teamsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// voteLedger keeps the current vote of every device per task.
// Ordering is only enforced per (pointId, deviceId); votes from different
// devices are never ordered against each other.
type voteLedger struct {
	logger zerolog.Logger

	mu       sync.Mutex
	session  uint64
	votes    map[string][]TaskVote
	accepted map[string]map[string]int64 // pointId -> deviceId -> timestamp
	subs     map[string]*listeners[[]TaskVote]
}

func newVoteLedger(logger zerolog.Logger) *voteLedger {
	return &voteLedger{
		logger:   logger,
		votes:    make(map[string][]TaskVote),
		accepted: make(map[string]map[string]int64),
		subs:     make(map[string]*listeners[[]TaskVote]),
	}
}

// apply records v unless a newer vote from the same device for the same task
// was already accepted. It reports whether v was accepted.
func (l *voteLedger) apply(session uint64, v TaskVote) bool {
	l.mu.Lock()
	if session != l.session {
		l.mu.Unlock()
		return false
	}

	if last, ok := l.accepted[v.PointID][v.DeviceID]; ok && v.Timestamp < last {
		l.mu.Unlock()
		l.logger.Warn().
			Str("point_id", v.PointID).
			Str("device_id", v.DeviceID).
			Int64("timestamp", v.Timestamp).
			Int64("last_accepted", last).
			Msg("discarding out-of-order vote")
		return false
	}

	current := l.votes[v.PointID]
	next := make([]TaskVote, 0, len(current)+1)
	for _, existing := range current {
		if existing.DeviceID != v.DeviceID {
			next = append(next, existing)
		}
	}
	next = append(next, v)
	l.votes[v.PointID] = next
	if l.accepted[v.PointID] == nil {
		l.accepted[v.PointID] = make(map[string]int64)
	}
	l.accepted[v.PointID][v.DeviceID] = v.Timestamp

	snapshot := append([]TaskVote(nil), next...)
	var fns []func([]TaskVote)
	if subs := l.subs[v.PointID]; subs != nil {
		fns = subs.snapshot()
	}
	l.mu.Unlock()

	notifyAll(fns, snapshot)
	return true
}

// forTask returns a copy of the current votes; never nil
func (l *voteLedger) forTask(pointID string) []TaskVote {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TaskVote{}, l.votes[pointID]...)
}

func (l *voteLedger) subscribe(pointID string, fn func([]TaskVote)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subs[pointID]
	if subs == nil {
		subs = &listeners[[]TaskVote]{}
		l.subs[pointID] = subs
	}
	id := subs.add(fn)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if subs := l.subs[pointID]; subs != nil {
			subs.remove(id)
			if subs.len() == 0 {
				delete(l.subs, pointID)
			}
		}
	}
}

// clearTask forgets every vote for a finalized task
func (l *voteLedger) clearTask(pointID string) {
	l.mu.Lock()
	delete(l.votes, pointID)
	delete(l.accepted, pointID)
	var fns []func([]TaskVote)
	if subs := l.subs[pointID]; subs != nil {
		fns = subs.snapshot()
	}
	l.mu.Unlock()

	notifyAll(fns, []TaskVote{})
}

// reset drops all votes and timestamps; subscribers stay registered
func (l *voteLedger) reset(session uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = session
	l.votes = make(map[string][]TaskVote)
	l.accepted = make(map[string]map[string]int64)
}

func (l *voteLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.votes)
}
