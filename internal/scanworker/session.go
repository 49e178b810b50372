package scanworker

import (
	"sort"

	"scanserver/pkg/types"
)

// session is the worker's mutable state for the item being processed. It is
// passed explicitly to every handler and reset at item start and after an abort.
type session struct {
	item WorkItem

	// scanID is non-empty exactly while a scan is open.
	scanID string
	// lastScanID survives close so alarms and cleanup of late failures still
	// name the right scan.
	lastScanID      string
	scanMotors      []string
	readoutPriority types.ReadoutPriority
	scanType        string
	scanInfo        map[string]any
	maxPointID      int
	pointsSeen      bool
	expTime         float64
	trace           []string
	// returnedToStart is set once the return-to-start sequence has replayed.
	returnedToStart bool

	// staged outlives reset: it is emptied only by unstage or cleanup, so a
	// device is never forgotten while staged.
	staged map[string]struct{}
}

func newSession() *session {
	s := &session{staged: make(map[string]struct{})}
	s.reset()
	return s
}

func (s *session) reset() {
	s.item = nil
	s.scanID = ""
	s.lastScanID = ""
	s.scanMotors = nil
	s.readoutPriority = types.ReadoutPriority{}
	s.scanType = ""
	s.scanInfo = map[string]any{}
	s.maxPointID = 0
	s.pointsSeen = false
	s.expTime = 0
	s.trace = nil
	s.returnedToStart = false
}

func (s *session) observePoint(md types.Metadata) {
	if md.PointID == nil {
		return
	}
	if !s.pointsSeen || *md.PointID > s.maxPointID {
		s.maxPointID = *md.PointID
	}
	s.pointsSeen = true
}

func (s *session) stage(devices []string) {
	for _, d := range devices {
		s.staged[d] = struct{}{}
	}
}

func (s *session) unstage(devices []string) {
	for _, d := range devices {
		delete(s.staged, d)
	}
}

func (s *session) stagedDevices() []string {
	out := make([]string, 0, len(s.staged))
	for d := range s.staged {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
