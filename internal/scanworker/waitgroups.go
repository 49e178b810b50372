package scanworker

// Pending is one device a wait barrier still needs to hear from.
type Pending struct {
	Device string
	DIID   int
}

// WaitGroups maps a synchronization group name to the devices, and the DIID
// each must reach, that have to report completion before execution proceeds.
// It is owned by the worker goroutine and not safe for concurrent use.
type WaitGroups struct {
	groups map[string]map[string]int
}

func NewWaitGroups() *WaitGroups {
	return &WaitGroups{groups: make(map[string]map[string]int)}
}

// Record merges device->DIID pairs into group, creating it if absent.
func (g *WaitGroups) Record(group string, diids map[string]int) {
	devs, ok := g.groups[group]
	if !ok {
		devs = make(map[string]int, len(diids))
		g.groups[group] = devs
	}
	for dev, diid := range diids {
		devs[dev] = diid
	}
}

// Resolve returns the pending entries of group for the requested devices, in
// request order. Devices not recorded in the group are skipped. Resolving a
// group that was never recorded is an InstructionError.
func (g *WaitGroups) Resolve(group string, devices []string) ([]Pending, error) {
	devs, ok := g.groups[group]
	if !ok {
		return nil, ErrInstruction("wait group %q was never recorded", group)
	}
	out := make([]Pending, 0, len(devices))
	for _, d := range devices {
		if diid, ok := devs[d]; ok {
			out = append(out, Pending{Device: d, DIID: diid})
		}
	}
	return out, nil
}

// Clear removes the entries of the given devices, leaving the rest of the group.
func (g *WaitGroups) Clear(group string, devices []string) {
	devs, ok := g.groups[group]
	if !ok {
		return
	}
	for _, d := range devices {
		delete(devs, d)
	}
}

// Reset drops all groups.
func (g *WaitGroups) Reset() {
	g.groups = make(map[string]map[string]int)
}

// Snapshot returns a deep copy of the tracker state.
func (g *WaitGroups) Snapshot() map[string]map[string]int {
	out := make(map[string]map[string]int, len(g.groups))
	for name, devs := range g.groups {
		cp := make(map[string]int, len(devs))
		for d, diid := range devs {
			cp[d] = diid
		}
		out[name] = cp
	}
	return out
}
