// Package assign implements the assignment strategy (component E):
// picking an eligible idle device for a task, pinned-or-hybrid.
package assign

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"shuttlegateway/internal/types"
)

// roundRobinWrap bounds the shared counter's growth per spec.md's
// "wraps at a bound (e.g., 10^6)" note.
const roundRobinWrap = 1_000_000

// ReferenceLocations supplies the fallback reference location used
// for Inbound tasks, which carry no source of their own.
type ReferenceLocations struct {
	Inbound types.Location
}

// Strategy is the assignment strategy. It holds the shared
// round-robin counter used to break distance ties fairly across calls.
type Strategy struct {
	refs ReferenceLocations

	counter uint64

	ruleMu sync.Mutex
	rules  map[string]*vm.Program // compiled EligibilityRule, keyed by the rule text
}

// New builds a Strategy with the given reference locations.
func New(refs ReferenceLocations) *Strategy {
	return &Strategy{refs: refs, rules: make(map[string]*vm.Program)}
}

// Assigning reports, for a candidate device, whether it already has a
// task assigned. Passed in by the caller (the dispatcher owns the
// assignment map) rather than looked up here, keeping this package
// free of a back-reference to the dispatcher.
type Assigning func(deviceID string) bool

// Pick selects one eligible device profile for task, or ok=false if
// none qualifies. idle is a snapshot of currently-idle devices with
// their locations; profiles indexes every known device by id.
func (s *Strategy) Pick(task types.TransportTask, idle []types.DeviceInfo, profiles map[string]types.DeviceProfile, assigning Assigning) (types.DeviceProfile, bool) {
	if task.DeviceID != "" {
		return s.pickPinned(task, idle, assigning)
	}
	return s.pickHybrid(task, idle, profiles, assigning)
}

func (s *Strategy) pickPinned(task types.TransportTask, idle []types.DeviceInfo, assigning Assigning) (types.DeviceProfile, bool) {
	for _, d := range idle {
		if d.Profile.ID == task.DeviceID && !assigning(d.Profile.ID) {
			return d.Profile, true
		}
	}
	return types.DeviceProfile{}, false
}

func (s *Strategy) pickHybrid(task types.TransportTask, idle []types.DeviceInfo, profiles map[string]types.DeviceProfile, assigning Assigning) (types.DeviceProfile, bool) {
	ref := s.referenceLocation(task)

	type candidate struct {
		info     types.DeviceInfo
		distance int
	}
	var candidates []candidate
	for _, d := range idle {
		if assigning(d.Profile.ID) {
			continue
		}
		if _, known := profiles[d.Profile.ID]; !known {
			continue
		}
		if !s.eligible(task, d.Profile) {
			continue
		}
		candidates = append(candidates, candidate{info: d, distance: ref.ManhattanDistance(d.Location)})
	}
	if len(candidates) == 0 {
		return types.DeviceProfile{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	ties := 1
	for ties < len(candidates) && candidates[ties].distance == candidates[0].distance {
		ties++
	}
	idx := s.nextRoundRobin(ties)
	return candidates[idx].info.Profile, true
}

func (s *Strategy) referenceLocation(task types.TransportTask) types.Location {
	switch task.CommandType {
	case types.Outbound, types.Transfer:
		if task.SourceLocation != nil {
			return *task.SourceLocation
		}
	}
	return s.refs.Inbound
}

// nextRoundRobin returns a value in [0, n) advancing the shared
// counter, wrapping it at roundRobinWrap to avoid unbounded growth.
func (s *Strategy) nextRoundRobin(n int) int {
	v := atomic.AddUint64(&s.counter, 1)
	if v >= roundRobinWrap {
		atomic.StoreUint64(&s.counter, 0)
	}
	return int(v % uint64(n))
}

// eligible evaluates profile.EligibilityRule, if any, against
// {task, device}. An empty rule is always eligible, reproducing the
// spec's baseline algorithm exactly. A rule that fails to compile or
// evaluate is treated as ineligible — a misconfigured rule should
// never silently widen eligibility.
func (s *Strategy) eligible(task types.TransportTask, profile types.DeviceProfile) bool {
	if profile.EligibilityRule == "" {
		return true
	}
	program, err := s.compiledRule(profile.EligibilityRule)
	if err != nil {
		return false
	}
	out, err := expr.Run(program, map[string]interface{}{
		"task":   task,
		"device": profile,
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (s *Strategy) compiledRule(rule string) (*vm.Program, error) {
	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()
	if p, ok := s.rules[rule]; ok {
		return p, nil
	}
	p, err := expr.Compile(rule, expr.AsBool())
	if err != nil {
		return nil, err
	}
	s.rules[rule] = p
	return p, nil
}
