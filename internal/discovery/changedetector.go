package discovery

import (
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
)

// backendState is the per-service snapshot ChangeDetector keeps between
// cycles: the quintuple set (instance_id, ip, port, zone, az_perc) keyed by
// instance ID, plus the last-known slot count, per spec.md §3's
// BackendState.
type backendState struct {
	quintuples map[string]quintuple
	slotCount  int
}

type quintuple struct {
	ip     string
	port   int
	zone   string
	azPerc string // raw tag value; "" means absent
}

// ChangeDetector holds the prior cycle's BackendState map and classifies
// each service this cycle as Created, Removed, Changed or Unchanged. It is
// owned exclusively by the DaemonLoop goroutine and mutated only between
// cycles, on that goroutine (spec.md §5) — Reset is invoked from the same
// loop in response to an already-debounced SIGHUP flag, not from a signal
// handler directly.
type ChangeDetector struct {
	previous map[cloudinstance.Key]backendState
	azTag    string
}

// NewChangeDetector returns a detector with an empty snapshot, as at
// process start. azWeightTag names the tag ChangeDetector reads to decide
// whether an instance's AZ-weight contributes to the quintuple (so that an
// AZperc-only change is detected even if IP/port/zone are unchanged).
func NewChangeDetector(azWeightTag string) *ChangeDetector {
	return &ChangeDetector{
		previous: make(map[cloudinstance.Key]backendState),
		azTag:    azWeightTag,
	}
}

// Reset clears all stored state. The next Detect call will classify every
// current service as Created. Used on SIGHUP (spec.md §4.3, §4.7).
func (d *ChangeDetector) Reset() {
	logger.Infof("change detector state reset, next cycle reconciles everything")
	d.previous = make(map[cloudinstance.Key]backendState)
}

// Result is the outcome of one Detect call.
type Result struct {
	Created []cloudinstance.Service
	Changed []cloudinstance.Service
	Removed []cloudinstance.Key
}

// Detect compares the freshly grouped services against the prior snapshot.
// It does NOT update the snapshot — call Commit after a successful
// reconcile, per spec.md §4.3 point 3 ("after a successful reconcile").
func (d *ChangeDetector) Detect(current map[cloudinstance.Key]cloudinstance.Service) Result {
	var result Result
	seen := make(map[cloudinstance.Key]bool, len(current))

	for key, svc := range current {
		seen[key] = true
		state := snapshot(svc, d.azTag)

		prev, existed := d.previous[key]
		switch {
		case !existed:
			logger.Infof("new service discovered: %s:%d@%s with %d instances", key.Name, key.Port, key.Region, len(svc.Instances))
			result.Created = append(result.Created, svc)
		case quintupleSetsDiffer(prev.quintuples, state.quintuples):
			logger.Infof("service %s:%d@%s instances changed", key.Name, key.Port, key.Region)
			result.Changed = append(result.Changed, svc)
		default:
			// Unchanged: nothing emitted.
		}
	}

	for key, prev := range d.previous {
		if seen[key] {
			continue
		}
		if len(prev.quintuples) == 0 {
			// Already quiesced on a prior cycle; nothing changed since, so
			// emitting it again would re-park every slot for no reason
			// (the idempotence law: identical input, zero further writes).
			continue
		}
		logger.Infof("service removed: %s:%d@%s", key.Name, key.Port, key.Region)
		result.Removed = append(result.Removed, key)
	}

	return result
}

// Commit replaces the snapshot with the map observed this cycle, called
// only after the reconcile that used Detect's result has committed.
// slotCounts carries the slot count the Reconciler materialized this cycle
// for every key it touched (Created, Changed, and Removed) — it does not
// include Unchanged keys, since those were not reconciled and keep the
// slot count already on record. Without this, a live, unchanged backend's
// slot count would read back as 0 next cycle and invariant 5 (never
// shrink below the current slot count) would silently stop holding.
//
// A key absent from current and already quiesced (empty quintuples) keeps
// its empty quintuple set and recorded slot count verbatim, since Detect
// does not re-emit it as Removed and the Reconciler never touches it again.
func (d *ChangeDetector) Commit(current map[cloudinstance.Key]cloudinstance.Service, slotCounts map[cloudinstance.Key]int) {
	next := make(map[cloudinstance.Key]backendState, len(current)+len(slotCounts))
	for key, svc := range current {
		state := snapshot(svc, d.azTag)
		if count, ok := slotCounts[key]; ok {
			state.slotCount = count
		} else {
			state.slotCount = d.previous[key].slotCount
		}
		next[key] = state
	}
	for key, prev := range d.previous {
		if _, stillPresent := current[key]; stillPresent {
			continue
		}
		count := prev.slotCount
		if c, ok := slotCounts[key]; ok {
			count = c
		}
		next[key] = backendState{quintuples: map[string]quintuple{}, slotCount: count}
	}
	d.previous = next
}

// SlotCount returns the last-known slot count for a service key, 0 if
// there is no prior state (i.e. the service is brand new).
func (d *ChangeDetector) SlotCount(key cloudinstance.Key) int {
	return d.previous[key].slotCount
}

func snapshot(svc cloudinstance.Service, azTag string) backendState {
	quintuples := make(map[string]quintuple, len(svc.Instances))
	for _, inst := range svc.Instances {
		quintuples[inst.ID] = quintuple{
			ip:     inst.IP,
			port:   inst.EffectivePort(),
			zone:   inst.Zone,
			azPerc: inst.Tags[azTag],
		}
	}
	return backendState{quintuples: quintuples}
}

func quintupleSetsDiffer(a, b map[string]quintuple) bool {
	if len(a) != len(b) {
		return true
	}
	for id, qa := range a {
		qb, ok := b[id]
		if !ok || qa != qb {
			return true
		}
	}
	return false
}
