package haproxy

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

// maxVersionRetries bounds the total number of attempts (the first try
// included) at a whole cycle's reconciliation when the Dataplane reports a
// version conflict. Each retry
// re-opens a fresh transaction against the latest configuration version but
// reuses the same discovered instance set; discovery itself is not repeated.
const maxVersionRetries = 3

// versionConflictRetryDelay is the pause between reconcile attempts. A
// conflict means another writer just bumped the configuration version, so a
// short fixed delay (rather than backoff) is enough to let it settle.
const versionConflictRetryDelay = 500 * time.Millisecond

// parkedAddress and parkedPort are the reserved sentinel a parked slot
// points at (spec.md GLOSSARY "Parked slot").
const (
	parkedAddress = "127.0.0.1"
	parkedPort    = 80
)

// Reconciler applies a cycle's change set against HAProxy inside a single
// transaction, including AZ weighting, slot materialization, and
// quiesce-on-removal (spec.md §4.5).
type Reconciler struct {
	client         DataplaneClient
	backendCfg     config.BackendConfig
	slotAllocator  *SlotAllocator
	haproxyAZ      *string
	azWeightTag    string
	backendOptions map[string]map[string]any
	// currentSlots reports the slot count HAProxy already has for a
	// backend, so the allocator result can be floored at it (invariant 5).
	// Backed by the ChangeDetector's BackendState.
	currentSlots func(cloudinstance.Key) int
	clock         clock.Clock
}

// NewReconciler builds a Reconciler from the haproxy config section.
func NewReconciler(client DataplaneClient, cfg config.HAProxyConfig, currentSlots func(cloudinstance.Key) int) *Reconciler {
	return &Reconciler{
		client:         client,
		backendCfg:     cfg.Backend,
		slotAllocator:  NewSlotAllocator(cfg.ServerSlots),
		haproxyAZ:      cfg.AvailabilityZone,
		azWeightTag:    "HAProxy:Instance:AZperc",
		backendOptions: cfg.BackendOptions,
		currentSlots:   currentSlots,
		clock:          clock.WallClock,
	}
}

// SetClock overrides the clock used for inter-retry delays, for tests.
func (r *Reconciler) SetClock(c clock.Clock) {
	r.clock = c
}

// SetAZWeightTag overrides the tag name read for AZ-weight parsing; the
// zero value keeps the spec.md default.
func (r *Reconciler) SetAZWeightTag(tag string) {
	if tag != "" {
		r.azWeightTag = tag
	}
}

// Reconcile applies changed and removed services inside one transaction,
// making at most maxVersionRetries attempts at the whole cycle while the
// Dataplane reports a version conflict. It reports the slot count each service ended up with,
// keyed by service key, so the caller's ChangeDetector.Commit can carry
// removed-service slot counts forward (invariant 5).
func (r *Reconciler) Reconcile(ctx context.Context, changed []cloudinstance.Service, removed []cloudinstance.Key) (map[cloudinstance.Key]int, error) {
	if len(changed) == 0 && len(removed) == 0 {
		logger.Debugf("nothing to reconcile")
		return nil, nil
	}

	var slotCounts map[cloudinstance.Key]int
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			counts, err := r.doReconcile(ctx, changed, removed)
			slotCounts = counts
			return err
		},
		IsFatalError: func(err error) bool {
			return !IsVersionConflict(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("version conflict on attempt %d/%d, retrying: %v", attempt, maxVersionRetries, err)
		},
		Attempts: maxVersionRetries,
		Delay:    versionConflictRetryDelay,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if IsVersionConflict(err) {
			logger.Errorf("version conflict persisted after %d attempts", maxVersionRetries)
		}
		return nil, errors.Trace(err)
	}
	return slotCounts, nil
}

func (r *Reconciler) doReconcile(ctx context.Context, changed []cloudinstance.Service, removed []cloudinstance.Key) (map[cloudinstance.Key]int, error) {
	slotCounts := make(map[cloudinstance.Key]int, len(changed)+len(removed))

	err := WithTransaction(ctx, r.client, func(txn *Scope) error {
		for i := range changed {
			svc := changed[i]
			slots, err := r.reconcileService(ctx, txn, svc)
			if err != nil {
				return errors.Annotatef(err, "reconciling service %s", svc.Name)
			}
			slotCounts[svc.Key()] = slots
			txn.MarkChanged()
		}

		for _, key := range removed {
			slots, err := r.quiesce(ctx, txn, key)
			if err != nil {
				return errors.Annotatef(err, "quiescing backend for %s", key.Name)
			}
			slotCounts[key] = slots
			txn.MarkChanged()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slotCounts, nil
}

// reconcileService ensures the backend exists and materializes
// max(slotAllocator(n), recorded slot count, existing server count) slots,
// returning the slot count applied.
func (r *Reconciler) reconcileService(ctx context.Context, txn *Scope, svc cloudinstance.Service) (int, error) {
	backendName := svc.BackendName(r.backendCfg.NamePrefix, r.backendCfg.NameSeparator)
	logger.Infof("reconciling service %s (%d instances) -> backend %s", svc.Name, len(svc.Instances), backendName)

	if err := r.ensureBackend(ctx, txn, backendName, svc.Name); err != nil {
		return 0, err
	}

	existing, err := r.client.GetServers(ctx, backendName, txn.ID)
	if err != nil {
		return 0, errors.Annotate(err, "listing servers")
	}
	existingByName := make(map[string]Server, len(existing))
	for _, s := range existing {
		existingByName[s.Name()] = s
	}

	desired := r.slotAllocator.Calculate(len(svc.Instances))
	target := maxInt(desired, r.currentSlots(svc.Key()), len(existing))

	instances := svc.Instances

	for i := 0; i < target; i++ {
		name := SlotName(i)
		var payload Server
		if i < len(instances) {
			payload = r.activeServerData(name, instances[i])
		} else {
			payload = parkedServerData(name)
		}

		if _, ok := existingByName[name]; ok {
			if err := r.client.ReplaceServer(ctx, backendName, name, payload, txn.ID); err != nil {
				return 0, errors.Annotatef(err, "replacing server %s", name)
			}
		} else {
			if err := r.client.CreateServer(ctx, backendName, payload, txn.ID); err != nil {
				return 0, errors.Annotatef(err, "creating server %s", name)
			}
		}
		delete(existingByName, name)
	}

	// Anything left in existingByName has a name outside this cycle's
	// srv0000..srv(target-1) numbering, e.g. a server named under an older
	// naming scheme; invariant 5 bounds target from below at len(existing),
	// so every in-scheme slot name up to that count is kept.
	for name := range existingByName {
		logger.Debugf("removing extra server %s from backend %s", name, backendName)
		if err := r.client.DeleteServer(ctx, backendName, name, txn.ID); err != nil {
			return 0, errors.Annotatef(err, "deleting server %s", name)
		}
	}

	return target, nil
}

// quiesce marks every server in a removed service's backend as parked,
// without deleting the backend (spec.md invariant 4, the "never delete"
// rule).
func (r *Reconciler) quiesce(ctx context.Context, txn *Scope, key cloudinstance.Key) (int, error) {
	backendName := cloudinstance.BackendNameFromKey(key, r.backendCfg.NamePrefix, r.backendCfg.NameSeparator)

	backend, err := r.client.GetBackend(ctx, backendName, txn.ID)
	if err != nil {
		return 0, errors.Annotate(err, "fetching backend")
	}
	if backend == nil {
		logger.Debugf("backend %s not found, nothing to quiesce", backendName)
		return r.currentSlots(key), nil
	}

	servers, err := r.client.GetServers(ctx, backendName, txn.ID)
	if err != nil {
		return 0, errors.Annotate(err, "listing servers")
	}
	if len(servers) == 0 {
		logger.Debugf("no servers in backend %s", backendName)
		return r.currentSlots(key), nil
	}

	logger.Infof("quiescing %d servers in removed backend %s", len(servers), backendName)
	for _, s := range servers {
		payload := parkedServerData(s.Name())
		if err := r.client.ReplaceServer(ctx, backendName, s.Name(), payload, txn.ID); err != nil {
			return 0, errors.Annotatef(err, "parking server %s", s.Name())
		}
	}
	return len(servers), nil
}

// ensureBackend creates the backend if absent. Existing backends are never
// re-templated: backend_options is merged into the create payload only,
// the one time the backend comes into existence.
func (r *Reconciler) ensureBackend(ctx context.Context, txn *Scope, name, serviceName string) error {
	existing, err := r.client.GetBackend(ctx, name, txn.ID)
	if err != nil {
		return errors.Annotate(err, "fetching backend")
	}
	if existing != nil {
		return nil
	}

	logger.Infof("creating backend %s", name)
	payload := Backend{
		"name": name,
		"mode": r.backendCfg.Mode,
		"balance": map[string]string{
			"algorithm": r.backendCfg.Balance,
		},
	}
	for k, v := range r.backendOptions[serviceName] {
		payload[k] = v
	}
	return errors.Trace(r.client.CreateBackend(ctx, payload, txn.ID))
}

func (r *Reconciler) activeServerData(name string, inst cloudinstance.Instance) Server {
	server := Server{
		"name":        name,
		"address":     inst.IP,
		"port":        inst.EffectivePort(),
		"maintenance": "disabled",
		"check":       "enabled",
		"cookie":      name,
	}

	if r.haproxyAZ != nil {
		r.applyAZWeighting(server, inst)
	}
	return server
}

// applyAZWeighting implements the table in spec.md §4.5.
func (r *Reconciler) applyAZWeighting(server Server, inst cloudinstance.Instance) {
	sameAZ := inst.Zone == "" || inst.Zone == *r.haproxyAZ
	azPerc, ok := parseAZPerc(inst.Tags[r.azWeightTag])

	switch {
	case ok && sameAZ:
		server["weight"] = 100 - azPerc
	case ok && !sameAZ:
		server["weight"] = azPerc
	case !ok && !sameAZ:
		server["backup"] = "enabled"
	// !ok && sameAZ: no options, default weight.
	}
}

// parseAZPerc parses the AZ-weight tag as an integer in [1,99]; anything
// else (absent, unparseable, out of range) is treated as absent.
func parseAZPerc(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 || val > 99 {
		return 0, false
	}
	return val, true
}

func parkedServerData(name string) Server {
	return Server{
		"name":        name,
		"address":     parkedAddress,
		"port":        parkedPort,
		"maintenance": "enabled",
		"check":       "disabled",
	}
}

func maxInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
