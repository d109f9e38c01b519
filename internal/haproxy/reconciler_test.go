package haproxy

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

const testWait = 5 * time.Second

func testHAProxyConfig() config.HAProxyConfig {
	return config.HAProxyConfig{
		Backend: config.BackendConfig{
			NamePrefix:    "azure",
			NameSeparator: "-",
			Balance:       "roundrobin",
			Mode:          "http",
		},
		ServerSlots: config.ServerSlotsConfig{
			Base:         10,
			GrowthFactor: 1.5,
			GrowthType:   "linear",
		},
	}
}

func noCurrentSlots(cloudinstance.Key) int { return 0 }

func webSvc(instances ...cloudinstance.Instance) cloudinstance.Service {
	return cloudinstance.Service{Name: "web", Port: 80, Region: "eastus", Instances: instances}
}

// E1: creating a backend for the first time materializes base-sized slots,
// one active server per instance and the rest parked.
func TestReconcileCreatesBackendWithBaseSlots(t *testing.T) {
	client := newFakeDataplaneClient()
	r := NewReconciler(client, testHAProxyConfig(), noCurrentSlots)

	svc := webSvc(
		cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80},
		cloudinstance.Instance{ID: "i2", IP: "10.0.0.2", ServicePort: 80},
	)

	counts, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counts[svc.Key()]; got != 10 {
		t.Fatalf("expected 10 slots, got %d", got)
	}

	backendName := svc.BackendName("azure", "-")
	servers := client.servers[backendName]
	if len(servers) != 10 {
		t.Fatalf("expected 10 servers, got %d", len(servers))
	}
	if servers["srv0000"]["address"] != "10.0.0.1" || servers["srv0000"]["maintenance"] != "disabled" {
		t.Errorf("srv0000 should be active instance i1, got %+v", servers["srv0000"])
	}
	if servers["srv0001"]["address"] != "10.0.0.2" {
		t.Errorf("srv0001 should be active instance i2, got %+v", servers["srv0001"])
	}
	if servers["srv0002"]["address"] != parkedAddress || servers["srv0002"]["maintenance"] != "enabled" {
		t.Errorf("srv0002 should be parked, got %+v", servers["srv0002"])
	}
	if client.commits != 1 {
		t.Errorf("expected 1 commit, got %d", client.commits)
	}
}

// E2: scaling from 10 to 12 instances grows slots to 13 and never drops
// below the backend's already-materialized slot count.
func TestReconcileScaleUpGrowsSlotsAndFloorsAtCurrent(t *testing.T) {
	client := newFakeDataplaneClient()
	key := cloudinstance.Key{Name: "web", Port: 80, Region: "eastus"}
	r := NewReconciler(client, testHAProxyConfig(), func(k cloudinstance.Key) int {
		if k == key {
			return 10
		}
		return 0
	})

	instances := make([]cloudinstance.Instance, 12)
	for i := range instances {
		instances[i] = cloudinstance.Instance{ID: sprintID(i), IP: sprintIP(i), ServicePort: 80}
	}
	svc := webSvc(instances...)

	counts, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counts[svc.Key()]; got != 13 {
		t.Fatalf("expected 13 slots, got %d", got)
	}
}

// E3: a removed service's backend is quiesced (every server parked) and
// never deleted.
func TestReconcileQuiescesRemovedService(t *testing.T) {
	client := newFakeDataplaneClient()
	backendName := "azure-web-80-eastus"
	client.backends[backendName] = Backend{"name": backendName}
	client.servers[backendName] = map[string]Server{
		"srv0000": {"name": "srv0000", "address": "10.0.0.1", "port": 80, "maintenance": "disabled"},
		"srv0001": {"name": "srv0001", "address": parkedAddress, "port": parkedPort, "maintenance": "enabled"},
	}

	key := cloudinstance.Key{Name: "web", Port: 80, Region: "eastus"}
	r := NewReconciler(client, testHAProxyConfig(), func(cloudinstance.Key) int { return 2 })

	counts, err := r.Reconcile(context.Background(), nil, []cloudinstance.Key{key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counts[key]; got != 2 {
		t.Fatalf("expected slot count 2 retained, got %d", got)
	}
	if _, ok := client.backends[backendName]; !ok {
		t.Fatal("backend must not be deleted on removal")
	}
	for name, s := range client.servers[backendName] {
		if s["maintenance"] != "enabled" {
			t.Errorf("server %s should be parked, got %+v", name, s)
		}
	}
}

// E4: an AZperc tag splits weight between the HAProxy-local zone and the
// rest, per the weighting table.
func TestReconcileAZWeightingSplit(t *testing.T) {
	client := newFakeDataplaneClient()
	cfg := testHAProxyConfig()
	haZone := "eastus-1"
	cfg.AvailabilityZone = &haZone
	r := NewReconciler(client, cfg, noCurrentSlots)

	svc := webSvc(
		cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80, Zone: "eastus-1", Tags: map[string]string{
			"HAProxy:Instance:AZperc": "30",
		}},
		cloudinstance.Instance{ID: "i2", IP: "10.0.0.2", ServicePort: 80, Zone: "eastus-2", Tags: map[string]string{
			"HAProxy:Instance:AZperc": "30",
		}},
	)

	if _, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backendName := svc.BackendName("azure", "-")
	servers := client.servers[backendName]
	if w := servers["srv0000"]["weight"]; w != 70 {
		t.Errorf("same-zone instance with AZperc=30 should get weight 70, got %v", w)
	}
	if w := servers["srv0001"]["weight"]; w != 30 {
		t.Errorf("different-zone instance with AZperc=30 should get weight 30, got %v", w)
	}
}

// E5: an instance with no AZperc tag in a different zone becomes a backup
// server rather than taking traffic by default.
func TestReconcileAZDefaultBackupWhenDifferentZone(t *testing.T) {
	client := newFakeDataplaneClient()
	cfg := testHAProxyConfig()
	haZone := "eastus-1"
	cfg.AvailabilityZone = &haZone
	r := NewReconciler(client, cfg, noCurrentSlots)

	svc := webSvc(cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80, Zone: "eastus-2"})

	if _, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backendName := svc.BackendName("azure", "-")
	server := client.servers[backendName]["srv0000"]
	if server["backup"] != "enabled" {
		t.Errorf("expected backup=enabled for untagged different-zone instance, got %+v", server)
	}
	if _, hasWeight := server["weight"]; hasWeight {
		t.Errorf("expected no explicit weight for the default case, got %+v", server)
	}
}

// AZperc out of [1,99] is treated as absent, not clamped.
func TestReconcileAZPercOutOfRangeTreatedAsAbsent(t *testing.T) {
	client := newFakeDataplaneClient()
	cfg := testHAProxyConfig()
	haZone := "eastus-1"
	cfg.AvailabilityZone = &haZone
	r := NewReconciler(client, cfg, noCurrentSlots)

	svc := webSvc(cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80, Zone: "eastus-2", Tags: map[string]string{
		"HAProxy:Instance:AZperc": "100",
	}})

	if _, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backendName := svc.BackendName("azure", "-")
	server := client.servers[backendName]["srv0000"]
	if server["backup"] != "enabled" {
		t.Errorf("AZperc=100 is out of range and should be treated as absent, got %+v", server)
	}
}

// E6: a version conflict on commit is retried, and succeeds once the
// conflict clears.
func TestReconcileRetriesOnVersionConflict(t *testing.T) {
	client := newFakeDataplaneClient()
	client.conflictsRemaining = 2

	r := NewReconciler(client, testHAProxyConfig(), noCurrentSlots)
	clk := testclock.NewClock(time.Time{})
	r.SetClock(clk)

	svc := webSvc(cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80})

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil)
		done <- err
	}()

	// Advance the clock past the retry delay twice, once per conflict.
	clk.WaitAdvance(versionConflictRetryDelay, testWait, 1)
	clk.WaitAdvance(versionConflictRetryDelay, testWait, 1)

	if err := <-done; err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if client.commits != 1 {
		t.Errorf("expected exactly 1 successful commit, got %d", client.commits)
	}
}

// A version conflict that never clears is returned as a fatal error after
// maxVersionRetries attempts.
func TestReconcileGivesUpAfterMaxRetries(t *testing.T) {
	client := newFakeDataplaneClient()
	client.conflictsRemaining = maxVersionRetries + 5

	r := NewReconciler(client, testHAProxyConfig(), noCurrentSlots)
	clk := testclock.NewClock(time.Time{})
	r.SetClock(clk)

	svc := webSvc(cloudinstance.Instance{ID: "i1", IP: "10.0.0.1", ServicePort: 80})

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background(), []cloudinstance.Service{svc}, nil)
		done <- err
	}()

	for i := 0; i < maxVersionRetries-1; i++ {
		clk.WaitAdvance(versionConflictRetryDelay, testWait, 1)
	}

	err := <-done
	if err == nil {
		t.Fatal("expected a persistent version conflict to surface as an error")
	}
	if !IsVersionConflict(err) {
		t.Errorf("expected a VersionConflictError, got %v", err)
	}
}

func sprintID(i int) string { return "i" + strconv.Itoa(i) }
func sprintIP(i int) string { return "10.0.1." + strconv.Itoa(i) }
