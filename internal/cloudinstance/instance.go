// Package cloudinstance holds the immutable value types shared by every
// discovery client and by the reconciliation pipeline: a single discovered
// compute instance, and the logical Service it is grouped into.
package cloudinstance

import (
	"strconv"
	"time"
)

// Instance is one running cloud compute unit, as resolved by a discovery
// client. Instances are recreated every polling cycle, never mutated.
type Instance struct {
	ID           string
	Name         string // the instance's own name (VM/EC2 name), not the service name
	IP           string
	Region       string
	Zone         string // availability zone; empty if the provider has none
	Tags         map[string]string
	Namespace    string // resource group (Azure) or account ID (AWS); not read by the pipeline
	Source       string // "vm", "vmss", "ec2", "asg"
	CreatedAt    time.Time
	ServiceName  string // parsed from the service-name tag
	ServicePort  int    // parsed from the service-port tag
	InstancePort *int   // parsed from the instance-port tag, nil if absent/unparseable
}

// EffectivePort returns the port HAProxy should dial for this instance:
// the per-instance port override if present, else the service's port.
func (i Instance) EffectivePort() int {
	if i.InstancePort != nil {
		return *i.InstancePort
	}
	return i.ServicePort
}

// Key identifies the Service an instance belongs to.
type Key struct {
	Name   string
	Port   int
	Region string
}

// Service is a logical backend derived from one or more Instances that
// share the same service-name tag, service-port tag, and region. It is
// rebuilt every cycle and has no identity across cycles other than Key().
type Service struct {
	Name      string
	Port      int
	Region    string
	Instances []Instance // discovery order; used for stable slot indices
}

// Key returns the (name, port, region) identity of the service.
func (s Service) Key() Key {
	return Key{Name: s.Name, Port: s.Port, Region: s.Region}
}

// BackendName computes the stable HAProxy backend name for the service:
// prefix + sep + name + sep + port + sep + region.
func (s Service) BackendName(prefix, sep string) string {
	return BackendNameFromKey(s.Key(), prefix, sep)
}

// BackendNameFromKey computes a backend name directly from a Key, used by
// the reconciler when quiescing services that have been removed (and so no
// longer have a live Service value to call BackendName on).
func BackendNameFromKey(key Key, prefix, sep string) string {
	return prefix + sep + key.Name + sep + strconv.Itoa(key.Port) + sep + key.Region
}
