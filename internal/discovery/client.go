// Package discovery holds the provider-agnostic middle of the pipeline:
// the DiscoveryClient contract, tag filtering, grouping into services, and
// change detection against the prior snapshot.
package discovery

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
)

var logger = loggo.GetLogger("haproxycloud.discovery")

// Client is the abstract discovery contract consumed by the daemon. Azure
// and AWS each provide one implementation; exactly one is active per
// process (internal/discovery/azure, internal/discovery/aws).
type Client interface {
	// DiscoverAll returns every running instance the caller has permission
	// to see. Deduplication (e.g. an instance surfaced via both plain
	// enumeration and a scaling-group API) is the client's responsibility.
	DiscoverAll(ctx context.Context) ([]cloudinstance.Instance, error)
}

// Error wraps a failure from a Client, per spec.md §7's DiscoveryError kind.
type Error struct {
	cause error
}

func NewError(cause error) *Error {
	return &Error{cause: cause}
}

func (e *Error) Error() string {
	return errors.Annotate(e.cause, "discovery failed").Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}
