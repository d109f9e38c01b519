package haproxy

import (
	"context"

	"github.com/juju/errors"
)

// Scope is a scoped acquisition of a Dataplane transaction, with
// commit/abort/discard guaranteed on every exit path (spec.md §4.6). Usage:
//
//	err := haproxy.WithTransaction(ctx, client, func(txn *haproxy.Scope) error {
//		... issue writes against txn ...
//		txn.MarkChanged()
//		return nil
//	})
//
// On a nil return with MarkChanged called, the transaction commits. On a
// nil return with no changes marked, the transaction is deleted unsent
// (empty commits are wasteful and can bump the configuration version for
// no reason). On a non-nil return, the transaction is deleted (aborted).
type Scope struct {
	Client  DataplaneClient
	ID      string
	changed bool
}

// MarkChanged signals that this transaction has modifications that should
// be committed rather than discarded.
func (s *Scope) MarkChanged() {
	s.changed = true
}

// WithTransaction opens a transaction against the latest configuration
// version, runs fn, and commits, discards, or aborts per the rules above.
func WithTransaction(ctx context.Context, client DataplaneClient, fn func(*Scope) error) error {
	version, err := client.GetConfigurationVersion(ctx)
	if err != nil {
		return errors.Annotate(err, "fetching configuration version")
	}

	txnID, err := client.CreateTransaction(ctx, version)
	if err != nil {
		return errors.Annotate(err, "creating transaction")
	}
	logger.Debugf("transaction started: %s (version %d)", txnID, version)

	scope := &Scope{Client: client, ID: txnID}

	fnErr := fn(scope)
	if fnErr != nil {
		logger.Warningf("transaction %s aborted: %v", txnID, fnErr)
		safeDelete(ctx, client, txnID)
		return fnErr
	}

	if !scope.changed {
		logger.Debugf("no changes in transaction %s, discarding", txnID)
		safeDelete(ctx, client, txnID)
		return nil
	}

	logger.Infof("committing transaction %s", txnID)
	if err := client.CommitTransaction(ctx, txnID); err != nil {
		// The caller (Reconciler) decides whether a version conflict is
		// worth retrying; either way the transaction is already
		// terminal on the server side once commit has been attempted.
		return err
	}
	return nil
}

func safeDelete(ctx context.Context, client DataplaneClient, txnID string) {
	if err := client.DeleteTransaction(ctx, txnID); err != nil {
		logger.Debugf("could not delete transaction %s (may already be gone): %v", txnID, err)
	}
}
