package haproxy

import (
	"context"
	"fmt"
)

// fakeDataplaneClient is an in-memory DataplaneClient for exercising
// Scope/Reconciler logic without an HTTP server, mirroring the teacher's
// habit of testing against small hand-written fakes for narrow interfaces.
type fakeDataplaneClient struct {
	version int
	nextTxn int
	txns    map[string]int // transaction id -> base version

	backends map[string]Backend
	servers  map[string]map[string]Server // backend -> server name -> payload

	conflictsRemaining int // CommitTransaction fails with VersionConflictError this many times
	commits            int
	deletes            int
}

func newFakeDataplaneClient() *fakeDataplaneClient {
	return &fakeDataplaneClient{
		version:  1,
		txns:     make(map[string]int),
		backends: make(map[string]Backend),
		servers:  make(map[string]map[string]Server),
	}
}

func (f *fakeDataplaneClient) GetConfigurationVersion(ctx context.Context) (int, error) {
	return f.version, nil
}

func (f *fakeDataplaneClient) CreateTransaction(ctx context.Context, version int) (string, error) {
	f.nextTxn++
	id := fmt.Sprintf("txn-%d", f.nextTxn)
	f.txns[id] = version
	return id, nil
}

func (f *fakeDataplaneClient) CommitTransaction(ctx context.Context, txnID string) error {
	if f.conflictsRemaining > 0 {
		f.conflictsRemaining--
		return &VersionConflictError{}
	}
	if _, ok := f.txns[txnID]; !ok {
		return &APIError{StatusCode: 404, msg: "unknown transaction"}
	}
	delete(f.txns, txnID)
	f.version++
	f.commits++
	return nil
}

func (f *fakeDataplaneClient) DeleteTransaction(ctx context.Context, txnID string) error {
	delete(f.txns, txnID)
	f.deletes++
	return nil
}

func (f *fakeDataplaneClient) GetBackend(ctx context.Context, name, txnID string) (Backend, error) {
	b, ok := f.backends[name]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func (f *fakeDataplaneClient) CreateBackend(ctx context.Context, payload Backend, txnID string) error {
	name, _ := payload["name"].(string)
	f.backends[name] = payload
	f.servers[name] = make(map[string]Server)
	return nil
}

func (f *fakeDataplaneClient) GetServers(ctx context.Context, backend, txnID string) ([]Server, error) {
	var out []Server
	for _, s := range f.servers[backend] {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDataplaneClient) CreateServer(ctx context.Context, backend string, payload Server, txnID string) error {
	if f.servers[backend] == nil {
		f.servers[backend] = make(map[string]Server)
	}
	f.servers[backend][payload.Name()] = payload
	return nil
}

func (f *fakeDataplaneClient) ReplaceServer(ctx context.Context, backend, name string, payload Server, txnID string) error {
	if f.servers[backend] == nil {
		f.servers[backend] = make(map[string]Server)
	}
	f.servers[backend][name] = payload
	return nil
}

func (f *fakeDataplaneClient) DeleteServer(ctx context.Context, backend, name, txnID string) error {
	delete(f.servers[backend], name)
	return nil
}
