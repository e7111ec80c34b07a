package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldsync/core/internal/cache"
	"github.com/fieldsync/core/internal/db"
	"github.com/fieldsync/core/internal/events"
	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/conflict"
	"github.com/fieldsync/core/internal/sync/remote"
	"github.com/fieldsync/core/internal/sync/retry"
)

// fakeRemote is a scripted remote.Protocol that records every call.
// Nil handlers answer success for uploads, an empty last page for
// pulls and OK for resolutions.
type fakeRemote struct {
	mu       gosync.Mutex
	uploads  []remote.BatchRequest
	fetches  []remote.ChangesRequest
	resolves []remote.ResolveRequest

	uploadFn  func(req remote.BatchRequest) (*remote.BatchResponse, error)
	fetchFn   func(req remote.ChangesRequest) (*remote.ChangesPage, error)
	resolveFn func(req remote.ResolveRequest) (*remote.ResolveResponse, error)
}

func (f *fakeRemote) UploadBatch(_ context.Context, req remote.BatchRequest) (*remote.BatchResponse, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	fn := f.uploadFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return allSucceed(req), nil
}

func (f *fakeRemote) FetchChanges(_ context.Context, req remote.ChangesRequest) (*remote.ChangesPage, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, req)
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &remote.ChangesPage{}, nil
}

func (f *fakeRemote) ResolveConflict(_ context.Context, req remote.ResolveRequest) (*remote.ResolveResponse, error) {
	f.mu.Lock()
	f.resolves = append(f.resolves, req)
	fn := f.resolveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &remote.ResolveResponse{OK: true}, nil
}

func (f *fakeRemote) Health(context.Context) error { return nil }

func (f *fakeRemote) uploadCalls() []remote.BatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.BatchRequest(nil), f.uploads...)
}

func (f *fakeRemote) fetchCalls() []remote.ChangesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.ChangesRequest(nil), f.fetches...)
}

func (f *fakeRemote) resolveCalls() []remote.ResolveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.ResolveRequest(nil), f.resolves...)
}

func (f *fakeRemote) setUpload(fn func(req remote.BatchRequest) (*remote.BatchResponse, error)) {
	f.mu.Lock()
	f.uploadFn = fn
	f.mu.Unlock()
}

// respond builds a batch response by applying fn to every operation.
func respond(req remote.BatchRequest, fn func(op remote.BatchOperation) remote.OperationResult) *remote.BatchResponse {
	resp := &remote.BatchResponse{}
	for _, op := range req.Operations {
		res := fn(op)
		res.OperationID = op.OperationID
		resp.Results = append(resp.Results, res)
	}
	return resp
}

func allSucceed(req remote.BatchRequest) *remote.BatchResponse {
	return respond(req, func(remote.BatchOperation) remote.OperationResult {
		return remote.OperationResult{Status: remote.StatusSuccess}
	})
}

// jobsPage serves jobs on the jobs stream and nothing on the other.
func jobsPage(jobs ...models.Job) func(req remote.ChangesRequest) (*remote.ChangesPage, error) {
	return func(req remote.ChangesRequest) (*remote.ChangesPage, error) {
		if req.Stream != remote.StreamJobs {
			return &remote.ChangesPage{}, nil
		}
		return &remote.ChangesPage{Jobs: jobs}, nil
	}
}

// faultyStore fails CommitResolution a set number of times.
type faultyStore struct {
	db.SyncStore

	mu             gosync.Mutex
	commitFailures int
}

var errDiskFull = errors.New("disk I/O error")

func (f *faultyStore) CommitResolution(ctx context.Context, r db.Resolution) (bool, error) {
	f.mu.Lock()
	if f.commitFailures > 0 {
		f.commitFailures--
		f.mu.Unlock()
		return false, errDiskFull
	}
	f.mu.Unlock()
	return f.SyncStore.CommitResolution(ctx, r)
}

// testClock is a settable engine clock.
type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	store  *db.Store
	faults *faultyStore
	cache  *cache.ReadCache
	remote *fakeRemote
	clock  *testClock
	bus    *events.Bus
	sleeps []time.Duration
}

type harnessOption func(*Config)

func withPolicy(p *conflict.Policy) harnessOption {
	return func(c *Config) { c.Policy = p }
}

func withPageSize(n int) harnessOption {
	return func(c *Config) { c.PageSize = n }
}

// newHarness wires an engine over a real store and cache in temp dirs.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		remote: &fakeRemote{},
		clock:  newClock(),
		bus:    events.NewBus(),
	}

	h.store = db.OpenStore(t.TempDir(), h.bus)
	require.False(t, h.store.Degraded())
	t.Cleanup(func() { h.store.Close() })
	h.faults = &faultyStore{SyncStore: h.store}

	rc, err := cache.New(t.TempDir())
	require.NoError(t, err)
	h.cache = rc

	cfg := Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			Delays:      retry.DefaultDelays,
			Sleep: func(_ context.Context, d time.Duration) error {
				h.sleeps = append(h.sleeps, d)
				return nil
			},
		},
		Now: h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.engine = NewEngine(h.faults, h.remote, rc, h.bus, cfg)
	return h
}

func (h *harness) ops(t *testing.T) []models.SyncOperation {
	t.Helper()
	ops, err := h.store.Operations(context.Background())
	require.NoError(t, err)
	return ops
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}
