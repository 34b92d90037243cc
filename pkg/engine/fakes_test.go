package engine

import (
	"context"
	"errors"
	"sync"
)

var errFake = errors.New("boom")

// callLog records provider calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) index(call string) int {
	for i, c := range l.all() {
		if c == call {
			return i
		}
	}
	return -1
}

// fakeProvider hands out the same fakeHandle on every open and tracks how
// many sessions are open at once.
type fakeProvider struct {
	openErr error
	handle  SessionHandle
	log     *callLog

	mu        sync.Mutex
	opens     int
	active    int
	maxActive int
}

func newFakeProvider() (*fakeProvider, *fakeHandle) {
	log := &callLog{}
	p := &fakeProvider{log: log}
	h := &fakeHandle{callLog: log, provider: p, token: "tx-1"}
	h.doc = &fakeDoc{callLog: log, locator: "doc1"}
	h.obj = &fakeObject{callLog: log, id: "obj-1", props: map[string]string{}}
	p.handle = h
	return p, h
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) OpenSession(_ context.Context, locator string) (SessionHandle, error) {
	p.log.record("open")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	return p.handle, nil
}

func (p *fakeProvider) closed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
}

func (p *fakeProvider) stats() (opens, maxActive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens, p.maxActive
}

// fakeHandle implements every modern capability. Each call can be made to
// fail through its error field.
type fakeHandle struct {
	*callLog
	provider *fakeProvider
	doc      *fakeDoc
	obj      *fakeObject
	token    string

	beginNamedErr    error
	beginErr         error
	commitTokenErr   error
	commitErr        error
	rollbackTokenErr error
	rollbackErr      error
	createErr        error
	closeErr         error

	// commitGate, when set, blocks commits until it is closed.
	commitGate chan struct{}
}

func (h *fakeHandle) Document() Document {
	if h.doc == nil {
		return nil
	}
	return h.doc
}

func (h *fakeHandle) Close() error {
	h.record("close")
	if h.provider != nil {
		h.provider.closed()
	}
	return h.closeErr
}

func (h *fakeHandle) BeginNamedTransaction(name string) (string, error) {
	h.record("begin-named:" + name)
	return h.token, h.beginNamedErr
}

func (h *fakeHandle) BeginTransaction() error {
	h.record("begin")
	return h.beginErr
}

func (h *fakeHandle) CommitTransaction(token string) error {
	if h.commitGate != nil {
		<-h.commitGate
	}
	h.record("commit-token:" + token)
	return h.commitTokenErr
}

func (h *fakeHandle) Commit() error {
	h.record("commit")
	return h.commitErr
}

func (h *fakeHandle) RollbackTransaction(token string) error {
	h.record("rollback-token:" + token)
	return h.rollbackTokenErr
}

func (h *fakeHandle) Rollback() error {
	h.record("rollback")
	return h.rollbackErr
}

func (h *fakeHandle) CreateObject(kind string) (ModelObject, error) {
	h.record("create:" + kind)
	if h.createErr != nil {
		return nil, h.createErr
	}
	if h.obj == nil {
		return nil, nil
	}
	return h.obj, nil
}

type fakeObject struct {
	*callLog
	id       string
	propErr  error
	fieldErr error
	onSet    func()

	mu    sync.Mutex
	props map[string]string
}

func (o *fakeObject) ID() string { return o.id }

func (o *fakeObject) SetProperty(name, value string) error {
	o.record("set-property:" + name)
	if o.onSet != nil {
		o.onSet()
	}
	if o.propErr != nil {
		return o.propErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[name] = value
	return nil
}

func (o *fakeObject) SetField(name, value string) error {
	o.record("set-field:" + name)
	if o.fieldErr != nil {
		return o.fieldErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[name] = value
	return nil
}

func (o *fakeObject) get(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.props[name]
}

type fakeDoc struct {
	*callLog
	locator   string
	saveToErr error
	saveErr   error
}

func (d *fakeDoc) Locator() string { return d.locator }

func (d *fakeDoc) SaveTo(target string) error {
	d.record("save-to:" + target)
	return d.saveToErr
}

func (d *fakeDoc) Save() error {
	d.record("save")
	return d.saveErr
}

// legacyHandle exposes only the bare transaction surface, a direct field
// setter and a default save.
type legacyHandle struct {
	*callLog
	doc *legacyDoc
}

func (h *legacyHandle) Document() Document { return h.doc }

func (h *legacyHandle) Close() error {
	h.record("close")
	return nil
}

func (h *legacyHandle) BeginTransaction() error {
	h.record("begin")
	return nil
}

func (h *legacyHandle) Commit() error {
	h.record("commit")
	return nil
}

func (h *legacyHandle) Rollback() error {
	h.record("rollback")
	return nil
}

func (h *legacyHandle) CreateObject(kind string) (ModelObject, error) {
	h.record("create:" + kind)
	return &legacyObject{callLog: h.callLog}, nil
}

type legacyObject struct {
	*callLog
}

func (o *legacyObject) ID() string { return "legacy-1" }

func (o *legacyObject) SetField(name, value string) error {
	o.record("set-field:" + name + "=" + value)
	return nil
}

type legacyDoc struct {
	*callLog
}

func (d *legacyDoc) Locator() string { return "doc1" }

func (d *legacyDoc) Save() error {
	d.record("save")
	return nil
}

// stubPolicy returns a fixed verdict.
type stubPolicy struct {
	verdict PolicyVerdict
	err     error
}

func (p stubPolicy) Evaluate(context.Context, string, MutationRequest) (PolicyVerdict, error) {
	return p.verdict, p.err
}

// blockingPolicy waits for ctx to end.
type blockingPolicy struct{}

func (blockingPolicy) Evaluate(ctx context.Context, _ string, _ MutationRequest) (PolicyVerdict, error) {
	<-ctx.Done()
	return PolicyVerdict{}, ctx.Err()
}

// captureRecorder keeps every recorded report.
type captureRecorder struct {
	mu      sync.Mutex
	reports []*OperationReport
	err     error
}

func (r *captureRecorder) RecordReport(_ context.Context, report *OperationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *captureRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// staticProvider always returns h.
type staticProvider struct {
	h SessionHandle
}

func (p staticProvider) Name() string { return "static" }

func (p staticProvider) OpenSession(context.Context, string) (SessionHandle, error) {
	return p.h, nil
}
