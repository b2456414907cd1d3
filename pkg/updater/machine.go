package updater

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/release"
	"github.com/superfly/fsm"
)

// register builds the check and apply machines on the engine's manager.
func (e *Engine) register(ctx context.Context) error {
	startCheck, _, err := fsm.Register[checkRequest, checkResponse](e.manager, checkMachine).
		Start(stateProbe, e.handleProbe).
		To(stateFetch, e.handleFetch).
		To(stateCompare, e.handleCompare).
		End(stateSettled).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register check FSM")
	}

	startApply, _, err := fsm.Register[applyRequest, applyResponse](e.manager, applyMachine).
		Start(stateDownload, e.handleDownload).
		To(stateExtract, e.handleExtract).
		To(stateApply, e.handleApply).
		To(stateFinalize, e.handleFinalize).
		End(stateSettled).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register apply FSM")
	}

	e.startCheck = startCheck
	e.startApply = startApply
	return nil
}

// runCheck drives one check flow to its end state.
func (e *Engine) runCheck(ctx context.Context, t *task) error {
	req := &checkRequest{FlowID: t.id, Repo: e.cfg.Repo}
	version, err := e.startCheck(ctx, t.id, fsm.NewRequest(req, &checkResponse{}))
	if err != nil {
		return errors.Wrap(err, "failed to start check flow")
	}
	slog.Info("fsm_started", "flow_id", t.id, "machine", t.kind, "version", version)
	return e.manager.Wait(ctx, version)
}

// runApply drives one apply flow to its end state.
func (e *Engine) runApply(ctx context.Context, t *task) error {
	target := t.target()
	req := &applyRequest{FlowID: t.id, Tag: target.TagName, AssetURL: target.AssetURL}
	version, err := e.startApply(ctx, t.id, fsm.NewRequest(req, &applyResponse{}))
	if err != nil {
		return errors.Wrap(err, "failed to start apply flow")
	}
	slog.Info("fsm_started", "flow_id", t.id, "machine", t.kind, "version", version)
	return e.manager.Wait(ctx, version)
}

// task is the handle of the single background worker. The cancel flag is
// the only field callers touch; the rest is written by transitions and read
// once the flow has ended.
type task struct {
	id      string
	kind    string
	workDir string
	done    chan struct{}

	cancelled atomic.Bool

	mu        sync.Mutex
	err       error
	desc      *release.Descriptor
	available bool
	result    applyResponse
}

func newTask(id, kind, workDir string, target *release.Descriptor) *task {
	return &task{id: id, kind: kind, workDir: workDir, desc: target, done: make(chan struct{})}
}

// checkpoint fails with a cancellation error once cancel was requested.
func (t *task) checkpoint(state string) error {
	if t.cancelled.Load() {
		return errors.New(errors.KindCancelled, state, nil)
	}
	return nil
}

// checkpoint enters state and fails once cancel was requested for t.
func (e *Engine) checkpoint(t *task, state string) error {
	e.enterState(state)
	return t.checkpoint(state)
}

func (e *Engine) enterState(state string) {
	if e.onState != nil {
		e.onState(state)
	}
}

// abort records err as the flow's failure and stops the machine.
func (t *task) abort(err error) error {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	return fsm.Abort(err)
}

// outcome folds the recorded failure and the machine's own result.
func (t *task) outcome(waitErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if waitErr != nil {
		return errors.New(errors.KindUnknown, t.kind+" flow", waitErr)
	}
	return nil
}

func (t *task) setRelease(desc *release.Descriptor, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.desc = desc
	t.available = available
}

func (t *task) found() (*release.Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc, t.available
}

func (t *task) target() *release.Descriptor {
	d, _ := t.found()
	return d
}

func (t *task) record(fn func(r *applyResponse)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.result)
}

func (t *task) applied() applyResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (e *Engine) flow(id string) (*task, error) {
	v, ok := e.flows.Load(id)
	if !ok {
		return nil, fmt.Errorf("unknown flow %q", id)
	}
	return v.(*task), nil
}

func orNew[T any](p *T) *T {
	if p == nil {
		return new(T)
	}
	return p
}
