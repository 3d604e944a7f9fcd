package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type reconcileFixture struct {
	api       *fakePlatform
	clock     *fakeClock
	retry     *RetryExecutor
	inventory *ArtifactInventory
	ledger    *fakeLedger
	ws        WorkspaceHandle
	source    *fakeSource
}

func newReconcileFixture(created bool, desired ...*ArtifactDescriptor) *reconcileFixture {
	api := newFakePlatform()
	clock := newFakeClock()
	retry := testRetry(clock)
	source := &fakeSource{artifacts: desired}
	return &reconcileFixture{
		api:       api,
		clock:     clock,
		retry:     retry,
		inventory: NewArtifactInventory(api, source, retry, testLogger),
		ledger:    &fakeLedger{},
		ws:        WorkspaceHandle{Name: "analytics-dev", ID: api.addWorkspace("analytics-dev"), Created: created},
		source:    source,
	}
}

func (f *reconcileFixture) reconciler(opts ReconcilerOptions, guard PlanGuard) *Reconciler {
	upserter := NewArtifactUpserter(f.api, f.inventory, testPoller(f.api, f.clock), f.retry, testLogger, nil)
	return NewReconciler(ReconcilerDeps{
		Items:       f.api,
		Inventory:   f.inventory,
		Upserter:    upserter,
		Retry:       f.retry,
		Clock:       f.clock,
		Guard:       guard,
		Records:     f.ledger,
		Transitions: f.ledger,
		Logger:      testLogger,
	}, opts)
}

func (f *reconcileFixture) input(t *testing.T) ReconcileInput {
	t.Helper()
	ctx := context.Background()

	desired, err := f.inventory.SnapshotDesired(ctx, "/repo", "workspace")
	if err != nil {
		t.Fatalf("failed to snapshot desired artifacts: %v", err)
	}
	in := ReconcileInput{RunID: "run-1", Workspace: f.ws, Desired: desired}
	if !f.ws.Created {
		deployed, err := f.inventory.SnapshotDeployed(ctx, f.ws)
		if err != nil {
			t.Fatalf("failed to snapshot deployed items: %v", err)
		}
		in.Deployed = deployed
	}
	return in
}

func notebook(name string) *ArtifactDescriptor {
	return &ArtifactDescriptor{DisplayName: name, Type: ArtifactTypeNotebook, BodyPath: "notebook-content.py", Body: []byte("# " + name)}
}

func states(transitions []StateTransition) []ReconcileState {
	out := []ReconcileState{StateInitial}
	for _, t := range transitions {
		out = append(out, t.To)
	}
	return out
}

func TestReconcileFirstDeployment(t *testing.T) {
	f := newReconcileFixture(true,
		pipeline("A", "", executePipelineBody("B")),
		pipeline("B", "", `{"properties":{"activities":[]}}`),
		&ArtifactDescriptor{DisplayName: "Bronze", Type: ArtifactTypeLakehouse},
	)

	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), f.input(t))
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}

	wantStates := []ReconcileState{StateInitial, StateDiffed, StateDeploying, StateDone}
	if got := states(res.Transitions); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("expected states %v, got %v", wantStates, got)
	}
	if res.FinalState != StateDone {
		t.Errorf("expected done, got %s", res.FinalState)
	}
	if want := []string{"B", "A"}; !reflect.DeepEqual(res.PipelineOrder, want) {
		t.Errorf("expected pipeline order %v, got %v", want, res.PipelineOrder)
	}

	wantCalls := []string{"create_item:Bronze", "create_item:B", "create_item:A"}
	if got := f.api.callsWithPrefix("create_item:"); !reflect.DeepEqual(got, wantCalls) {
		t.Errorf("expected create calls %v, got %v", wantCalls, got)
	}
	if got := f.api.callsWithPrefix("list_items"); len(got) != 0 {
		t.Errorf("expected no listing for a created workspace, got %v", got)
	}

	if len(res.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(res.Records))
	}
	for i, name := range []string{"Bronze", "B", "A"} {
		rec := res.Records[i]
		if rec.ArtifactName != name || rec.LocationID != f.ws.ID || rec.ArtifactID == "" || rec.Action != ActionCreate {
			t.Errorf("record %d: unexpected %+v", i, rec)
		}
	}
	if len(f.ledger.records) != 3 || len(f.ledger.transitions) != 3 {
		t.Errorf("expected sinks to receive 3 records and 3 transitions, got %d and %d",
			len(f.ledger.records), len(f.ledger.transitions))
	}
}

func TestReconcileDeletesBeforeDeploying(t *testing.T) {
	f := newReconcileFixture(false, notebook("Y"), notebook("Z"))
	xID := f.api.addItem(f.ws.ID, "X", ArtifactTypeNotebook)
	yID := f.api.addItem(f.ws.ID, "Y", ArtifactTypeNotebook)

	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), f.input(t))
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}

	wantStates := []ReconcileState{StateInitial, StateDiffed, StateDeleting, StateConfirmingDeletion, StateDeploying, StateDone}
	if got := states(res.Transitions); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("expected states %v, got %v", wantStates, got)
	}
	if !reflect.DeepEqual(res.Deleted, []string{xID}) {
		t.Errorf("expected %s to be deleted, got %v", xID, res.Deleted)
	}

	calls := f.api.Calls()
	index := func(call string) int {
		for i, c := range calls {
			if c == call {
				return i
			}
		}
		return -1
	}
	deleteAt := index("delete_item:" + xID)
	updateAt := index("update_item:" + yID)
	createAt := index("create_item:Z")
	if deleteAt < 0 || updateAt < 0 || createAt < 0 {
		t.Fatalf("missing calls in %v", calls)
	}
	if deleteAt > updateAt || deleteAt > createAt {
		t.Errorf("expected deletion before any upsert, got %v", calls)
	}

	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", res.Records)
	}
	if res.Records[0].ArtifactName != "Y" || res.Records[0].Action != ActionUpdate || res.Records[0].ArtifactID != yID {
		t.Errorf("expected update of Y first, got %+v", res.Records[0])
	}
	if res.Records[1].ArtifactName != "Z" || res.Records[1].Action != ActionCreate {
		t.Errorf("expected create of Z second, got %+v", res.Records[1])
	}
}

func TestReconcileWaitsForDeletionToConverge(t *testing.T) {
	f := newReconcileFixture(false, notebook("Keep"))
	f.api.addItem(f.ws.ID, "Stale", ArtifactTypeNotebook)
	f.api.lingerFor = 2

	in := f.input(t)
	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), in)
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	if res.FinalState != StateDone {
		t.Errorf("expected done, got %s", res.FinalState)
	}

	want := []time.Duration{30 * time.Second, 30 * time.Second}
	if got := f.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected confirmation waits %v, got %v", want, got)
	}
}

func TestReconcileDeletionNotConfirmed(t *testing.T) {
	f := newReconcileFixture(false, notebook("Keep"))
	staleID := f.api.addItem(f.ws.ID, "Stale", ArtifactTypeNotebook)
	f.api.lingerFor = 1000

	opts := DefaultReconcilerOptions()
	opts.ConfirmTimeout = 90 * time.Second

	res, err := f.reconciler(opts, nil).Reconcile(context.Background(), f.input(t))
	if !errors.Is(err, ErrDeletionNotConfirmed) {
		t.Fatalf("expected deletion not confirmed, got %v", err)
	}
	if res.FinalState != StateFailed {
		t.Errorf("expected failed, got %s", res.FinalState)
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if pending, _ := engineErr.Details["pending"].([]string); !reflect.DeepEqual(pending, []string{staleID}) {
			t.Errorf("expected pending [%s], got %v", staleID, engineErr.Details["pending"])
		}
	}
	if got := f.api.callsWithPrefix("create_item:"); len(got) != 0 {
		t.Errorf("expected no upsert after unconfirmed deletion, got %v", got)
	}
	if got := f.api.callsWithPrefix("update_item:"); len(got) != 0 {
		t.Errorf("expected no upsert after unconfirmed deletion, got %v", got)
	}

	var total time.Duration
	for _, d := range f.clock.Sleeps() {
		total += d
	}
	if total != opts.ConfirmTimeout {
		t.Errorf("expected to wait %s in total, waited %s", opts.ConfirmTimeout, total)
	}
}

func TestReconcileDeletesInBatches(t *testing.T) {
	f := newReconcileFixture(false)
	var ids []string
	for _, name := range []string{"S1", "S2", "S3", "S4", "S5"} {
		ids = append(ids, f.api.addItem(f.ws.ID, name, ArtifactTypeNotebook))
	}

	opts := DefaultReconcilerOptions()
	opts.DeleteBatchSize = 2

	res, err := f.reconciler(opts, nil).Reconcile(context.Background(), f.input(t))
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	if !reflect.DeepEqual(res.Deleted, ids) {
		t.Errorf("expected deletions %v, got %v", ids, res.Deleted)
	}

	want := []time.Duration{55 * time.Second, 55 * time.Second}
	if got := f.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected batch pauses %v, got %v", want, got)
	}
}

func TestReconcileTreatsMissingItemsAsDeleted(t *testing.T) {
	f := newReconcileFixture(false)
	id := f.api.addItem(f.ws.ID, "Gone", ArtifactTypeNotebook)
	f.api.deleteMissing[id] = true

	in := f.input(t)
	f.api.items[f.ws.ID] = nil

	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), in)
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	if !reflect.DeepEqual(res.Deleted, []string{id}) {
		t.Errorf("expected %s counted as deleted, got %v", id, res.Deleted)
	}
}

func TestReconcileFailsFast(t *testing.T) {
	f := newReconcileFixture(false, notebook("A1"), notebook("B2"), notebook("C3"))
	f.api.createItemErrs["B2"] = NewValidationError("invalid notebook", nil)

	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), f.input(t))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if res.FinalState != StateFailed {
		t.Errorf("expected failed, got %s", res.FinalState)
	}
	if len(res.Records) != 1 || res.Records[0].ArtifactName != "A1" {
		t.Errorf("expected only A1 to be recorded, got %+v", res.Records)
	}
	if got := f.api.callsWithPrefix("create_item:C3"); len(got) != 0 {
		t.Errorf("expected C3 never to be attempted, got %v", got)
	}

	last := res.Transitions[len(res.Transitions)-1]
	if last.From != StateDeploying || last.To != StateFailed {
		t.Errorf("expected deploying -> failed, got %s -> %s", last.From, last.To)
	}
}

func TestReconcileCycleFailsBeforeMutation(t *testing.T) {
	f := newReconcileFixture(false,
		pipeline("A", "", executePipelineBody("B")),
		pipeline("B", "", executePipelineBody("A")),
	)
	f.api.addItem(f.ws.ID, "Stale", ArtifactTypeNotebook)

	res, err := f.reconciler(DefaultReconcilerOptions(), nil).Reconcile(context.Background(), f.input(t))
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}
	if got := f.api.callsWithPrefix("delete_item:"); len(got) != 0 {
		t.Errorf("expected no deletion, got %v", got)
	}
	if got := f.api.callsWithPrefix("create_item:"); len(got) != 0 {
		t.Errorf("expected no creation, got %v", got)
	}
	if want := []ReconcileState{StateInitial, StateDiffed, StateFailed}; !reflect.DeepEqual(states(res.Transitions), want) {
		t.Errorf("expected states %v, got %v", want, states(res.Transitions))
	}
}

func TestReconcileGuardVeto(t *testing.T) {
	f := newReconcileFixture(false, notebook("Keep"))
	f.api.addItem(f.ws.ID, "Stale", ArtifactTypeNotebook)
	guard := &denyGuard{maxDeletes: 0}

	_, err := f.reconciler(DefaultReconcilerOptions(), guard).Reconcile(context.Background(), f.input(t))
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if guard.checked != 1 {
		t.Errorf("expected the guard to be consulted once, got %d", guard.checked)
	}
	if got := f.api.callsWithPrefix("delete_item:"); len(got) != 0 {
		t.Errorf("expected no deletion, got %v", got)
	}
}

func TestReconcileParallelWaves(t *testing.T) {
	var desired []*ArtifactDescriptor
	for _, name := range []string{"L1", "L2", "L3", "L4"} {
		desired = append(desired, &ArtifactDescriptor{DisplayName: name, Type: ArtifactTypeLakehouse})
	}
	desired = append(desired, notebook("N1"), pipeline("P1", "", `{}`))
	f := newReconcileFixture(true, desired...)

	opts := DefaultReconcilerOptions()
	opts.Parallelism = 4

	res, err := f.reconciler(opts, nil).Reconcile(context.Background(), f.input(t))
	if err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	if len(res.Records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(res.Records))
	}
	for i, rec := range res.Records[:4] {
		if rec.ArtifactType != ArtifactTypeLakehouse {
			t.Errorf("record %d: expected lakehouses first, got %+v", i, rec)
		}
	}
	if res.Records[4].ArtifactName != "N1" || res.Records[5].ArtifactName != "P1" {
		t.Errorf("expected N1 then P1 last, got %+v", res.Records[4:])
	}
}

func TestReconcilerRunsOnce(t *testing.T) {
	f := newReconcileFixture(true, notebook("A"))
	r := f.reconciler(DefaultReconcilerOptions(), nil)
	in := f.input(t)

	if _, err := r.Reconcile(context.Background(), in); err != nil {
		t.Fatalf("failed to reconcile: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), in); err == nil {
		t.Fatal("expected a second reconciliation to be rejected")
	}
}

func TestReconcileStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ReconcileState
		want     bool
	}{
		{StateInitial, StateDiffed, true},
		{StateInitial, StateDeploying, false},
		{StateDiffed, StateDeploying, true},
		{StateDiffed, StateDeleting, true},
		{StateDeleting, StateDeploying, false},
		{StateConfirmingDeletion, StateDeploying, true},
		{StateDeploying, StateFailed, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateDiffed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}
