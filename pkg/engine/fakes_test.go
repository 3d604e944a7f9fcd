package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock advances virtual time on Sleep and records every wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) Elapsed(since time.Time) time.Duration {
	return c.Now().Sub(since)
}

// fakePlatform is an in-memory workspace platform.
type fakePlatform struct {
	mu sync.Mutex

	workspaces map[string]RemoteWorkspace
	items      map[string][]RemoteItem
	updates    map[string][][]DefinitionPart
	requests   map[string]ItemRequest
	calls      []string
	nextID     int

	// invisibleFinds makes the next N FindWorkspace calls miss.
	invisibleFinds int
	// conflictOnCreate rejects CreateWorkspace with a naming conflict.
	conflictOnCreate bool
	// hideFromList keeps workspaces out of ListWorkspaces.
	hideFromList   bool
	createWSErr    error
	deleteWSErr    error
	deletedWS      []string
	findErrs       []error
	createItemErrs map[string]error
	itemConflicts  map[string]bool
	// onCreateItem runs before every item creation.
	onCreateItem func(name string)

	// asyncItems answers creates and updates with a long-running operation.
	asyncItems   bool
	runningPolls int
	opFinal      OperationStatus
	operations   map[string]*fakeOperation

	// lingering keeps deleted ids listed for N more listings.
	lingering     map[string]int
	lingerFor     int
	deleteMissing map[string]bool

	publishStates []string
	settings      []string
	users         map[string][]Principal
	bulkOps       [][]AccessOperation
}

type fakeOperation struct {
	polls  int
	item   *RemoteItem
	status OperationStatus
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		workspaces:     make(map[string]RemoteWorkspace),
		items:          make(map[string][]RemoteItem),
		updates:        make(map[string][][]DefinitionPart),
		requests:       make(map[string]ItemRequest),
		createItemErrs: make(map[string]error),
		itemConflicts:  make(map[string]bool),
		operations:     make(map[string]*fakeOperation),
		lingering:      make(map[string]int),
		deleteMissing:  make(map[string]bool),
		users:          make(map[string][]Principal),
		opFinal:        OperationSucceeded,
	}
}

func (p *fakePlatform) id(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s-%04d", prefix, p.nextID)
}

func (p *fakePlatform) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePlatform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlatform) callsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePlatform) addWorkspace(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id("ws")
	p.workspaces[id] = RemoteWorkspace{ID: id, DisplayName: name}
	return id
}

func (p *fakePlatform) addItem(wsID, name string, t ArtifactType) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id("item")
	p.items[wsID] = append(p.items[wsID], RemoteItem{ID: id, DisplayName: name, Type: t, WorkspaceID: wsID})
	return id
}

func (p *fakePlatform) FindWorkspace(ctx context.Context, name string) (*RemoteWorkspace, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("find_workspace:" + name)

	if len(p.findErrs) > 0 {
		err := p.findErrs[0]
		p.findErrs = p.findErrs[1:]
		return nil, false, err
	}
	if p.invisibleFinds > 0 {
		p.invisibleFinds--
		return nil, false, nil
	}
	for _, ws := range p.workspaces {
		if ws.DisplayName == name {
			w := ws
			return &w, true, nil
		}
	}
	return nil, false, nil
}

func (p *fakePlatform) ListWorkspaces(ctx context.Context) ([]RemoteWorkspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list_workspaces")

	if p.hideFromList {
		return nil, nil
	}
	out := make([]RemoteWorkspace, 0, len(p.workspaces))
	for _, ws := range p.workspaces {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *fakePlatform) CreateWorkspace(ctx context.Context, name, capacityID string) (*RemoteWorkspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_workspace:" + name)

	if p.createWSErr != nil {
		return nil, p.createWSErr
	}
	if p.conflictOnCreate {
		return nil, NewConflictError("workspace name already in use", nil).WithResource(name)
	}
	ws := RemoteWorkspace{ID: p.id("ws"), DisplayName: name, CapacityID: capacityID}
	p.workspaces[ws.ID] = ws
	return &ws, nil
}

func (p *fakePlatform) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("delete_workspace:" + workspaceID)

	if p.deleteWSErr != nil {
		return p.deleteWSErr
	}
	delete(p.workspaces, workspaceID)
	p.deletedWS = append(p.deletedWS, workspaceID)
	return nil
}

func (p *fakePlatform) ListItems(ctx context.Context, workspaceID string) ([]RemoteItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list_items")

	out := append([]RemoteItem(nil), p.items[workspaceID]...)
	for id, n := range p.lingering {
		if n > 0 {
			out = append(out, RemoteItem{ID: id, DisplayName: "lingering", Type: ArtifactTypeNotebook})
			p.lingering[id] = n - 1
		}
	}
	return out, nil
}

func (p *fakePlatform) CreateItem(ctx context.Context, workspaceID string, req ItemRequest) (*ItemResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create_item:" + req.DisplayName)

	if p.onCreateItem != nil {
		p.onCreateItem(req.DisplayName)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if err := p.createItemErrs[req.DisplayName]; err != nil {
		return nil, err
	}
	if p.itemConflicts[req.DisplayName] {
		return nil, NewConflictError("item display name already in use", nil).WithResource(req.DisplayName)
	}

	item := RemoteItem{ID: p.id("item"), DisplayName: req.DisplayName, Type: req.Type, WorkspaceID: workspaceID}
	p.items[workspaceID] = append(p.items[workspaceID], item)
	p.requests[item.ID] = req

	if p.asyncItems {
		handle := p.id("op")
		p.operations[handle] = &fakeOperation{item: &item, status: p.opFinal}
		return &ItemResponse{Operation: &Operation{Handle: handle, Status: OperationRunning}}, nil
	}
	return &ItemResponse{Item: &item}, nil
}

func (p *fakePlatform) UpdateItemDefinition(ctx context.Context, workspaceID, itemID string, parts []DefinitionPart) (*ItemResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("update_item:" + itemID)

	p.updates[itemID] = append(p.updates[itemID], parts)
	if p.asyncItems {
		handle := p.id("op")
		p.operations[handle] = &fakeOperation{status: p.opFinal}
		return &ItemResponse{Operation: &Operation{Handle: handle, Status: OperationRunning}}, nil
	}
	return &ItemResponse{}, nil
}

func (p *fakePlatform) DeleteItem(ctx context.Context, workspaceID, itemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("delete_item:" + itemID)

	if p.deleteMissing[itemID] {
		return NewNotFoundError("item not found", nil)
	}
	items := p.items[workspaceID]
	for i, item := range items {
		if item.ID == itemID {
			p.items[workspaceID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	if p.lingerFor > 0 {
		p.lingering[itemID] = p.lingerFor
	}
	return nil
}

func (p *fakePlatform) GetOperationState(ctx context.Context, op *Operation) (*OperationState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("get_operation:" + op.Handle)

	o, ok := p.operations[op.Handle]
	if !ok {
		return nil, NewNotFoundError("operation not found", nil)
	}
	o.polls++
	if o.polls <= p.runningPolls {
		return &OperationState{Status: OperationRunning}, nil
	}
	return &OperationState{Status: o.status}, nil
}

func (p *fakePlatform) GetOperationResult(ctx context.Context, op *Operation) (*RemoteItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("get_operation_result:" + op.Handle)

	o, ok := p.operations[op.Handle]
	if !ok || o.item == nil {
		return nil, NewNotFoundError("operation result not found", nil)
	}
	item := *o.item
	return &item, nil
}

func (p *fakePlatform) PublishEnvironment(ctx context.Context, workspaceID, environmentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("publish_environment:" + environmentID)
	return nil
}

func (p *fakePlatform) GetEnvironmentPublishState(ctx context.Context, workspaceID, environmentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("get_publish_state:" + environmentID)

	if len(p.publishStates) == 0 {
		return "Success", nil
	}
	state := p.publishStates[0]
	if len(p.publishStates) > 1 {
		p.publishStates = p.publishStates[1:]
	}
	return state, nil
}

func (p *fakePlatform) UpdateRuntimeSettings(ctx context.Context, workspaceID, environmentName, runtimeVersion string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("update_runtime_settings:" + environmentName)
	p.settings = append(p.settings, environmentName+"@"+runtimeVersion)
	return nil
}

func (p *fakePlatform) ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list_users")
	return append([]Principal(nil), p.users[workspaceID]...), nil
}

func (p *fakePlatform) BulkUpdateWorkspaceUsers(ctx context.Context, workspaceID string, ops []AccessOperation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("bulk_users")
	p.bulkOps = append(p.bulkOps, ops)
	return nil
}

// fakeSource serves a fixed artifact list.
type fakeSource struct {
	artifacts []*ArtifactDescriptor
	err       error
}

func (s *fakeSource) LoadArtifacts(ctx context.Context, repositoryRoot, targetFolder string) ([]*ArtifactDescriptor, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*ArtifactDescriptor, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a.Clone())
	}
	return out, nil
}

// fakeLedger records everything in memory.
type fakeLedger struct {
	mu          sync.Mutex
	started     []string
	workspaceID string
	records     []DeploymentRecord
	transitions []StateTransition
	finished    RunStatus
	finishErr   error
}

func (l *fakeLedger) StartRun(ctx context.Context, runID, workspaceName string, startedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, runID)
	return nil
}

func (l *fakeLedger) SetRunWorkspace(ctx context.Context, runID, workspaceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workspaceID = workspaceID
	return nil
}

func (l *fakeLedger) AppendRecord(ctx context.Context, runID string, record DeploymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *fakeLedger) AppendTransition(ctx context.Context, runID string, t StateTransition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, t)
	return nil
}

func (l *fakeLedger) FinishRun(ctx context.Context, runID string, status RunStatus, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = status
	l.finishErr = runErr
	return nil
}

// denyGuard vetoes every plan deleting more than max items.
type denyGuard struct {
	maxDeletes int
	checked    int
}

func (g *denyGuard) CheckPlan(ctx context.Context, ws WorkspaceHandle, plan *ReconciliationPlan) error {
	g.checked++
	if len(plan.ToDelete) > g.maxDeletes {
		return NewPermanentError("too many deletions", nil).WithCode(ErrCodePolicyDenied)
	}
	return nil
}

func testRetry(clock Clock) *RetryExecutor {
	return NewRetryExecutor(DefaultRetryPolicy(), WithRetryClock(clock), withRetryJitter(func() float64 { return 0 }))
}

func testPoller(api OperationAPI, clock Clock) *AsyncOperationPoller {
	return NewAsyncOperationPoller(api, DefaultPollPolicy(), WithPollerClock(clock), withPollerJitter(func() float64 { return 0 }))
}

func pipeline(name, logicalID string, body string) *ArtifactDescriptor {
	return &ArtifactDescriptor{
		DisplayName: name,
		Type:        ArtifactTypePipeline,
		LogicalID:   logicalID,
		BodyPath:    name + ".DataPipeline/pipeline-content.json",
		Body:        []byte(body),
	}
}

func executePipelineBody(refs ...string) string {
	var acts []string
	for i, ref := range refs {
		acts = append(acts, fmt.Sprintf(`{"name":"call%d","type":"ExecutePipeline","typeProperties":{"pipeline":{"referenceName":%q,"type":"PipelineReference"}}}`, i, ref))
	}
	return fmt.Sprintf(`{"properties":{"activities":[%s]}}`, strings.Join(acts, ","))
}

var testLogger = zerolog.Nop()
