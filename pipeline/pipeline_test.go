package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/takeoff/dbopen"
	"github.com/hazyhaar/takeoff/workflow"
)

func testManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema), dbopen.WithSchema(workflow.Schema))
	m := New(db, Config{Workers: 2, DocTimeout: 10 * time.Second})
	return m, db
}

// drain reads the full event stream and returns it, verifying percent
// monotonicity along the way.
func drain(t *testing.T, m *Manager, id string) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := m.Events(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	var events []Event
	last := -1
	for e := range ch {
		if e.Percent < last {
			t.Errorf("percent regressed: %d after %d (seq %d)", e.Percent, last, e.Seq)
		}
		last = e.Percent
		events = append(events, e)
	}
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	return events
}

const drawingPage = `ROOF PLAN
SHEET NO: A-101
SCALE: 1/4" = 1'-0"
ROOF DRAIN (4)
SCUPPER (2)
RTU-1  RTU-2`

const submittalText = `SYSTEM DESCRIPTION
Manufacturer: Carlisle
System: Sure-Weld TPO

COMPONENT SCHEDULE:
TPO Membrane, 60 mil, fully adhered
Polyiso Insulation, 2.6"
Metal Deck`

func testBatch() []Document {
	return []Document{
		{ID: "dwg-1", Name: "roof.pdf", Category: CategoryDrawing,
			Pages: []string{drawingPage, "", "GENERAL NOTES: unrelated trades"}},
		{ID: "asm-1", Name: "submittal.pdf", Category: CategoryAssembly,
			Pages: []string{submittalText}},
		{ID: "spec-1", Name: "spec.pdf", Category: CategorySpec,
			Pages: []string{"SECTION 07 54 23 TPO ROOFING\nroof drains: (4)"}},
	}
}

func TestSubmit_Validation(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Submit(ctx, nil); err == nil {
		t.Error("empty batch must be rejected")
	}
	if _, err := m.Submit(ctx, []Document{{ID: "a", Category: "photos", Pages: []string{"x"}}}); err == nil {
		t.Error("unknown category must be rejected")
	}
	dup := []Document{
		{ID: "a", Category: CategoryDrawing, Pages: []string{"x"}},
		{ID: "a", Category: CategorySpec, Pages: []string{"y"}},
	}
	if _, err := m.Submit(ctx, dup); err == nil {
		t.Error("duplicate document ids must be rejected")
	}
}

func TestSubmit_LeavesCallerSliceUntouched(t *testing.T) {
	m, _ := testManager(t)
	docs := []Document{
		{Name: "a.pdf", Category: CategoryDrawing, Pages: []string{drawingPage}},
		{Name: "b.pdf", Category: CategorySpec, Pages: []string{"SECTION 07 54 23"}},
	}
	id, err := m.Submit(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range docs {
		if d.ID != "" {
			t.Errorf("caller document %d got id %q assigned", i, d.ID)
		}
	}
	drain(t, m, id)
}

func TestEndToEnd(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, m, id)

	final := events[len(events)-1]
	if !final.Final {
		t.Fatal("stream must end with the final event")
	}
	if final.Percent != 100 {
		t.Errorf("final percent = %d, want 100", final.Percent)
	}
	if final.Stats == nil {
		t.Fatal("final event must carry filter stats")
	}

	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", r.Status)
	}
	if len(r.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", r.Errors)
	}
	if len(r.Documents) != 3 {
		t.Fatalf("got %d document results", len(r.Documents))
	}

	// 5 pages total; the roof plan, the submittal, and the division 07
	// page are kept, the blank page and the general notes are filtered.
	if r.FilterStats.Scanned != 5 || r.FilterStats.Kept != 3 {
		t.Errorf("filter stats = %+v, want scanned 5 kept 3", r.FilterStats)
	}
	if r.FilterStats.SavingsPercent != 40 {
		t.Errorf("savings = %d, want 40", r.FilterStats.SavingsPercent)
	}

	dwg := r.Documents[0]
	if len(dwg.RoofPlans) != 1 {
		t.Fatalf("drawing produced %d sheets, want 1", len(dwg.RoofPlans))
	}
	sheet := dwg.RoofPlans[0]
	if sheet.Drains.Count != 4 || sheet.Scuppers.Count != 2 || sheet.Curbs.Count != 2 {
		t.Errorf("counts = drains %d scuppers %d curbs %d", sheet.Drains.Count, sheet.Scuppers.Count, sheet.Curbs.Count)
	}
	if sheet.Workflow != workflow.StateDetected {
		t.Errorf("sheet workflow = %s, want detected", sheet.Workflow)
	}

	if len(r.Assemblies) != 1 {
		t.Fatalf("got %d assemblies", len(r.Assemblies))
	}
	if r.Assemblies[0].Manufacturer != "Carlisle" || len(r.Assemblies[0].Layers) != 3 {
		t.Errorf("assembly = %+v", r.Assemblies[0])
	}
}

func TestFilteredOutDocument(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	batch := []Document{
		{ID: "dwg-1", Category: CategoryDrawing, Pages: []string{drawingPage}},
		{ID: "dwg-2", Category: CategoryDrawing, Pages: []string{"electrical riser diagram", "plumbing isometrics"}},
		{ID: "dwg-3", Category: CategoryDrawing, Pages: []string{drawingPage}},
	}
	id, err := m.Submit(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, m, id)

	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Documents[1].FilteredOut != true {
		t.Error("document with no matching pages must be filtered out")
	}
	if len(r.Documents[1].RoofPlans) != 0 {
		t.Errorf("filtered document produced %d sheets", len(r.Documents[1].RoofPlans))
	}
	for _, i := range []int{0, 2} {
		if r.Documents[i].FilteredOut {
			t.Errorf("document %d wrongly filtered out", i)
		}
		if len(r.Documents[i].RoofPlans) == 0 {
			t.Errorf("document %d produced no sheets", i)
		}
	}
	if len(r.Errors) != 0 {
		t.Errorf("filtering is not an error: %+v", r.Errors)
	}
}

func TestFailedDocumentReportedOnce(t *testing.T) {
	var buf bytes.Buffer
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema), dbopen.WithSchema(workflow.Schema))
	m := New(db, Config{Workers: 2, Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	ctx := context.Background()

	batch := []Document{
		{ID: "bad-1", Category: CategoryDrawing, Pages: nil},
		{ID: "dwg-1", Category: CategoryDrawing, Pages: []string{drawingPage}},
	}
	id, err := m.Submit(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, m, id)

	// The classify failure must not be re-reported by the extract stages.
	if n := strings.Count(buf.String(), "document failed"); n != 1 {
		t.Errorf("document failure logged %d times, want 1\n%s", n, buf.String())
	}
	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Errors) != 1 {
		t.Errorf("errors = %+v, want one entry", r.Errors)
	}
}

func TestRunnable_Selection(t *testing.T) {
	outcomes := []docOutcome{
		{},
		{err: &DocumentError{DocumentID: "bad-1"}},
		{filteredOut: true},
	}
	sel := []int{0, 1, 2}

	got := runnable(outcomes, sel, true)
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("skipFiltered selection = %v, want [0]", got)
	}
	got = runnable(outcomes, sel, false)
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("error-only selection = %v, want [0 2]", got)
	}
}

func TestSubmit_DocumentWithoutPages(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	batch := []Document{
		{ID: "dwg-1", Category: CategoryDrawing, Pages: []string{drawingPage}},
		{ID: "bad-1", Category: CategoryDrawing, Pages: nil},
	}
	id, err := m.Submit(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, m, id)

	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusComplete {
		t.Errorf("status = %s; one bad document must not fail the batch", r.Status)
	}
	if len(r.Errors) != 1 {
		t.Fatalf("errors = %+v, want one entry", r.Errors)
	}
	e := r.Errors[0]
	if e.DocumentID != "bad-1" || e.Kind != ErrUnsupportedFormat {
		t.Errorf("error = %+v", e)
	}
	if len(r.Documents[0].RoofPlans) == 0 {
		t.Error("healthy document must still produce sheets")
	}
}

func TestResult_RefreshesWorkflowState(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	drain(t, m, id)

	key := workflow.Key{DocumentID: "dwg-1", Index: 0, Kind: workflow.KindSheet}
	res, err := m.Reviews().Advance(ctx, key, workflow.StateReviewing)
	if err != nil || !res.Accepted {
		t.Fatalf("advance failed: %v %+v", err, res)
	}

	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Documents[0].RoofPlans[0].Workflow; got != workflow.StateReviewing {
		t.Errorf("sheet workflow = %s, want reviewing", got)
	}
}

func TestResult_CallersDoNotShareSheets(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	s := &session{id: "ses_m", log: newEventLog(), status: StatusComplete}
	s.result = &Result{
		SessionID: "ses_m", Status: StatusComplete,
		Documents: []DocumentResult{{
			DocumentID: "dwg-1",
			RoofPlans:  []Sheet{{Workflow: workflow.StateDetected}},
		}},
	}
	m.mu.Lock()
	m.sessions["ses_m"] = s
	m.mu.Unlock()

	r1, err := m.Result(ctx, "ses_m")
	if err != nil {
		t.Fatal(err)
	}
	r1.Documents[0].RoofPlans[0].Workflow = workflow.StateApproved

	r2, err := m.Result(ctx, "ses_m")
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.Documents[0].RoofPlans[0].Workflow; got != workflow.StateDetected {
		t.Errorf("second caller sees %s; results share sheet memory", got)
	}
	if got := s.result.Documents[0].RoofPlans[0].Workflow; got != workflow.StateDetected {
		t.Errorf("stored result mutated to %s through a returned copy", got)
	}
}

func TestFinalizedSessionEvicted(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	drain(t, m, id)

	// Eviction lands just after the final event is published.
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		_, held := m.sessions[id]
		m.mu.Unlock()
		if !held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finalized session still held in memory")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The store serves both reads after eviction.
	r, err := m.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusComplete || len(r.Documents) != 3 {
		t.Errorf("result after eviction = status %s, %d documents", r.Status, len(r.Documents))
	}
	events := drain(t, m, id)
	if !events[len(events)-1].Final {
		t.Error("replayed stream must still end with the final event")
	}
}

func TestEvents_PersistedReplayAfterRestart(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	live := drain(t, m, id)

	// A fresh manager on the same database has no in-memory session and must
	// serve the stream from the persisted log.
	m2 := New(db, Config{})
	replayed := drain(t, m2, id)

	if len(replayed) != len(live) {
		t.Fatalf("replayed %d events, live %d", len(replayed), len(live))
	}
	for i := range live {
		if replayed[i].Seq != live[i].Seq || replayed[i].Percent != live[i].Percent {
			t.Errorf("event %d differs: %+v vs %+v", i, replayed[i], live[i])
		}
	}

	r, err := m2.Result(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusComplete || len(r.Documents) != 3 {
		t.Errorf("persisted result = status %s, %d documents", r.Status, len(r.Documents))
	}
}

func TestEvents_FromCursorSkipsReplay(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	id, err := m.Submit(ctx, testBatch())
	if err != nil {
		t.Fatal(err)
	}
	all := drain(t, m, id)

	ch, err := m.Events(ctx, id, all[len(all)-1].Seq)
	if err != nil {
		t.Fatal(err)
	}
	var tail []Event
	for e := range ch {
		tail = append(tail, e)
	}
	if len(tail) != 1 || !tail[0].Final {
		t.Errorf("tail from last seq = %+v, want just the final event", tail)
	}
}

func TestEvents_UnknownSession(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.Events(context.Background(), "ses_ghost", 0); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRunDoc_PanicIsolated(t *testing.T) {
	m, _ := testManager(t)
	seed := docOutcome{keptPages: []int{0}}
	out, derr := m.runDoc(Document{ID: "doc-1"}, StageClassify, seed, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		out.filteredOut = true
		panic("boom")
	}, 0)
	if derr == nil {
		t.Fatal("panic must surface as a document error")
	}
	if derr.Kind != ErrFailure {
		t.Errorf("kind = %s, want failure", derr.Kind)
	}
	if !strings.Contains(derr.Message, "boom") {
		t.Errorf("message = %q", derr.Message)
	}
	if out.filteredOut || len(out.keptPages) != 1 {
		t.Errorf("outcome after panic = %+v, want seed unchanged", out)
	}
}

func TestRunDoc_Timeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema), dbopen.WithSchema(workflow.Schema))
	m := New(db, Config{DocTimeout: 20 * time.Millisecond})

	_, derr := m.runDoc(Document{ID: "doc-1"}, StageDrawings, docOutcome{}, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		time.Sleep(500 * time.Millisecond)
		return nil
	}, 0)
	if derr == nil || derr.Kind != ErrTimeout {
		t.Fatalf("derr = %+v, want timeout", derr)
	}
	if derr.Stage != StageDrawings {
		t.Errorf("stage = %s", derr.Stage)
	}
}

func TestRunDoc_TimeoutDiscardsPartialWrites(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema), dbopen.WithSchema(workflow.Schema))
	m := New(db, Config{DocTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	seed := docOutcome{keptPages: []int{0, 2}}
	out, derr := m.runDoc(Document{ID: "doc-1"}, StageClassify, seed, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		// Writes land before the deadline; the worker then outlives it.
		out.filteredOut = true
		out.keptPages = nil
		<-release
		return nil
	}, 0)
	close(release)

	if derr == nil || derr.Kind != ErrTimeout {
		t.Fatalf("derr = %+v, want timeout", derr)
	}
	if out.filteredOut || len(out.keptPages) != 2 {
		t.Errorf("outcome after timeout = %+v, want seed unchanged", out)
	}
}

func TestRunDoc_SeedCarriesPriorStage(t *testing.T) {
	m, _ := testManager(t)
	seed := docOutcome{keptPages: []int{1, 3}}
	out, derr := m.runDoc(Document{ID: "doc-1"}, StageDrawings, seed, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		for range out.keptPages {
			out.sheets = append(out.sheets, Sheet{})
		}
		return nil
	}, 0)
	if derr != nil {
		t.Fatal(derr)
	}
	if len(out.sheets) != 2 {
		t.Errorf("got %d sheets, want one per kept page", len(out.sheets))
	}
}

func TestRun_CancelledSessionSkipsStages(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if err := m.store.CreateSession(ctx, "ses_c", 1); err != nil {
		t.Fatal(err)
	}
	s := &session{
		id:        "ses_c",
		docs:      []Document{{ID: "dwg-1", Category: CategoryDrawing, Pages: []string{drawingPage}}},
		log:       newEventLog(),
		status:    StatusRunning,
		cancelled: true,
	}
	m.run(s)

	if s.status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", s.status)
	}
	if s.result == nil {
		t.Fatal("cancelled session must still aggregate a result")
	}
	if len(s.result.Documents[0].RoofPlans) != 0 {
		t.Error("no stage ran, so no sheets expected")
	}
	events := s.log.snapshot()
	if len(events) != 1 || !events[0].Final {
		t.Errorf("events = %+v, want only the final event", events)
	}
}

func TestCancel_UnknownSession(t *testing.T) {
	m, _ := testManager(t)
	if err := m.Cancel("ses_ghost"); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestResult_RunningSessionReportsStatusOnly(t *testing.T) {
	m, _ := testManager(t)

	s := &session{id: "ses_r", log: newEventLog(), status: StatusRunning}
	m.mu.Lock()
	m.sessions["ses_r"] = s
	m.mu.Unlock()

	r, err := m.Result(context.Background(), "ses_r")
	if err != nil {
		t.Fatal(err)
	}
	if r.SessionID != "ses_r" || r.Status != StatusRunning {
		t.Errorf("result = %+v", r)
	}
	if len(r.Documents) != 0 {
		t.Error("running session must not expose partial documents")
	}
}

func TestEventLog_ReplayThenFollow(t *testing.T) {
	l := newEventLog()
	l.append(Event{Stage: StageClassify, Percent: 5})
	l.append(Event{Stage: StageClassify, Percent: 10})

	ctx := context.Background()
	ch := l.subscribe(ctx, 0)

	first := <-ch
	second := <-ch
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("replayed seqs = %d, %d", first.Seq, second.Seq)
	}

	l.append(Event{Stage: StageAggregate, Percent: 100, Final: true})
	final := <-ch
	if !final.Final || final.Seq != 2 {
		t.Errorf("followed event = %+v", final)
	}
	if _, open := <-ch; open {
		t.Error("channel must close after the final event")
	}
}

func TestEventLog_SubscribeCancel(t *testing.T) {
	l := newEventLog()
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.subscribe(ctx, 0)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("subscription did not end after cancel")
	}
}
