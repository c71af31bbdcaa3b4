package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/takeoff/assembly"
	"github.com/hazyhaar/takeoff/classify"
	"github.com/hazyhaar/takeoff/extract"
	"github.com/hazyhaar/takeoff/idgen"
	"github.com/hazyhaar/takeoff/workflow"
)

// Config configures a Manager.
type Config struct {
	// Workers bounds per-stage document concurrency. Default: 4.
	Workers int
	// DocTimeout abandons a single slow document. There is no whole-batch
	// timeout. Default: 30s.
	DocTimeout time.Duration
	// Logger for pipeline progress and warnings.
	Logger *slog.Logger
	// NewID generates session IDs. Default: "ses_"-prefixed UUIDv7.
	NewID idgen.Generator
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DocTimeout <= 0 {
		c.DocTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("ses_", idgen.Default)
	}
}

// Manager owns sessions: it drives the stage sequence over each submitted
// batch and is the single holder of review-workflow state.
type Manager struct {
	cfg        Config
	classifier *classify.Classifier
	extractor  *extract.Extractor
	parser     *assembly.Parser
	store      *Store
	reviews    *workflow.Store

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the runtime record of one batch run.
type session struct {
	id   string
	docs []Document
	log  *eventLog

	mu          sync.Mutex
	status      Status
	cancelled   bool
	lastPercent int
	result      *Result
}

// docOutcome is one document's product. Stage fns work on a private copy;
// the pool worker that owns the slot merges the copy back after the
// timeout/panic select, so an abandoned fn can never touch the shared slice.
type docOutcome struct {
	pages       []classify.PageClassification
	keptPages   []int
	filteredOut bool
	sheets      []Sheet
	system      *assembly.System
	err         *DocumentError
}

// New creates a Manager. The database must carry both pipeline.Schema and
// workflow.Schema.
func New(db *sql.DB, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:        cfg,
		classifier: classify.New(classify.Config{Logger: cfg.Logger}),
		extractor:  extract.New(extract.Config{Logger: cfg.Logger}),
		parser:     assembly.New(assembly.Config{Logger: cfg.Logger}),
		store:      NewStore(db),
		reviews:    workflow.NewStore(db),
		sessions:   make(map[string]*session),
	}
}

// Reviews exposes the workflow store (httpapi advances states through it).
func (m *Manager) Reviews() *workflow.Store { return m.reviews }

// Submit registers a batch and starts processing it in the background.
// Returns the session ID immediately.
func (m *Manager) Submit(ctx context.Context, docs []Document) (string, error) {
	if len(docs) == 0 {
		return "", errors.New("pipeline: empty batch")
	}
	// Generated IDs go into our own copy; the caller's slice stays untouched.
	docs = append([]Document(nil), docs...)
	seen := map[string]bool{}
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = idgen.Prefixed("doc_", idgen.Default)()
		}
		if seen[docs[i].ID] {
			return "", fmt.Errorf("pipeline: duplicate document id %q", docs[i].ID)
		}
		seen[docs[i].ID] = true
		if !docs[i].Category.Valid() {
			return "", fmt.Errorf("pipeline: document %s: unknown category %q", docs[i].ID, docs[i].Category)
		}
	}

	id := m.cfg.NewID()
	if err := m.store.CreateSession(ctx, id, len(docs)); err != nil {
		return "", err
	}

	s := &session{id: id, docs: docs, log: newEventLog(), status: StatusRunning}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.run(s)
	return id, nil
}

// Cancel marks a session cancelled. In-flight documents in the current stage
// finish; no further stage starts.
func (m *Manager) Cancel(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	m.cfg.Logger.Info("pipeline: session cancelled", "session_id", id)
	return nil
}

// Events streams the session's progress events from seq `from`. The stream
// is finite: it ends after the final event. For sessions no longer in
// memory the persisted log is replayed and closed.
func (m *Manager) Events(ctx context.Context, id string, from int) (<-chan Event, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s.log.subscribe(ctx, from), nil
	}

	stored, err := m.store.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrSessionNotFound
	}
	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, e := range stored {
			if e.Seq < from {
				continue
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Result returns the session's aggregate. For finalized sessions the review
// workflow states are refreshed at read time; a still-running session
// reports only its ID and status.
func (m *Manager) Result(ctx context.Context, id string) (*Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	var r *Result
	if ok {
		s.mu.Lock()
		if s.result == nil {
			st := s.status
			s.mu.Unlock()
			return &Result{SessionID: id, Status: st}, nil
		}
		r = s.result.clone()
		s.mu.Unlock()
	} else {
		loaded, err := m.store.Result(ctx, id)
		if err != nil {
			return nil, err
		}
		r = loaded
	}

	m.refreshWorkflow(ctx, r)
	return r, nil
}

// refreshWorkflow overlays the current review state onto each sheet.
func (m *Manager) refreshWorkflow(ctx context.Context, r *Result) {
	for di := range r.Documents {
		doc := &r.Documents[di]
		for si := range doc.RoofPlans {
			sheet := &doc.RoofPlans[si]
			key := workflow.Key{DocumentID: sheet.DocumentID, Index: sheet.PageIndex, Kind: workflow.KindSheet}
			if st, err := m.reviews.Get(ctx, key); err == nil {
				sheet.Workflow = st
			}
		}
	}
}

func (m *Manager) session(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ---------- stage machinery ----------

// run drives one session to its terminal state. It never returns an error:
// everything that can go wrong per document is recorded on the result.
func (m *Manager) run(s *session) {
	ctx := context.Background()
	log := m.cfg.Logger.With("session_id", s.id)
	log.Info("pipeline: session started", "documents", len(s.docs))

	outcomes := make([]docOutcome, len(s.docs))

	stages := []struct {
		stage Stage
		run   func(context.Context, *session, []docOutcome)
	}{
		{StageClassify, m.stageClassify},
		{StageDrawings, m.stageDrawings},
		{StageAssemblies, m.stageAssemblies},
		{StageSpecs, m.stageSpecs},
	}

	for _, st := range stages {
		if s.isCancelled() {
			break
		}
		m.emit(s, st.stage, 0, string(st.stage)+" started", nil)
		st.run(ctx, s, outcomes)
	}

	m.aggregate(ctx, s, outcomes)
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// forEach runs fn over the selected documents on the bounded worker pool,
// emitting a progress event as each document completes. Timeouts and panics
// are converted into per-document errors; the pool itself never fails.
// Each fn gets a private copy of the document's outcome; only the pool
// worker merges it back, so a timed-out fn's writes are discarded.
func (m *Manager) forEach(s *session, stage Stage, outcomes []docOutcome, selected []int, fn func(ctx context.Context, i int, out *docOutcome) *DocumentError) {
	if len(selected) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)

	var mu sync.Mutex
	done := 0

	for _, i := range selected {
		g.Go(func() error {
			out, derr := m.runDoc(s.docs[i], stage, outcomes[i], fn, i)
			if derr != nil {
				out.err = derr
				m.cfg.Logger.Warn("pipeline: document failed",
					"session_id", s.id, "document_id", s.docs[i].ID,
					"stage", string(stage), "kind", string(derr.Kind), "error", derr.Message)
			}
			outcomes[i] = out

			mu.Lock()
			done++
			frac := float64(done) / float64(len(selected))
			n := done
			mu.Unlock()
			m.emit(s, stage, frac, fmt.Sprintf("%s: %d/%d documents", stage, n, len(selected)), nil)
			return nil
		})
	}
	g.Wait()
}

// docResult pairs a stage fn's private outcome with its error.
type docResult struct {
	out  docOutcome
	derr *DocumentError
}

// runDoc applies the per-document timeout and panic isolation around fn. fn
// mutates a scratch copy of seed; on timeout or panic the scratch is thrown
// away and the seed comes back unchanged, so a worker that outlives its
// deadline has nothing shared left to write to.
func (m *Manager) runDoc(doc Document, stage Stage, seed docOutcome, fn func(ctx context.Context, i int, out *docOutcome) *DocumentError, i int) (docOutcome, *DocumentError) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DocTimeout)
	defer cancel()

	done := make(chan docResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- docResult{out: seed, derr: &DocumentError{
					DocumentID: doc.ID, Stage: stage, Kind: ErrFailure,
					Message: fmt.Sprintf("panic: %v", r),
				}}
			}
		}()
		scratch := seed
		derr := fn(ctx, i, &scratch)
		done <- docResult{out: scratch, derr: derr}
	}()

	select {
	case res := <-done:
		return res.out, res.derr
	case <-ctx.Done():
		return seed, &DocumentError{
			DocumentID: doc.ID, Stage: stage, Kind: ErrTimeout,
			Message: fmt.Sprintf("document abandoned after %s", m.cfg.DocTimeout),
		}
	}
}

// emit appends one progress event. Percent is monotonically non-decreasing
// within the session; persistence failures are logged, never propagated.
func (m *Manager) emit(s *session, stage Stage, frac float64, message string, stats *FilterStats) {
	span := stageSpan[stage]
	pct := span[0] + int(frac*float64(span[1]-span[0]))

	// Clamp and append under the same lock so the log's seq order never
	// shows a percent regression.
	s.mu.Lock()
	if pct < s.lastPercent {
		pct = s.lastPercent
	}
	s.lastPercent = pct
	e := s.log.append(Event{Stage: stage, Percent: pct, Message: message, Stats: stats})
	s.mu.Unlock()

	if err := m.store.AppendEvent(context.Background(), s.id, e); err != nil {
		m.cfg.Logger.Warn("pipeline: event persist failed", "session_id", s.id, "error", err)
	}
}

// emitFinal appends the terminal event.
func (m *Manager) emitFinal(s *session, status Status, stats *FilterStats) {
	msg := "session " + string(status)
	e := s.log.append(Event{Stage: StageAggregate, Percent: 100, Message: msg, Stats: stats, Final: true})
	if err := m.store.AppendEvent(context.Background(), s.id, e); err != nil {
		m.cfg.Logger.Warn("pipeline: event persist failed", "session_id", s.id, "error", err)
	}
}

// ---------- stages ----------

// stageClassify classifies every page of every document. Assembly documents
// are classified too (their pages count toward filter stats) but are parsed
// from full text regardless of verdicts.
func (m *Manager) stageClassify(ctx context.Context, s *session, outcomes []docOutcome) {
	all := indexes(s.docs, func(Document) bool { return true })
	m.forEach(s, StageClassify, outcomes, all, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		doc := s.docs[i]
		if len(doc.Pages) == 0 {
			out.filteredOut = true
			return &DocumentError{
				DocumentID: doc.ID, Stage: StageClassify, Kind: ErrUnsupportedFormat,
				Message: "no extractable page text",
			}
		}
		out.pages = m.classifier.Pages(doc.Pages)
		for _, pc := range out.pages {
			if pc.Kept {
				out.keptPages = append(out.keptPages, pc.PageIndex)
			}
		}
		out.filteredOut = len(out.keptPages) == 0
		return nil
	})
}

// stageDrawings extracts roof-plan sheets from the kept pages of drawing
// documents and registers each sheet for review.
func (m *Manager) stageDrawings(ctx context.Context, s *session, outcomes []docOutcome) {
	sel := indexes(s.docs, func(d Document) bool { return d.Category == CategoryDrawing })
	m.extractSheets(ctx, s, StageDrawings, outcomes, sel)
}

// stageSpecs is the lightweight pattern-only sweep over spec sections and
// scope letters. It reuses the extractor unchanged.
func (m *Manager) stageSpecs(ctx context.Context, s *session, outcomes []docOutcome) {
	sel := indexes(s.docs, func(d Document) bool {
		return d.Category == CategorySpec || d.Category == CategoryScope
	})
	m.extractSheets(ctx, s, StageSpecs, outcomes, sel)
}

func (m *Manager) extractSheets(ctx context.Context, s *session, stage Stage, outcomes []docOutcome, sel []int) {
	// Documents that already failed or kept no pages were reported once at
	// classify; they are not re-run here.
	sel = runnable(outcomes, sel, true)
	m.forEach(s, stage, outcomes, sel, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		doc := s.docs[i]
		for _, page := range out.keptPages {
			sheet := m.extractor.Page(doc.ID, page, doc.Pages[page])
			key := workflow.Key{DocumentID: doc.ID, Index: page, Kind: workflow.KindSheet}
			if err := m.reviews.Init(ctx, key); err != nil {
				return &DocumentError{DocumentID: doc.ID, Stage: stage, Kind: ErrFailure, Message: err.Error()}
			}
			out.sheets = append(out.sheets, Sheet{RoofPlanSheet: *sheet, Workflow: workflow.StateDetected})
		}
		return nil
	})
}

// stageAssemblies parses each assembly document's full text into a layered
// system and registers it for review.
func (m *Manager) stageAssemblies(ctx context.Context, s *session, outcomes []docOutcome) {
	sel := runnable(outcomes, indexes(s.docs, func(d Document) bool { return d.Category == CategoryAssembly }), false)
	m.forEach(s, StageAssemblies, outcomes, sel, func(ctx context.Context, i int, out *docOutcome) *DocumentError {
		doc := s.docs[i]
		out.system = m.parser.Parse(doc.ID, strings.Join(doc.Pages, "\n"))
		key := workflow.Key{DocumentID: doc.ID, Index: 0, Kind: workflow.KindAssembly}
		if err := m.reviews.Init(ctx, key); err != nil {
			return &DocumentError{DocumentID: doc.ID, Stage: StageAssemblies, Kind: ErrFailure, Message: err.Error()}
		}
		return nil
	})
}

// aggregate builds the final result, emits the terminal event, and persists
// the session. Aggregation never blocks on any single document's failure;
// failed documents appear in Errors, successes everywhere else.
func (m *Manager) aggregate(ctx context.Context, s *session, outcomes []docOutcome) {
	status := StatusComplete
	if s.isCancelled() {
		status = StatusCancelled
	}

	r := &Result{SessionID: s.id, Status: status, Assemblies: []assembly.System{}, Errors: []DocumentError{}}
	scanned, kept := 0, 0

	for i, doc := range s.docs {
		out := outcomes[i]
		scanned += len(doc.Pages)
		kept += len(out.keptPages)

		dr := DocumentResult{
			DocumentID:  doc.ID,
			Name:        doc.Name,
			Category:    doc.Category,
			Pages:       out.pages,
			FilteredOut: out.filteredOut,
			RoofPlans:   out.sheets,
			Assembly:    out.system,
		}
		r.Documents = append(r.Documents, dr)

		if out.system != nil {
			r.Assemblies = append(r.Assemblies, *out.system)
		}
		if out.err != nil {
			r.Errors = append(r.Errors, *out.err)
		}
	}

	r.FilterStats = FilterStats{
		Scanned:        scanned,
		Kept:           kept,
		SavingsPercent: classify.SavingsPercent(kept, scanned),
	}

	s.mu.Lock()
	s.status = status
	s.result = r
	s.mu.Unlock()

	persisted := true
	if err := m.store.Finalize(ctx, s.id, status, r); err != nil {
		persisted = false
		m.cfg.Logger.Error("pipeline: finalize failed", "session_id", s.id, "error", err)
	}
	m.emitFinal(s, status, &r.FilterStats)

	// The store now serves Events and Result; keeping the finished session
	// in memory would pin every batch's documents and event log for the
	// life of the process. A session whose result failed to persist stays
	// reachable in memory.
	if persisted {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
	}

	m.cfg.Logger.Info("pipeline: session finished",
		"session_id", s.id, "status", string(status),
		"scanned", scanned, "kept", kept, "savings_percent", r.FilterStats.SavingsPercent,
		"errors", len(r.Errors))
}

// runnable drops documents that already carry an error, and optionally
// documents the filter discarded entirely. Assemblies parse from full text,
// so they skip on error only.
func runnable(outcomes []docOutcome, sel []int, skipFiltered bool) []int {
	var out []int
	for _, i := range sel {
		if outcomes[i].err != nil {
			continue
		}
		if skipFiltered && outcomes[i].filteredOut {
			continue
		}
		out = append(out, i)
	}
	return out
}

// indexes returns the positions of documents matching pred.
func indexes(docs []Document, pred func(Document) bool) []int {
	var out []int
	for i, d := range docs {
		if pred(d) {
			out = append(out, i)
		}
	}
	return out
}
