package ledger

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/model"
	"civicledger/pkg/trace"
)

// Publisher forwards committed events to the read-side mirror.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// MemoryStore keeps the ledger in process memory. One mutex per project serializes
// transactions on that project; commits are applied under the store lock.
type MemoryStore struct {
	mu         sync.RWMutex
	projects   map[int64]*model.Project
	tenders    map[int64]*model.Tender
	milestones map[int64]*model.Milestone
	escrow     map[int64]int64
	accounts   map[model.Identity]int64
	events     []model.Event

	nextProject   int64
	nextTender    int64
	nextMilestone int64
	nextEvent     int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	publisher Publisher
	logger    *zap.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithPublisher forwards every committed event to pub. Publish failures are logged
// and never fail the transaction.
func WithPublisher(pub Publisher) MemoryOption {
	return func(s *MemoryStore) { s.publisher = pub }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// NewMemoryStore 创建内存账本
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		projects:   make(map[int64]*model.Project),
		tenders:    make(map[int64]*model.Tender),
		milestones: make(map[int64]*model.Milestone),
		escrow:     make(map[int64]int64),
		accounts:   make(map[model.Identity]int64),
		locks:      make(map[int64]*sync.Mutex),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) projectLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) Update(ctx context.Context, projectID int64, fn func(tx Tx) error) error {
	if projectID != 0 {
		s.mu.RLock()
		_, ok := s.projects[projectID]
		s.mu.RUnlock()
		if !ok {
			return apperr.New(apperr.KindNotFound, "ledger.Update", "project %d does not exist", projectID)
		}
		l := s.projectLock(projectID)
		l.Lock()
		defer l.Unlock()
	}

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	committed := s.commit(tx)
	s.publish(ctx, committed)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range tx.projects {
		s.projects[id] = p
	}
	for id, t := range tx.tenders {
		s.tenders[id] = t
	}
	for id, m := range tx.milestones {
		s.milestones[id] = m
	}
	for id, delta := range tx.escrowDelta {
		s.escrow[id] += delta
	}
	for id, delta := range tx.accountDelta {
		s.accounts[id] += delta
	}

	committed := make([]model.Event, 0, len(tx.events))
	for _, e := range tx.events {
		s.nextEvent++
		e.ID = s.nextEvent
		s.events = append(s.events, e)
		committed = append(committed, e)
	}
	return committed
}

func (s *MemoryStore) publish(ctx context.Context, events []model.Event) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		if err := s.publisher.PublishWithContext(ctx, string(e.Kind), e); err != nil {
			s.logger.Warn("Failed to publish ledger event",
				zap.Int64("event_id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.String(trace.TraceIDField, e.TraceID),
				zap.Error(err),
			)
		}
	}
}

func (s *MemoryStore) ProjectOfTender(ctx context.Context, tenderID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenders[tenderID]
	if !ok {
		return 0, notFound("tender", tenderID)
	}
	return t.ProjectID, nil
}

func (s *MemoryStore) ProjectOfMilestone(ctx context.Context, milestoneID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[milestoneID]
	if !ok {
		return 0, notFound("milestone", milestoneID)
	}
	return m.ProjectID, nil
}

func (s *MemoryStore) Events(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for _, e := range s.events {
		if e.ID <= afterID {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Project(ctx context.Context, id int64) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project(id)
}

func (s *MemoryStore) project(id int64) (*model.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Tender(ctx context.Context, id int64) (*model.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tender(id)
}

func (s *MemoryStore) tender(id int64) (*model.Tender, error) {
	t, ok := s.tenders[id]
	if !ok {
		return nil, notFound("tender", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Milestone(ctx context.Context, id int64) (*model.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.milestone(id)
}

func (s *MemoryStore) milestone(id int64) (*model.Milestone, error) {
	m, ok := s.milestones[id]
	if !ok {
		return nil, notFound("milestone", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) TendersByProject(ctx context.Context, projectID int64) ([]*model.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tendersByProject(projectID), nil
}

func (s *MemoryStore) tendersByProject(projectID int64) []*model.Tender {
	var out []*model.Tender
	for _, t := range s.tenders {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) MilestonesByTender(ctx context.Context, tenderID int64) ([]*model.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.milestonesByTender(tenderID), nil
}

func (s *MemoryStore) milestonesByTender(tenderID int64) []*model.Milestone {
	var out []*model.Milestone
	for _, m := range s.milestones {
		if m.TenderID == tenderID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) EscrowBalance(ctx context.Context, projectID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return 0, notFound("project", projectID)
	}
	return s.escrow[projectID], nil
}

func (s *MemoryStore) Balance(ctx context.Context, id model.Identity) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id], nil
}

// Snapshot returns a deep copy of the live projection.
func (s *MemoryStore) Snapshot() *Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := NewProjection()
	for id, v := range s.projects {
		cp := *v
		p.Projects[id] = &cp
	}
	for id, v := range s.tenders {
		cp := *v
		p.Tenders[id] = &cp
	}
	for id, v := range s.milestones {
		cp := *v
		p.Milestones[id] = &cp
	}
	for id, v := range s.escrow {
		p.Escrow[id] = v
	}
	for id, v := range s.accounts {
		p.Balances[id] = v
	}
	if n := len(s.events); n > 0 {
		p.LastEvent = s.events[n-1].ID
	}
	return p
}

// memTx stages writes; reads fall through to the committed state.
type memTx struct {
	s            *MemoryStore
	projects     map[int64]*model.Project
	tenders      map[int64]*model.Tender
	milestones   map[int64]*model.Milestone
	escrowDelta  map[int64]int64
	accountDelta map[model.Identity]int64
	events       []model.Event
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:            s,
		projects:     make(map[int64]*model.Project),
		tenders:      make(map[int64]*model.Tender),
		milestones:   make(map[int64]*model.Milestone),
		escrowDelta:  make(map[int64]int64),
		accountDelta: make(map[model.Identity]int64),
	}
}

func (tx *memTx) Project(ctx context.Context, id int64) (*model.Project, error) {
	if p, ok := tx.projects[id]; ok {
		cp := *p
		return &cp, nil
	}
	return tx.s.Project(ctx, id)
}

func (tx *memTx) Tender(ctx context.Context, id int64) (*model.Tender, error) {
	if t, ok := tx.tenders[id]; ok {
		cp := *t
		return &cp, nil
	}
	return tx.s.Tender(ctx, id)
}

func (tx *memTx) Milestone(ctx context.Context, id int64) (*model.Milestone, error) {
	if m, ok := tx.milestones[id]; ok {
		cp := *m
		return &cp, nil
	}
	return tx.s.Milestone(ctx, id)
}

func (tx *memTx) TendersByProject(ctx context.Context, projectID int64) ([]*model.Tender, error) {
	committed, _ := tx.s.TendersByProject(ctx, projectID)
	merged := make(map[int64]*model.Tender, len(committed))
	for _, t := range committed {
		merged[t.ID] = t
	}
	for id, t := range tx.tenders {
		if t.ProjectID == projectID {
			cp := *t
			merged[id] = &cp
		}
	}
	out := make([]*model.Tender, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) MilestonesByTender(ctx context.Context, tenderID int64) ([]*model.Milestone, error) {
	committed, _ := tx.s.MilestonesByTender(ctx, tenderID)
	merged := make(map[int64]*model.Milestone, len(committed))
	for _, m := range committed {
		merged[m.ID] = m
	}
	for id, m := range tx.milestones {
		if m.TenderID == tenderID {
			cp := *m
			merged[id] = &cp
		}
	}
	out := make([]*model.Milestone, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) EscrowBalance(ctx context.Context, projectID int64) (int64, error) {
	if _, staged := tx.projects[projectID]; staged {
		tx.s.mu.RLock()
		committed := tx.s.escrow[projectID]
		tx.s.mu.RUnlock()
		return committed + tx.escrowDelta[projectID], nil
	}
	committed, err := tx.s.EscrowBalance(ctx, projectID)
	if err != nil {
		return 0, err
	}
	return committed + tx.escrowDelta[projectID], nil
}

func (tx *memTx) Balance(ctx context.Context, id model.Identity) (int64, error) {
	committed, _ := tx.s.Balance(ctx, id)
	return committed + tx.accountDelta[id], nil
}

func (tx *memTx) InsertProject(ctx context.Context, p *model.Project) error {
	tx.s.mu.Lock()
	tx.s.nextProject++
	p.ID = tx.s.nextProject
	tx.s.mu.Unlock()

	cp := *p
	tx.projects[p.ID] = &cp
	return nil
}

func (tx *memTx) InsertTender(ctx context.Context, t *model.Tender) error {
	if _, err := tx.Project(ctx, t.ProjectID); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.nextTender++
	t.ID = tx.s.nextTender
	tx.s.mu.Unlock()

	cp := *t
	tx.tenders[t.ID] = &cp
	return nil
}

func (tx *memTx) InsertMilestone(ctx context.Context, m *model.Milestone) error {
	if _, err := tx.Tender(ctx, m.TenderID); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.nextMilestone++
	m.ID = tx.s.nextMilestone
	tx.s.mu.Unlock()

	cp := *m
	tx.milestones[m.ID] = &cp
	return nil
}

func (tx *memTx) UpdateProject(ctx context.Context, p *model.Project) error {
	if _, err := tx.Project(ctx, p.ID); err != nil {
		return err
	}
	cp := *p
	tx.projects[p.ID] = &cp
	return nil
}

func (tx *memTx) UpdateTender(ctx context.Context, t *model.Tender) error {
	if _, err := tx.Tender(ctx, t.ID); err != nil {
		return err
	}
	cp := *t
	tx.tenders[t.ID] = &cp
	return nil
}

func (tx *memTx) UpdateMilestone(ctx context.Context, m *model.Milestone) error {
	if _, err := tx.Milestone(ctx, m.ID); err != nil {
		return err
	}
	cp := *m
	tx.milestones[m.ID] = &cp
	return nil
}

func (tx *memTx) Deposit(ctx context.Context, projectID int64, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "ledger.Deposit", "amount must be positive, got %d", amount)
	}
	if _, err := tx.Project(ctx, projectID); err != nil {
		return err
	}
	tx.escrowDelta[projectID] += amount
	return nil
}

func (tx *memTx) Release(ctx context.Context, projectID int64, to model.Identity, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "ledger.Release", "amount must be positive, got %d", amount)
	}
	held, err := tx.EscrowBalance(ctx, projectID)
	if err != nil {
		return err
	}
	if held < amount {
		return apperr.New(apperr.KindInsufficientFunds, "ledger.Release",
			"escrow of project %d holds %d, release needs %d", projectID, held, amount)
	}
	tx.escrowDelta[projectID] -= amount
	tx.accountDelta[to] += amount
	return nil
}

func (tx *memTx) Append(ctx context.Context, e *model.Event) error {
	tx.events = append(tx.events, cloneEvent(*e))
	return nil
}

func cloneEvent(e model.Event) model.Event {
	if e.Project != nil {
		cp := *e.Project
		e.Project = &cp
	}
	if e.Tender != nil {
		cp := *e.Tender
		e.Tender = &cp
	}
	if e.Milestone != nil {
		cp := *e.Milestone
		e.Milestone = &cp
	}
	return e
}

func notFound(entity string, id int64) error {
	return apperr.New(apperr.KindNotFound, "ledger", "%s %d does not exist", entity, id)
}
