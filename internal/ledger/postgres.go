package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/commitment"
	"civicledger/internal/model"
	"civicledger/pkg/otel"
	"civicledger/pkg/outbox"
)

// PostgresStore persists the ledger in PostgreSQL. Every Update is one transaction
// that first locks the project row, so writes to one project are serialized by the
// database while unrelated projects proceed concurrently.
type PostgresStore struct {
	pool   *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

// NewPostgresStore 创建基于 PostgreSQL 的账本
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		outbox: outbox.NewRepository(pool),
		logger: logger,
	}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const lockProjectSQL = `SELECT id FROM projects WHERE id = $1 FOR UPDATE`

func (s *PostgresStore) Update(ctx context.Context, projectID int64, fn func(tx Tx) error) (err error) {
	// 一旦开始就必须完整提交或回滚，不受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Error("Failed to rollback ledger transaction", zap.Error(rbErr))
			}
		}
	}()

	if projectID != 0 {
		err = otel.TraceDB(ctx, "lock_project", lockProjectSQL, func(ctx context.Context) error {
			var id int64
			return tx.QueryRow(ctx, lockProjectSQL, projectID).Scan(&id)
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("project", projectID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock project %d: %w", projectID, err)
		}
	}

	if err = fn(&pgTx{tx: tx, store: s}); err != nil {
		return err
	}

	if err = otel.TraceDB(ctx, "commit", "COMMIT", tx.Commit); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProjectOfTender(ctx context.Context, tenderID int64) (int64, error) {
	var projectID int64
	err := s.pool.QueryRow(ctx, `SELECT project_id FROM tenders WHERE id = $1`, tenderID).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("tender", tenderID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tender %d: %w", tenderID, err)
	}
	return projectID, nil
}

func (s *PostgresStore) ProjectOfMilestone(ctx context.Context, milestoneID int64) (int64, error) {
	var projectID int64
	err := s.pool.QueryRow(ctx, `SELECT project_id FROM milestones WHERE id = $1`, milestoneID).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("milestone", milestoneID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve milestone %d: %w", milestoneID, err)
	}
	return projectID, nil
}

func (s *PostgresStore) Events(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, created_at
		FROM ledger_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			id        int64
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode ledger event %d: %w", id, err)
		}
		e.ID = id
		e.CreatedAt = createdAt
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Project(ctx context.Context, id int64) (*model.Project, error) {
	return getProject(ctx, s.pool, id)
}

func (s *PostgresStore) Tender(ctx context.Context, id int64) (*model.Tender, error) {
	return getTender(ctx, s.pool, id)
}

func (s *PostgresStore) Milestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return getMilestone(ctx, s.pool, id)
}

func (s *PostgresStore) TendersByProject(ctx context.Context, projectID int64) ([]*model.Tender, error) {
	return listTenders(ctx, s.pool, projectID)
}

func (s *PostgresStore) MilestonesByTender(ctx context.Context, tenderID int64) ([]*model.Milestone, error) {
	return listMilestones(ctx, s.pool, tenderID)
}

func (s *PostgresStore) EscrowBalance(ctx context.Context, projectID int64) (int64, error) {
	return escrowBalance(ctx, s.pool, projectID)
}

func (s *PostgresStore) Balance(ctx context.Context, id model.Identity) (int64, error) {
	return accountBalance(ctx, s.pool, id)
}

type pgTx struct {
	tx    pgx.Tx
	store *PostgresStore
}

func (t *pgTx) Project(ctx context.Context, id int64) (*model.Project, error) {
	return getProject(ctx, t.tx, id)
}

func (t *pgTx) Tender(ctx context.Context, id int64) (*model.Tender, error) {
	return getTender(ctx, t.tx, id)
}

func (t *pgTx) Milestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return getMilestone(ctx, t.tx, id)
}

func (t *pgTx) TendersByProject(ctx context.Context, projectID int64) ([]*model.Tender, error) {
	return listTenders(ctx, t.tx, projectID)
}

func (t *pgTx) MilestonesByTender(ctx context.Context, tenderID int64) ([]*model.Milestone, error) {
	return listMilestones(ctx, t.tx, tenderID)
}

func (t *pgTx) EscrowBalance(ctx context.Context, projectID int64) (int64, error) {
	return escrowBalance(ctx, t.tx, projectID)
}

func (t *pgTx) Balance(ctx context.Context, id model.Identity) (int64, error) {
	return accountBalance(ctx, t.tx, id)
}

func (t *pgTx) InsertProject(ctx context.Context, p *model.Project) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO projects (name, budget, admin, supervisor_commitment, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.Name, p.Budget, string(p.Admin), p.SupervisorCommitment.Bytes(), string(p.Status),
		p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTender(ctx context.Context, td *model.Tender) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO tenders (project_id, contractor_commitment, encrypted_data_ref, tender_doc_ref,
		                     quality_report_ref, status, revealed_contractor, last_approved_percentage,
		                     released_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, td.ProjectID, td.ContractorCommitment.Bytes(), td.EncryptedDataRef, td.TenderDocRef,
		td.QualityReportRef, string(td.Status), string(td.RevealedContractor), td.LastApprovedPercentage,
		td.ReleasedAmount, td.CreatedAt, td.UpdatedAt,
	).Scan(&td.ID)
	if err != nil {
		return fmt.Errorf("failed to insert tender: %w", err)
	}
	return nil
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *model.Milestone) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO milestones (tender_id, project_id, percentage, proof_images_ref, architecture_ref,
		                        quality_metrics_commitment, gps_lat, gps_lng, captured_at, status,
		                        released_amount, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, m.TenderID, m.ProjectID, m.Percentage, m.ProofImagesRef, m.ArchitectureRef,
		m.QualityMetricsCommitment.Bytes(), m.GPS.Lat, m.GPS.Lng, m.CapturedAt, string(m.Status), m.ReleasedAmount,
		m.SubmittedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to insert milestone: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateProject(ctx context.Context, p *model.Project) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE projects SET status = $2, updated_at = $3 WHERE id = $1
	`, p.ID, string(p.Status), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("project", p.ID)
	}
	return nil
}

func (t *pgTx) UpdateTender(ctx context.Context, td *model.Tender) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tenders
		SET status = $2, revealed_contractor = $3, last_approved_percentage = $4,
		    released_amount = $5, updated_at = $6
		WHERE id = $1
	`, td.ID, string(td.Status), string(td.RevealedContractor), td.LastApprovedPercentage,
		td.ReleasedAmount, td.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update tender %d: %w", td.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("tender", td.ID)
	}
	return nil
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *model.Milestone) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE milestones SET status = $2, released_amount = $3, updated_at = $4 WHERE id = $1
	`, m.ID, string(m.Status), m.ReleasedAmount, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update milestone %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("milestone", m.ID)
	}
	return nil
}

func (t *pgTx) Deposit(ctx context.Context, projectID int64, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "ledger.Deposit", "amount must be positive, got %d", amount)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE projects SET escrow_balance = escrow_balance + $2 WHERE id = $1
	`, projectID, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit into project %d: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("project", projectID)
	}
	return nil
}

func (t *pgTx) Release(ctx context.Context, projectID int64, to model.Identity, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidArgument, "ledger.Release", "amount must be positive, got %d", amount)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE projects SET escrow_balance = escrow_balance - $2
		WHERE id = $1 AND escrow_balance >= $2
	`, projectID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit escrow of project %d: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		held, err := escrowBalance(ctx, t.tx, projectID)
		if err != nil {
			return err
		}
		return apperr.New(apperr.KindInsufficientFunds, "ledger.Release",
			"escrow of project %d holds %d, release needs %d", projectID, held, amount)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO accounts (identity, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity)
		DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`, string(to), amount)
	if err != nil {
		return fmt.Errorf("failed to credit account %s: %w", to, err)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, e *model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ledger event: %w", err)
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO ledger_events (kind, project_id, aggregate_id, actor, amount, payload, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, string(e.Kind), e.ProjectID, e.AggregateID, string(e.Actor), e.Amount, payload, e.TraceID,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger event: %w", err)
	}

	return outbox.InsertEventInTx(ctx, t.tx, t.store.outbox, outbox.Message{
		AggregateType: e.Kind.Aggregate(),
		AggregateID:   e.AggregateID,
		RoutingKey:    string(e.Kind),
		Payload:       e,
	})
}

const projectColumns = `id, name, budget, admin, supervisor_commitment, status, created_at, updated_at`

func getProject(ctx context.Context, q querier, id int64) (*model.Project, error) {
	var (
		p          model.Project
		admin      string
		status     string
		supervisor []byte
	)
	err := q.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.Budget, &admin, &supervisor, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", id, err)
	}
	if p.SupervisorCommitment, err = commitment.FromBytes(supervisor); err != nil {
		return nil, fmt.Errorf("project %d: %w", id, err)
	}
	p.Admin = model.Identity(admin)
	p.Status = model.ProjectStatus(status)
	return &p, nil
}

const tenderColumns = `id, project_id, contractor_commitment, encrypted_data_ref, tender_doc_ref,
	quality_report_ref, status, revealed_contractor, last_approved_percentage, released_amount,
	created_at, updated_at`

func scanTender(row pgx.Row) (*model.Tender, error) {
	var (
		t          model.Tender
		contractor []byte
		status     string
		revealed   string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &contractor, &t.EncryptedDataRef, &t.TenderDocRef,
		&t.QualityReportRef, &status, &revealed, &t.LastApprovedPercentage, &t.ReleasedAmount,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.ContractorCommitment, err = commitment.FromBytes(contractor); err != nil {
		return nil, fmt.Errorf("tender %d: %w", t.ID, err)
	}
	t.Status = model.TenderStatus(status)
	t.RevealedContractor = model.Identity(revealed)
	return &t, nil
}

func getTender(ctx context.Context, q querier, id int64) (*model.Tender, error) {
	t, err := scanTender(q.QueryRow(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("tender", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tender %d: %w", id, err)
	}
	return t, nil
}

func listTenders(ctx context.Context, q querier, projectID int64) ([]*model.Tender, error) {
	rows, err := q.Query(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenders of project %d: %w", projectID, err)
	}
	defer rows.Close()

	var out []*model.Tender
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tender: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const milestoneColumns = `id, tender_id, project_id, percentage, proof_images_ref, architecture_ref,
	quality_metrics_commitment, gps_lat, gps_lng, captured_at, status, released_amount, submitted_at, updated_at`

func scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var (
		m       model.Milestone
		quality []byte
		status  string
	)
	err := row.Scan(&m.ID, &m.TenderID, &m.ProjectID, &m.Percentage, &m.ProofImagesRef,
		&m.ArchitectureRef, &quality, &m.GPS.Lat, &m.GPS.Lng, &m.CapturedAt, &status, &m.ReleasedAmount,
		&m.SubmittedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if m.QualityMetricsCommitment, err = commitment.FromBytes(quality); err != nil {
		return nil, fmt.Errorf("milestone %d: %w", m.ID, err)
	}
	m.Status = model.MilestoneStatus(status)
	return &m, nil
}

func getMilestone(ctx context.Context, q querier, id int64) (*model.Milestone, error) {
	m, err := scanMilestone(q.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("milestone", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get milestone %d: %w", id, err)
	}
	return m, nil
}

func listMilestones(ctx context.Context, q querier, tenderID int64) ([]*model.Milestone, error) {
	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE tender_id = $1 ORDER BY id`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones of tender %d: %w", tenderID, err)
	}
	defer rows.Close()

	var out []*model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func escrowBalance(ctx context.Context, q querier, projectID int64) (int64, error) {
	var held int64
	err := q.QueryRow(ctx, `SELECT escrow_balance FROM projects WHERE id = $1`, projectID).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("project", projectID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read escrow of project %d: %w", projectID, err)
	}
	return held, nil
}

func accountBalance(ctx context.Context, q querier, id model.Identity) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT balance FROM accounts WHERE identity = $1`, string(id)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of %s: %w", id, err)
	}
	return balance, nil
}
