package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"commitline/internal/config"
	"commitline/internal/db"
	"commitline/internal/domain"
	"commitline/internal/events"
	"commitline/internal/metrics"
	"commitline/internal/repo"
)

type Engine struct {
	DB      db.Conn
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(conn db.Conn, cfg *config.Config) Engine {
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{Dialect: conn.Dialect},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) chainPolicy() string {
	if e.Config == nil || e.Config.Orchestration.ChainPolicy == "" {
		return config.ChainGlobal
	}
	return e.Config.Orchestration.ChainPolicy
}

func (e Engine) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"code", string(CodeOf(err)),
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	e.logger().Error("orchestration failed", fields...)
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// OrchestrateOptions identify one run request.
type OrchestrateOptions struct {
	CommitmentID string
	// TenantID, when set, is the caller's tenant; commitments of any other
	// tenant are reported as not found.
	TenantID string
	// ActorID is recorded on events; empty means the system.
	ActorID string
}

// Commitment loads a live commitment visible to tenantID (any tenant when empty).
func (e Engine) Commitment(ctx context.Context, commitmentID, tenantID string) (domain.Commitment, error) {
	id := strings.TrimSpace(commitmentID)
	if id == "" {
		return domain.Commitment{}, invalidInput("commitment_id is required", nil)
	}
	c, err := e.Repo.GetCommitment(ctx, e.DB, id)
	if err != nil {
		if isNotFound(err) {
			return c, notFound("commitment "+id, err)
		}
		return c, storeRead("load commitment", err)
	}
	if tenantID != "" && c.TenantID != tenantID {
		return domain.Commitment{}, notFound("commitment "+id, repo.ErrNotFound)
	}
	return c, nil
}

// Orchestrate expands an active commitment into deliverables and their
// dependency chain exactly once. Repeated calls for the same commitment are
// skipped, not failed.
func (e Engine) Orchestrate(ctx context.Context, opts OrchestrateOptions) (res Result, err error) {
	if e.Events.Now == nil {
		e.Events.Now = e.now
	}
	started := e.now()
	defer func() {
		outcome := res.Outcome()
		if err != nil {
			outcome = string(CodeOf(err))
		}
		e.Metrics.ObserveRun(outcome, res.DeliverablesCreated, res.DependenciesCreated, e.now().Sub(started))
	}()

	c, err := e.Commitment(ctx, opts.CommitmentID, opts.TenantID)
	if err != nil {
		if CodeOf(err) == CodeStoreRead {
			e.logError("load_commitment_failed", err, "commitment_id", opts.CommitmentID)
		}
		return Result{}, err
	}
	log := e.logger().With("tenant_id", c.TenantID, "commitment_id", c.ID)
	if c.Status != domain.CommitmentActive {
		log.Info("orchestration skipped", "reason", ReasonNotActive, "status", c.Status)
		return skipped(c.TenantID, c.ID, ReasonNotActive), nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, e.logError("begin_tx_failed", storeWrite("begin transaction", err), "tenant_id", c.TenantID, "commitment_id", c.ID)
	}
	defer tx.Rollback()

	policy := e.chainPolicy()
	run := domain.OrchestrationRun{
		ID:           uuid.NewString(),
		TenantID:     c.TenantID,
		CommitmentID: c.ID,
		Status:       "running",
		ChainPolicy:  policy,
		StartedAt:    e.timestamp(),
	}
	if opts.ActorID != "" {
		actor := opts.ActorID
		run.ActorID = &actor
	}
	claimed, err := e.claim(ctx, tx, run)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		log.Info("orchestration skipped", "reason", ReasonAlreadyGenerated)
		return skipped(c.TenantID, c.ID, ReasonAlreadyGenerated), nil
	}

	plans, err := e.resolve(ctx, tx, c)
	if err != nil {
		if CodeOf(err) != CodeInvalidInput {
			e.logError("resolve_failed", err, "tenant_id", c.TenantID, "commitment_id", c.ID)
		}
		return Result{}, err
	}
	deliverables, err := e.expand(ctx, tx, c, plans, opts.ActorID)
	if err != nil {
		return Result{}, err
	}
	edges := Chain(policy, deliverables)
	linked, err := e.link(ctx, tx, c.TenantID, deliverables, edges)
	if err != nil {
		return Result{}, err
	}

	payload := events.EventPayload{
		"deliverables": len(deliverables),
		"dependencies": linked,
		"chain_policy": policy,
		"run_id":       run.ID,
	}
	switch {
	case len(plans) == 0:
		payload["reason"] = "no_items"
	case len(deliverables) == 0:
		payload["reason"] = "no_deliverables"
	}
	if err := e.Events.Append(ctx, tx, events.DeliverablesGenerated, c.TenantID, events.SubjectCommitment, c.ID, opts.ActorID, payload); err != nil {
		return Result{}, e.logError("append_commitment_event_failed", storeWrite("append commitment event", err), "tenant_id", c.TenantID, "commitment_id", c.ID)
	}
	if err := e.Repo.CompleteRun(ctx, tx, run.ID, len(deliverables), linked, e.timestamp()); err != nil {
		return Result{}, e.logError("complete_run_failed", storeWrite("complete run", err), "tenant_id", c.TenantID, "commitment_id", c.ID)
	}
	if err := tx.Commit(); err != nil {
		if db.IsUniqueViolation(err) {
			log.Info("orchestration skipped", "reason", ReasonAlreadyGenerated)
			return skipped(c.TenantID, c.ID, ReasonAlreadyGenerated), nil
		}
		return Result{}, e.logError("commit_failed", storeWrite("commit", err), "tenant_id", c.TenantID, "commitment_id", c.ID)
	}

	res = Result{
		TenantID:            c.TenantID,
		CommitmentID:        c.ID,
		RunID:               run.ID,
		DeliverablesCreated: len(deliverables),
		DependenciesCreated: linked,
	}
	log.Info("orchestration completed", "run_id", run.ID, "deliverables", res.DeliverablesCreated, "dependencies", res.DependenciesCreated, "chain_policy", policy)
	return res, nil
}

// claim inserts the run marker. Losing the unique (tenant, commitment) race,
// or finding deliverables written before markers existed, reports false.
func (e Engine) claim(ctx context.Context, q db.Querier, run domain.OrchestrationRun) (bool, error) {
	if err := e.Repo.InsertRun(ctx, q, run); err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, e.logError("insert_run_failed", storeWrite("insert orchestration run", err), "tenant_id", run.TenantID, "commitment_id", run.CommitmentID)
	}
	exists, err := e.Repo.HasDeliverables(ctx, q, run.TenantID, run.CommitmentID)
	if err != nil {
		return false, e.logError("check_deliverables_failed", storeRead("check existing deliverables", err), "tenant_id", run.TenantID, "commitment_id", run.CommitmentID)
	}
	return !exists, nil
}
