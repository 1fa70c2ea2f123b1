package store_sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/georgysavva/scany/v2/sqlscan"
)

// timestampLayout is fixed width so text comparison orders chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timestampLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timestampLayout, s) }

type runRow struct {
	RunID              string
	State              string
	SourceRepository   string
	SourceRevision     string
	BuildNumber        string
	ArtifactID         string
	ArtifactRepository string
	ArtifactTag        string
	Failure            *string
	CommitSHA          string `db:"commit_sha"`
	CommitBranch       string
	PendingConvergence bool
	ResumedFrom        string
	Cancelled          bool
	History            string
	CreatedOn          string
	UpdatedOn          string
	EndedOn            *string
}

type gateRow struct {
	RunID       string
	Position    int
	Gate        string
	Outcome     string
	Required    bool
	Attempts    int
	Diagnostic  string
	StartedOn   string
	DurationMs  int64
	EvaluatedOn string
}

type envRow struct {
	RunID         string
	Environment   string
	DesiredImage  string
	ObservedImage string
	Phase         string
	Replicas      int32
	ReadyReplicas int32
	Reason        string
	Generation    int64
	UpdatedOn     string
}

// RunSQLiteStore persists PipelineRuns with their gate results and
// environment snapshots.
type RunSQLiteStore struct {
	db *sql.DB
}

func NewRunSQLiteStore(db *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{db: db}
}

// SaveRun replaces the stored copy of run.
func (s *RunSQLiteStore) SaveRun(ctx context.Context, run domain.PipelineRun) error {
	row, err := toRow(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `insert into runs (
		run_id, state, source_repository, source_revision, build_number,
		artifact_id, artifact_repository, artifact_tag, failure,
		commit_sha, commit_branch, pending_convergence, resumed_from, cancelled,
		history, created_on, updated_on, ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	on conflict (run_id) do update set
		state = excluded.state,
		source_repository = excluded.source_repository,
		source_revision = excluded.source_revision,
		build_number = excluded.build_number,
		artifact_id = excluded.artifact_id,
		artifact_repository = excluded.artifact_repository,
		artifact_tag = excluded.artifact_tag,
		failure = excluded.failure,
		commit_sha = excluded.commit_sha,
		commit_branch = excluded.commit_branch,
		pending_convergence = excluded.pending_convergence,
		resumed_from = excluded.resumed_from,
		cancelled = excluded.cancelled,
		history = excluded.history,
		updated_on = excluded.updated_on,
		ended_on = excluded.ended_on`
	if _, err := tx.ExecContext(ctx, query,
		row.RunID, row.State, row.SourceRepository, row.SourceRevision, row.BuildNumber,
		row.ArtifactID, row.ArtifactRepository, row.ArtifactTag, row.Failure,
		row.CommitSHA, row.CommitBranch, row.PendingConvergence, row.ResumedFrom, row.Cancelled,
		row.History, row.CreatedOn, row.UpdatedOn, row.EndedOn,
	); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "delete from gate_results where run_id = $1", run.ID); err != nil {
		return err
	}
	for i, g := range run.Gates {
		diag, err := json.Marshal(g.Diagnostic)
		if err != nil {
			return fmt.Errorf("encode diagnostic of gate %s: %w", g.Gate, err)
		}
		if _, err := tx.ExecContext(ctx, `insert into gate_results (
			run_id, position, gate, outcome, required, attempts, diagnostic, started_on, duration_ms, evaluated_on
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, i, g.Gate, string(g.Outcome), g.Required, g.Attempts, string(diag),
			formatTime(g.StartedAt), g.Duration.Milliseconds(), formatTime(g.EvaluatedAt),
		); err != nil {
			return fmt.Errorf("save gate %s: %w", g.Gate, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "delete from env_snapshots where run_id = $1", run.ID); err != nil {
		return err
	}
	for name, st := range run.Environments {
		if _, err := tx.ExecContext(ctx, `insert into env_snapshots (
			run_id, environment, desired_image, observed_image, phase, replicas, ready_replicas, reason, generation, updated_on
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, name, st.DesiredImage, st.ObservedImage, string(st.Phase),
			st.Replicas, st.ReadyReplicas, st.Reason, st.Generation, formatTime(st.UpdatedAt),
		); err != nil {
			return fmt.Errorf("save environment %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (s *RunSQLiteStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	var row runRow
	if err := sqlscan.Get(ctx, s.db, &row, "select * from runs where run_id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PipelineRun{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return domain.PipelineRun{}, err
	}
	return s.load(ctx, row)
}

// ListRuns returns the most recent runs first.
func (s *RunSQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	if err := sqlscan.Select(ctx, s.db, &rows, "select * from runs order by created_on desc limit $1", limit); err != nil {
		return nil, err
	}
	out := make([]domain.PipelineRun, 0, len(rows))
	for _, row := range rows {
		r, err := s.load(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRunsBefore removes terminal runs that ended before the cutoff.
func (s *RunSQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"delete from runs where ended_on is not null and ended_on < $1", formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *RunSQLiteStore) load(ctx context.Context, row runRow) (domain.PipelineRun, error) {
	run, err := fromRow(row)
	if err != nil {
		return domain.PipelineRun{}, err
	}

	var gates []gateRow
	if err := sqlscan.Select(ctx, s.db, &gates,
		"select * from gate_results where run_id = $1 order by position", row.RunID); err != nil {
		return domain.PipelineRun{}, err
	}
	for _, g := range gates {
		res := domain.GateResult{
			Gate:     g.Gate,
			Outcome:  domain.GateOutcome(g.Outcome),
			Required: g.Required,
			Attempts: g.Attempts,
			Duration: time.Duration(g.DurationMs) * time.Millisecond,
		}
		if err := json.Unmarshal([]byte(g.Diagnostic), &res.Diagnostic); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode diagnostic of gate %s: %w", g.Gate, err)
		}
		if res.StartedAt, err = parseTime(g.StartedOn); err != nil {
			return domain.PipelineRun{}, err
		}
		if res.EvaluatedAt, err = parseTime(g.EvaluatedOn); err != nil {
			return domain.PipelineRun{}, err
		}
		run.Gates = append(run.Gates, res)
	}

	var envs []envRow
	if err := sqlscan.Select(ctx, s.db, &envs,
		"select * from env_snapshots where run_id = $1", row.RunID); err != nil {
		return domain.PipelineRun{}, err
	}
	for _, e := range envs {
		st := domain.DeploymentStatus{
			Environment:   e.Environment,
			DesiredImage:  e.DesiredImage,
			ObservedImage: e.ObservedImage,
			Phase:         domain.Phase(e.Phase),
			Replicas:      e.Replicas,
			ReadyReplicas: e.ReadyReplicas,
			Reason:        e.Reason,
			Generation:    e.Generation,
		}
		if st.UpdatedAt, err = parseTime(e.UpdatedOn); err != nil {
			return domain.PipelineRun{}, err
		}
		run.Environments[e.Environment] = st
	}
	return run, nil
}

func toRow(run domain.PipelineRun) (runRow, error) {
	row := runRow{
		RunID:              run.ID,
		State:              string(run.State),
		SourceRepository:   run.Source.Repository,
		SourceRevision:     run.Source.Revision,
		BuildNumber:        run.Source.BuildNumber,
		ArtifactID:         run.Artifact.ID(),
		ArtifactRepository: run.Artifact.Repository(),
		ArtifactTag:        run.Artifact.Tag(),
		PendingConvergence: run.PendingConvergence,
		ResumedFrom:        run.ResumedFrom,
		Cancelled:          run.Cancelled,
		CreatedOn:          formatTime(run.CreatedAt),
		UpdatedOn:          formatTime(run.UpdatedAt),
	}
	if run.Failure != nil {
		b, err := json.Marshal(run.Failure)
		if err != nil {
			return runRow{}, err
		}
		f := string(b)
		row.Failure = &f
	}
	if run.Commit != nil {
		row.CommitSHA = run.Commit.SHA
		row.CommitBranch = run.Commit.Branch
	}
	history := run.History
	if history == nil {
		history = []domain.Transition{}
	}
	b, err := json.Marshal(history)
	if err != nil {
		return runRow{}, err
	}
	row.History = string(b)
	if run.EndedAt != nil {
		e := formatTime(*run.EndedAt)
		row.EndedOn = &e
	}
	return row, nil
}

func fromRow(row runRow) (domain.PipelineRun, error) {
	run := domain.PipelineRun{
		ID:    row.RunID,
		State: domain.RunState(row.State),
		Source: domain.SourceRef{
			Repository:  row.SourceRepository,
			Revision:    row.SourceRevision,
			BuildNumber: row.BuildNumber,
		},
		Environments:       make(map[string]domain.DeploymentStatus),
		PendingConvergence: row.PendingConvergence,
		ResumedFrom:        row.ResumedFrom,
		Cancelled:          row.Cancelled,
	}
	if row.ArtifactID != "" {
		a, err := domain.NewArtifactReference(row.ArtifactID, row.ArtifactRepository, row.ArtifactTag)
		if err != nil {
			return domain.PipelineRun{}, fmt.Errorf("stored artifact of run %s: %w", row.RunID, err)
		}
		run.Artifact = a
	}
	if row.Failure != nil {
		var f domain.Failure
		if err := json.Unmarshal([]byte(*row.Failure), &f); err != nil {
			return domain.PipelineRun{}, err
		}
		run.Failure = &f
	}
	if row.CommitSHA != "" {
		run.Commit = &domain.CommitRef{SHA: row.CommitSHA, Branch: row.CommitBranch}
	}
	if err := json.Unmarshal([]byte(row.History), &run.History); err != nil {
		return domain.PipelineRun{}, err
	}
	if len(run.History) == 0 {
		run.History = nil
	}

	var err error
	if run.CreatedAt, err = parseTime(row.CreatedOn); err != nil {
		return domain.PipelineRun{}, err
	}
	if run.UpdatedAt, err = parseTime(row.UpdatedOn); err != nil {
		return domain.PipelineRun{}, err
	}
	if row.EndedOn != nil {
		e, err := parseTime(*row.EndedOn)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		run.EndedAt = &e
	}
	return run, nil
}
