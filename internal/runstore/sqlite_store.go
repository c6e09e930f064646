// Package runstore provides persistent storage for aggregation job state and
// results using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of an aggregation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobParams contains the parameters of an aggregation job. Nil overrides
// fall back to the server configuration.
type JobParams struct {
	DatasetID string   `json:"dataset_id"`
	Clusters  []string `json:"clusters,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Precision *int     `json:"precision,omitempty"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// SkippedCluster records a cluster left out of a job's results.
type SkippedCluster struct {
	Cluster string `json:"cluster"`
	Members int    `json:"members"`
}

// Job represents an aggregation job.
type Job struct {
	ID           string           `json:"job_id"`
	DatasetID    string           `json:"dataset_id"`
	Status       JobStatus        `json:"status"`
	Params       JobParams        `json:"params"`
	Progress     JobProgress      `json:"progress"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Genes        int              `json:"genes"`
	Clusters     int              `json:"clusters"`
	MissingCells int              `json:"missing_cells"`
	Skipped      []SkippedCluster `json:"skipped,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ClusterRows holds one cluster's statistics in gene order.
type ClusterRows struct {
	Cluster string
	Cells   int
	Mean    []float64
	Percent []float64
}

// ClusterInfo describes a cluster stored for a job.
type ClusterInfo struct {
	Cluster string `json:"cluster"`
	Cells   int    `json:"cells"`
}

// GeneStat contains one gene's statistics within a cluster.
type GeneStat struct {
	Gene    string  `json:"gene"`
	Mean    float64 `json:"mean"`
	Percent float64 `json:"percent"`
}

// Store provides persistent storage for aggregation jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		genes INTEGER DEFAULT 0,
		clusters INTEGER DEFAULT 0,
		missing_cells INTEGER DEFAULT 0,
		skipped_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_run_jobs_dataset ON run_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_run_jobs_status ON run_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_run_jobs_finished ON run_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS run_genes (
		job_id TEXT NOT NULL,
		gene_idx INTEGER NOT NULL,
		gene TEXT NOT NULL,
		PRIMARY KEY (job_id, gene_idx)
	);

	CREATE TABLE IF NOT EXISTS run_clusters (
		job_id TEXT NOT NULL,
		cluster_idx INTEGER NOT NULL,
		cluster TEXT NOT NULL,
		cells INTEGER NOT NULL,
		PRIMARY KEY (job_id, cluster_idx)
	);

	CREATE TABLE IF NOT EXISTS run_results (
		job_id TEXT NOT NULL,
		cluster_idx INTEGER NOT NULL,
		gene_idx INTEGER NOT NULL,
		mean REAL NOT NULL,
		pct REAL NOT NULL,
		PRIMARY KEY (job_id, cluster_idx, gene_idx)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, done, total, genes, clusters, missing_cells, skipped_json, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO run_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		0, 0, 0, "",
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil for unknown IDs.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM run_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message. Terminal
// statuses also set the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE run_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE run_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE run_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobSummary records result dimensions and skipped clusters.
func (s *Store) UpdateJobSummary(jobID string, genes, clusters, missingCells int, skipped []SkippedCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	skippedJSON := ""
	if len(skipped) > 0 {
		b, err := json.Marshal(skipped)
		if err != nil {
			return fmt.Errorf("failed to marshal skipped clusters: %w", err)
		}
		skippedJSON = string(b)
	}

	_, err := s.db.Exec(`
		UPDATE run_jobs SET genes = ?, clusters = ?, missing_cells = ?, skipped_json = ?
		WHERE job_id = ?
	`, genes, clusters, missingCells, skippedJSON, jobID)
	return err
}

// InsertResults stores the gene header and every cluster row of a job in a
// single transaction.
func (s *Store) InsertResults(jobID string, genes []string, rows []ClusterRows) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	geneStmt, err := tx.Prepare(`INSERT INTO run_genes (job_id, gene_idx, gene) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer geneStmt.Close()
	for i, g := range genes {
		if _, err := geneStmt.Exec(jobID, i, g); err != nil {
			return err
		}
	}

	clusterStmt, err := tx.Prepare(`INSERT INTO run_clusters (job_id, cluster_idx, cluster, cells) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer clusterStmt.Close()

	resultStmt, err := tx.Prepare(`INSERT INTO run_results (job_id, cluster_idx, gene_idx, mean, pct) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer resultStmt.Close()

	for c, r := range rows {
		if len(r.Mean) != len(genes) || len(r.Percent) != len(genes) {
			return fmt.Errorf("cluster %q has %d values for %d genes", r.Cluster, len(r.Mean), len(genes))
		}
		if _, err := clusterStmt.Exec(jobID, c, r.Cluster, r.Cells); err != nil {
			return err
		}
		for g := range genes {
			if _, err := resultStmt.Exec(jobID, c, g, r.Mean[g], r.Percent[g]); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Genes returns the gene header of a job in matrix order.
func (s *Store) Genes(jobID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT gene FROM run_genes WHERE job_id = ? ORDER BY gene_idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var genes []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		genes = append(genes, g)
	}
	return genes, rows.Err()
}

// ClusterNames returns the clusters stored for a job in output order.
func (s *Store) ClusterNames(jobID string) ([]ClusterInfo, error) {
	rows, err := s.db.Query(`SELECT cluster, cells FROM run_clusters WHERE job_id = ? ORDER BY cluster_idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClusterInfo
	for rows.Next() {
		var ci ClusterInfo
		if err := rows.Scan(&ci.Cluster, &ci.Cells); err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// QueryCluster returns one page of a cluster's gene statistics in gene
// order, plus the total number of genes. Unknown clusters yield no rows and
// a zero total.
func (s *Store) QueryCluster(jobID, cluster string, offset, limit int) ([]GeneStat, int, error) {
	var clusterIdx int
	err := s.db.QueryRow(`SELECT cluster_idx FROM run_clusters WHERE job_id = ? AND cluster = ?`, jobID, cluster).Scan(&clusterIdx)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM run_results WHERE job_id = ? AND cluster_idx = ?`, jobID, clusterIdx).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT g.gene, r.mean, r.pct
		FROM run_results r
		JOIN run_genes g ON g.job_id = r.job_id AND g.gene_idx = r.gene_idx
		WHERE r.job_id = ? AND r.cluster_idx = ?
		ORDER BY r.gene_idx
		LIMIT ? OFFSET ?
	`, jobID, clusterIdx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []GeneStat
	for rows.Next() {
		var gs GeneStat
		if err := rows.Scan(&gs.Gene, &gs.Mean, &gs.Percent); err != nil {
			return nil, 0, err
		}
		out = append(out, gs)
	}
	return out, total, rows.Err()
}

// ClusterRows loads every cluster row of a job, in output order.
func (s *Store) ClusterRows(jobID string) ([]ClusterRows, error) {
	clusters, err := s.ClusterNames(jobID)
	if err != nil {
		return nil, err
	}
	out := make([]ClusterRows, len(clusters))
	for i, c := range clusters {
		out[i] = ClusterRows{Cluster: c.Cluster, Cells: c.Cells}
	}

	rows, err := s.db.Query(`
		SELECT cluster_idx, mean, pct FROM run_results
		WHERE job_id = ?
		ORDER BY cluster_idx, gene_idx
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var mean, pct float64
		if err := rows.Scan(&idx, &mean, &pct); err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("result row references unknown cluster index %d", idx)
		}
		out[idx].Mean = append(out[idx].Mean, mean)
		out[idx].Percent = append(out[idx].Percent, pct)
	}
	return out, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM run_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM run_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE run_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	expired := `SELECT job_id FROM run_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`

	for _, table := range []string{"run_results", "run_clusters", "run_genes"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`DELETE FROM run_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"run_results", "run_clusters", "run_genes"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("DELETE FROM run_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON, skippedJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.Genes,
			&job.Clusters,
			&job.MissingCells,
			&skippedJSON,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		if skippedJSON != "" {
			if err := json.Unmarshal([]byte(skippedJSON), &job.Skipped); err != nil {
				return nil, fmt.Errorf("failed to unmarshal skipped clusters: %w", err)
			}
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
