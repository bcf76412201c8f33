package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"winnow/internal/core"
	"winnow/internal/graph"
	"winnow/internal/pipeline"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite-based durable store
type Store struct {
	db   *sql.DB
	path string
}

// The store is the durable side of the pipeline's persistence contracts.
var (
	_ pipeline.ArticleSupplier = (*Store)(nil)
	_ pipeline.CheckpointStore = (*Store)(nil)
	_ pipeline.ResultSink      = (*Store)(nil)
)

// NewStore creates a new store instance with SQLite database
func NewStore(dataDir string) (*Store, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "winnow.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:   db,
		path: dbPath,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// initialize creates the necessary tables
func (s *Store) initialize() error {
	// Ingested articles; job_id is '' while an article sits in the
	// unassigned pool and is set once a job claims it.
	articlesTable := `
	CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL DEFAULT '',
		title TEXT,
		source_url TEXT,
		raw_html TEXT,
		sentences TEXT,
		language TEXT,
		token_count INTEGER,
		embedding TEXT,
		published_at DATETIME,
		ingested_at DATETIME,
		candidates TEXT,
		tags TEXT
	);`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		topics TEXT,
		created_at DATETIME
	);`

	// Stage checkpoints; output holds the completed stage's JSON payload.
	jobStagesTable := `
	CREATE TABLE IF NOT EXISTS job_stages (
		job_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		output TEXT,
		completed_at DATETIME,
		PRIMARY KEY (job_id, stage)
	);`

	// Tag-label co-occurrence weights, one row set per aggregation window.
	graphEdgesTable := `
	CREATE TABLE IF NOT EXISTS graph_edges (
		window_label TEXT NOT NULL,
		topic TEXT NOT NULL,
		tag TEXT NOT NULL,
		weight REAL NOT NULL,
		updated_at DATETIME,
		PRIMARY KEY (window_label, topic, tag)
	);`

	// Cluster run parents mint the durable run identity; cluster child rows
	// reference it and are only ever written after their parent row exists.
	clusterRunsTable := `
	CREATE TABLE IF NOT EXISTS cluster_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		synthetic INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME
	);`

	clustersTable := `
	CREATE TABLE IF NOT EXISTS clusters (
		run_id INTEGER NOT NULL,
		label TEXT,
		article_ids TEXT,
		representatives TEXT,
		size INTEGER,
		FOREIGN KEY (run_id) REFERENCES cluster_runs (id)
	);`

	dispatchResultsTable := `
	CREATE TABLE IF NOT EXISTS dispatch_results (
		job_id TEXT PRIMARY KEY,
		payload TEXT,
		started_at DATETIME,
		completed_at DATETIME
	);`

	tables := []string{
		articlesTable,
		jobsTable,
		jobStagesTable,
		graphEdgesTable,
		clusterRunsTable,
		clustersTable,
		dispatchResultsTable,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertArticles adds ingested articles to the unassigned pool. Articles
// without an ID are assigned one; re-ingesting an ID replaces the row.
func (s *Store) InsertArticles(ctx context.Context, articles []core.SourceArticle) (int, error) {
	query := `
	INSERT OR REPLACE INTO articles
	(id, job_id, title, source_url, raw_html, sentences, language, token_count, embedding, published_at, ingested_at, candidates, tags)
	VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	count := 0
	for _, article := range articles {
		if article.ID == "" {
			article.ID = uuid.NewString()
		}
		if article.IngestedAt.IsZero() {
			article.IngestedAt = time.Now().UTC()
		}

		sentences, _ := json.Marshal(article.Sentences)
		embedding, _ := json.Marshal(article.Embedding)
		candidates, _ := json.Marshal(article.Candidates)
		tags, _ := json.Marshal(article.Tags)

		_, err := s.db.ExecContext(ctx, query,
			article.ID,
			article.Title,
			article.SourceURL,
			article.RawHTML,
			string(sentences),
			article.Language,
			article.TokenCount,
			string(embedding),
			article.PublishedAt,
			article.IngestedAt,
			string(candidates),
			string(tags),
		)
		if err != nil {
			return count, fmt.Errorf("failed to insert article %s: %w", article.ID, err)
		}
		count++
	}

	return count, nil
}

// ArticlesForJob returns the articles claimed by one job, oldest first.
func (s *Store) ArticlesForJob(ctx context.Context, jobID string) ([]core.SourceArticle, error) {
	query := `
	SELECT id, title, source_url, raw_html, sentences, language, token_count, embedding, published_at, ingested_at, candidates, tags
	FROM articles
	WHERE job_id = ?
	ORDER BY ingested_at, id`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var articles []core.SourceArticle
	for rows.Next() {
		var article core.SourceArticle
		var sentences, embedding, candidates, tags string
		var publishedAt, ingestedAt sql.NullTime

		err := rows.Scan(
			&article.ID,
			&article.Title,
			&article.SourceURL,
			&article.RawHTML,
			&sentences,
			&article.Language,
			&article.TokenCount,
			&embedding,
			&publishedAt,
			&ingestedAt,
			&candidates,
			&tags,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}

		json.Unmarshal([]byte(sentences), &article.Sentences)
		json.Unmarshal([]byte(embedding), &article.Embedding)
		json.Unmarshal([]byte(candidates), &article.Candidates)
		json.Unmarshal([]byte(tags), &article.Tags)
		if publishedAt.Valid {
			article.PublishedAt = publishedAt.Time
		}
		if ingestedAt.Valid {
			article.IngestedAt = ingestedAt.Time
		}

		articles = append(articles, article)
	}

	return articles, rows.Err()
}

// CreateJob records a new job and claims every unassigned article for it.
func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	topics, _ := json.Marshal(job.Topics)

	query := `INSERT INTO jobs (id, topics, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, job.ID, string(topics), job.CreatedAt); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}

	claim := `UPDATE articles SET job_id = ? WHERE job_id = ''`
	if _, err := s.db.ExecContext(ctx, claim, job.ID); err != nil {
		return fmt.Errorf("failed to claim articles for job %s: %w", job.ID, err)
	}

	return nil
}

// GetJob retrieves a job, or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	query := `SELECT id, topics, created_at FROM jobs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, jobID)

	var job core.Job
	var topics string
	err := row.Scan(&job.ID, &topics, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	json.Unmarshal([]byte(topics), &job.Topics)
	return &job, nil
}

// JobStatus pairs a job with its checkpoint progress.
type JobStatus struct {
	Job          core.Job
	LastStage    pipeline.Stage
	HasStages    bool
	ArticleCount int
}

// ListJobs returns all known jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]JobStatus, error) {
	query := `SELECT id, topics, created_at FROM jobs ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var statuses []JobStatus
	for rows.Next() {
		var status JobStatus
		var topics string
		if err := rows.Scan(&status.Job.ID, &topics, &status.Job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		json.Unmarshal([]byte(topics), &status.Job.Topics)
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range statuses {
		jobID := statuses[i].Job.ID

		last, ok, err := s.LastCompletedStage(ctx, jobID)
		if err != nil {
			return nil, err
		}
		statuses[i].LastStage = last
		statuses[i].HasStages = ok

		count := `SELECT COUNT(*) FROM articles WHERE job_id = ?`
		if err := s.db.QueryRowContext(ctx, count, jobID).Scan(&statuses[i].ArticleCount); err != nil {
			return nil, fmt.Errorf("failed to count articles for job %s: %w", jobID, err)
		}
	}

	return statuses, nil
}

// LastCompletedStage reports the furthest completed pipeline stage for a job.
// The second return is false when the job has no checkpoints at all.
func (s *Store) LastCompletedStage(ctx context.Context, jobID string) (pipeline.Stage, bool, error) {
	query := `SELECT stage FROM job_stages WHERE job_id = ?`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	// Stages are stored by name, so the furthest one is resolved through
	// the pipeline ordering rather than SQL MAX.
	var last pipeline.Stage
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, false, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		stage, err := pipeline.ParseStage(name)
		if err != nil {
			return 0, false, fmt.Errorf("job %s has an unrecognized checkpoint: %w", jobID, err)
		}
		if !found || stage > last {
			last = stage
		}
		found = true
	}

	return last, found, rows.Err()
}

// StageOutput returns the persisted output payload of one completed stage.
func (s *Store) StageOutput(ctx context.Context, jobID string, stage pipeline.Stage) ([]byte, bool, error) {
	query := `SELECT output FROM job_stages WHERE job_id = ? AND stage = ?`
	row := s.db.QueryRowContext(ctx, query, jobID, stage.String())

	var output []byte
	err := row.Scan(&output)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan stage output: %w", err)
	}

	return output, true, nil
}

// MarkStageComplete checkpoints one completed stage with its output payload.
func (s *Store) MarkStageComplete(ctx context.Context, jobID string, stage pipeline.Stage, output []byte) error {
	query := `
	INSERT OR REPLACE INTO job_stages (job_id, stage, output, completed_at)
	VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, jobID, stage.String(), output, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to checkpoint stage %s for job %s: %w", stage, jobID, err)
	}
	return nil
}

// UpsertGraphEdges replaces the co-occurrence weights of one aggregation
// window with a fresh edge set.
func (s *Store) UpsertGraphEdges(ctx context.Context, window string, edges []graph.Edge) error {
	clear := `DELETE FROM graph_edges WHERE window_label = ?`
	if _, err := s.db.ExecContext(ctx, clear, window); err != nil {
		return fmt.Errorf("failed to clear graph window %s: %w", window, err)
	}

	query := `INSERT INTO graph_edges (window_label, topic, tag, weight, updated_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	for _, edge := range edges {
		if _, err := s.db.ExecContext(ctx, query, window, edge.Topic, edge.Tag, edge.Weight, now); err != nil {
			return fmt.Errorf("failed to insert graph edge (%s, %s): %w", edge.Topic, edge.Tag, err)
		}
	}

	return nil
}

// LoadGraphEdges returns the stored co-occurrence weights for one window.
func (s *Store) LoadGraphEdges(ctx context.Context, window string) ([]graph.Edge, error) {
	query := `SELECT topic, tag, weight FROM graph_edges WHERE window_label = ?`
	rows, err := s.db.QueryContext(ctx, query, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query graph edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		edge := graph.Edge{Window: window}
		if err := rows.Scan(&edge.Topic, &edge.Tag, &edge.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}
		edges = append(edges, edge)
	}

	return edges, rows.Err()
}

// EdgeSource returns a graph.Source that loads one aggregation window from
// this store on every cache refresh.
func (s *Store) EdgeSource(window string) graph.Source {
	return &edgeSource{store: s, window: window}
}

type edgeSource struct {
	store  *Store
	window string
}

func (e *edgeSource) Load(ctx context.Context) ([]graph.Edge, error) {
	return e.store.LoadGraphEdges(ctx, e.window)
}

// SaveDispatchResult persists the terminal dispatch artifact for a job.
// Every cluster set is minted a durable RunID by inserting its parent run row
// first; child cluster rows are written only after that, so a child can never
// reference a run that does not exist. Re-persisting a job replaces its rows.
func (s *Store) SaveDispatchResult(ctx context.Context, result *core.DispatchResult) error {
	if err := s.deleteRunsForJob(ctx, result.JobID); err != nil {
		return err
	}

	for topic, genreResult := range result.Results {
		if genreResult.Clusters == nil {
			continue
		}
		runID, err := s.saveClusterRun(ctx, result.JobID, genreResult.Clusters)
		if err != nil {
			return fmt.Errorf("failed to persist cluster run for topic %s: %w", topic, err)
		}
		genreResult.Clusters.RunID = runID
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch result: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO dispatch_results (job_id, payload, started_at, completed_at)
	VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, result.JobID, string(payload), result.StartedAt, result.CompletedAt); err != nil {
		return fmt.Errorf("failed to persist dispatch result for job %s: %w", result.JobID, err)
	}

	return nil
}

// GetDispatchResult returns the persisted result for a job, or nil when the
// job never reached the persist stage.
func (s *Store) GetDispatchResult(ctx context.Context, jobID string) (*core.DispatchResult, error) {
	query := `SELECT payload FROM dispatch_results WHERE job_id = ?`
	row := s.db.QueryRowContext(ctx, query, jobID)

	var payload []byte
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispatch result: %w", err)
	}

	var result core.DispatchResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch result for job %s: %w", jobID, err)
	}
	return &result, nil
}

// LoadClusterRun reads back one persisted run with its clusters, or nil when
// no run with that identity exists.
func (s *Store) LoadClusterRun(ctx context.Context, runID core.RunID) (*core.ClusterSet, error) {
	id, ok := runID.Value()
	if !ok {
		return nil, nil
	}

	parent := `SELECT topic, synthetic FROM cluster_runs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, parent, id)

	set := &core.ClusterSet{RunID: runID}
	var synthetic bool
	err := row.Scan(&set.Topic, &synthetic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cluster run %d: %w", id, err)
	}
	set.Synthetic = synthetic

	children := `SELECT label, article_ids, representatives, size FROM clusters WHERE run_id = ? ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, children, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters for run %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cluster core.Cluster
		var articleIDs, representatives string
		if err := rows.Scan(&cluster.Label, &articleIDs, &representatives, &cluster.Size); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		json.Unmarshal([]byte(articleIDs), &cluster.ArticleIDs)
		json.Unmarshal([]byte(representatives), &cluster.Representatives)
		set.Clusters = append(set.Clusters, cluster)
	}

	return set, rows.Err()
}

// saveClusterRun mints the durable run identity and writes the child rows.
func (s *Store) saveClusterRun(ctx context.Context, jobID string, set *core.ClusterSet) (core.RunID, error) {
	parent := `INSERT INTO cluster_runs (job_id, topic, synthetic, created_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, parent, jobID, set.Topic, set.Synthetic, time.Now().UTC())
	if err != nil {
		return core.PendingRunID(), err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.PendingRunID(), err
	}
	runID := core.PersistedRunID(id)

	child := `INSERT INTO clusters (run_id, label, article_ids, representatives, size) VALUES (?, ?, ?, ?, ?)`
	for _, cluster := range set.Clusters {
		articleIDs, _ := json.Marshal(cluster.ArticleIDs)
		representatives, _ := json.Marshal(cluster.Representatives)
		if _, err := s.db.ExecContext(ctx, child, id, cluster.Label, string(articleIDs), string(representatives), cluster.Size); err != nil {
			return runID, err
		}
	}

	return runID, nil
}

// deleteRunsForJob removes a job's cluster runs before a re-persist. Child
// rows go first, mirroring the parent-first ordering on insert.
func (s *Store) deleteRunsForJob(ctx context.Context, jobID string) error {
	children := `DELETE FROM clusters WHERE run_id IN (SELECT id FROM cluster_runs WHERE job_id = ?)`
	if _, err := s.db.ExecContext(ctx, children, jobID); err != nil {
		return fmt.Errorf("failed to clear clusters for job %s: %w", jobID, err)
	}

	parents := `DELETE FROM cluster_runs WHERE job_id = ?`
	if _, err := s.db.ExecContext(ctx, parents, jobID); err != nil {
		return fmt.Errorf("failed to clear cluster runs for job %s: %w", jobID, err)
	}

	return nil
}

// Stats summarizes store contents
type Stats struct {
	ArticleCount int
	JobCount     int
	EdgeCount    int
	RunCount     int
	StoreSize    int64
	LastUpdated  time.Time
}

// GetStats returns statistics about the store
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}

	// Get counts
	queries := map[string]*int{
		"SELECT COUNT(*) FROM articles":     &stats.ArticleCount,
		"SELECT COUNT(*) FROM jobs":         &stats.JobCount,
		"SELECT COUNT(*) FROM graph_edges":  &stats.EdgeCount,
		"SELECT COUNT(*) FROM cluster_runs": &stats.RunCount,
	}

	for query, target := range queries {
		err := s.db.QueryRow(query).Scan(target)
		if err != nil {
			return nil, fmt.Errorf("failed to get count: %w", err)
		}
	}

	// Get store size (file size)
	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.StoreSize = fileInfo.Size()
		stats.LastUpdated = fileInfo.ModTime()
	}

	return stats, nil
}
