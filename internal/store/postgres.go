package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/models"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PostgresStore persists tasks in Postgres through sqlx.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	backend_class TEXT NOT NULL,
	priority      INT  NOT NULL DEFAULT 1,
	state         TEXT NOT NULL,
	depends_on    JSONB,
	result        TEXT,
	error_class   TEXT,
	error_message TEXT,
	steps         INT NOT NULL DEFAULT 0,
	tool_calls    INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id);
`

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("Task store connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection, used in tests.
func NewPostgresStoreFromDB(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type taskRow struct {
	ID           string         `db:"id"`
	WorkflowID   string         `db:"workflow_id"`
	Title        string         `db:"title"`
	Description  string         `db:"description"`
	BackendClass string         `db:"backend_class"`
	Priority     int            `db:"priority"`
	State        string         `db:"state"`
	DependsOn    []byte         `db:"depends_on"`
	Result       sql.NullString `db:"result"`
	ErrorClass   sql.NullString `db:"error_class"`
	ErrorMessage sql.NullString `db:"error_message"`
	Steps        int            `db:"steps"`
	ToolCalls    int            `db:"tool_calls"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *taskRow) toTask() (*models.Task, error) {
	t := &models.Task{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		Title:        r.Title,
		Description:  r.Description,
		BackendClass: r.BackendClass,
		Priority:     models.Priority(r.Priority),
		State:        r.State,
		Result:       r.Result.String,
		Steps:        r.Steps,
		ToolCalls:    r.ToolCalls,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.DependsOn) > 0 {
		if err := json.Unmarshal(r.DependsOn, &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
	}
	if r.ErrorClass.Valid {
		t.Err = &models.TaskError{
			Classification: r.ErrorClass.String,
			Message:        r.ErrorMessage.String,
		}
	}
	return t, nil
}

const upsertTask = `
INSERT INTO tasks (
	id, workflow_id, title, description, backend_class, priority, state,
	depends_on, result, error_class, error_message, steps, tool_calls,
	created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	result = EXCLUDED.result,
	error_class = EXCLUDED.error_class,
	error_message = EXCLUDED.error_message,
	steps = EXCLUDED.steps,
	tool_calls = EXCLUDED.tool_calls,
	updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	var result, errClass, errMsg interface{}
	if task.Result != "" {
		result = task.Result
	}
	if task.Err != nil {
		errClass = task.Err.Classification
		errMsg = task.Err.Message
	}
	_, err = s.db.ExecContext(ctx, upsertTask,
		task.ID, task.WorkflowID, task.Title, task.Description,
		task.BackendClass, int(task.Priority), task.State,
		deps, result, errClass, errMsg, task.Steps, task.ToolCalls,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return row.toTask()
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.State != "" {
		query += ` AND state = ` + arg(filter.State)
	}
	if filter.BackendClass != "" {
		query += ` AND backend_class = ` + arg(filter.BackendClass)
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ` + arg(filter.WorkflowID)
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
