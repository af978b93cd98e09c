package tasks

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-assist/pkg/core"
	"github.com/vango-go/vai-assist/pkg/core/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore keeps tasks in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect tasks db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tasks db: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *PGStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate tasks db: %w", err)
	}
	return nil
}

func (s *PGStore) ListTasks(ctx context.Context, userID string) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, status, created_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Task, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if out == nil {
		out = []types.Task{}
	}
	return out, nil
}

func (s *PGStore) AddTask(ctx context.Context, userID, title string) (types.Task, error) {
	userID = strings.TrimSpace(userID)
	title = strings.TrimSpace(title)
	if userID == "" {
		return types.Task{}, core.NewInvalidRequestErrorWithParam("userId is required", "userId")
	}
	if title == "" {
		return types.Task{}, core.NewInvalidRequestErrorWithParam("title is required", "title")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (user_id, title, status)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, title, status, created_at`, userID, title, types.TaskStatusPending)
	t, err := scanTask(row)
	if err != nil {
		return types.Task{}, fmt.Errorf("add task: %w", err)
	}
	return t, nil
}

func (s *PGStore) SetStatus(ctx context.Context, userID string, id int64, status string) (types.Task, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return types.Task{}, core.NewInvalidRequestErrorWithParam("status is required", "status")
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $3
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, status, created_at`, id, userID, status)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Task{}, core.NewNotFoundError("task not found")
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (types.Task, error) {
	var t types.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Status, &t.CreatedAt)
	return t, err
}
