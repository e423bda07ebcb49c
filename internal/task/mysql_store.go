package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentMesh/deploy/migrations"
	xerrors "AgentMesh/internal/errors"
)

// MySQLStore 使用 MySQL 保存任务快照，替代默认的 JSON 文档仓库。
// 每行保存一份完整的任务 JSON 文档，维持“整体覆盖写”的语义。
type MySQLStore struct {
	db          *sql.DB
	broadcaster *Broadcaster
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, broadcaster: NewBroadcaster()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行内嵌的 SQL 迁移。
func (s *MySQLStore) initSchema() error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "枚举迁移文件失败")
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败: "+name)
		}
		if _, err := s.db.Exec(string(raw)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败: "+name)
		}
	}
	return nil
}

// CreateOrUpdate 实现 Store 接口。
func (s *MySQLStore) CreateOrUpdate(ctx context.Context, t *Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidStatus(t.Status) {
		return xerrors.New(CodeTaskValidation, "未知的任务状态")
	}

	existing, err := s.Get(ctx, t.ID)
	if err != nil && !stdErrors.Is(err, ErrTaskNotFound) {
		return err
	}
	if existing != nil {
		if err := checkMutation(existing, t); err != nil {
			return err
		}
	}

	now := time.Now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	document, err := json.Marshal(t)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务文档失败")
	}

	const stmt = `INSERT INTO dispatch_tasks (id, requester, specialist, status, document, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        requester = VALUES(requester), specialist = VALUES(specialist), status = VALUES(status),
        document = VALUES(document), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		t.ID, t.RequesterID, t.Specialist, t.Status, document, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "任务写入冲突")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}

	s.broadcaster.Publish(t.Clone())
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT document FROM dispatch_tasks WHERE id = ?`

	var document []byte
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(&document); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	var t Task
	if err := json.Unmarshal(document, &t); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务文档失败")
	}
	return &t, nil
}

// List 返回最近任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT document FROM dispatch_tasks`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if opts.Requester != "" {
		conditions = append(conditions, "requester = ?")
		args = append(args, opts.Requester)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id ASC"
	}
	query += " LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	results := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务文档失败")
		}
		var t Task
		if err := json.Unmarshal(document, &t); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务文档失败")
		}
		results = append(results, &t)
	}
	return results, rows.Err()
}

// Stats 统计符合过滤条件的任务数量。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.Limit = 100
	tasks, err := s.List(ctx, opts)
	if err != nil {
		return TaskStats{}, err
	}
	stats := TaskStats{}
	for _, t := range tasks {
		stats.add(t)
	}
	return stats, nil
}

// Subscribe 实现 Store 接口。
func (s *MySQLStore) Subscribe(id string, fn Subscriber) func() {
	unsubscribe := s.broadcaster.Subscribe(id, fn)
	if fn != nil {
		if current, err := s.Get(context.Background(), id); err == nil {
			fn(current)
		}
	}
	return unsubscribe
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
