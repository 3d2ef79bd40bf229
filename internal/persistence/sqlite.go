package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"assembly-line-supervisor/internal/types"
)

const (
	TableAssociations  = "associacoes"
	TableProductionLog = "log_producao"
)

// 生产日志状态
const (
	LogArmed     = "ARMED"
	LogOn        = "ON"
	LogFinalized = "FINALIZADA"
)

// TimeLayout 写入数据库的时间格式
const TimeLayout = "2006-01-02 15:04:05.000"

// StationTable 工站节拍历史表名
func StationTable(id types.StationID) string { return id.String() }

var stationColumns = []string{
	"produto", "palete", "t_arrival", "t_preparo", "t_montagem",
	"t_espera", "t_transf", "t_ciclo", "concluido_em",
}

const stationDDL = `CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	produto TEXT,
	palete TEXT,
	t_arrival REAL,
	t_preparo REAL,
	t_montagem REAL,
	t_espera REAL,
	t_transf REAL,
	t_ciclo REAL,
	concluido_em TEXT NOT NULL
)`

const associationDDL = `CREATE TABLE IF NOT EXISTS associacoes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	palete TEXT NOT NULL,
	produto TEXT NOT NULL,
	criado_em TEXT NOT NULL
)`

const productionLogDDL = `CREATE TABLE IF NOT EXISTS log_producao (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ordem TEXT NOT NULL,
	meta INTEGER NOT NULL,
	status TEXT NOT NULL,
	inicio TEXT,
	fim TEXT,
	motivo_fim TEXT,
	produzidos INTEGER,
	criado_em TEXT NOT NULL
)`

// SQLiteStore 基于 SQLite 的写入后端。只接受已知表与列，列名不会来自外部输入。
type SQLiteStore struct {
	db      *sql.DB
	columns map[string]map[string]bool
}

// OpenSQLite 打开数据库并为 stations 个工站建表
func OpenSQLite(path string, stations int) (*SQLiteStore, error) {
	if path == "" {
		path = "line.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, columns: make(map[string]map[string]bool)}
	if err := s.migrate(stations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(stations int) error {
	ddl := []string{associationDDL, productionLogDDL}
	for i := 0; i < stations; i++ {
		table := StationTable(types.StationID(i))
		ddl = append(ddl, fmt.Sprintf(stationDDL, table))
		s.columns[table] = set(append([]string{"id"}, stationColumns...))
	}
	s.columns[TableAssociations] = set([]string{"id", "palete", "produto", "criado_em"})
	s.columns[TableProductionLog] = set([]string{
		"id", "ordem", "meta", "status", "inicio", "fim", "motivo_fim", "produzidos", "criado_em",
	})
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// Write 在一个事务内写入任务的所有行。
// 未知表/列属于不可重试错误。
func (s *SQLiteStore) Write(ctx context.Context, job Job) (retErr error) {
	allowed, ok := s.columns[job.Table]
	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: %q", ErrUnknownTable, job.Table))
	}
	if job.Key != "" && !allowed[job.Key] {
		return backoff.Permanent(fmt.Errorf("%w: %s.%s", ErrUnknownColumn, job.Table, job.Key))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, row := range job.Rows {
		cols := make([]string, 0, len(row))
		for c := range row {
			if !allowed[c] {
				return backoff.Permanent(fmt.Errorf("%w: %s.%s", ErrUnknownColumn, job.Table, c))
			}
			if c != job.Key {
				cols = append(cols, c)
			}
		}
		sort.Strings(cols)

		var (
			query string
			args  = make([]any, 0, len(row))
		)
		if job.Key == "" {
			marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
			query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", job.Table, strings.Join(cols, ","), marks)
			for _, c := range cols {
				args = append(args, sqlValue(row[c]))
			}
		} else {
			key, ok := row[job.Key]
			if !ok {
				return backoff.Permanent(fmt.Errorf("update %s: row has no %q", job.Table, job.Key))
			}
			if len(cols) == 0 {
				continue
			}
			assign := make([]string, len(cols))
			for i, c := range cols {
				assign[i] = c + " = ?"
				args = append(args, sqlValue(row[c]))
			}
			args = append(args, sqlValue(key))
			query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", job.Table, strings.Join(assign, ", "), job.Key)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("write %s: %w", job.Table, err)
		}
	}
	return tx.Commit()
}

// sqlValue 可空指针转换为 NULL 或其指向的值
func sqlValue(v any) any {
	switch x := v.(type) {
	case *float64:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case *int64:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}

// CreateProductionLog 同步创建生产日志 (ARMED)，返回的 id 作为生产日志句柄
func (s *SQLiteStore) CreateProductionLog(ctx context.Context, order string, target int, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_producao (ordem, meta, status, criado_em) VALUES (?, ?, ?, ?)`,
		order, target, LogArmed, at.Format(TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("create production log: %w", err)
	}
	return res.LastInsertId()
}

// ProductionLog 生产日志记录
type ProductionLog struct {
	ID        int64
	Order     string
	Target    int
	Status    string
	Started   sql.NullString
	Finished  sql.NullString
	Reason    sql.NullString
	Completed sql.NullInt64
}

// GetProductionLog 按 id 读取生产日志
func (s *SQLiteStore) GetProductionLog(ctx context.Context, id int64) (ProductionLog, error) {
	var l ProductionLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ordem, meta, status, inicio, fim, motivo_fim, produzidos FROM log_producao WHERE id = ?`, id,
	).Scan(&l.ID, &l.Order, &l.Target, &l.Status, &l.Started, &l.Finished, &l.Reason, &l.Completed)
	if err != nil {
		return l, fmt.Errorf("get production log %d: %w", id, err)
	}
	return l, nil
}

// CountRows 表中的行数
func (s *SQLiteStore) CountRows(ctx context.Context, table string) (int, error) {
	if _, ok := s.columns[table]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error { return s.db.Close() }
