// Package sqlstore 基于 database/sql 的 saga 日志存储
//
// 文档式布局在 SQL 里的展开：saga_records 表每个 saga 一行
// （持久化足迹），saga_messages 表承载 append-only 的消息流，按
// (saga_id, seq) 主键保证顺序且序号不重复。索引：unique(saga_id)、
// (parent_saga_id)、(updated_at)。
//
// 驱动由调用方通过空导入注册（例如 `_ "modernc.org/sqlite"`），
// 本包只依赖 database/sql 抽象。支持事务（ITxSagaLog）。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sagakit/logging"
	"sagakit/saga"
)

// Config SQL saga 日志配置
type Config struct {
	// TableRecords saga 记录表名，默认 saga_records
	TableRecords string

	// TableMessages 消息表名，默认 saga_messages
	TableMessages string

	// Logger 组件日志
	Logger logging.ILogger
}

func (c Config) withDefaults() Config {
	if c.TableRecords == "" {
		c.TableRecords = "saga_records"
	}
	if c.TableMessages == "" {
		c.TableMessages = "saga_messages"
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("saga.log.sql")
	}
	return c
}

// querier database/sql 中 *sql.DB 与 *sql.Tx 的公共子集
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLSagaLog SQL 实现的 saga 日志
type SQLSagaLog struct {
	db  *sql.DB
	ops sqlOps
}

var (
	_ saga.ISagaLog   = (*SQLSagaLog)(nil)
	_ saga.ITxSagaLog = (*SQLSagaLog)(nil)
)

// New 创建 SQL saga 日志
func New(db *sql.DB, cfg Config) *SQLSagaLog {
	if db == nil {
		panic("sqlstore.New: db cannot be nil")
	}
	cfg = cfg.withDefaults()
	return &SQLSagaLog{db: db, ops: sqlOps{cfg: cfg, logger: cfg.Logger}}
}

// Init 建表并创建索引（幂等）
func (s *SQLSagaLog) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			saga_id        TEXT PRIMARY KEY,
			parent_saga_id TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`, s.ops.cfg.TableRecords),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s (parent_saga_id)`,
			s.ops.cfg.TableRecords, s.ops.cfg.TableRecords),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s (updated_at)`,
			s.ops.cfg.TableRecords, s.ops.cfg.TableRecords),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			saga_id   TEXT NOT NULL,
			seq       INTEGER NOT NULL,
			msg_type  TEXT NOT NULL,
			task_id   TEXT NOT NULL DEFAULT '',
			body      TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			PRIMARY KEY (saga_id, seq)
		)`, s.ops.cfg.TableMessages),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return saga.NewSagaStoreFailedError("", err)
		}
	}
	return nil
}

func (s *SQLSagaLog) StartSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) error {
	return s.inTx(ctx, sagaID, func(tx *sql.Tx) error {
		return s.ops.startSaga(ctx, tx, sagaID, job, parentSagaID, parentTaskID)
	})
}

func (s *SQLSagaLog) LogMessage(ctx context.Context, msg saga.SagaMessage) error {
	return s.inTx(ctx, msg.SagaID, func(tx *sql.Tx) error {
		return s.ops.logMessage(ctx, tx, msg)
	})
}

func (s *SQLSagaLog) GetMessages(ctx context.Context, sagaID string) ([]saga.SagaMessage, error) {
	return s.ops.getMessages(ctx, s.db, sagaID)
}

func (s *SQLSagaLog) GetActiveSagaIDs(ctx context.Context) ([]string, error) {
	return s.ops.getActiveSagaIDs(ctx, s.db)
}

func (s *SQLSagaLog) GetChildSagaIDs(ctx context.Context, parentSagaID string) ([]string, error) {
	return s.ops.getChildSagaIDs(ctx, s.db, parentSagaID)
}

func (s *SQLSagaLog) DeleteSaga(ctx context.Context, sagaID string) error {
	return s.inTx(ctx, sagaID, func(tx *sql.Tx) error {
		return s.ops.deleteSaga(ctx, tx, sagaID)
	})
}

// BeginTransaction 开启事务，返回事务作用域内的日志视图
func (s *SQLSagaLog) BeginTransaction(ctx context.Context) (saga.ITransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, saga.NewSagaStoreFailedError("", err)
	}
	return &Transaction{tx: tx, ops: s.ops}, nil
}

// inTx 多语句操作的事务包装
func (s *SQLSagaLog) inTx(ctx context.Context, sagaID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	return nil
}

// Transaction 事务作用域内的 saga 日志视图
type Transaction struct {
	tx  *sql.Tx
	ops sqlOps
}

var _ saga.ITransaction = (*Transaction)(nil)

func (t *Transaction) StartSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) error {
	return t.ops.startSaga(ctx, t.tx, sagaID, job, parentSagaID, parentTaskID)
}

func (t *Transaction) LogMessage(ctx context.Context, msg saga.SagaMessage) error {
	return t.ops.logMessage(ctx, t.tx, msg)
}

func (t *Transaction) GetMessages(ctx context.Context, sagaID string) ([]saga.SagaMessage, error) {
	return t.ops.getMessages(ctx, t.tx, sagaID)
}

func (t *Transaction) GetActiveSagaIDs(ctx context.Context) ([]string, error) {
	return t.ops.getActiveSagaIDs(ctx, t.tx)
}

func (t *Transaction) GetChildSagaIDs(ctx context.Context, parentSagaID string) ([]string, error) {
	return t.ops.getChildSagaIDs(ctx, t.tx, parentSagaID)
}

func (t *Transaction) DeleteSaga(ctx context.Context, sagaID string) error {
	return t.ops.deleteSaga(ctx, t.tx, sagaID)
}

func (t *Transaction) Commit() error   { return t.tx.Commit() }
func (t *Transaction) Rollback() error { return t.tx.Rollback() }

// sqlOps 无状态的语句执行逻辑，*sql.DB 与 *sql.Tx 共用
type sqlOps struct {
	cfg    Config
	logger logging.ILogger
}

func (o sqlOps) startSaga(ctx context.Context, q querier, sagaID string, job any, parentSagaID, parentTaskID string) error {
	startMsg := saga.MakeStartSagaMessage(sagaID, job, parentSagaID, parentTaskID)
	now := startMsg.Timestamp

	insertRecord := fmt.Sprintf(
		`INSERT INTO %s (saga_id, parent_saga_id, parent_task_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		o.cfg.TableRecords)
	if _, err := q.ExecContext(ctx, insertRecord, sagaID, parentSagaID, parentTaskID, now, now); err != nil {
		if isDuplicateKeyError(err) {
			return saga.NewSagaAlreadyRunningError(sagaID)
		}
		return saga.NewSagaStoreFailedError(sagaID, err)
	}

	if err := o.insertMessage(ctx, q, startMsg, 0); err != nil {
		return err
	}
	o.logger.Debug(ctx, "saga started", logging.String("saga_id", sagaID))
	return nil
}

func (o sqlOps) logMessage(ctx context.Context, q querier, msg saga.SagaMessage) error {
	nextSeq, err := o.nextSeq(ctx, q, msg.SagaID)
	if err != nil {
		return err
	}
	if err := o.insertMessage(ctx, q, msg, nextSeq); err != nil {
		return err
	}
	updateRecord := fmt.Sprintf(`UPDATE %s SET updated_at = ? WHERE saga_id = ?`, o.cfg.TableRecords)
	if _, err := q.ExecContext(ctx, updateRecord, time.Now(), msg.SagaID); err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}
	return nil
}

// nextSeq 读取下一个消息序号；saga 不存在时返回 SAGA_NOT_RUNNING
func (o sqlOps) nextSeq(ctx context.Context, q querier, sagaID string) (int64, error) {
	exists := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE saga_id = ?`, o.cfg.TableRecords)
	var count int64
	if err := q.QueryRowContext(ctx, exists, sagaID).Scan(&count); err != nil {
		return 0, saga.NewSagaStoreFailedError(sagaID, err)
	}
	if count == 0 {
		return 0, saga.NewSagaNotRunningError(sagaID)
	}

	maxSeq := fmt.Sprintf(`SELECT COALESCE(MAX(seq), -1) FROM %s WHERE saga_id = ?`, o.cfg.TableMessages)
	var seq int64
	if err := q.QueryRowContext(ctx, maxSeq, sagaID).Scan(&seq); err != nil {
		return 0, saga.NewSagaStoreFailedError(sagaID, err)
	}
	return seq + 1, nil
}

func (o sqlOps) insertMessage(ctx context.Context, q querier, msg saga.SagaMessage, seq int64) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}
	insert := fmt.Sprintf(
		`INSERT INTO %s (saga_id, seq, msg_type, task_id, body, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		o.cfg.TableMessages)
	if _, err := q.ExecContext(ctx, insert, msg.SagaID, seq, msg.MsgType.String(), msg.TaskID, string(body), msg.Timestamp); err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}
	return nil
}

func (o sqlOps) getMessages(ctx context.Context, q querier, sagaID string) ([]saga.SagaMessage, error) {
	exists := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE saga_id = ?`, o.cfg.TableRecords)
	var count int64
	if err := q.QueryRowContext(ctx, exists, sagaID).Scan(&count); err != nil {
		return nil, saga.NewSagaStoreFailedError(sagaID, err)
	}
	if count == 0 {
		return nil, saga.NewSagaNotRunningError(sagaID)
	}

	query := fmt.Sprintf(`SELECT body FROM %s WHERE saga_id = ? ORDER BY seq ASC`, o.cfg.TableMessages)
	rows, err := q.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, saga.NewSagaStoreFailedError(sagaID, err)
	}
	defer rows.Close()

	var msgs []saga.SagaMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, saga.NewSagaStoreFailedError(sagaID, err)
		}
		var msg saga.SagaMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, saga.NewSagaLogCorruptError(sagaID, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewSagaStoreFailedError(sagaID, err)
	}
	return msgs, nil
}

func (o sqlOps) getActiveSagaIDs(ctx context.Context, q querier) ([]string, error) {
	query := fmt.Sprintf(`SELECT saga_id FROM %s ORDER BY saga_id ASC`, o.cfg.TableRecords)
	return o.scanIDs(ctx, q, query)
}

func (o sqlOps) getChildSagaIDs(ctx context.Context, q querier, parentSagaID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT saga_id FROM %s WHERE parent_saga_id = ? ORDER BY saga_id ASC`, o.cfg.TableRecords)
	return o.scanIDs(ctx, q, query, parentSagaID)
}

func (o sqlOps) scanIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, saga.NewSagaStoreFailedError("", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, saga.NewSagaStoreFailedError("", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewSagaStoreFailedError("", err)
	}
	return ids, nil
}

func (o sqlOps) deleteSaga(ctx context.Context, q querier, sagaID string) error {
	delMessages := fmt.Sprintf(`DELETE FROM %s WHERE saga_id = ?`, o.cfg.TableMessages)
	if _, err := q.ExecContext(ctx, delMessages, sagaID); err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	delRecord := fmt.Sprintf(`DELETE FROM %s WHERE saga_id = ?`, o.cfg.TableRecords)
	res, err := q.ExecContext(ctx, delRecord, sagaID)
	if err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return saga.NewSagaNotRunningError(sagaID)
	}
	return nil
}

// isDuplicateKeyError 识别唯一键冲突（sqlite / mysql / postgres 常见文案）
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}
