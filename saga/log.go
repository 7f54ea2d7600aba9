package saga

import "context"

// ISagaLog saga 日志存储契约
//
// 每个 saga 对应一条 append-only 的消息流。实现必须保证：
//   - 同一 sagaId 的追加操作串行化，返回前持久化完成
//   - 追加成功后的读取能观察到该追加
//   - 不同 sagaId 之间可以并发访问，不保证跨 saga 原子性
//
// 内置实现：
//   - NewInMemorySagaLog（本包，测试与示例用）
//   - sagalog/sqlstore（SQL 文档存储，支持事务）
//   - sagalog/redisstore（Redis，不支持事务）
type ISagaLog interface {
	// StartSaga 追加 StartSaga 记录并创建 saga
	//
	// 参数：
	//   - sagaID: saga 唯一标识
	//   - job: 初始载荷
	//   - parentSagaID/parentTaskID: 父坐标，顶层 saga 传空串
	//
	// 返回：
	//   - error: sagaID 已存在时返回 SAGA_ALREADY_RUNNING
	StartSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) error

	// LogMessage 向已存在的 saga 追加一条消息
	//
	// 返回：
	//   - error: sagaID 不存在时返回 SAGA_NOT_RUNNING
	LogMessage(ctx context.Context, msg SagaMessage) error

	// GetMessages 按追加顺序返回 saga 的全部消息
	//
	// 返回：
	//   - error: sagaID 不存在时返回 SAGA_NOT_RUNNING
	GetMessages(ctx context.Context, sagaID string) ([]SagaMessage, error)

	// GetActiveSagaIDs 返回所有仍有记录的 sagaID
	//
	// 名称是历史遗留：包含已完成/已中止但尚未删除的 saga。
	GetActiveSagaIDs(ctx context.Context) ([]string, error)

	// GetChildSagaIDs 返回 StartSaga 声明了指定父 saga 的所有子 sagaID
	GetChildSagaIDs(ctx context.Context, parentSagaID string) ([]string, error)

	// DeleteSaga 删除 saga 的全部记录
	DeleteSaga(ctx context.Context, sagaID string) error
}

// ITxSagaLog 支持事务的 saga 日志（可选扩展）
//
// 不支持多记录事务的存储不实现本接口；调用方请求事务语义时
// （如 Coordinator 的 useTx），应返回 SAGA_TX_UNSUPPORTED 而不是
// 静默降级。
type ITxSagaLog interface {
	ISagaLog

	// BeginTransaction 开启事务，返回事务作用域内的日志视图
	BeginTransaction(ctx context.Context) (ITransaction, error)
}

// ITransaction 事务作用域内的 saga 日志
//
// 所有 ISagaLog 操作在事务内执行，Commit 前对外不可见。
type ITransaction interface {
	ISagaLog

	// Commit 提交事务
	Commit() error

	// Rollback 回滚事务；Commit 之后调用为 no-op
	Rollback() error
}
