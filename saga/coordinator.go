package saga

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"sagakit/logging"
)

// Coordinator saga 工厂与层级操作入口
//
// 在 ISagaLog 之上提供：创建、恢复、以及对 parent/child 层级的
// 递归中止与递归删除。层级遍历按 sagaId 引用进行，是 DAG 行走，
// 没有环的风险。
type Coordinator struct {
	log    ISagaLog
	cfg    SagaConfig
	logger logging.ILogger
}

// NewCoordinator 创建 Coordinator
//
// 参数：
//   - log: saga 日志存储
//   - cfg: handle 配置（零值可用）
func NewCoordinator(log ISagaLog, cfg SagaConfig) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		log:    log,
		cfg:    cfg,
		logger: logging.ComponentLogger("saga.coordinator"),
	}
}

// Log 返回底层 saga 日志
func (c *Coordinator) Log() ISagaLog { return c.log }

// CreateSaga 创建顶层 saga；sagaID 传空串时自动生成 uuid
func (c *Coordinator) CreateSaga(ctx context.Context, sagaID string, job any) (*Saga, error) {
	return c.CreateChildSaga(ctx, sagaID, job, "", "")
}

// CreateChildSaga 创建子 saga
//
// 调用方应保证父 saga 已为 parentTaskID 记录 StartTask。
func (c *Coordinator) CreateChildSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) (*Saga, error) {
	if sagaID == "" {
		sagaID = uuid.NewString()
	}
	s, err := CreateChildSaga(ctx, c.log, sagaID, job, parentSagaID, parentTaskID, c.cfg)
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "saga created",
		logging.String("saga_id", sagaID),
		logging.String("parent_saga_id", parentSagaID))
	return s, nil
}

// RecoverSaga 按指定策略恢复 saga 并返回 handle
func (c *Coordinator) RecoverSaga(ctx context.Context, sagaID string, recoveryType SagaRecoveryType) (*Saga, error) {
	return RecoverSaga(ctx, c.log, sagaID, recoveryType, c.cfg)
}

// RecoverOrCreate 尝试恢复，saga 不存在时创建
func (c *Coordinator) RecoverOrCreate(ctx context.Context, sagaID string, job any, recoveryType SagaRecoveryType) (*Saga, error) {
	return c.RecoverOrCreateChild(ctx, sagaID, job, recoveryType, "", "")
}

// RecoverOrCreateChild 尝试恢复，不存在时创建为子 saga
func (c *Coordinator) RecoverOrCreateChild(ctx context.Context, sagaID string, job any, recoveryType SagaRecoveryType, parentSagaID, parentTaskID string) (*Saga, error) {
	s, err := RecoverSaga(ctx, c.log, sagaID, recoveryType, c.cfg)
	if err == nil {
		c.logger.Info(ctx, "saga recovered",
			logging.String("saga_id", sagaID),
			logging.String("recovery_type", recoveryType.String()))
		return s, nil
	}
	if !errors.Is(err, ErrSagaNotRunning()) {
		return nil, err
	}
	return c.CreateChildSaga(ctx, sagaID, job, parentSagaID, parentTaskID)
}

// ActiveSagaIDs 返回日志中所有仍有记录的 sagaID
func (c *Coordinator) ActiveSagaIDs(ctx context.Context) ([]string, error) {
	ids, err := c.log.GetActiveSagaIDs(ctx)
	if err != nil {
		return nil, wrapStoreError("", err)
	}
	return ids, nil
}

// AbortSaga 中止单个 saga（幂等）
//
// 已中止或已完成的 saga 不再追加消息。
func (c *Coordinator) AbortSaga(ctx context.Context, sagaID string) error {
	return abortSagaInLog(ctx, c.log, sagaID)
}

// AbortSagaWithChildren 深度优先递归中止 saga 层级
//
// 先中止所有子孙，再中止自身。useTx=true 时整个遍历在一个事务
// 会话内执行，任一失败回滚全部；日志不支持事务则返回
// SAGA_TX_UNSUPPORTED。useTx=false 时遍历是 best-effort：失败时
// 已处理的子 saga 保持已中止状态。
func (c *Coordinator) AbortSagaWithChildren(ctx context.Context, sagaID string, useTx bool) error {
	err := c.walkTree(ctx, sagaID, useTx, abortSagaInLog)
	if err == nil {
		c.logger.Info(ctx, "saga tree aborted",
			logging.String("saga_id", sagaID), logging.Bool("tx", useTx))
	}
	return err
}

// DeleteSagaWithChildren 深度优先递归删除 saga 层级
//
// 遍历形态与 AbortSagaWithChildren 相同，终结动作为 DeleteSaga。
func (c *Coordinator) DeleteSagaWithChildren(ctx context.Context, sagaID string, useTx bool) error {
	err := c.walkTree(ctx, sagaID, useTx, deleteSagaInLog)
	if err == nil {
		c.logger.Info(ctx, "saga tree deleted",
			logging.String("saga_id", sagaID), logging.Bool("tx", useTx))
	}
	return err
}

// walkTree 层级遍历骨架：子孙先序处理，terminal 作用于每个节点
func (c *Coordinator) walkTree(ctx context.Context, sagaID string, useTx bool, terminal func(context.Context, ISagaLog, string) error) error {
	if !useTx {
		return walkSagaTree(ctx, c.log, sagaID, terminal)
	}

	txLog, ok := c.log.(ITxSagaLog)
	if !ok {
		return NewSagaTxUnsupportedError()
	}
	tx, err := txLog.BeginTransaction(ctx)
	if err != nil {
		return wrapStoreError(sagaID, err)
	}
	if err := walkSagaTree(ctx, tx, sagaID, terminal); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return wrapStoreError(sagaID, err)
	}
	return nil
}

func walkSagaTree(ctx context.Context, log ISagaLog, sagaID string, terminal func(context.Context, ISagaLog, string) error) error {
	children, err := log.GetChildSagaIDs(ctx, sagaID)
	if err != nil {
		return wrapStoreError(sagaID, err)
	}
	for _, child := range children {
		if err := walkSagaTree(ctx, log, child, terminal); err != nil {
			return err
		}
	}
	return terminal(ctx, log, sagaID)
}

// abortSagaInLog 用 RollbackRecovery 重建状态，必要时追加 AbortSaga
func abortSagaInLog(ctx context.Context, log ISagaLog, sagaID string) error {
	state, err := RecoverSagaState(ctx, log, sagaID, RollbackRecovery)
	if err != nil {
		return err
	}
	// RollbackRecovery 对不安全状态已经补了 AbortSaga；
	// 已完成的 saga 没有可中止的余地，按 no-op 处理
	if state.IsSagaAborted() || state.IsSagaCompleted() {
		return nil
	}
	abortMsg := MakeAbortSagaMessage(sagaID)
	if err := validateSagaUpdate(state, abortMsg); err != nil {
		return err
	}
	if err := log.LogMessage(ctx, abortMsg); err != nil {
		return wrapStoreError(sagaID, err)
	}
	return nil
}

func deleteSagaInLog(ctx context.Context, log ISagaLog, sagaID string) error {
	if err := log.DeleteSaga(ctx, sagaID); err != nil {
		return wrapStoreError(sagaID, err)
	}
	return nil
}
