package saga

import "context"

// SagaRecoveryType 恢复策略
type SagaRecoveryType int

const (
	// ForwardRecovery 重建状态后直接续跑：handle 从中断处继续执行
	ForwardRecovery SagaRecoveryType = iota

	// RollbackRecovery 重建状态后，若 saga 不在安全状态则追加
	// AbortSaga，使后续 run 进入补偿阶段
	RollbackRecovery
)

func (t SagaRecoveryType) String() string {
	switch t {
	case ForwardRecovery:
		return "ForwardRecovery"
	case RollbackRecovery:
		return "RollbackRecovery"
	}
	return "SagaRecoveryType(unknown)"
}

// RecoverSagaState 从日志重建 saga 状态
//
// 从头重放全部消息：第一条必须是 StartSaga，之后逐条经过迁移校验。
// 重放过程中的任何校验失败都说明持久化数据已损坏，返回
// SAGA_LOG_CORRUPT。
//
// RollbackRecovery 下，若重建出的状态不安全（存在 started 而未 ended
// 的任务），追加 AbortSaga 并应用，保证补偿会被执行。
//
// 返回：
//   - *SagaState: 重建的状态
//   - error: saga 不存在返回 SAGA_NOT_RUNNING
func RecoverSagaState(ctx context.Context, log ISagaLog, sagaID string, recoveryType SagaRecoveryType) (*SagaState, error) {
	msgs, err := log.GetMessages(ctx, sagaID)
	if err != nil {
		return nil, wrapStoreError(sagaID, err)
	}
	if len(msgs) == 0 {
		return nil, NewSagaLogCorruptError(sagaID, nil)
	}

	state, err := makeSagaState(msgs[0])
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs[1:] {
		if err := UpdateSagaState(state, msg); err != nil {
			return nil, NewSagaLogCorruptError(sagaID, err)
		}
	}

	if recoveryType == RollbackRecovery && !IsSagaInSafeState(state) {
		abortMsg := MakeAbortSagaMessage(sagaID)
		if err := validateSagaUpdate(state, abortMsg); err != nil {
			return nil, err
		}
		if err := log.LogMessage(ctx, abortMsg); err != nil {
			return nil, wrapStoreError(sagaID, err)
		}
		applySagaMessage(state, abortMsg)
	}

	return state, nil
}

// RecoverSaga 重建状态并返回可继续驱动的 Saga handle
func RecoverSaga(ctx context.Context, log ISagaLog, sagaID string, recoveryType SagaRecoveryType, cfg SagaConfig) (*Saga, error) {
	state, err := RecoverSagaState(ctx, log, sagaID, recoveryType)
	if err != nil {
		return nil, err
	}
	return RehydrateSaga(state, log, cfg), nil
}
