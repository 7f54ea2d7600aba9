package saga

import (
	"context"
	"sync"
	"time"

	"sagakit/logging"
)

// DefaultMutationTimeout mailbox 变更的默认超时（入队等待 + 追加返回）
const DefaultMutationTimeout = 5 * time.Second

// SagaConfig Saga handle 配置
//
// 零值可用：超时回落到 DefaultMutationTimeout，logger 回落到全局 Logger。
type SagaConfig struct {
	// MutationTimeout 单次变更的总时限，覆盖入队等待与日志追加
	MutationTimeout time.Duration

	// Logger 组件日志
	Logger logging.ILogger
}

func (c SagaConfig) withDefaults() SagaConfig {
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = DefaultMutationTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("saga.handle")
	}
	return c
}

// sagaMutation mailbox 中的一次 validate-append-apply 请求
type sagaMutation struct {
	ctx  context.Context
	msg  SagaMessage
	resp chan error
}

// Saga 单写者门面，是修改 saga 状态的唯一入口
//
// 所有变更方法通过内部 mailbox 串行化：同一时刻至多一个
// validate-append-apply 周期在执行。校验失败时状态不变；日志追加
// 失败时状态同样不变。读方法返回相对已完成变更的一致快照。
//
// EndSaga 成功后 mailbox 关闭，不再接受任何变更。
type Saga struct {
	sagaID  string
	log     ISagaLog
	logger  logging.ILogger
	timeout time.Duration

	stateMu sync.RWMutex
	state   *SagaState

	mailbox   chan *sagaMutation
	done      chan struct{}
	closeOnce sync.Once
}

// CreateSaga 创建顶层 saga：追加 StartSaga 记录并返回 handle
//
// 返回：
//   - error: sagaID 已存在返回 SAGA_ALREADY_RUNNING；存储失败返回 SAGA_STORE_FAILED
func CreateSaga(ctx context.Context, log ISagaLog, sagaID string, job any, cfg SagaConfig) (*Saga, error) {
	return CreateChildSaga(ctx, log, sagaID, job, "", "", cfg)
}

// CreateChildSaga 创建子 saga，StartSaga 记录携带父坐标
//
// 调用方应保证父 saga 已为 parentTaskID 记录 StartTask；日志层
// 不做跨 saga 因果校验。
func CreateChildSaga(ctx context.Context, log ISagaLog, sagaID string, job any, parentSagaID, parentTaskID string, cfg SagaConfig) (*Saga, error) {
	if err := log.StartSaga(ctx, sagaID, job, parentSagaID, parentTaskID); err != nil {
		return nil, wrapStoreError(sagaID, err)
	}
	state, err := makeSagaState(MakeStartSagaMessage(sagaID, job, parentSagaID, parentTaskID))
	if err != nil {
		return nil, err
	}
	return newSagaHandle(state, log, cfg), nil
}

// RehydrateSaga 用已投影的状态包装一个 handle（恢复路径使用）
func RehydrateSaga(state *SagaState, log ISagaLog, cfg SagaConfig) *Saga {
	return newSagaHandle(state, log, cfg)
}

func newSagaHandle(state *SagaState, log ISagaLog, cfg SagaConfig) *Saga {
	cfg = cfg.withDefaults()
	s := &Saga{
		sagaID:  state.SagaID(),
		log:     log,
		logger:  cfg.Logger.WithField("saga_id", state.SagaID()),
		timeout: cfg.MutationTimeout,
		state:   state,
		mailbox: make(chan *sagaMutation),
		done:    make(chan struct{}),
	}
	// 已终结的 saga 也允许 rehydrate（只读访问场景），此时不再接受变更
	if state.IsSagaCompleted() {
		s.closeOnce.Do(func() { close(s.done) })
	} else {
		go s.serve()
	}
	return s
}

// serve mailbox 工作协程：串行处理变更请求
func (s *Saga) serve() {
	for {
		select {
		case m := <-s.mailbox:
			err := s.process(m)
			m.resp <- err
			if err == nil && m.msg.MsgType == EndSaga {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// process 执行一次 validate-append-apply 周期
func (s *Saga) process(m *sagaMutation) error {
	if err := validateSagaUpdate(s.state, m.msg); err != nil {
		return err
	}
	if err := s.log.LogMessage(m.ctx, m.msg); err != nil {
		s.logger.Error(m.ctx, "log append failed",
			logging.String("msg_type", m.msg.MsgType.String()),
			logging.Error(err))
		return wrapStoreError(s.sagaID, err)
	}
	s.stateMu.Lock()
	applySagaMessage(s.state, m.msg)
	s.stateMu.Unlock()
	return nil
}

// logMutation 提交一次变更并等待结果，总时限为 MutationTimeout
func (s *Saga) logMutation(ctx context.Context, msg SagaMessage) error {
	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := &sagaMutation{ctx: mctx, msg: msg, resp: make(chan error, 1)}

	select {
	case s.mailbox <- m:
	case <-s.done:
		return NewSagaInvalidStateError(s.sagaID, msg.TaskID, "saga handle is closed")
	case <-mctx.Done():
		return NewSagaMutationTimeoutError(s.sagaID, msg.MsgType)
	}

	select {
	case err := <-m.resp:
		return err
	case <-mctx.Done():
		return NewSagaMutationTimeoutError(s.sagaID, msg.MsgType)
	}
}

// wrapStoreError 保留已分类的 SagaError，其余按存储失败包装
func wrapStoreError(sagaID string, err error) error {
	if _, ok := err.(*SagaError); ok {
		return err
	}
	return NewSagaStoreFailedError(sagaID, err)
}

// Close 释放 handle：关闭 mailbox，之后所有变更失败
//
// 不追加任何日志消息；EndSaga 成功时会自动调用。
func (s *Saga) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ========== 变更方法 ==========

// StartTask 记录任务开始，data 为任务入参快照
func (s *Saga) StartTask(ctx context.Context, taskID string, data any) error {
	return s.logMutation(ctx, MakeStartTaskMessage(s.sagaID, taskID, data, nil))
}

// StartTaskWithMetadata 记录任务开始并携带元数据（如 MetadataKeyOptional）
func (s *Saga) StartTaskWithMetadata(ctx context.Context, taskID string, data any, metadata map[string]any) error {
	return s.logMutation(ctx, MakeStartTaskMessage(s.sagaID, taskID, data, metadata))
}

// EndTask 记录任务完成，result 为任务结果
func (s *Saga) EndTask(ctx context.Context, taskID string, result any) error {
	return s.logMutation(ctx, MakeEndTaskMessage(s.sagaID, taskID, result))
}

// StartCompTask 记录补偿任务开始，data 为被补偿任务的结果
func (s *Saga) StartCompTask(ctx context.Context, taskID string, data any) error {
	return s.logMutation(ctx, MakeStartCompTaskMessage(s.sagaID, taskID, data))
}

// EndCompTask 记录补偿任务完成
func (s *Saga) EndCompTask(ctx context.Context, taskID string, result any) error {
	return s.logMutation(ctx, MakeEndCompTaskMessage(s.sagaID, taskID, result))
}

// AbortSaga 中止 saga，之后只接受补偿与收尾消息
func (s *Saga) AbortSaga(ctx context.Context) error {
	return s.logMutation(ctx, MakeAbortSagaMessage(s.sagaID))
}

// EndSaga 结束 saga；成功后 mailbox 关闭
func (s *Saga) EndSaga(ctx context.Context) error {
	return s.logMutation(ctx, MakeEndSagaMessage(s.sagaID))
}

// UpdateSagaContext 合并更新 saga 上下文
func (s *Saga) UpdateSagaContext(ctx context.Context, updates map[string]any) error {
	return s.logMutation(ctx, MakeUpdateSagaContextMessage(s.sagaID, updates))
}

// ========== 读方法（一致快照）==========

// SagaID 返回 saga 标识
func (s *Saga) SagaID() string { return s.sagaID }

// ParentSagaID 返回父 saga 标识
func (s *Saga) ParentSagaID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.ParentSagaID()
}

// ParentTaskID 返回父任务标识
func (s *Saga) ParentTaskID() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.ParentTaskID()
}

// GetJob 返回 StartSaga 携带的初始载荷
func (s *Saga) GetJob() any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.Job()
}

// IsSagaAborted saga 是否已中止
func (s *Saga) IsSagaAborted() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsSagaAborted()
}

// IsSagaCompleted saga 是否已完成
func (s *Saga) IsSagaCompleted() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsSagaCompleted()
}

// IsTaskStarted 任务是否已开始
func (s *Saga) IsTaskStarted(taskID string) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsTaskStarted(taskID)
}

// IsTaskCompleted 任务是否已完成
func (s *Saga) IsTaskCompleted(taskID string) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsTaskCompleted(taskID)
}

// IsCompTaskStarted 补偿任务是否已开始
func (s *Saga) IsCompTaskStarted(taskID string) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsCompTaskStarted(taskID)
}

// IsCompTaskCompleted 补偿任务是否已完成
func (s *Saga) IsCompTaskCompleted(taskID string) bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.IsCompTaskCompleted(taskID)
}

// GetStartTaskData 返回 StartTask 携带的载荷
func (s *Saga) GetStartTaskData(taskID string) any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.GetStartTaskData(taskID)
}

// GetEndTaskData 返回任务结果
func (s *Saga) GetEndTaskData(taskID string) any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.GetEndTaskData(taskID)
}

// GetSagaContext 返回 saga 上下文的副本
func (s *Saga) GetSagaContext() map[string]any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.Context()
}

// AsReadOnly 返回只读视图，可安全传递给用户回调
func (s *Saga) AsReadOnly() ISagaReadOnly {
	return &readOnlySaga{s: s}
}
