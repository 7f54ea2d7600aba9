package saga

import "fmt"

// taskStatus 单个任务的执行进度与各阶段载荷
type taskStatus struct {
	started     bool
	ended       bool
	compStarted bool
	compEnded   bool

	startData     any
	endData       any
	compStartData any
	compEndData   any

	metadata map[string]any
}

// SagaState saga 日志的内存投影
//
// 由 StartSaga 消息创建，之后只能通过 UpdateSagaState 按序折叠消息
// 来演进。对同一消息序列，从头折叠与增量应用得到的状态必须一致。
//
// SagaState 本身不做并发保护，持有者（Saga handle）负责串行化写入。
type SagaState struct {
	sagaID       string
	job          any
	parentSagaID string
	parentTaskID string

	aborted   bool
	completed bool

	context map[string]any
	tasks   map[string]*taskStatus
}

// makeSagaState 从 StartSaga 消息构造初始状态
func makeSagaState(msg SagaMessage) (*SagaState, error) {
	if msg.MsgType != StartSaga {
		return nil, NewSagaLogCorruptError(msg.SagaID,
			fmt.Errorf("first message must be StartSaga, got %s", msg.MsgType))
	}
	if msg.SagaID == "" {
		return nil, NewSagaInvalidStateError("", "", "sagaId cannot be empty")
	}
	return &SagaState{
		sagaID:       msg.SagaID,
		job:          msg.Data,
		parentSagaID: msg.ParentSagaID,
		parentTaskID: msg.ParentTaskID,
		context:      make(map[string]any),
		tasks:        make(map[string]*taskStatus),
	}, nil
}

// SagaID 返回状态所属的 saga 标识
func (s *SagaState) SagaID() string { return s.sagaID }

// Job 返回 StartSaga 携带的初始载荷
func (s *SagaState) Job() any { return s.job }

// ParentSagaID 返回父 saga 标识，顶层 saga 为空串
func (s *SagaState) ParentSagaID() string { return s.parentSagaID }

// ParentTaskID 返回父 saga 中创建本 saga 的任务标识
func (s *SagaState) ParentTaskID() string { return s.parentTaskID }

// IsSagaAborted saga 是否已中止
func (s *SagaState) IsSagaAborted() bool { return s.aborted }

// IsSagaCompleted saga 是否已正常完成
func (s *SagaState) IsSagaCompleted() bool { return s.completed }

// IsTaskStarted 任务是否已记录 StartTask
func (s *SagaState) IsTaskStarted(taskID string) bool {
	t, ok := s.tasks[taskID]
	return ok && t.started
}

// IsTaskCompleted 任务是否已记录 EndTask
func (s *SagaState) IsTaskCompleted(taskID string) bool {
	t, ok := s.tasks[taskID]
	return ok && t.ended
}

// IsCompTaskStarted 补偿任务是否已记录 StartCompTask
func (s *SagaState) IsCompTaskStarted(taskID string) bool {
	t, ok := s.tasks[taskID]
	return ok && t.compStarted
}

// IsCompTaskCompleted 补偿任务是否已记录 EndCompTask
func (s *SagaState) IsCompTaskCompleted(taskID string) bool {
	t, ok := s.tasks[taskID]
	return ok && t.compEnded
}

// GetStartTaskData 返回 StartTask 携带的载荷
func (s *SagaState) GetStartTaskData(taskID string) any {
	if t, ok := s.tasks[taskID]; ok {
		return t.startData
	}
	return nil
}

// GetEndTaskData 返回 EndTask 携带的任务结果
func (s *SagaState) GetEndTaskData(taskID string) any {
	if t, ok := s.tasks[taskID]; ok {
		return t.endData
	}
	return nil
}

// GetEndCompTaskData 返回 EndCompTask 携带的补偿结果
func (s *SagaState) GetEndCompTaskData(taskID string) any {
	if t, ok := s.tasks[taskID]; ok {
		return t.compEndData
	}
	return nil
}

// GetTaskMetadata 返回 StartTask 携带的元数据
func (s *SagaState) GetTaskMetadata(taskID string) map[string]any {
	if t, ok := s.tasks[taskID]; ok {
		return t.metadata
	}
	return nil
}

// TaskIDs 返回所有出现过 StartTask 的任务标识
func (s *SagaState) TaskIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Context 返回 saga 上下文的副本
func (s *SagaState) Context() map[string]any {
	copied := make(map[string]any, len(s.context))
	for k, v := range s.context {
		copied[k] = v
	}
	return copied
}

// IsSagaInSafeState saga 是否处于安全状态
//
// 安全状态：已中止，或者所有已开始的任务都已结束。处于安全状态的
// saga 崩溃后可以直接正向续跑，不会重放执行中的任务。
func IsSagaInSafeState(s *SagaState) bool {
	if s.aborted {
		return true
	}
	for _, t := range s.tasks {
		if t.started && !t.ended {
			return false
		}
	}
	return true
}

// UpdateSagaState 校验并应用一条消息
//
// 校验失败返回 SAGA_INVALID_STATE，此时 state 不发生任何变化。
// 校验通过后原地应用变更。
func UpdateSagaState(s *SagaState, msg SagaMessage) error {
	if err := validateSagaUpdate(s, msg); err != nil {
		return err
	}
	applySagaMessage(s, msg)
	return nil
}

// validateSagaUpdate 纯校验函数：不修改 state
func validateSagaUpdate(s *SagaState, msg SagaMessage) error {
	if msg.SagaID != s.sagaID {
		return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
			fmt.Sprintf("message sagaId %q does not match state sagaId %q", msg.SagaID, s.sagaID))
	}

	// 终态之后拒绝一切消息
	if s.completed {
		return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
			fmt.Sprintf("cannot apply %s to a completed saga", msg.MsgType))
	}

	// 中止之后只允许补偿、收尾与上下文更新
	if s.aborted {
		switch msg.MsgType {
		case StartCompTask, EndCompTask, EndSaga, UpdateSagaContext:
		default:
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				fmt.Sprintf("cannot apply %s to an aborted saga", msg.MsgType))
		}
	}

	switch msg.MsgType {
	case StartSaga:
		return NewSagaInvalidStateError(s.sagaID, "",
			"cannot apply StartSaga to an already existing saga")

	case EndSaga:
		// completed 已在上面拦截

	case AbortSaga:
		// aborted/completed 已在上面拦截；重复 AbortSaga 会被 aborted 分支拒绝

	case StartTask:
		if err := validateTaskID(s, msg.TaskID); err != nil {
			return err
		}
		if s.IsTaskStarted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot StartTask after it has already been started")
		}

	case EndTask:
		if err := validateTaskID(s, msg.TaskID); err != nil {
			return err
		}
		if !s.IsTaskStarted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot EndTask before a StartTask message")
		}
		if s.IsTaskCompleted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot EndTask after it has already been completed")
		}

	case StartCompTask:
		if err := validateTaskID(s, msg.TaskID); err != nil {
			return err
		}
		if !s.aborted {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot StartCompTask when saga has not been aborted")
		}
		if !s.IsTaskCompleted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot StartCompTask before the task has completed")
		}
		if s.IsCompTaskCompleted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot StartCompTask after compensation has completed")
		}

	case EndCompTask:
		if err := validateTaskID(s, msg.TaskID); err != nil {
			return err
		}
		if !s.IsCompTaskStarted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot EndCompTask before a StartCompTask message")
		}
		if s.IsCompTaskCompleted(msg.TaskID) {
			return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
				"cannot EndCompTask after compensation has completed")
		}

	case UpdateSagaContext:
		if msg.Data != nil {
			if _, ok := msg.Data.(map[string]any); !ok {
				return NewSagaInvalidStateError(s.sagaID, "",
					fmt.Sprintf("context update payload must be a map, got %T", msg.Data))
			}
		}

	default:
		return NewSagaInvalidStateError(s.sagaID, msg.TaskID,
			fmt.Sprintf("unknown message type %s", msg.MsgType))
	}

	return nil
}

// applySagaMessage 应用已通过校验的消息
func applySagaMessage(s *SagaState, msg SagaMessage) {
	switch msg.MsgType {
	case EndSaga:
		s.completed = true

	case AbortSaga:
		s.aborted = true

	case StartTask:
		t := s.taskFor(msg.TaskID)
		t.started = true
		t.startData = msg.Data
		t.metadata = msg.Metadata

	case EndTask:
		t := s.taskFor(msg.TaskID)
		t.ended = true
		t.endData = msg.Data

	case StartCompTask:
		t := s.taskFor(msg.TaskID)
		t.compStarted = true
		t.compStartData = msg.Data

	case EndCompTask:
		t := s.taskFor(msg.TaskID)
		t.compEnded = true
		t.compEndData = msg.Data

	case UpdateSagaContext:
		if updates, ok := msg.Data.(map[string]any); ok {
			for k, v := range updates {
				s.context[k] = v
			}
		}
	}
}

func (s *SagaState) taskFor(taskID string) *taskStatus {
	t, ok := s.tasks[taskID]
	if !ok {
		t = &taskStatus{}
		s.tasks[taskID] = t
	}
	return t
}

func validateTaskID(s *SagaState, taskID string) error {
	if taskID == "" {
		return NewSagaInvalidStateError(s.sagaID, "", "taskId cannot be empty")
	}
	return nil
}
