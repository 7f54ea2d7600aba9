package saga

// ISagaReadOnly Saga 的只读视图
//
// 方法集是 Saga 读方法的子集，不暴露任何变更入口。用户回调拿到的
// api 即此类型；实现上用独立的包装结构体而不是接口收窄，避免调用方
// 类型断言回 *Saga 拿到变更方法。
type ISagaReadOnly interface {
	// SagaID 返回 saga 标识
	SagaID() string

	// ParentSagaID 返回父 saga 标识，顶层 saga 为空串
	ParentSagaID() string

	// ParentTaskID 返回父任务标识
	ParentTaskID() string

	// GetJob 返回初始载荷
	GetJob() any

	// IsSagaAborted saga 是否已中止
	IsSagaAborted() bool

	// IsSagaCompleted saga 是否已完成
	IsSagaCompleted() bool

	// IsTaskStarted 任务是否已开始
	IsTaskStarted(taskID string) bool

	// IsTaskCompleted 任务是否已完成
	IsTaskCompleted(taskID string) bool

	// IsCompTaskStarted 补偿任务是否已开始
	IsCompTaskStarted(taskID string) bool

	// IsCompTaskCompleted 补偿任务是否已完成
	IsCompTaskCompleted(taskID string) bool

	// GetStartTaskData 返回 StartTask 携带的载荷
	GetStartTaskData(taskID string) any

	// GetEndTaskData 返回任务结果
	GetEndTaskData(taskID string) any

	// GetSagaContext 返回 saga 上下文的副本
	GetSagaContext() map[string]any
}

// readOnlySaga 只读包装
type readOnlySaga struct {
	s *Saga
}

var _ ISagaReadOnly = (*readOnlySaga)(nil)

func (r *readOnlySaga) SagaID() string                         { return r.s.SagaID() }
func (r *readOnlySaga) ParentSagaID() string                   { return r.s.ParentSagaID() }
func (r *readOnlySaga) ParentTaskID() string                   { return r.s.ParentTaskID() }
func (r *readOnlySaga) GetJob() any                            { return r.s.GetJob() }
func (r *readOnlySaga) IsSagaAborted() bool                    { return r.s.IsSagaAborted() }
func (r *readOnlySaga) IsSagaCompleted() bool                  { return r.s.IsSagaCompleted() }
func (r *readOnlySaga) IsTaskStarted(taskID string) bool       { return r.s.IsTaskStarted(taskID) }
func (r *readOnlySaga) IsTaskCompleted(taskID string) bool     { return r.s.IsTaskCompleted(taskID) }
func (r *readOnlySaga) IsCompTaskStarted(taskID string) bool   { return r.s.IsCompTaskStarted(taskID) }
func (r *readOnlySaga) IsCompTaskCompleted(taskID string) bool { return r.s.IsCompTaskCompleted(taskID) }
func (r *readOnlySaga) GetStartTaskData(taskID string) any     { return r.s.GetStartTaskData(taskID) }
func (r *readOnlySaga) GetEndTaskData(taskID string) any       { return r.s.GetEndTaskData(taskID) }
func (r *readOnlySaga) GetSagaContext() map[string]any         { return r.s.GetSagaContext() }
