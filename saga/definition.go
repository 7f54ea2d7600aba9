package saga

import (
	"context"
	"fmt"
)

// InvokeFunc 步骤的正向回调
//
// 参数：
//   - data: saga 的初始 job
//   - tc: 任务上下文（前序结果、middleware 累积值、只读 api、可写 ctx）
//
// 返回：
//   - any: 任务结果，随 EndTask 持久化
//   - error: 失败触发 saga 中止与补偿（可选步骤除外）
type InvokeFunc func(ctx context.Context, data any, tc *TaskContext) (any, error)

// CompensateFunc 步骤的补偿回调
//
// 参数：
//   - data: saga 的初始 job
//   - cc: 补偿上下文（TaskData 为被补偿任务的结果）
type CompensateFunc func(ctx context.Context, data any, cc *CompensationContext) (any, error)

// MiddlewareFunc 步骤的 middleware 回调
//
// 返回非 nil 的 map 时合并进累积 map，暴露给后续 middleware 与
// invoke 回调；返回 error 时 middleware 失败，saga 中止。
type MiddlewareFunc func(ctx context.Context, data any, tc *TaskContext) (map[string]any, error)

// stepKind 步骤种类：首尾是合成标记，任务步骤承载回调
type stepKind int

const (
	stepKindStart stepKind = iota
	stepKindTask
	stepKindEnd
)

// SagaStep saga 定义中的一个步骤
//
// Name 在同一定义内必须唯一，用于标识任务与记录执行状态。
type SagaStep struct {
	Name       string
	Invoke     InvokeFunc
	Compensate CompensateFunc
	Middleware []MiddlewareFunc
	Optional   bool

	kind stepKind
}

// NewStep 创建任务步骤
func NewStep(name string, invoke InvokeFunc) *SagaStep {
	return &SagaStep{
		Name:   name,
		Invoke: invoke,
		kind:   stepKindTask,
	}
}

// WithCompensation 设置补偿回调（支持链式调用）
func (s *SagaStep) WithCompensation(compensate CompensateFunc) *SagaStep {
	s.Compensate = compensate
	return s
}

// WithMiddleware 追加 middleware 回调，按添加顺序执行（支持链式调用）
func (s *SagaStep) WithMiddleware(mw ...MiddlewareFunc) *SagaStep {
	s.Middleware = append(s.Middleware, mw...)
	return s
}

// AsOptional 标记为可选步骤：失败被记录但不中止 saga
func (s *SagaStep) AsOptional() *SagaStep {
	s.Optional = true
	return s
}

// HasCompensation 是否设置了补偿回调
func (s *SagaStep) HasCompensation() bool {
	return s.Compensate != nil
}

// SagaDefinition 有序步骤序列，由合成的 Start/End 标记包裹
//
// 通过 NewSagaDefinition(...).AddStep(...).Build() 构造。
type SagaDefinition struct {
	name  string
	steps []*SagaStep
}

// Name 返回定义名称
func (d *SagaDefinition) Name() string { return d.name }

// Steps 返回含合成标记的完整步骤序列
func (d *SagaDefinition) Steps() []*SagaStep { return d.steps }

// SagaDefinitionBuilder saga 定义的流式构建器
type SagaDefinitionBuilder struct {
	name  string
	steps []*SagaStep
}

// NewSagaDefinition 创建定义构建器
func NewSagaDefinition(name string) *SagaDefinitionBuilder {
	return &SagaDefinitionBuilder{name: name}
}

// AddStep 追加一个任务步骤（支持链式调用）
func (b *SagaDefinitionBuilder) AddStep(step *SagaStep) *SagaDefinitionBuilder {
	b.steps = append(b.steps, step)
	return b
}

// Step 语法糖：按 name + invoke 追加任务步骤
func (b *SagaDefinitionBuilder) Step(name string, invoke InvokeFunc) *SagaDefinitionBuilder {
	return b.AddStep(NewStep(name, invoke))
}

// Build 校验并产出定义，首尾插入合成标记
//
// 返回：
//   - error: 无步骤、名称重复或缺少 invoke 回调时返回错误
func (b *SagaDefinitionBuilder) Build() (*SagaDefinition, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("saga definition %q has no steps", b.name)
	}
	seen := make(map[string]struct{}, len(b.steps))
	for _, step := range b.steps {
		if step.Name == "" {
			return nil, fmt.Errorf("saga definition %q has a step with an empty name", b.name)
		}
		if step.Invoke == nil {
			return nil, fmt.Errorf("saga definition %q: step %q has no invoke callback", b.name, step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return nil, fmt.Errorf("saga definition %q: duplicate step name %q", b.name, step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	steps := make([]*SagaStep, 0, len(b.steps)+2)
	steps = append(steps, &SagaStep{Name: "__start__", kind: stepKindStart})
	steps = append(steps, b.steps...)
	steps = append(steps, &SagaStep{Name: "__end__", kind: stepKindEnd})
	return &SagaDefinition{name: b.name, steps: steps}, nil
}

// SagaContext saga 级共享上下文的可写句柄
//
// Update 追加一条 UpdateSagaContext 消息并折叠进状态；Get 返回
// 当前上下文快照。
type SagaContext struct {
	saga *Saga
}

// Get 返回上下文快照
func (c *SagaContext) Get() map[string]any {
	return c.saga.GetSagaContext()
}

// Update 合并更新上下文
func (c *SagaContext) Update(ctx context.Context, updates map[string]any) error {
	return c.saga.UpdateSagaContext(ctx, updates)
}

// TaskContext 传给 invoke 与 middleware 回调的任务上下文
type TaskContext struct {
	// SagaID 当前 saga 标识
	SagaID string

	// ParentSagaID/ParentTaskID 父坐标，顶层 saga 为空串
	ParentSagaID string
	ParentTaskID string

	// Prev 前一个任务步骤的 EndTask 结果，首个步骤为 nil
	Prev any

	// Middleware middleware 链的累积结果
	Middleware map[string]any

	// API saga 的只读视图
	API ISagaReadOnly

	// Ctx saga 上下文的可写句柄
	Ctx *SagaContext
}

// CompensationContext 传给补偿回调的上下文
type CompensationContext struct {
	// SagaID 当前 saga 标识
	SagaID string

	// ParentSagaID/ParentTaskID 父坐标
	ParentSagaID string
	ParentTaskID string

	// TaskData 被补偿任务的 EndTask 结果
	TaskData any

	// Middleware 补偿阶段不执行 middleware，恒为空 map
	Middleware map[string]any

	// API saga 的只读视图
	API ISagaReadOnly

	// Ctx saga 上下文的可写句柄
	Ctx *SagaContext
}
