package saga

import (
	"context"
	"time"

	"sagakit/logging"
)

// OptionalTaskErrorsKey 可选任务失败信息在 saga 上下文中的存放键
//
// 值为 map[string]any：步骤名 → 错误描述。随 UpdateSagaContext 持久化，
// 恢复后仍然可见。
const OptionalTaskErrorsKey = "__optionalTaskErrors__"

// Orchestrator saga 执行器
//
// 驱动一个 SagaDefinition 对着 Saga handle 执行：正向阶段逐步
// StartTask → invoke → EndTask，最后 EndSaga；任一必选步骤失败则
// 追加 AbortSaga 并按逆序执行补偿。Run 不启动任何后台协程，在
// saga 到达终态（completed 或补偿完毕的 aborted）后返回。
//
// 同一个 Orchestrator 可以并发驱动不同的 saga；事件订阅者按注册
// 顺序被同步调用。
type Orchestrator struct {
	listeners []ISagaEventListener
	logger    logging.ILogger
}

// NewOrchestrator 创建执行器
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		logger: logging.ComponentLogger("saga.orchestrator"),
	}
}

// Subscribe 注册事件订阅者
//
// 不做并发保护：订阅应在开始驱动 saga 之前完成。
func (o *Orchestrator) Subscribe(listener ISagaEventListener) {
	o.listeners = append(o.listeners, listener)
}

func (o *Orchestrator) emit(ctx context.Context, evt SagaEvent) {
	evt.Timestamp = time.Now()
	for _, l := range o.listeners {
		l.HandleSagaEvent(ctx, evt)
	}
}

// Run 驱动 saga 至终态
//
// 入口分派：
//   - 已完成：立即返回
//   - 已中止：直接进入补偿阶段
//   - 否则：定位续跑点（第一个未 completed 的步骤——不是未 started，
//     崩溃时执行中的任务会被重试），从那里正向执行
//
// 用户回调的失败不会从 Run 返回：saga 进入 aborted 终态后 Run 正常
// 返回 nil，调用方通过 handle 的 IsSagaAborted/IsSagaCompleted 区分
// 成败。Run 返回非 nil 仅代表引擎故障（存储失败、变更超时、状态
// 校验失败），此时 saga 停留在最后一次成功追加的状态，可恢复续跑。
func (o *Orchestrator) Run(ctx context.Context, s *Saga, def *SagaDefinition) error {
	job := s.GetJob()

	if s.IsSagaCompleted() {
		return nil
	}

	if !s.IsSagaAborted() {
		userErr, err := o.runForward(ctx, s, def, job)
		if err != nil {
			return err
		}
		if userErr == nil {
			return nil
		}
		o.emit(ctx, SagaEvent{Type: EventSagaFailed, SagaID: s.SagaID(), Data: job, Err: userErr})
		if err := s.AbortSaga(ctx); err != nil {
			return err
		}
	}

	o.compensate(ctx, s, def, job)
	return nil
}

// runForward 正向阶段
//
// 返回：
//   - userErr: 用户回调/middleware 失败，触发中止与补偿
//   - err: 引擎故障，直接向 Run 的调用方暴露
func (o *Orchestrator) runForward(ctx context.Context, s *Saga, def *SagaDefinition, job any) (userErr, err error) {
	o.emit(ctx, SagaEvent{Type: EventSagaStarted, SagaID: s.SagaID(), Data: job})

	steps := def.Steps()
	for i := resumeIndex(s, def); i < len(steps); i++ {
		step := steps[i]
		switch step.kind {
		case stepKindStart:
			continue

		case stepKindEnd:
			if err := s.EndSaga(ctx); err != nil {
				return nil, err
			}
			o.emit(ctx, SagaEvent{Type: EventSagaSucceeded, SagaID: s.SagaID(), Data: job})
			return nil, nil
		}

		prevResult := prevTaskResult(s, def, i)
		tc := &TaskContext{
			SagaID:       s.SagaID(),
			ParentSagaID: s.ParentSagaID(),
			ParentTaskID: s.ParentTaskID(),
			Prev:         prevResult,
			Middleware:   make(map[string]any),
			API:          s.AsReadOnly(),
			Ctx:          &SagaContext{saga: s},
		}

		if userErr, err := o.runMiddleware(ctx, s, step, job, tc); userErr != nil || err != nil {
			return userErr, err
		}

		// 崩溃后重试：已 started 未 ended 的任务不再重复 StartTask
		if !s.IsTaskStarted(step.Name) {
			metadata := map[string]any{MetadataKeyOptional: step.Optional}
			if err := s.StartTaskWithMetadata(ctx, step.Name, prevResult, metadata); err != nil {
				return nil, err
			}
			o.emit(ctx, SagaEvent{Type: EventTaskStarted, SagaID: s.SagaID(), Data: job, TaskName: step.Name})
		}

		result, invokeErr := step.Invoke(ctx, job, tc)
		if invokeErr != nil {
			wrapped := NewSagaCallbackFailedError(s.SagaID(), step.Name, invokeErr)
			if step.Optional {
				o.emit(ctx, SagaEvent{Type: EventOptionalTaskFailed, SagaID: s.SagaID(), Data: job, TaskName: step.Name, Err: wrapped})
				if err := s.EndTask(ctx, step.Name, nil); err != nil {
					return nil, err
				}
				if err := o.stashOptionalError(ctx, s, step.Name, invokeErr); err != nil {
					return nil, err
				}
				continue
			}
			o.emit(ctx, SagaEvent{Type: EventTaskFailed, SagaID: s.SagaID(), Data: job, TaskName: step.Name, Err: wrapped})
			return wrapped, nil
		}

		if err := s.EndTask(ctx, step.Name, result); err != nil {
			return nil, err
		}
		o.emit(ctx, SagaEvent{Type: EventTaskSucceeded, SagaID: s.SagaID(), Data: job, TaskName: step.Name})
	}

	// Build 保证末尾是 End 标记，正常路径不会走到这里
	return nil, NewSagaInvalidStateError(s.SagaID(), "", "saga definition has no end marker")
}

// runMiddleware 按序执行步骤的 middleware 链，非 nil 返回值合并进累积 map
func (o *Orchestrator) runMiddleware(ctx context.Context, s *Saga, step *SagaStep, job any, tc *TaskContext) (userErr, err error) {
	for _, mw := range step.Middleware {
		out, mwErr := mw(ctx, job, tc)
		if mwErr != nil {
			wrapped := NewSagaCallbackFailedError(s.SagaID(), step.Name, mwErr)
			o.emit(ctx, SagaEvent{
				Type: EventMiddlewareFailed, SagaID: s.SagaID(), Data: job,
				TaskName: step.Name, Err: wrapped, MiddlewareData: tc.Middleware,
			})
			return wrapped, nil
		}
		for k, v := range out {
			tc.Middleware[k] = v
		}
		o.emit(ctx, SagaEvent{
			Type: EventMiddlewareSucceeded, SagaID: s.SagaID(), Data: job,
			TaskName: step.Name, MiddlewareData: tc.Middleware,
		})
	}
	return nil, nil
}

// compensate 补偿阶段：逆序补偿所有已完成且未补偿完的任务
//
// 补偿是 best-effort：单个补偿失败（回调或日志追加）记录事件后
// 继续处理其余步骤，saga 不会被标记为 completed。
func (o *Orchestrator) compensate(ctx context.Context, s *Saga, def *SagaDefinition, job any) {
	steps := def.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.kind != stepKindTask {
			continue
		}
		if !s.IsTaskCompleted(step.Name) {
			continue
		}
		if s.IsCompTaskCompleted(step.Name) {
			continue
		}
		if step.Compensate == nil {
			continue
		}

		taskData := s.GetEndTaskData(step.Name)
		o.emit(ctx, SagaEvent{Type: EventCompensationStarted, SagaID: s.SagaID(), Data: job, TaskName: step.Name})

		if err := s.StartCompTask(ctx, step.Name, taskData); err != nil {
			o.logger.Error(ctx, "compensation log append failed",
				logging.String("saga_id", s.SagaID()),
				logging.String("task", step.Name),
				logging.Error(err))
			o.emit(ctx, SagaEvent{Type: EventCompensationFailed, SagaID: s.SagaID(), Data: job, TaskName: step.Name, Err: err})
			continue
		}

		cc := &CompensationContext{
			SagaID:       s.SagaID(),
			ParentSagaID: s.ParentSagaID(),
			ParentTaskID: s.ParentTaskID(),
			TaskData:     taskData,
			Middleware:   make(map[string]any),
			API:          s.AsReadOnly(),
			Ctx:          &SagaContext{saga: s},
		}
		result, compErr := step.Compensate(ctx, job, cc)
		if compErr != nil {
			wrapped := NewSagaCallbackFailedError(s.SagaID(), step.Name, compErr)
			o.emit(ctx, SagaEvent{Type: EventCompensationFailed, SagaID: s.SagaID(), Data: job, TaskName: step.Name, Err: wrapped})
			continue
		}

		if err := s.EndCompTask(ctx, step.Name, result); err != nil {
			o.emit(ctx, SagaEvent{Type: EventCompensationFailed, SagaID: s.SagaID(), Data: job, TaskName: step.Name, Err: err})
			continue
		}
		o.emit(ctx, SagaEvent{Type: EventCompensationSucceeded, SagaID: s.SagaID(), Data: job, TaskName: step.Name})
	}
}

// stashOptionalError 把可选任务的失败记到上下文的 OptionalTaskErrorsKey 下
func (o *Orchestrator) stashOptionalError(ctx context.Context, s *Saga, taskName string, cause error) error {
	current, _ := s.GetSagaContext()[OptionalTaskErrorsKey].(map[string]any)
	merged := make(map[string]any, len(current)+1)
	for k, v := range current {
		merged[k] = v
	}
	merged[taskName] = cause.Error()
	return s.UpdateSagaContext(ctx, map[string]any{OptionalTaskErrorsKey: merged})
}

// resumeIndex 定位续跑点：第一个任务未 completed 的步骤下标
//
// 全部完成时返回 End 标记的下标。
func resumeIndex(s *Saga, def *SagaDefinition) int {
	steps := def.Steps()
	for i, step := range steps {
		if step.kind != stepKindTask {
			continue
		}
		if !s.IsTaskCompleted(step.Name) {
			return i
		}
	}
	return len(steps) - 1
}

// prevTaskResult 返回定义顺序上前一个任务步骤的 EndTask 结果
func prevTaskResult(s *Saga, def *SagaDefinition, idx int) any {
	steps := def.Steps()
	for i := idx - 1; i >= 0; i-- {
		if steps[i].kind == stepKindTask {
			return s.GetEndTaskData(steps[i].Name)
		}
	}
	return nil
}
