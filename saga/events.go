package saga

import (
	"context"
	"time"

	"sagakit/logging"
)

// SagaEventType saga 生命周期事件类型
type SagaEventType string

// Saga lifecycle event types
const (
	EventSagaStarted           SagaEventType = "SagaStarted"
	EventSagaSucceeded         SagaEventType = "SagaSucceeded"
	EventSagaFailed            SagaEventType = "SagaFailed"
	EventTaskStarted           SagaEventType = "TaskStarted"
	EventTaskSucceeded         SagaEventType = "TaskSucceeded"
	EventTaskFailed            SagaEventType = "TaskFailed"
	EventOptionalTaskFailed    SagaEventType = "OptionalTaskFailed"
	EventMiddlewareSucceeded   SagaEventType = "MiddlewareSucceeded"
	EventMiddlewareFailed      SagaEventType = "MiddlewareFailed"
	EventCompensationStarted   SagaEventType = "CompensationStarted"
	EventCompensationSucceeded SagaEventType = "CompensationSucceeded"
	EventCompensationFailed    SagaEventType = "CompensationFailed"
)

// SagaEvent 执行器发出的生命周期事件
//
// 事件在算法发生点同步发出，同一次 run 内的事件保持发生顺序。
type SagaEvent struct {
	// Type 事件类型
	Type SagaEventType

	// SagaID 事件所属 saga
	SagaID string

	// Data saga 的初始 job
	Data any

	// TaskName 任务级事件携带的步骤名
	TaskName string

	// Err 失败类事件携带的错误
	Err error

	// MiddlewareData middleware 事件携带的累积结果
	MiddlewareData map[string]any

	// Timestamp 事件发生时间
	Timestamp time.Time
}

// ISagaEventListener saga 事件订阅者
//
// 订阅者是纯接收方（日志、追踪、树形跟踪等插件），按注册顺序被
// 同步调用，不得 panic，也没有错误返回通道。
type ISagaEventListener interface {
	// HandleSagaEvent 处理一条事件
	HandleSagaEvent(ctx context.Context, evt SagaEvent)
}

// SagaEventListenerFunc 函数适配器
type SagaEventListenerFunc func(ctx context.Context, evt SagaEvent)

func (f SagaEventListenerFunc) HandleSagaEvent(ctx context.Context, evt SagaEvent) {
	f(ctx, evt)
}

// NewLoggingListener 创建把全部事件写入 logger 的订阅者
func NewLoggingListener(logger logging.ILogger) ISagaEventListener {
	return SagaEventListenerFunc(func(ctx context.Context, evt SagaEvent) {
		fields := []logging.Field{
			logging.String("event", string(evt.Type)),
			logging.String("saga_id", evt.SagaID),
		}
		if evt.TaskName != "" {
			fields = append(fields, logging.String("task", evt.TaskName))
		}
		if evt.Err != nil {
			fields = append(fields, logging.Error(evt.Err))
			logger.Warn(ctx, "saga event", fields...)
			return
		}
		logger.Info(ctx, "saga event", fields...)
	})
}
