package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureListener 收集事件用于断言
type captureListener struct {
	events []SagaEvent
}

func (l *captureListener) HandleSagaEvent(ctx context.Context, evt SagaEvent) {
	l.events = append(l.events, evt)
}

func (l *captureListener) types() []SagaEventType {
	types := make([]SagaEventType, 0, len(l.events))
	for _, evt := range l.events {
		types = append(types, evt.Type)
	}
	return types
}

func messageTypes(t *testing.T, log ISagaLog, sagaID string) []SagaMessageType {
	t.Helper()
	msgs, err := log.GetMessages(context.Background(), sagaID)
	require.NoError(t, err)
	types := make([]SagaMessageType, 0, len(msgs))
	for _, msg := range msgs {
		types = append(types, msg.MsgType)
	}
	return types
}

func noopInvoke(result any) InvokeFunc {
	return func(ctx context.Context, data any, tc *TaskContext) (any, error) {
		return result, nil
	}
}

func noopCompensate() CompensateFunc {
	return func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
		return nil, nil
	}
}

// TestOrchestrator_HappyPathThreeSteps 三步正常执行（场景 S1）
func TestOrchestrator_HappyPathThreeSteps(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	def, err := NewSagaDefinition("order").
		AddStep(NewStep("pay", noopInvoke(map[string]any{"paymentId": "p1"})).WithCompensation(noopCompensate())).
		AddStep(NewStep("reserve", noopInvoke(map[string]any{"resId": "r1"})).WithCompensation(noopCompensate())).
		AddStep(NewStep("ship", noopInvoke(map[string]any{"trk": "t1"}))).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", map[string]any{"order": "o-1"}, SagaConfig{})
	require.NoError(t, err)

	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaCompleted())
	assert.False(t, s.IsSagaAborted())
	assert.Equal(t, []SagaMessageType{
		StartSaga,
		StartTask, EndTask,
		StartTask, EndTask,
		StartTask, EndTask,
		EndSaga,
	}, messageTypes(t, log, "saga-1"))

	assert.Equal(t, []SagaEventType{
		EventSagaStarted,
		EventTaskStarted, EventTaskSucceeded,
		EventTaskStarted, EventTaskSucceeded,
		EventTaskStarted, EventTaskSucceeded,
		EventSagaSucceeded,
	}, listener.types())
}

// TestOrchestrator_SingleStepFourMessages 单步 saga 恰好四条消息
func TestOrchestrator_SingleStepFourMessages(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	o := NewOrchestrator()

	def, err := NewSagaDefinition("single").Step("only", noopInvoke("done")).Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

// TestOrchestrator_PrevResultFlowsToNextStep 前序结果传递
func TestOrchestrator_PrevResultFlowsToNextStep(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	o := NewOrchestrator()

	var seenPrev any
	def, err := NewSagaDefinition("chain").
		Step("first", noopInvoke("first-result")).
		AddStep(NewStep("second", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			seenPrev = tc.Prev
			return nil, nil
		})).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.Equal(t, "first-result", seenPrev)

	// StartTask 的 payload 是前序结果
	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	var secondStart SagaMessage
	for _, msg := range msgs {
		if msg.MsgType == StartTask && msg.TaskID == "second" {
			secondStart = msg
		}
	}
	assert.Equal(t, "first-result", secondStart.Data)
}

// TestOrchestrator_MiddleStepFails 中间步骤失败触发补偿（场景 S2）
func TestOrchestrator_MiddleStepFails(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	compensated := []string{}
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("pay", noopInvoke(map[string]any{"paymentId": "p1"})).
			WithCompensation(func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
				compensated = append(compensated, "pay")
				// 补偿上下文携带被补偿任务的结果
				assert.Equal(t, map[string]any{"paymentId": "p1"}, cc.TaskData)
				return "refunded", nil
			})).
		AddStep(NewStep("reserve", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			return nil, errors.New("oops")
		}).WithCompensation(noopCompensate())).
		AddStep(NewStep("ship", noopInvoke(nil))).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", "job", SagaConfig{})
	require.NoError(t, err)

	// 用户失败不从 Run 暴露
	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaAborted())
	assert.False(t, s.IsSagaCompleted())
	assert.Equal(t, []string{"pay"}, compensated, "只补偿已完成的任务")

	assert.Equal(t, []SagaMessageType{
		StartSaga,
		StartTask, EndTask, // pay
		StartTask, // reserve（未 EndTask）
		AbortSaga,
		StartCompTask, EndCompTask, // pay 补偿
	}, messageTypes(t, log, "saga-1"))

	assert.Equal(t, []SagaEventType{
		EventSagaStarted,
		EventTaskStarted, EventTaskSucceeded,
		EventTaskStarted, EventTaskFailed,
		EventSagaFailed,
		EventCompensationStarted, EventCompensationSucceeded,
	}, listener.types())
}

// TestOrchestrator_CompensationBestEffort 单个补偿失败不阻塞其余补偿
func TestOrchestrator_CompensationBestEffort(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	compensated := []string{}
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("a", noopInvoke("ra")).
			WithCompensation(func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
				compensated = append(compensated, "a")
				return nil, nil
			})).
		AddStep(NewStep("b", noopInvoke("rb")).
			WithCompensation(func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
				return nil, errors.New("comp broken")
			})).
		AddStep(NewStep("c", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			return nil, errors.New("boom")
		})).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaAborted())
	assert.Equal(t, []string{"a"}, compensated, "b 的补偿失败后 a 仍被补偿")
	assert.Contains(t, listener.types(), EventCompensationFailed)

	// b 有 StartCompTask 但没有 EndCompTask
	assert.True(t, s.IsCompTaskStarted("b"))
	assert.False(t, s.IsCompTaskCompleted("b"))
	assert.True(t, s.IsCompTaskCompleted("a"))
}

// TestOrchestrator_ResumeAfterCrash 崩溃后前向恢复续跑（场景 S3）
func TestOrchestrator_ResumeAfterCrash(t *testing.T) {
	ctx := context.Background()
	log := seedLog(t,
		MakeStartSagaMessage("saga-1", "job", "", ""),
		MakeStartTaskMessage("saga-1", "pay", nil, nil),
		MakeEndTaskMessage("saga-1", "pay", "p1"),
		MakeStartTaskMessage("saga-1", "reserve", "p1", nil),
	)

	payCalls, reserveCalls := 0, 0
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("pay", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			payCalls++
			return "p1", nil
		})).
		AddStep(NewStep("reserve", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			reserveCalls++
			return "r1", nil
		})).
		Build()
	require.NoError(t, err)

	c := NewCoordinator(log, SagaConfig{})
	s, err := c.RecoverOrCreate(ctx, "saga-1", "job", ForwardRecovery)
	require.NoError(t, err)

	o := NewOrchestrator()
	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaCompleted())
	assert.Equal(t, 0, payCalls, "已完成的任务不重放")
	assert.Equal(t, 1, reserveCalls, "执行中的任务恰好重试一次")

	// 没有重复的 StartTask(reserve)
	assert.Equal(t, []SagaMessageType{
		StartSaga,
		StartTask, EndTask,
		StartTask, EndTask,
		EndSaga,
	}, messageTypes(t, log, "saga-1"))
}

// TestOrchestrator_RollbackRecoveryCompensates 回滚恢复后补偿（场景 S4）
func TestOrchestrator_RollbackRecoveryCompensates(t *testing.T) {
	ctx := context.Background()
	log := seedLog(t,
		MakeStartSagaMessage("saga-1", "job", "", ""),
		MakeStartTaskMessage("saga-1", "pay", nil, nil),
		MakeEndTaskMessage("saga-1", "pay", "p1"),
		MakeStartTaskMessage("saga-1", "reserve", "p1", nil),
	)

	compensated := []string{}
	comp := func(name string) CompensateFunc {
		return func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
			compensated = append(compensated, name)
			return nil, nil
		}
	}
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("pay", noopInvoke("p1")).WithCompensation(comp("pay"))).
		AddStep(NewStep("reserve", noopInvoke("r1")).WithCompensation(comp("reserve"))).
		Build()
	require.NoError(t, err)

	s, err := RecoverSaga(ctx, log, "saga-1", RollbackRecovery, SagaConfig{})
	require.NoError(t, err)
	assert.True(t, s.IsSagaAborted())

	o := NewOrchestrator()
	require.NoError(t, o.Run(ctx, s, def))

	assert.Equal(t, []string{"pay"}, compensated, "只有已完成的 pay 被补偿")
	assert.False(t, s.IsSagaCompleted())

	types := messageTypes(t, log, "saga-1")
	assert.Equal(t, AbortSaga, types[4])
	assert.NotContains(t, types, EndSaga)
}

// TestOrchestrator_RunTwiceIsNoop 完成后的第二次 Run 是 no-op
func TestOrchestrator_RunTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	def, err := NewSagaDefinition("single").Step("only", noopInvoke(nil)).Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	before := len(listener.events)
	msgsBefore := messageTypes(t, log, "saga-1")

	require.NoError(t, o.Run(ctx, s, def))
	assert.Equal(t, before, len(listener.events), "第二次 Run 不发事件")
	assert.Equal(t, msgsBefore, messageTypes(t, log, "saga-1"), "第二次 Run 不追加消息")
}

// TestOrchestrator_OptionalTaskFailure 可选任务失败不中止（场景 S6）
func TestOrchestrator_OptionalTaskFailure(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	cRan := false
	def, err := NewSagaDefinition("order").
		Step("A", noopInvoke("ra")).
		AddStep(NewStep("B", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			return nil, errors.New("b failed")
		}).AsOptional()).
		AddStep(NewStep("C", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			cRan = true
			return "rc", nil
		})).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaCompleted())
	assert.True(t, cRan, "可选任务失败后继续执行后续步骤")
	assert.Nil(t, s.GetEndTaskData("B"), "可选失败任务的 EndTask 载荷为 null")

	stash, ok := s.GetSagaContext()[OptionalTaskErrorsKey].(map[string]any)
	require.True(t, ok, "上下文应包含可选任务错误")
	assert.Contains(t, stash["B"], "b failed")

	assert.Contains(t, listener.types(), EventOptionalTaskFailed)
	assert.NotContains(t, listener.types(), EventSagaFailed)

	// StartTask(B) 的元数据携带 isOptional
	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	for _, msg := range msgs {
		if msg.MsgType == StartTask && msg.TaskID == "B" {
			assert.Equal(t, true, msg.Metadata[MetadataKeyOptional])
		}
	}
}

// TestOrchestrator_MiddlewareAccumulation middleware 结果累积传递
func TestOrchestrator_MiddlewareAccumulation(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	o := NewOrchestrator()

	var invokeSaw map[string]any
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("step", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			invokeSaw = tc.Middleware
			return nil, nil
		}).WithMiddleware(
			func(ctx context.Context, data any, tc *TaskContext) (map[string]any, error) {
				assert.Empty(t, tc.Middleware)
				return map[string]any{"auth": "ok"}, nil
			},
			func(ctx context.Context, data any, tc *TaskContext) (map[string]any, error) {
				// 第二个 middleware 能看到第一个的产出
				assert.Equal(t, "ok", tc.Middleware["auth"])
				return map[string]any{"quota": 42}, nil
			},
		)).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.Equal(t, map[string]any{"auth": "ok", "quota": 42}, invokeSaw)
}

// TestOrchestrator_MiddlewareFailureAborts middleware 失败中止 saga
func TestOrchestrator_MiddlewareFailureAborts(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	listener := &captureListener{}
	o := NewOrchestrator()
	o.Subscribe(listener)

	compensated := false
	invoked := false
	def, err := NewSagaDefinition("order").
		AddStep(NewStep("a", noopInvoke("ra")).
			WithCompensation(func(ctx context.Context, data any, cc *CompensationContext) (any, error) {
				compensated = true
				return nil, nil
			})).
		AddStep(NewStep("b", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			invoked = true
			return nil, nil
		}).WithMiddleware(func(ctx context.Context, data any, tc *TaskContext) (map[string]any, error) {
			return nil, errors.New("middleware rejected")
		})).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.True(t, s.IsSagaAborted())
	assert.False(t, invoked, "middleware 失败后不执行 invoke")
	assert.False(t, s.IsTaskStarted("b"), "middleware 在 StartTask 之前执行")
	assert.True(t, compensated)
	assert.Contains(t, listener.types(), EventMiddlewareFailed)
}

// TestOrchestrator_SagaContextWritable 回调通过 ctx 读写 saga 上下文
func TestOrchestrator_SagaContextWritable(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()
	o := NewOrchestrator()

	def, err := NewSagaDefinition("order").
		AddStep(NewStep("first", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			return nil, tc.Ctx.Update(ctx, map[string]any{"shared": "v1"})
		})).
		AddStep(NewStep("second", func(ctx context.Context, data any, tc *TaskContext) (any, error) {
			return fmt.Sprintf("saw=%v", tc.Ctx.Get()["shared"]), nil
		})).
		Build()
	require.NoError(t, err)

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx, s, def))

	assert.Equal(t, "saw=v1", s.GetEndTaskData("second"))
}

// TestSagaDefinitionBuilder_Validation 定义构建校验
func TestSagaDefinitionBuilder_Validation(t *testing.T) {
	_, err := NewSagaDefinition("empty").Build()
	require.Error(t, err)

	_, err = NewSagaDefinition("dup").
		Step("a", noopInvoke(nil)).
		Step("a", noopInvoke(nil)).
		Build()
	require.Error(t, err)

	_, err = NewSagaDefinition("noinvoke").AddStep(&SagaStep{Name: "a", kind: stepKindTask}).Build()
	require.Error(t, err)
}
