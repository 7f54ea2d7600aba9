package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowSagaLog 追加时阻塞，用于验证变更超时
type slowSagaLog struct {
	*InMemorySagaLog
	delay time.Duration
}

func (l *slowSagaLog) LogMessage(ctx context.Context, msg SagaMessage) error {
	time.Sleep(l.delay)
	return l.InMemorySagaLog.LogMessage(ctx, msg)
}

// failingSagaLog 追加总是失败
type failingSagaLog struct {
	*InMemorySagaLog
}

func (l *failingSagaLog) LogMessage(ctx context.Context, msg SagaMessage) error {
	return errors.New("disk on fire")
}

// TestCreateSaga 测试创建与初始状态
func TestCreateSaga(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", map[string]any{"order": "o-1"}, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "saga-1", s.SagaID())
	assert.Equal(t, map[string]any{"order": "o-1"}, s.GetJob())
	assert.False(t, s.IsSagaAborted())
	assert.False(t, s.IsSagaCompleted())

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StartSaga, msgs[0].MsgType)
}

// TestCreateSaga_AlreadyRunning 测试重复创建
func TestCreateSaga_AlreadyRunning(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	_, err = CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSagaAlreadyRunning()))
}

// TestSaga_MutationAppendsAndApplies 测试 validate-append-apply 周期
func TestSaga_MutationAppendsAndApplies(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartTask(ctx, "pay", "in"))
	assert.True(t, s.IsTaskStarted("pay"))

	require.NoError(t, s.EndTask(ctx, "pay", map[string]any{"paymentId": "p1"}))
	assert.True(t, s.IsTaskCompleted("pay"))
	assert.Equal(t, map[string]any{"paymentId": "p1"}, s.GetEndTaskData("pay"))

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, EndTask, msgs[2].MsgType)
}

// TestSaga_ValidatorRejectionDoesNotAppend 测试校验拒绝时不写日志不扰动状态
func TestSaga_ValidatorRejectionDoesNotAppend(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	err = s.EndTask(ctx, "pay", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSagaInvalidState()))

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "校验失败不应追加任何消息")
	assert.False(t, s.IsTaskStarted("pay"))
}

// TestSaga_StoreFailureDoesNotApply 测试存储失败时状态不变
func TestSaga_StoreFailureDoesNotApply(t *testing.T) {
	ctx := context.Background()
	log := &failingSagaLog{NewInMemorySagaLog()}
	require.NoError(t, log.InMemorySagaLog.StartSaga(ctx, "saga-1", nil, "", ""))

	state, err := RecoverSagaState(ctx, log, "saga-1", ForwardRecovery)
	require.NoError(t, err)
	s := RehydrateSaga(state, log, SagaConfig{})
	defer s.Close()

	err = s.StartTask(ctx, "pay", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSagaStoreFailed()))
	assert.False(t, s.IsTaskStarted("pay"), "追加失败不应应用状态")
}

// TestSaga_MutationTimeout 测试 mailbox 变更超时
func TestSaga_MutationTimeout(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemorySagaLog()
	require.NoError(t, inner.StartSaga(ctx, "saga-1", nil, "", ""))
	log := &slowSagaLog{InMemorySagaLog: inner, delay: 500 * time.Millisecond}

	state, err := RecoverSagaState(ctx, log, "saga-1", ForwardRecovery)
	require.NoError(t, err)
	s := RehydrateSaga(state, log, SagaConfig{MutationTimeout: 50 * time.Millisecond})
	defer s.Close()

	err = s.StartTask(ctx, "pay", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSagaMutationTimeout()))
}

// TestSaga_ConcurrentMutationsSerialized 测试并发变更经 mailbox 串行化
func TestSaga_ConcurrentMutationsSerialized(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = s.StartTask(ctx, "pay", nil)
		}(i)
	}
	wg.Wait()

	// 恰好一个成功，其余被校验拒绝；日志里只有一条 StartTask
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, ErrSagaInvalidState()))
		}
	}
	assert.Equal(t, 1, succeeded)

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

// TestSaga_EndSagaClosesMailbox 测试 EndSaga 之后拒绝变更
func TestSaga_EndSagaClosesMailbox(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)

	require.NoError(t, s.EndSaga(ctx))
	assert.True(t, s.IsSagaCompleted())

	err = s.StartTask(ctx, "late", nil)
	require.Error(t, err)

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "EndSaga 之后不再追加")
}

// TestSaga_UpdateSagaContext 测试上下文更新经日志持久化
func TestSaga_UpdateSagaContext(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateSaga(ctx, log, "saga-1", nil, SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpdateSagaContext(ctx, map[string]any{"key": "value"}))
	assert.Equal(t, "value", s.GetSagaContext()["key"])

	msgs, err := log.GetMessages(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, UpdateSagaContext, msgs[1].MsgType)
}

// TestSaga_AsReadOnly 测试只读视图
func TestSaga_AsReadOnly(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	s, err := CreateChildSaga(ctx, log, "child-1", "job", "parent-1", "spawn", SagaConfig{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.StartTask(ctx, "pay", nil))
	require.NoError(t, s.EndTask(ctx, "pay", "p1"))

	api := s.AsReadOnly()
	assert.Equal(t, "child-1", api.SagaID())
	assert.Equal(t, "parent-1", api.ParentSagaID())
	assert.Equal(t, "spawn", api.ParentTaskID())
	assert.Equal(t, "job", api.GetJob())
	assert.True(t, api.IsTaskCompleted("pay"))
	assert.Equal(t, "p1", api.GetEndTaskData("pay"))

	// 只读视图不能断言回 *Saga 拿到变更方法
	_, isSaga := api.(*Saga)
	assert.False(t, isSaga)
}

// TestRehydrateSaga_CompletedIsReadOnly 测试已完成 saga 的 rehydrate
func TestRehydrateSaga_CompletedIsReadOnly(t *testing.T) {
	ctx := context.Background()
	log := NewInMemorySagaLog()

	require.NoError(t, log.StartSaga(ctx, "saga-1", nil, "", ""))
	require.NoError(t, log.LogMessage(ctx, MakeEndSagaMessage("saga-1")))

	state, err := RecoverSagaState(ctx, log, "saga-1", ForwardRecovery)
	require.NoError(t, err)
	s := RehydrateSaga(state, log, SagaConfig{})

	assert.True(t, s.IsSagaCompleted())
	err = s.StartTask(ctx, "late", nil)
	require.Error(t, err)
}
