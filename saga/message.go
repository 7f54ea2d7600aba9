// Package saga 提供持久化分布式 Saga 引擎的核心实现
//
// Saga 模式将长时业务流程拆分为有序的本地步骤，每个步骤都有对应的
// 补偿动作。引擎通过 append-only 的 saga 日志保证进程重启后仍能
// 继续推进或一致地回滚。
//
// 核心组成：
//   - saga 日志（ISagaLog）：每个 saga 一条 append-only 消息流，状态的唯一事实来源
//   - 状态投影（SagaState）：按序折叠消息得到的内存视图，带迁移校验
//   - 执行器（Orchestrator）：驱动 SagaDefinition 正向执行、崩溃恢复与失败补偿
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetadataKeyOptional StartTask 消息元数据中标记可选任务的键
const MetadataKeyOptional = "isOptional"

// SagaMessageType saga 日志消息类型
type SagaMessageType int

const (
	// StartSaga saga 的第一条消息，携带 job 与父坐标
	StartSaga SagaMessageType = iota

	// EndSaga saga 正常完成，之后不再接受任何消息
	EndSaga

	// AbortSaga saga 被中止，进入补偿阶段
	AbortSaga

	// StartTask 任务开始执行
	StartTask

	// EndTask 任务执行完成，携带任务结果
	EndTask

	// StartCompTask 补偿任务开始执行
	StartCompTask

	// EndCompTask 补偿任务执行完成
	EndCompTask

	// UpdateSagaContext 合并更新 saga 级共享上下文
	UpdateSagaContext
)

var messageTypeNames = map[SagaMessageType]string{
	StartSaga:         "StartSaga",
	EndSaga:           "EndSaga",
	AbortSaga:         "AbortSaga",
	StartTask:         "StartTask",
	EndTask:           "EndTask",
	StartCompTask:     "StartCompTask",
	EndCompTask:       "EndCompTask",
	UpdateSagaContext: "UpdateSagaContext",
}

var messageTypeValues = func() map[string]SagaMessageType {
	m := make(map[string]SagaMessageType, len(messageTypeNames))
	for k, v := range messageTypeNames {
		m[v] = k
	}
	return m
}()

func (t SagaMessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SagaMessageType(%d)", int(t))
}

// MarshalJSON 以类型名而非数值序列化，保证日志可读且与存储解耦
func (t SagaMessageType) MarshalJSON() ([]byte, error) {
	name, ok := messageTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown saga message type: %d", int(t))
	}
	return json.Marshal(name)
}

func (t *SagaMessageType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := messageTypeValues[name]
	if !ok {
		return fmt.Errorf("unknown saga message type: %q", name)
	}
	*t = v
	return nil
}

// ParseSagaMessageType 按名称解析消息类型（存储层反序列化用）
func ParseSagaMessageType(name string) (SagaMessageType, error) {
	v, ok := messageTypeValues[name]
	if !ok {
		return 0, fmt.Errorf("unknown saga message type: %q", name)
	}
	return v, nil
}

// SagaMessage saga 日志的原子单元，追加后不可变
//
// Data 对引擎不透明，只要求可被 encoding/json 序列化；
// 经过持久化往返后，复合值会以 map[string]any / []any 的形式回到内存。
type SagaMessage struct {
	SagaID       string          `json:"sagaId"`
	MsgType      SagaMessageType `json:"msgType"`
	TaskID       string          `json:"taskId,omitempty"`
	Data         any             `json:"data,omitempty"`
	ParentSagaID string          `json:"parentSagaId,omitempty"`
	ParentTaskID string          `json:"parentTaskId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// SagaRecord saga 的完整持久化足迹（存储层返回的日志条目视图）
type SagaRecord struct {
	SagaID       string        `json:"sagaId"`
	Messages     []SagaMessage `json:"messages"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	ParentSagaID string        `json:"parentSagaId,omitempty"`
	ParentTaskID string        `json:"parentTaskId,omitempty"`
}

// MakeStartSagaMessage 创建 StartSaga 消息
//
// 参数：
//   - sagaID: saga 唯一标识
//   - job: 初始任务载荷，对引擎不透明
//   - parentSagaID/parentTaskID: 父 saga 坐标，顶层 saga 传空串
func MakeStartSagaMessage(sagaID string, job any, parentSagaID, parentTaskID string) SagaMessage {
	return SagaMessage{
		SagaID:       sagaID,
		MsgType:      StartSaga,
		Data:         job,
		ParentSagaID: parentSagaID,
		ParentTaskID: parentTaskID,
		Timestamp:    time.Now(),
	}
}

// MakeEndSagaMessage 创建 EndSaga 消息
func MakeEndSagaMessage(sagaID string) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   EndSaga,
		Timestamp: time.Now(),
	}
}

// MakeAbortSagaMessage 创建 AbortSaga 消息
func MakeAbortSagaMessage(sagaID string) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   AbortSaga,
		Timestamp: time.Now(),
	}
}

// MakeStartTaskMessage 创建 StartTask 消息
//
// metadata 可携带任务级标记（如 MetadataKeyOptional），允许为 nil。
func MakeStartTaskMessage(sagaID, taskID string, data any, metadata map[string]any) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   StartTask,
		TaskID:    taskID,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
}

// MakeEndTaskMessage 创建 EndTask 消息，data 为任务结果
func MakeEndTaskMessage(sagaID, taskID string, data any) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   EndTask,
		TaskID:    taskID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// MakeStartCompTaskMessage 创建 StartCompTask 消息，data 为被补偿任务的结果
func MakeStartCompTaskMessage(sagaID, taskID string, data any) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   StartCompTask,
		TaskID:    taskID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// MakeEndCompTaskMessage 创建 EndCompTask 消息，data 为补偿结果
func MakeEndCompTaskMessage(sagaID, taskID string, data any) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   EndCompTask,
		TaskID:    taskID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// MakeUpdateSagaContextMessage 创建 UpdateSagaContext 消息
//
// updates 将被合并进 saga 上下文，同名键覆盖。
func MakeUpdateSagaContextMessage(sagaID string, updates map[string]any) SagaMessage {
	return SagaMessage{
		SagaID:    sagaID,
		MsgType:   UpdateSagaContext,
		Data:      updates,
		Timestamp: time.Now(),
	}
}
