package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemorySagaLog 内存实现的 saga 日志，不做持久化
//
// 用于测试与示例。维护 sagaId → 记录 的主映射和
// parentSagaId → 子集合 的二级索引；不支持事务。
type InMemorySagaLog struct {
	mu       sync.RWMutex
	records  map[string]*SagaRecord
	children map[string]map[string]struct{}
}

// NewInMemorySagaLog 创建内存 saga 日志
func NewInMemorySagaLog() *InMemorySagaLog {
	return &InMemorySagaLog{
		records:  make(map[string]*SagaRecord),
		children: make(map[string]map[string]struct{}),
	}
}

var _ ISagaLog = (*InMemorySagaLog)(nil)

func (l *InMemorySagaLog) StartSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[sagaID]; exists {
		return NewSagaAlreadyRunningError(sagaID)
	}

	startMsg := MakeStartSagaMessage(sagaID, job, parentSagaID, parentTaskID)
	l.records[sagaID] = &SagaRecord{
		SagaID:       sagaID,
		Messages:     []SagaMessage{startMsg},
		CreatedAt:    startMsg.Timestamp,
		UpdatedAt:    startMsg.Timestamp,
		ParentSagaID: parentSagaID,
		ParentTaskID: parentTaskID,
	}

	if parentSagaID != "" {
		set, ok := l.children[parentSagaID]
		if !ok {
			set = make(map[string]struct{})
			l.children[parentSagaID] = set
		}
		set[sagaID] = struct{}{}
	}
	return nil
}

func (l *InMemorySagaLog) LogMessage(ctx context.Context, msg SagaMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[msg.SagaID]
	if !ok {
		return NewSagaNotRunningError(msg.SagaID)
	}
	rec.Messages = append(rec.Messages, msg)
	rec.UpdatedAt = time.Now()
	return nil
}

func (l *InMemorySagaLog) GetMessages(ctx context.Context, sagaID string) ([]SagaMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[sagaID]
	if !ok {
		return nil, NewSagaNotRunningError(sagaID)
	}
	msgs := make([]SagaMessage, len(rec.Messages))
	copy(msgs, rec.Messages)
	return msgs, nil
}

func (l *InMemorySagaLog) GetActiveSagaIDs(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *InMemorySagaLog) GetChildSagaIDs(ctx context.Context, parentSagaID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := l.children[parentSagaID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *InMemorySagaLog) DeleteSaga(ctx context.Context, sagaID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[sagaID]
	if !ok {
		return NewSagaNotRunningError(sagaID)
	}
	delete(l.records, sagaID)
	if rec.ParentSagaID != "" {
		if set, ok := l.children[rec.ParentSagaID]; ok {
			delete(set, sagaID)
			if len(set) == 0 {
				delete(l.children, rec.ParentSagaID)
			}
		}
	}
	return nil
}
