package natspublisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagakit/saga"
)

// TestEncodeEvent 测试事件信封的序列化
func TestEncodeEvent(t *testing.T) {
	ts := time.Unix(0, 1700000000000000000)
	evt := saga.SagaEvent{
		Type:      saga.EventTaskFailed,
		SagaID:    "saga-1",
		TaskName:  "pay",
		Data:      map[string]any{"order": "o-1"},
		Err:       errors.New("card declined"),
		Timestamp: ts,
	}

	body, err := encodeEvent(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "TaskFailed", decoded["type"])
	assert.Equal(t, "saga-1", decoded["sagaId"])
	assert.Equal(t, "pay", decoded["taskName"])
	assert.Equal(t, "card declined", decoded["error"])
	assert.Equal(t, map[string]any{"order": "o-1"}, decoded["data"])
}

// TestEncodeEvent_OmitsEmptyFields 测试空字段省略
func TestEncodeEvent_OmitsEmptyFields(t *testing.T) {
	evt := saga.SagaEvent{
		Type:   saga.EventSagaSucceeded,
		SagaID: "saga-1",
	}

	body, err := encodeEvent(evt)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	_, hasTask := decoded["taskName"]
	assert.False(t, hasTask)
	_, hasErr := decoded["error"]
	assert.False(t, hasErr)
}

// TestSubjectNaming 测试主题命名
func TestSubjectNaming(t *testing.T) {
	p := &Publisher{cfg: Config{SubjectPrefix: "saga.evt."}}
	subject := p.cfg.SubjectPrefix + string(saga.EventCompensationSucceeded)
	assert.Equal(t, "saga.evt.CompensationSucceeded", subject)
}
