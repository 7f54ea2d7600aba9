package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagakit/saga"
)

// TestEncodeDecodeRoundTrip 测试消息编解码往返
func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := saga.MakeStartTaskMessage("saga-1", "pay",
		map[string]any{"amount": 42},
		map[string]any{saga.MetadataKeyOptional: true})

	body, err := encodeMessage(msg)
	require.NoError(t, err)

	decoded, err := decodeMessage(body)
	require.NoError(t, err)

	assert.Equal(t, "saga-1", decoded.SagaID)
	assert.Equal(t, saga.StartTask, decoded.MsgType)
	assert.Equal(t, "pay", decoded.TaskID)
	// JSON 往返：数值回读为 float64
	assert.Equal(t, map[string]any{"amount": float64(42)}, decoded.Data)
	assert.Equal(t, true, decoded.Metadata[saga.MetadataKeyOptional])
	assert.Equal(t, msg.Timestamp.UnixNano(), decoded.Timestamp.UnixNano())
}

// TestEncodeDecode_StartSagaParents 测试父坐标的编解码
func TestEncodeDecode_StartSagaParents(t *testing.T) {
	msg := saga.MakeStartSagaMessage("child-1", "job", "parent-1", "spawn")

	body, err := encodeMessage(msg)
	require.NoError(t, err)
	decoded, err := decodeMessage(body)
	require.NoError(t, err)

	assert.Equal(t, saga.StartSaga, decoded.MsgType)
	assert.Equal(t, "parent-1", decoded.ParentSagaID)
	assert.Equal(t, "spawn", decoded.ParentTaskID)
}

// TestDecodeMessage_Corrupt 测试损坏数据的解码
func TestDecodeMessage_Corrupt(t *testing.T) {
	_, err := decodeMessage("{not json")
	require.Error(t, err)

	_, err = decodeMessage(`{"msgType":"NoSuchType"}`)
	require.Error(t, err)
}

// TestKeyLayout 测试键布局与前缀
func TestKeyLayout(t *testing.T) {
	l := &RedisSagaLog{cfg: Config{KeyPrefix: "saga:"}}

	assert.Equal(t, "saga:ids", l.idsKey())
	assert.Equal(t, "saga:record:s1", l.recordKey("s1"))
	assert.Equal(t, "saga:messages:s1", l.messagesKey("s1"))
	assert.Equal(t, "saga:children:p1", l.childrenKey("p1"))
}

// TestNew_Defaults 测试默认配置
func TestNew_Defaults(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err, "既无 Client 也无 Addr 时报错")

	l, err := New(Config{Addr: "localhost:6379"})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, "saga:", l.cfg.KeyPrefix)
}

// TestTimestampFormat 测试 hash 时间戳的格式可逆
func TestTimestampFormat(t *testing.T) {
	now := time.Now()
	encoded := now.Format(time.RFC3339Nano)
	parsed, err := time.Parse(time.RFC3339Nano, encoded)
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), parsed.UnixNano())
}
