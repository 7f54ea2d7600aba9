// Package redisstore Redis 实现的 saga 日志存储
//
// 键布局（前缀可配）：
//
//	{prefix}ids              所有 sagaId 的集合
//	{prefix}record:<id>      saga 记录 hash（父坐标与时间戳）
//	{prefix}messages:<id>    消息流 list，元素为消息 JSON（RPUSH 追加）
//	{prefix}children:<p>     父 saga → 子 sagaId 集合
//
// 不支持多记录事务：需要事务语义的调用方应改用 sqlstore。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"sagakit/logging"
	"sagakit/saga"
)

// 记录 hash 的字段名
const (
	fieldParentSagaID = "parent_saga_id"
	fieldParentTaskID = "parent_task_id"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// Config Redis saga 日志配置
type Config struct {
	// Client 复用已有客户端；为 nil 时按下面的连接参数自建
	Client redis.UniversalClient

	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix 键前缀，默认 "saga:"
	KeyPrefix string

	// Logger 组件日志
	Logger logging.ILogger
}

// RedisSagaLog Redis 实现的 saga 日志
type RedisSagaLog struct {
	cfg       Config
	client    redis.UniversalClient
	ownClient bool
	logger    logging.ILogger
}

var _ saga.ISagaLog = (*RedisSagaLog)(nil)

// New 创建 Redis saga 日志
func New(cfg Config) (*RedisSagaLog, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "saga:"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("saga.log.redis")
	}

	client := cfg.Client
	own := false
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		own = true
	}

	return &RedisSagaLog{
		cfg:       cfg,
		client:    client,
		ownClient: own,
		logger:    cfg.Logger,
	}, nil
}

// Close 释放自建的客户端连接
func (l *RedisSagaLog) Close() error {
	if l.ownClient {
		return l.client.Close()
	}
	return nil
}

func (l *RedisSagaLog) idsKey() string                 { return l.cfg.KeyPrefix + "ids" }
func (l *RedisSagaLog) recordKey(id string) string     { return l.cfg.KeyPrefix + "record:" + id }
func (l *RedisSagaLog) messagesKey(id string) string   { return l.cfg.KeyPrefix + "messages:" + id }
func (l *RedisSagaLog) childrenKey(parent string) string {
	return l.cfg.KeyPrefix + "children:" + parent
}

func (l *RedisSagaLog) StartSaga(ctx context.Context, sagaID string, job any, parentSagaID, parentTaskID string) error {
	// SADD 的返回值区分"新建"与"已存在"，作为存在性的原子判定
	added, err := l.client.SAdd(ctx, l.idsKey(), sagaID).Result()
	if err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	if added == 0 {
		return saga.NewSagaAlreadyRunningError(sagaID)
	}

	startMsg := saga.MakeStartSagaMessage(sagaID, job, parentSagaID, parentTaskID)
	body, err := encodeMessage(startMsg)
	if err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	now := startMsg.Timestamp.Format(time.RFC3339Nano)

	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.recordKey(sagaID), map[string]any{
		fieldParentSagaID: parentSagaID,
		fieldParentTaskID: parentTaskID,
		fieldCreatedAt:    now,
		fieldUpdatedAt:    now,
	})
	pipe.RPush(ctx, l.messagesKey(sagaID), body)
	if parentSagaID != "" {
		pipe.SAdd(ctx, l.childrenKey(parentSagaID), sagaID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	l.logger.Debug(ctx, "saga started", logging.String("saga_id", sagaID))
	return nil
}

func (l *RedisSagaLog) LogMessage(ctx context.Context, msg saga.SagaMessage) error {
	exists, err := l.client.SIsMember(ctx, l.idsKey(), msg.SagaID).Result()
	if err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}
	if !exists {
		return saga.NewSagaNotRunningError(msg.SagaID)
	}

	body, err := encodeMessage(msg)
	if err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}

	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, l.messagesKey(msg.SagaID), body)
	pipe.HSet(ctx, l.recordKey(msg.SagaID), fieldUpdatedAt, time.Now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewSagaStoreFailedError(msg.SagaID, err)
	}
	return nil
}

func (l *RedisSagaLog) GetMessages(ctx context.Context, sagaID string) ([]saga.SagaMessage, error) {
	exists, err := l.client.SIsMember(ctx, l.idsKey(), sagaID).Result()
	if err != nil {
		return nil, saga.NewSagaStoreFailedError(sagaID, err)
	}
	if !exists {
		return nil, saga.NewSagaNotRunningError(sagaID)
	}

	bodies, err := l.client.LRange(ctx, l.messagesKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, saga.NewSagaStoreFailedError(sagaID, err)
	}
	msgs := make([]saga.SagaMessage, 0, len(bodies))
	for _, body := range bodies {
		msg, err := decodeMessage(body)
		if err != nil {
			return nil, saga.NewSagaLogCorruptError(sagaID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (l *RedisSagaLog) GetActiveSagaIDs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.idsKey()).Result()
	if err != nil {
		return nil, saga.NewSagaStoreFailedError("", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *RedisSagaLog) GetChildSagaIDs(ctx context.Context, parentSagaID string) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.childrenKey(parentSagaID)).Result()
	if err != nil {
		return nil, saga.NewSagaStoreFailedError(parentSagaID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *RedisSagaLog) DeleteSaga(ctx context.Context, sagaID string) error {
	parentSagaID, err := l.client.HGet(ctx, l.recordKey(sagaID), fieldParentSagaID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}

	removed, err := l.client.SRem(ctx, l.idsKey(), sagaID).Result()
	if err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	if removed == 0 {
		return saga.NewSagaNotRunningError(sagaID)
	}

	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.recordKey(sagaID), l.messagesKey(sagaID))
	if parentSagaID != "" {
		pipe.SRem(ctx, l.childrenKey(parentSagaID), sagaID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewSagaStoreFailedError(sagaID, err)
	}
	return nil
}

// encodeMessage 消息序列化为 JSON（list 元素）
func encodeMessage(msg saga.SagaMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// decodeMessage list 元素反序列化
func decodeMessage(body string) (saga.SagaMessage, error) {
	var msg saga.SagaMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return saga.SagaMessage{}, err
	}
	return msg, nil
}
