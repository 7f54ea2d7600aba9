// Package natspublisher 把 saga 生命周期事件发布到 NATS JetStream
//
// 作为 Orchestrator 的事件订阅者使用：每条事件序列化为 JSON，发布到
// `<prefix><事件类型>` 主题（默认 saga.evt.TaskSucceeded 这样的形态），
// 供外部系统（审计、追踪、监控面板）消费。发布失败只记日志，不影响
// saga 执行——订阅者是纯接收方。
package natspublisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"sagakit/logging"
	"sagakit/saga"
)

// Config JetStream 发布配置
type Config struct {
	// URL NATS 服务地址；Conn 非 nil 时忽略
	URL string

	// Conn 复用已有连接
	Conn *nats.Conn

	// Stream 流名称，默认 SAGA_EVENTS
	Stream string

	// SubjectPrefix 主题前缀，默认 "saga.evt."
	SubjectPrefix string

	// Logger 组件日志
	Logger logging.ILogger
}

// Publisher saga 事件的 JetStream 发布者
type Publisher struct {
	cfg      Config
	logger   logging.ILogger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool
}

var _ saga.ISagaEventListener = (*Publisher)(nil)

// New 创建发布者：建立连接并确保流存在
func New(cfg Config) (*Publisher, error) {
	if cfg.Stream == "" {
		cfg.Stream = "SAGA_EVENTS"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "saga.evt."
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("saga.plugin.nats")
	}

	p := &Publisher{cfg: cfg, logger: cfg.Logger}
	if err := p.ensureConnection(); err != nil {
		return nil, err
	}
	if err := p.ensureStream(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureConnection() error {
	if p.cfg.Conn != nil {
		p.conn = p.cfg.Conn
	} else {
		url := p.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return err
		}
		p.conn = conn
		p.ownsConn = true
	}
	js, err := p.conn.JetStream()
	if err != nil {
		return err
	}
	p.js = js
	return nil
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.cfg.SubjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
	})
	return err
}

// Close 释放自建的连接
func (p *Publisher) Close() {
	if p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
}

// eventEnvelope 事件的 wire 形态；error 降级为字符串
type eventEnvelope struct {
	Type           string         `json:"type"`
	SagaID         string         `json:"sagaId"`
	TaskName       string         `json:"taskName,omitempty"`
	Data           any            `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
	MiddlewareData map[string]any `json:"middlewareData,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

func encodeEvent(evt saga.SagaEvent) ([]byte, error) {
	env := eventEnvelope{
		Type:           string(evt.Type),
		SagaID:         evt.SagaID,
		TaskName:       evt.TaskName,
		Data:           evt.Data,
		MiddlewareData: evt.MiddlewareData,
		Timestamp:      evt.Timestamp,
	}
	if evt.Err != nil {
		env.Error = evt.Err.Error()
	}
	return json.Marshal(env)
}

// HandleSagaEvent 实现 saga.ISagaEventListener
func (p *Publisher) HandleSagaEvent(ctx context.Context, evt saga.SagaEvent) {
	body, err := encodeEvent(evt)
	if err != nil {
		p.logger.Error(ctx, "encode saga event failed",
			logging.String("saga_id", evt.SagaID), logging.Error(err))
		return
	}
	subject := p.cfg.SubjectPrefix + string(evt.Type)
	if _, err := p.js.Publish(subject, body, nats.Context(ctx)); err != nil {
		p.logger.Error(ctx, "publish saga event failed",
			logging.String("saga_id", evt.SagaID),
			logging.String("subject", subject),
			logging.Error(err))
	}
}
