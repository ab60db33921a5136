package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"hyperfleet/internal/agent"
)

// RabbitMQConfig 描述审计事件的发布目标。Exchange 为空时直接投递到以
// RoutingKey 命名的队列；否则发布到 topic 交换机，路由键追加事件类型。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	RunID      string
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink 把审计事件以 JSON 发布到 RabbitMQ。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	key      string
	runID    string
	now      func() time.Time
}

// NewRabbitMQSink 连接 RabbitMQ 并声明交换机或队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	key := cfg.RoutingKey
	if key == "" {
		key = "hyperfleet.transactions"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(key, true, false, false, false, nil)
	}
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 目标失败: %w", err)
	}
	sink := newRabbitMQSink(ch, cfg.Exchange, key, cfg.RunID)
	sink.conn = conn
	return sink, nil
}

func newRabbitMQSink(ch publisher, exchange, key, runID string) *RabbitMQSink {
	return &RabbitMQSink{ch: ch, exchange: exchange, key: key, runID: runID, now: time.Now}
}

// Record 发布交易事件。
func (s *RabbitMQSink) Record(ctx context.Context, rec agent.TransactionRecord) error {
	return s.publish(ctx, Event{Kind: EventTransaction, Transaction: &rec})
}

// RecordFunding 发布注资事件。
func (s *RabbitMQSink) RecordFunding(ctx context.Context, req agent.FundingRequest) error {
	return s.publish(ctx, Event{Kind: EventFunding, Funding: &req})
}

func (s *RabbitMQSink) publish(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 未初始化")
	}
	ev.RunID = s.runID
	ev.At = s.now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	routing := s.key
	if s.exchange != "" {
		routing += "." + ev.Kind
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, routing, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         ev.Kind,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("发布审计事件失败: %w", err)
	}
	return nil
}

// Close 关闭 channel 与连接。
func (s *RabbitMQSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if ch, ok := s.ch.(*amqp.Channel); ok {
		_ = ch.Close()
	}
	return s.conn.Close()
}
