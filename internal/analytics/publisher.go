// Package analytics 业务事件投递到Kafka。投递是尽力而为的：失败只记日志，
// 绝不反过来影响结算流程。
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"tokensale/internal/errors"
)

// PurchaseEvent 购买完成事件
type PurchaseEvent struct {
	PurchaseID string    `json:"purchase_id"`
	UserID     int64     `json:"user_id"`
	Currency   string    `json:"currency"`
	TxID       string    `json:"tx_id"`
	Value      float64   `json:"value"`
	USDValue   float64   `json:"usd_value"`
	TokenValue float64   `json:"token_value"`
	Mined      time.Time `json:"mined"`
}

// WithdrawalEvent 提取定稿事件
type WithdrawalEvent struct {
	WithdrawalID int64     `json:"withdrawal_id"`
	UserID       int64     `json:"user_id"`
	TokenValue   float64   `json:"token_value"`
	TxID         string    `json:"tx_id"`
	Status       string    `json:"status"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Publisher 业务事件发布接口
type Publisher interface {
	PurchaseCreated(ctx context.Context, event PurchaseEvent) error
	WithdrawalFinished(ctx context.Context, event WithdrawalEvent) error
	Close() error
}

// KafkaPublisher 基于sarama同步生产者的事件发布器
type KafkaPublisher struct {
	producer        sarama.SyncProducer
	purchaseTopic   string
	withdrawalTopic string
	logger          *logrus.Logger
}

// NewKafkaPublisher 创建Kafka事件发布器
func NewKafkaPublisher(brokers []string, purchaseTopic, withdrawalTopic string, logger *logrus.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, errors.NewKafkaError(fmt.Sprintf("创建Kafka生产者失败: %v", err), err)
	}

	return &KafkaPublisher{
		producer:        producer,
		purchaseTopic:   purchaseTopic,
		withdrawalTopic: withdrawalTopic,
		logger:          logger,
	}, nil
}

// PurchaseCreated 发布购买事件
func (p *KafkaPublisher) PurchaseCreated(_ context.Context, event PurchaseEvent) error {
	return p.send(p.purchaseTopic, event.PurchaseID, event)
}

// WithdrawalFinished 发布提取定稿事件
func (p *KafkaPublisher) WithdrawalFinished(_ context.Context, event WithdrawalEvent) error {
	return p.send(p.withdrawalTopic, fmt.Sprintf("%d", event.WithdrawalID), event)
}

func (p *KafkaPublisher) send(topic, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.NewSerializationError(fmt.Sprintf("序列化事件失败: %v", err), err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return errors.NewKafkaError(fmt.Sprintf("发送事件到%s失败: %v", topic, err), err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}).Debug("事件已发布")
	return nil
}

// Close 关闭生产者
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NoopPublisher 空实现，未配置Kafka时使用
type NoopPublisher struct{}

func (NoopPublisher) PurchaseCreated(context.Context, PurchaseEvent) error      { return nil }
func (NoopPublisher) WithdrawalFinished(context.Context, WithdrawalEvent) error { return nil }
func (NoopPublisher) Close() error { return nil }
