package audit

import (
	"encoding/json"
	"fmt"
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Publisher 审计事件下游
//
// 审计日志的权威副本在账本数据库里，与账本变更同事务提交；
// 这里只负责提交后的异步分发，失败不影响已提交的交易。
type Publisher interface {
	PublishAudit(entry *models.AuditEntry) error
	PublishBlock(block *models.Block) error
	Close() error
}

// KafkaPublisher 通过Kafka分发审计事件
type KafkaPublisher struct {
	producer   sarama.SyncProducer
	auditTopic string
	blockTopic string
	logger     *logrus.Logger
}

// NewKafkaPublisher 创建Kafka审计分发器
func NewKafkaPublisher(brokers []string, auditTopic, blockTopic string, logger *logrus.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"brokers":     brokers,
		"audit_topic": auditTopic,
		"block_topic": blockTopic,
	}).Info("Kafka审计分发器已连接")

	return &KafkaPublisher{
		producer:   producer,
		auditTopic: auditTopic,
		blockTopic: blockTopic,
		logger:     logger,
	}, nil
}

// PublishAudit 分发审计条目
func (p *KafkaPublisher) PublishAudit(entry *models.AuditEntry) error {
	return p.publish(p.auditTopic, entry.OperationID, entry)
}

// PublishBlock 分发新区块事件
func (p *KafkaPublisher) PublishBlock(block *models.Block) error {
	return p.publish(p.blockTopic, block.Hash, block)
}

func (p *KafkaPublisher) publish(topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return chainerrors.WrapError(err, chainerrors.ErrorTypeKafka,
			chainerrors.SeverityMedium, "MARSHAL_FAILED", "序列化审计事件失败")
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return chainerrors.WrapError(err, chainerrors.ErrorTypeKafka,
			chainerrors.SeverityHigh, "KAFKA_PUBLISH_FAILED", "Kafka消息发送失败")
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
	}).Debug("审计事件已分发")
	return nil
}

// Close 关闭生产者
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher 空分发器，审计下游未启用时使用
type NopPublisher struct{}

func (NopPublisher) PublishAudit(*models.AuditEntry) error { return nil }
func (NopPublisher) PublishBlock(*models.Block) error      { return nil }
func (NopPublisher) Close() error                          { return nil }
