// Package messaging 提供任务生命周期事件的 Kafka 发布实现
package messaging

import (
	"context"

	"github.com/wyfcoding/quantlab/internal/backtest/domain"
	"github.com/wyfcoding/quantlab/pkg/mq"
)

type kafkaPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaPublisher 创建事件发布器。
// 以 jobID 作为消息 key，同一任务的事件落在同一分区保持有序。
func NewKafkaPublisher(producer *mq.KafkaProducer, topic string) domain.EventPublisher {
	return &kafkaPublisher{producer: producer, topic: topic}
}

func (p *kafkaPublisher) Publish(ctx context.Context, event domain.Event) error {
	return p.producer.SendMessage(ctx, p.topic, event.JobID, event)
}
