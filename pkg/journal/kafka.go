package journal

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaPublisher pushes journal events to a Kafka topic. Events are keyed by
// type so consumers interested in one stream (trades, deposits) can partition
// on it.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka %v: %w", brokers, err)
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log.Named("kafka"),
	}, nil
}

func (k *KafkaPublisher) Publish(evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", evt.Seq, err)
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(evt.Type),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		k.log.Warn("event publish failed", zap.Uint64("seq", evt.Seq), zap.Error(err))
		return err
	}
	k.log.Debug("event published",
		zap.Uint64("seq", evt.Seq),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}
