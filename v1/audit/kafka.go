package audit

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

// KafkaLog publishes audit entries to a Kafka topic as JSON, feeding
// downstream compliance pipelines.
type KafkaLog struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaLog creates a KafkaLog connecting to the given brokers.
func NewKafkaLog(brokers []string, topic string, cfg *sarama.Config) (*KafkaLog, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaLog{producer: producer, topic: topic}, nil
}

// Record implements Log.Record.
func (k *KafkaLog) Record(ctx context.Context, e Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(e.TaskID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close shuts down the underlying producer.
func (k *KafkaLog) Close() error {
	return k.producer.Close()
}
