package alert

import (
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
)

// KafkaMirror publishes a copy of every dispatched alert to a Kafka topic
// for downstream analysis consumers. Publishing is asynchronous and
// best-effort; producer errors are logged by a drain goroutine.
type KafkaMirror struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.SugaredLogger
}

// NewKafkaMirror builds the mirror, or returns (nil, nil) when no brokers
// are configured.
func NewKafkaMirror(cfg *params.Config) (*KafkaMirror, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, nil
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.KafkaBrokers, config)
	if err != nil {
		return nil, err
	}
	m := &KafkaMirror{
		producer: producer,
		topic:    cfg.KafkaAlertTopic,
		logger:   log.NewModuleLogger("alert"),
	}
	go m.drainErrors()
	m.logger.Infow("kafka mirror enabled",
		"event", "kafka_mirror_started", "brokers", cfg.KafkaBrokers, "topic", m.topic)
	return m, nil
}

func (m *KafkaMirror) drainErrors() {
	for err := range m.producer.Errors() {
		m.logger.Warnw("kafka publish failed",
			"event", "kafka_publish_failed", "error", err.Error())
	}
}

// Publish mirrors one alert, keyed by transaction id.
func (m *KafkaMirror) Publish(p *Payload, raw []byte) {
	m.producer.Input() <- &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(p.TransactionID),
		Value: sarama.ByteEncoder(raw),
	}
}

func (m *KafkaMirror) Close() error {
	return m.producer.Close()
}

var _ Mirror = (*KafkaMirror)(nil)
