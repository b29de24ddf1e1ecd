package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicesaga/internal/domain"
	"github.com/vladislavdragonenkov/invoicesaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicesaga/internal/service/outbox"
)

// initKafkaProducer создаёт producer, если брокеры заданы; без брокеров возвращает nil, nil.
func initKafkaProducer(brokers []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, clientID, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает producer, если он был создан.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// outboxPublishers выбирает куда публиковать outbox: в Kafka (основной топик и DLQ)
// или в лог, если брокер не настроен либо недоступен при старте.
func outboxPublishers(cfg Config, logger *log.Entry) (publisher, dlq domain.OutboxPublisher, producer *kafka.Producer) {
	producer, err := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	if err != nil || producer == nil {
		if err != nil {
			logger.Warn("continuing without kafka, outbox events go to the log")
		}
		return outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")), nil, nil
	}
	return kafka.NewOutboxPublisher(producer, cfg.KafkaTopic), kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic), producer
}
