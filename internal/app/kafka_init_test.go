package app

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	for _, brokers := range []string{"", " ", " , ,"} {
		producer, err := initKafkaProducer(brokers, "", logger)
		assert.NoError(t, err)
		assert.Nil(t, producer)
	}
}

func TestInitKafkaProducer_UnreachableBrokers(t *testing.T) {
	logger := log.WithField("test", "kafka")

	producer, err := initKafkaProducer("127.0.0.1:1, 127.0.0.1:2", "", logger)

	assert.Error(t, err)
	assert.Nil(t, producer)
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092 ,,b:9092 "))
	assert.Nil(t, splitBrokers(""))
}

func TestCloseKafka_NilProducer(_ *testing.T) {
	closeKafka(nil, log.WithField("test", "kafka"))
}
