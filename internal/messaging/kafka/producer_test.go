package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

func sampleOrder() domain.VoucherOrder {
	return domain.NewVoucherOrder(domain.PurchaseIntent{
		OrderID:   1 << 40,
		UserID:    7,
		VoucherID: 3,
	}, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
}

func TestProducer_PublishOrderCreated(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, "", log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "user-7" {
			return errors.New("unexpected key " + string(key))
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event OrderCreatedEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.EventType != EventTypeOrderCreated || event.OrderID != "1099511627776" || event.VoucherID != 3 {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	if err := producer.PublishOrderCreated(context.Background(), sampleOrder()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishOrderCreated_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, "custom.topic", nil)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishOrderCreated(context.Background(), sampleOrder())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	if producer.Topic() != "custom.topic" {
		t.Fatalf("unexpected topic %s", producer.Topic())
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishOrderCreated_CanceledContext(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerWithClient(mockProducer, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := producer.PublishOrderCreated(ctx, sampleOrder()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewOrderCreatedEvent(t *testing.T) {
	order := sampleOrder()
	event := NewOrderCreatedEvent(order)

	if event.EventType != EventTypeOrderCreated {
		t.Errorf("expected event type %s, got %s", EventTypeOrderCreated, event.EventType)
	}
	if event.UserID != order.UserID {
		t.Errorf("expected user %d, got %d", order.UserID, event.UserID)
	}
	if event.Status != int(domain.OrderStatusUnpaid) {
		t.Errorf("expected unpaid status, got %d", event.Status)
	}
	if !event.CreatedAt.Equal(order.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", order.CreatedAt, event.CreatedAt)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}
