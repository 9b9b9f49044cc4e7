package service

import (
	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/kafka"
	"github.com/epicweb-dev/gratitext-scheduler/internal/metrics"
)

// EventSender is the producer slice the worker drains into.
type EventSender interface {
	SendDeliveryEvent(ev *kafka.DeliveryEvent) error
}

// EventWorker publishes delivery events off the tick path so a slow or
// down broker never delays sends. A nil worker (Kafka disabled) is a
// valid no-op receiver.
type EventWorker struct {
	ch   chan *kafka.DeliveryEvent
	done chan struct{}
	log  *zap.Logger
}

func StartEventWorker(producer EventSender, log *zap.Logger) *EventWorker {
	if producer == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	w := &EventWorker{
		ch:   make(chan *kafka.DeliveryEvent, 100),
		done: make(chan struct{}),
		log:  log,
	}

	go func() {
		defer close(w.done)
		for ev := range w.ch {
			if err := producer.SendDeliveryEvent(ev); err != nil {
				metrics.IncKafkaError("producer", "send")
				log.Warn("kafka send error", zap.Error(err), zap.String("event", ev.EventID))
				continue
			}
			metrics.IncKafkaEventSent()
		}
	}()

	return w
}

// Publish enqueues an event. Drops on a full buffer; delivery events are
// advisory, the database remains the source of truth.
func (w *EventWorker) Publish(ev *kafka.DeliveryEvent) {
	if w == nil || ev == nil {
		return
	}
	select {
	case w.ch <- ev:
	default:
		metrics.IncKafkaError("producer", "enqueue")
		w.log.Warn("event buffer full, dropping", zap.String("event", ev.EventID))
	}
}

// Close stops the worker and blocks until queued events are drained, so
// the producer behind it is still open for the final sends.
func (w *EventWorker) Close() {
	if w == nil {
		return
	}
	close(w.ch)
	<-w.done
}
