// Package notify dispatches lifecycle notifications to external sinks and
// live subscribers.
//
// Dispatch is strictly fire-and-forget: business transitions enqueue an
// event and move on. A background worker drains the queue and pushes to the
// delivery sink and the websocket hub; failures are counted and logged but
// never propagate back to the transition that caused them.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loompay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loompay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification delivery failures by event type.",
	}, []string{"event_type"})

	notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loompay",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the dispatch queue was full.",
	})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors, notifyDropped)
}

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventDesignerNewOrder         EventType = "designer.new_order"
	EventDesignerPaymentConfirmed EventType = "designer.payment_confirmed"
	EventDesignerPaymentReleased  EventType = "designer.payment_released"
	EventCustomerOrderStatus      EventType = "customer.order_status_changed"
	EventAdminDeliveryReview      EventType = "admin.delivery_review_needed"
	EventAdminDisputeOpened       EventType = "admin.dispute_opened"
)

// Event is one notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Recipient string                 `json:"recipient"` // profile id, or "admin"
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sink delivers events to the external notification service (email, push).
// Delivery transport is out of scope here; failures are swallowed upstream.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
}

// LogSink logs events instead of delivering them. Used in development and
// as the default when no notification service is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(ctx context.Context, event *Event) error {
	s.Logger.Info("notification", "type", event.Type, "recipient", event.Recipient, "data", event.Data)
	return nil
}

const queueSize = 256

// Emitter queues and dispatches notifications.
type Emitter struct {
	sink   Sink
	hub    *Hub // optional live stream, may be nil
	logger *slog.Logger

	queue    chan *Event
	stopOnce sync.Once
	done     chan struct{}
}

// NewEmitter creates an emitter and starts its dispatch worker.
func NewEmitter(sink Sink, hub *Hub, logger *slog.Logger) *Emitter {
	e := &Emitter{
		sink:   sink,
		hub:    hub,
		logger: logger,
		queue:  make(chan *Event, queueSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) run() {
	for event := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.sink.Deliver(ctx, event); err != nil {
			notifyEmitErrors.WithLabelValues(string(event.Type)).Inc()
			e.logger.Warn("notification delivery failed", "event", event.Type, "recipient", event.Recipient, "error", err)
		}
		cancel()
		if e.hub != nil {
			e.hub.Broadcast(event)
		}
	}
	close(e.done)
}

// Close stops the worker after draining queued events.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() { close(e.queue) })
	<-e.done
}

func (e *Emitter) emit(recipient string, eventType EventType, data map[string]interface{}) {
	if e == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Recipient: recipient,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case e.queue <- event:
	default:
		notifyDropped.Inc()
		e.logger.Warn("notification queue full, dropping event", "event", eventType)
	}
}

// DesignerNewOrder tells the designer a new escrowed order was created.
func (e *Emitter) DesignerNewOrder(orderID, designerID, customerName string) {
	e.emit(designerID, EventDesignerNewOrder, map[string]interface{}{
		"orderId":  orderID,
		"customer": customerName,
	})
}

// DesignerPaymentConfirmed tells the designer escrow funds are verified.
func (e *Emitter) DesignerPaymentConfirmed(orderID, designerID, amount string) {
	e.emit(designerID, EventDesignerPaymentConfirmed, map[string]interface{}{
		"orderId": orderID,
		"amount":  amount,
	})
}

// DesignerPaymentReleased tells the designer the payout was sent.
func (e *Emitter) DesignerPaymentReleased(orderID, designerID, amount, txRef string) {
	e.emit(designerID, EventDesignerPaymentReleased, map[string]interface{}{
		"orderId": orderID,
		"amount":  amount,
		"txRef":   txRef,
	})
}

// CustomerOrderStatus tells the customer the order moved to a new status.
func (e *Emitter) CustomerOrderStatus(orderID, customerID, status string) {
	e.emit(customerID, EventCustomerOrderStatus, map[string]interface{}{
		"orderId": orderID,
		"status":  status,
	})
}

// AdminDeliveryReview asks operators to review a confirmed delivery.
func (e *Emitter) AdminDeliveryReview(orderID string) {
	e.emit("admin", EventAdminDeliveryReview, map[string]interface{}{
		"orderId": orderID,
	})
}

// AdminDisputeOpened alerts operators that a dispute needs attention.
func (e *Emitter) AdminDisputeOpened(orderID, disputeID, reason string) {
	e.emit("admin", EventAdminDisputeOpened, map[string]interface{}{
		"orderId":   orderID,
		"disputeId": disputeID,
		"reason":    reason,
	})
}
