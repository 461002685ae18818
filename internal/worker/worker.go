package worker

import (
	"context"
	"log"
	"time"

	"giftmarket/internal/broker"
	"giftmarket/internal/service"
)

// DeliveryWorker consumes delivery-failed events and re-attempts the code
// delivery email for orders whose first send failed.
type DeliveryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewDeliveryWorker creates a new delivery worker
func NewDeliveryWorker(consumer *broker.Consumer, orders *service.OrderService) *DeliveryWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnDeliveryFailed(orders.RetryDelivery)

	return &DeliveryWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *DeliveryWorker) Start(ctx context.Context) error {
	log.Println("Starting delivery worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *DeliveryWorker) Stop() error {
	log.Println("Stopping delivery worker...")
	return w.consumer.Close()
}

// ExpirySweeper periodically fails pending orders whose reservation window
// has lapsed and returns their codes to the pool.
type ExpirySweeper struct {
	orders   *service.OrderService
	interval time.Duration
	batch    int
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(orders *service.OrderService, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		orders:   orders,
		interval: interval,
		batch:    500,
	}
}

// Start runs the sweep loop until the context is canceled.
func (s *ExpirySweeper) Start(ctx context.Context) {
	log.Printf("Starting expiry sweeper, interval=%s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping expiry sweeper...")
			return
		case <-ticker.C:
			released, err := s.orders.ReleaseExpiredOrders(ctx, s.batch)
			if err != nil {
				log.Printf("Expiry sweep failed: %v", err)
				continue
			}
			if released > 0 {
				log.Printf("Expiry sweep released %d abandoned orders", released)
			}
		}
	}
}
