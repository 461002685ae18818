package service

import (
	"context"
	"fmt"
	"time"

	"giftmarket/internal/models"
	"giftmarket/internal/payment"
	"giftmarket/internal/util"

	"go.uber.org/zap"
)

// How long a seen webhook event id stays in the Redis dedup layer. The
// processed_events table backs it for anything older.
const eventSeenTTL = 72 * time.Hour

// ApplyProviderEvent applies a verified, normalized provider webhook event to
// the order it references. Every transition is state-conditioned, so applying
// the same event twice is harmless; the Redis and processed_events dedup
// layers just make redelivery cheap. Business-level oddities (unknown refs,
// already-final orders) are logged and swallowed: once the signature checks
// out, the provider gets its 200.
func (s *OrderService) ApplyProviderEvent(ctx context.Context, providerName string, event *payment.Event) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyProviderEvent")
	defer span.End()

	if event.Type == payment.EventUnknown {
		util.WebhookEventsTotal.WithLabelValues(providerName, "ignored").Inc()
		s.logger.Info("Ignoring unrecognized provider event",
			zap.String("provider", providerName),
			zap.String("event_id", event.ID))
		return nil
	}

	seen, err := s.cache.IsEventSeen(ctx, providerName, event.ID)
	if err != nil {
		s.logger.Warn("Webhook dedup cache read failed",
			zap.String("event_id", event.ID), zap.Error(err))
	} else if seen {
		util.WebhookEventsTotal.WithLabelValues(providerName, "duplicate").Inc()
		return nil
	}

	processed, err := s.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(providerName, "duplicate").Inc()
		s.markEventSeen(ctx, providerName, event.ID)
		return nil
	}

	intent, err := s.store.GetIntentByProviderRef(ctx, providerName, event.ProviderRef)
	if err != nil {
		return err
	}
	if intent == nil {
		util.WebhookEventsTotal.WithLabelValues(providerName, "orphan").Inc()
		s.logger.Warn("Webhook references unknown payment intent",
			zap.String("provider", providerName),
			zap.String("provider_ref", event.ProviderRef))
		return nil
	}

	order, err := s.store.GetOrderByID(ctx, intent.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		util.WebhookEventsTotal.WithLabelValues(providerName, "orphan").Inc()
		s.logger.Error("Payment intent references missing order",
			zap.String("intent_id", intent.ID),
			zap.String("order_id", intent.OrderID))
		return nil
	}

	var autoFulfill bool
	switch event.Type {
	case payment.EventPaymentApproved:
		err = s.applyPaymentApproved(ctx, providerName, intent, order)
	case payment.EventPaymentSucceeded:
		autoFulfill, err = s.applyPaymentSucceeded(ctx, providerName, intent, order)
	case payment.EventPaymentFailed:
		err = s.applyPaymentFailed(ctx, providerName, intent, order, event.Reason)
	case payment.EventPaymentRefunded:
		err = s.applyPaymentRefunded(ctx, order, event.Reason)
	}
	if err != nil {
		// Transition failures are retryable; the event stays unmarked
		// so the provider's redelivery gets another shot.
		util.WebhookEventsTotal.WithLabelValues(providerName, "error").Inc()
		return err
	}

	if err := s.store.MarkEventProcessed(ctx, event.ID, event.Type); err != nil {
		s.logger.Error("Failed to record processed event",
			zap.String("event_id", event.ID), zap.Error(err))
	}
	s.markEventSeen(ctx, providerName, event.ID)
	util.WebhookEventsTotal.WithLabelValues(providerName, "applied").Inc()

	if autoFulfill {
		// Fulfillment is downstream of the payment transition; its
		// failure must not bounce the webhook. The order stays
		// completed/pending for manual fulfillment.
		if _, err := s.fulfill(ctx, order, "system"); err != nil {
			s.logger.Error("Auto-fulfillment failed",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *OrderService) markEventSeen(ctx context.Context, providerName, eventID string) {
	if err := s.cache.MarkEventSeen(ctx, providerName, eventID, eventSeenTTL); err != nil {
		s.logger.Warn("Failed to record event in dedup cache",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

// applyPaymentApproved captures a buyer-approved payment. The order is only
// completed later, when the provider confirms the capture settled; approval
// alone never releases codes.
func (s *OrderService) applyPaymentApproved(ctx context.Context, providerName string, intent *models.PaymentIntent, order *models.Order) error {
	if intent.Status != models.IntentStatusPending {
		// The capture already settled (or failed) through its own
		// webhook; re-capturing a finished intent would only error.
		return nil
	}

	provider, ok := s.providers.Lookup(providerName)
	if !ok {
		s.logger.Error("No adapter for approved payment",
			zap.String("provider", providerName))
		return nil
	}
	if err := provider.Capture(ctx, intent.ProviderRef); err != nil {
		// Retryable: the event stays unmarked and the provider's
		// redelivery triggers another capture attempt.
		return fmt.Errorf("capture payment: %w", err)
	}

	if _, err := s.store.MarkPaymentProcessing(ctx, order.ID); err != nil {
		return err
	}
	order.PaymentStatus = models.PaymentStatusProcessing

	s.auditor.Record(ctx, order.CompanyID, "system", "payment.captured", "order", order.ID,
		map[string]string{"provider": providerName, "provider_ref": intent.ProviderRef})
	return nil
}

func (s *OrderService) applyPaymentSucceeded(ctx context.Context, providerName string, intent *models.PaymentIntent, order *models.Order) (autoFulfill bool, err error) {
	if _, err := s.store.MarkIntentSucceeded(ctx, intent.ID); err != nil {
		return false, err
	}

	moved, err := s.store.MarkPaymentCompleted(ctx, order.ID)
	if err != nil {
		return false, err
	}
	if !moved {
		s.logger.Info("Payment already in a final state, skipping transition",
			zap.String("order_id", order.ID),
			zap.String("payment_status", order.PaymentStatus))
		return false, nil
	}
	order.PaymentStatus = models.PaymentStatusCompleted

	s.auditor.Record(ctx, order.CompanyID, "system", "payment.completed", "order", order.ID,
		map[string]string{"provider": providerName, "provider_ref": intent.ProviderRef})

	event := &models.PaymentCompletedEvent{
		BaseEvent:   newBaseEvent(models.EventTypePaymentCompleted),
		OrderID:     order.ID,
		CompanyID:   order.CompanyID,
		Provider:    providerName,
		ProviderRef: intent.ProviderRef,
	}
	if err := s.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		s.logger.Warn("Failed to publish payment completed event",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	listing, err := s.store.GetListingByID(ctx, order.ListingID)
	if err != nil {
		s.logger.Error("Failed to load listing for auto-fulfill check",
			zap.String("listing_id", order.ListingID), zap.Error(err))
		return false, nil
	}
	return listing != nil && listing.AutoFulfill, nil
}

func (s *OrderService) applyPaymentFailed(ctx context.Context, providerName string, intent *models.PaymentIntent, order *models.Order, reason string) error {
	if _, err := s.store.MarkIntentFailed(ctx, intent.ID, reason); err != nil {
		return err
	}

	moved, err := s.store.MarkPaymentFailed(ctx, order.ID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	order.PaymentStatus = models.PaymentStatusFailed

	if _, err := s.inventory.ReleaseForOrder(ctx, order); err != nil {
		s.logger.Error("Failed to release reservation after payment failure",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	util.OrdersFailedTotal.WithLabelValues("payment_failed").Inc()
	s.auditor.Record(ctx, order.CompanyID, "system", "payment.failed", "order", order.ID,
		map[string]string{"provider": providerName, "reason": reason})

	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed),
		OrderID:   order.ID,
		CompanyID: order.CompanyID,
		Provider:  providerName,
		Reason:    reason,
	}
	if err := s.publisher.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Warn("Failed to publish payment failed event",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	return nil
}

// applyPaymentRefunded handles a refund the provider initiated (disputes,
// provider-side reversals). Merchant-initiated refunds go through Refund.
func (s *OrderService) applyPaymentRefunded(ctx context.Context, order *models.Order, reason string) error {
	moved, err := s.store.MarkPaymentRefunded(ctx, order.ID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	order.PaymentStatus = models.PaymentStatusRefunded

	util.OrdersRefundedTotal.Inc()
	s.auditor.Record(ctx, order.CompanyID, "system", "order.refunded", "order", order.ID,
		map[string]string{"reason": reason, "initiated_by": "provider"})

	event := &models.OrderRefundedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderRefunded),
		OrderID:   order.ID,
		CompanyID: order.CompanyID,
		Amount:    order.Total,
		Currency:  order.Currency,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderRefunded(ctx, event); err != nil {
		s.logger.Warn("Failed to publish order refunded event",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	return nil
}
