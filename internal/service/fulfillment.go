package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"giftmarket/internal/models"
	"giftmarket/internal/util"

	"go.uber.org/zap"
)

// Fulfill finalizes a paid order: it loads the codes held by the order's
// reservation, flips them to sold, attaches them to the order and decrements
// listing stock. Only completed-payment, pending-fulfillment orders qualify;
// anything else fails closed. actorID records who triggered the fulfillment.
func (s *OrderService) Fulfill(ctx context.Context, companyID, orderID, actorID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, companyID, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.fulfill(ctx, order, actorID)
}

func (s *OrderService) fulfill(ctx context.Context, order *models.Order, actorID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Fulfill")
	defer span.End()

	if order.PaymentStatus != models.PaymentStatusCompleted {
		return nil, ErrOrderNotPaid
	}
	if order.FulfillmentStatus != models.FulfillmentStatusPending {
		return nil, ErrOrderNotFulfillable
	}

	reserved, err := s.store.GetReservedCodesForOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("load reserved codes: %w", err)
	}
	if len(reserved) != order.Quantity {
		// The reservation was lost or tampered with. Never deliver a
		// partial order; fail it for operator attention.
		s.logger.Error("Reserved codes do not match order quantity",
			zap.String("order_id", order.ID),
			zap.Int("reserved", len(reserved)),
			zap.Int("quantity", order.Quantity))
		if markErr := s.store.MarkFulfillmentFailed(ctx, order.ID); markErr != nil {
			s.logger.Error("Failed to mark fulfillment failed",
				zap.String("order_id", order.ID), zap.Error(markErr))
		}
		return nil, ErrReservationMismatch
	}

	delivered := make(models.DeliveredCodes, 0, len(reserved))
	for _, code := range reserved {
		if err := s.store.FinalizeCode(ctx, code.ID, order.ID, order.BuyerEmail); err != nil {
			s.logger.Error("Failed to finalize code",
				zap.String("order_id", order.ID),
				zap.String("code_id", code.ID),
				zap.Error(err))
			if markErr := s.store.MarkFulfillmentFailed(ctx, order.ID); markErr != nil {
				s.logger.Error("Failed to mark fulfillment failed",
					zap.String("order_id", order.ID), zap.Error(markErr))
			}
			return nil, fmt.Errorf("finalize code: %w", err)
		}
		delivered = append(delivered, models.DeliveredCode{
			Code:         code.Code,
			PIN:          code.PIN,
			SerialNumber: code.SerialNumber,
			Denomination: code.Denomination,
		})
	}
	util.CodesSoldTotal.Add(float64(len(delivered)))

	moved, err := s.store.MarkOrderFulfilled(ctx, order.ID, delivered, actorID)
	if err != nil {
		return nil, fmt.Errorf("mark fulfilled: %w", err)
	}
	if !moved {
		return nil, ErrOrderNotFulfillable
	}

	if err := s.store.AdjustListingStock(ctx, order.ListingID, -order.Quantity, order.Quantity); err != nil {
		s.logger.Error("Failed to adjust listing stock after fulfillment",
			zap.String("listing_id", order.ListingID), zap.Error(err))
	}

	order.FulfillmentStatus = models.FulfillmentStatusFulfilled
	order.DeliveredCodes = delivered

	util.OrdersFulfilledTotal.Inc()
	s.auditor.Record(ctx, order.CompanyID, actorID, "order.fulfilled", "order", order.ID,
		map[string]string{"quantity": fmt.Sprintf("%d", order.Quantity)})

	event := &models.OrderFulfilledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderFulfilled),
		OrderID:   order.ID,
		CompanyID: order.CompanyID,
		Quantity:  order.Quantity,
		ActorID:   actorID,
	}
	if err := s.publisher.PublishOrderFulfilled(ctx, event); err != nil {
		s.logger.Warn("Failed to publish order fulfilled event",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	// Delivery is best effort: a failed send never rolls back the sale.
	// The retry worker picks up the delivery-failed event.
	s.deliver(ctx, order, 1)

	return order, nil
}

var deliveryTemplate = template.Must(template.New("delivery").Parse(`
<h2>Your gift cards are ready</h2>
<p>Hi {{.BuyerName}}, here are the codes for order {{.OrderID}}:</p>
<ul>
{{range .Codes}}	<li><strong>{{.Denomination}}</strong>: {{.Code}}{{if .PIN}} (PIN {{.PIN}}){{end}}</li>
{{end}}</ul>
`))

type deliveryEmail struct {
	BuyerName string
	OrderID   string
	Codes     models.DeliveredCodes
}

func (s *OrderService) deliver(ctx context.Context, order *models.Order, attempt int) {
	var body bytes.Buffer
	err := deliveryTemplate.Execute(&body, deliveryEmail{
		BuyerName: order.BuyerName,
		OrderID:   order.ID,
		Codes:     order.DeliveredCodes,
	})
	if err != nil {
		s.logger.Error("Failed to render delivery email",
			zap.String("order_id", order.ID), zap.Error(err))
		return
	}

	to := order.DeliveryEmail
	if to == "" {
		to = order.BuyerEmail
	}

	if err := s.sender.Send(ctx, to, "Your gift card order "+order.ID, body.String()); err != nil {
		util.DeliveryAttemptsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn("Delivery send failed",
			zap.String("order_id", order.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		event := &models.DeliveryFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeDeliveryFailed),
			OrderID:   order.ID,
			CompanyID: order.CompanyID,
			To:        to,
			Attempt:   attempt,
			Reason:    err.Error(),
		}
		if pubErr := s.publisher.PublishDeliveryFailed(ctx, event); pubErr != nil {
			s.logger.Error("Failed to publish delivery failed event",
				zap.String("order_id", order.ID), zap.Error(pubErr))
		}
		return
	}

	util.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	if err := s.store.MarkOrderDelivered(ctx, order.ID); err != nil {
		s.logger.Error("Failed to stamp delivery",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}

// RetryDelivery re-attempts the code delivery email for an order whose
// earlier send failed. Consumed from the delivery-failed stream; attempts are
// bounded, after which the failure is left for manual follow-up.
func (s *OrderService) RetryDelivery(ctx context.Context, event *models.DeliveryFailedEvent) error {
	if event.Attempt >= s.deliveryMaxAttempts {
		s.logger.Error("Delivery attempts exhausted",
			zap.String("order_id", event.OrderID),
			zap.Int("attempts", event.Attempt))
		util.DeliveryAttemptsTotal.WithLabelValues("exhausted").Inc()
		return nil
	}

	order, err := s.store.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if order == nil || order.FulfillmentStatus != models.FulfillmentStatusFulfilled {
		return nil
	}
	if order.DeliveredAt != nil {
		return nil
	}

	s.deliver(ctx, order, event.Attempt+1)
	return nil
}
