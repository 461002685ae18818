package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"giftmarket/internal/models"
	"giftmarket/internal/payment"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is a mutex-backed in-memory Store used by the service tests.
type memStore struct {
	mu        sync.Mutex
	listings  map[string]*models.Listing
	codes     map[string]*models.InventoryCode
	codeOrder []string
	orders    map[string]*models.Order
	intents   map[string]*models.PaymentIntent
	processed map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		listings:  make(map[string]*models.Listing),
		codes:     make(map[string]*models.InventoryCode),
		orders:    make(map[string]*models.Order),
		intents:   make(map[string]*models.PaymentIntent),
		processed: make(map[string]bool),
	}
}

func (m *memStore) CreateListing(ctx context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *memStore) GetListing(ctx context.Context, companyID, listingID string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok || l.CompanyID != companyID {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) GetListingByID(ctx context.Context, listingID string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) UpdateListingStatus(ctx context.Context, companyID, listingID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok || l.CompanyID != companyID {
		return errors.New("listing not found")
	}
	l.Status = status
	return nil
}

func (m *memStore) AdjustListingStock(ctx context.Context, listingID string, stockDelta, soldDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listings[listingID]; ok {
		l.TotalStock += stockDelta
		l.SoldCount += soldDelta
	}
	return nil
}

func (m *memStore) InsertCodes(ctx context.Context, codes []models.InventoryCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range codes {
		cp := codes[i]
		m.codes[cp.ID] = &cp
		m.codeOrder = append(m.codeOrder, cp.ID)
	}
	return nil
}

func (m *memStore) CountAvailableCodes(ctx context.Context, listingID string, denomination decimal.Decimal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.ListingID == listingID && c.Denomination.Equal(denomination) && c.Status == models.CodeStatusAvailable {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ClaimAvailableCode(ctx context.Context, listingID string, denomination decimal.Decimal, orderID string) (*models.InventoryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.codeOrder {
		c, ok := m.codes[id]
		if !ok {
			continue
		}
		if c.ListingID == listingID && c.Denomination.Equal(denomination) && c.Status == models.CodeStatusAvailable {
			c.Status = models.CodeStatusReserved
			oid := orderID
			c.ReservedOrderID = &oid
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ReleaseCode(ctx context.Context, codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.Status != models.CodeStatusReserved {
		return fmt.Errorf("code not reserved: %s", codeID)
	}
	c.Status = models.CodeStatusAvailable
	c.ReservedOrderID = nil
	return nil
}

func (m *memStore) ReleaseCodesForOrder(ctx context.Context, orderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.Status == models.CodeStatusReserved && c.ReservedOrderID != nil && *c.ReservedOrderID == orderID {
			c.Status = models.CodeStatusAvailable
			c.ReservedOrderID = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) FinalizeCode(ctx context.Context, codeID, orderID, buyer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.Status != models.CodeStatusReserved || c.ReservedOrderID == nil || *c.ReservedOrderID != orderID {
		return fmt.Errorf("code not reserved for order %s: %s", orderID, codeID)
	}
	now := time.Now().UTC()
	c.Status = models.CodeStatusSold
	c.SoldOrderID = &orderID
	c.SoldTo = &buyer
	c.SoldAt = &now
	c.ReservedOrderID = nil
	return nil
}

func (m *memStore) GetReservedCodesForOrder(ctx context.Context, orderID string) ([]models.InventoryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InventoryCode
	for _, id := range m.codeOrder {
		c, ok := m.codes[id]
		if !ok {
			continue
		}
		if c.Status == models.CodeStatusReserved && c.ReservedOrderID != nil && *c.ReservedOrderID == orderID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) DeleteAvailableCode(ctx context.Context, companyID, codeID string) (*models.InventoryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.CompanyID != companyID || c.Status != models.CodeStatusAvailable {
		return nil, nil
	}
	cp := *c
	delete(m.codes, codeID)
	return &cp, nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, companyID, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.CompanyID != companyID {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) MarkPaymentProcessing(ctx context.Context, orderID string) (bool, error) {
	return m.movePayment(orderID, models.PaymentStatusProcessing, models.PaymentStatusPending)
}

func (m *memStore) MarkPaymentCompleted(ctx context.Context, orderID string) (bool, error) {
	return m.movePayment(orderID, models.PaymentStatusCompleted,
		models.PaymentStatusPending, models.PaymentStatusProcessing)
}

func (m *memStore) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	return m.movePayment(orderID, models.PaymentStatusFailed,
		models.PaymentStatusPending, models.PaymentStatusProcessing)
}

func (m *memStore) MarkPaymentRefunded(ctx context.Context, orderID string) (bool, error) {
	return m.movePayment(orderID, models.PaymentStatusRefunded, models.PaymentStatusCompleted)
}

func (m *memStore) movePayment(orderID, to string, from ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.PaymentStatus == f {
			o.PaymentStatus = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkOrderFulfilled(ctx context.Context, orderID string, codes models.DeliveredCodes, actorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.FulfillmentStatus != models.FulfillmentStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	o.FulfillmentStatus = models.FulfillmentStatusFulfilled
	o.DeliveredCodes = codes
	o.FulfilledAt = &now
	o.FulfilledBy = &actorID
	return true, nil
}

func (m *memStore) MarkFulfillmentFailed(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok && o.FulfillmentStatus == models.FulfillmentStatusPending {
		o.FulfillmentStatus = models.FulfillmentStatusFailed
	}
	return nil
}

func (m *memStore) MarkOrderDelivered(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		now := time.Now().UTC()
		o.DeliveredAt = &now
	}
	return nil
}

func (m *memStore) ListExpiredPendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.PaymentStatus == models.PaymentStatusPending && o.ExpiresAt.Before(cutoff) {
			out = append(out, *o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) CreatePaymentIntent(ctx context.Context, pi *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	pi.CreatedAt, pi.UpdatedAt = now, now
	cp := *pi
	m.intents[pi.ID] = &cp
	return nil
}

func (m *memStore) GetIntentByProviderRef(ctx context.Context, provider, providerRef string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.intents {
		if pi.Provider == provider && pi.ProviderRef == providerRef {
			cp := *pi
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetSucceededIntentForOrder(ctx context.Context, orderID string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.intents {
		if pi.OrderID == orderID && pi.Status == models.IntentStatusSucceeded {
			cp := *pi
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) MarkIntentSucceeded(ctx context.Context, intentID string) (bool, error) {
	return m.moveIntent(intentID, models.IntentStatusSucceeded, "")
}

func (m *memStore) MarkIntentFailed(ctx context.Context, intentID, reason string) (bool, error) {
	return m.moveIntent(intentID, models.IntentStatusFailed, reason)
}

func (m *memStore) CancelPendingIntentsForOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.intents {
		if pi.OrderID == orderID && pi.Status == models.IntentStatusPending {
			pi.Status = models.IntentStatusCanceled
		}
	}
	return nil
}

func (m *memStore) moveIntent(intentID, to, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[intentID]
	if !ok || pi.Status != models.IntentStatusPending {
		return false, nil
	}
	pi.Status = to
	if reason != "" {
		pi.FailureReason = &reason
	}
	return true, nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = true
	return nil
}

// memCache is an in-memory AvailabilityCache.
type memCache struct {
	mu       sync.Mutex
	counters map[string]int
	seen     map[string]bool
}

func newMemCache() *memCache {
	return &memCache{counters: make(map[string]int), seen: make(map[string]bool)}
}

func cacheKey(listingID string, d decimal.Decimal) string {
	return listingID + ":" + d.String()
}

func (c *memCache) AvailableCount(ctx context.Context, listingID string, d decimal.Decimal) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counters[cacheKey(listingID, d)]
	return n, ok, nil
}

func (c *memCache) SetAvailableCount(ctx context.Context, listingID string, d decimal.Decimal, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[cacheKey(listingID, d)] = count
	return nil
}

func (c *memCache) IncrAvailable(ctx context.Context, listingID string, d decimal.Decimal, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[cacheKey(listingID, d)] += n
	return nil
}

func (c *memCache) DecrAvailable(ctx context.Context, listingID string, d decimal.Decimal, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[cacheKey(listingID, d)] -= n
	return nil
}

func (c *memCache) IsEventSeen(ctx context.Context, provider, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[provider+":"+eventID], nil
}

func (c *memCache) MarkEventSeen(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[provider+":"+eventID] = true
	return nil
}

// memPublisher records published events.
type memPublisher struct {
	mu             sync.Mutex
	created        []*models.OrderCreatedEvent
	completed      []*models.PaymentCompletedEvent
	failed         []*models.PaymentFailedEvent
	fulfilled      []*models.OrderFulfilledEvent
	refunded       []*models.OrderRefundedEvent
	deliveryFailed []*models.DeliveryFailedEvent
}

func (p *memPublisher) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *memPublisher) PublishPaymentCompleted(ctx context.Context, e *models.PaymentCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *memPublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *memPublisher) PublishOrderFulfilled(ctx context.Context, e *models.OrderFulfilledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fulfilled = append(p.fulfilled, e)
	return nil
}

func (p *memPublisher) PublishOrderRefunded(ctx context.Context, e *models.OrderRefundedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, e)
	return nil
}

func (p *memPublisher) PublishDeliveryFailed(ctx context.Context, e *models.DeliveryFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryFailed = append(p.deliveryFailed, e)
	return nil
}

// fakeProvider is a scriptable payment.Provider.
type fakeProvider struct {
	name       string
	createErr  error
	captureErr error
	refundErr  error
	mu         sync.Mutex
	captures   int
	refunds    int
	lastRefund decimal.Decimal
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CreateIntent(ctx context.Context, order *models.Order) (*payment.Initiation, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &payment.Initiation{
		ProviderRef:  "ref-" + order.ID,
		ClientSecret: "secret-" + order.ID,
	}, nil
}

func (p *fakeProvider) Capture(ctx context.Context, providerRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captureErr != nil {
		return p.captureErr
	}
	p.captures++
	return nil
}

func (p *fakeProvider) captureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures
}

func (p *fakeProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return p.refundErr
	}
	p.refunds++
	p.lastRefund = amount
	return nil
}

func (p *fakeProvider) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) error {
	return nil
}

func (p *fakeProvider) ParseWebhook(body []byte) (*payment.Event, error) {
	return &payment.Event{Type: payment.EventUnknown}, nil
}

// fakeSender records delivery attempts and can be scripted to fail.
type fakeSender struct {
	mu      sync.Mutex
	sendErr error
	sent    []string
}

func (s *fakeSender) Send(ctx context.Context, to, subject, htmlContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, to)
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func seedCodes(store *memStore, companyID, listingID string, denom decimal.Decimal, n int) []models.InventoryCode {
	codes := make([]models.InventoryCode, 0, n)
	for i := 0; i < n; i++ {
		codes = append(codes, models.InventoryCode{
			ID:           uuid.New().String(),
			CompanyID:    companyID,
			ListingID:    listingID,
			Denomination: denom,
			Code:         fmt.Sprintf("CARD-%s-%d", listingID, i),
			PIN:          fmt.Sprintf("%04d", i),
			Status:       models.CodeStatusAvailable,
		})
	}
	_ = store.InsertCodes(context.Background(), codes)
	return codes
}
