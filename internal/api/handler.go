package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"giftmarket/internal/models"
	"giftmarket/internal/payment"
	"giftmarket/internal/service"
	"giftmarket/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	providers payment.Registry
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, inventory *service.InventoryService, providers payment.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		orders:    orders,
		inventory: inventory,
		providers: providers,
		logger:    logger,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/:provider", h.providerWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/fulfill", h.fulfillOrder)
		v1.POST("/orders/:id/refund", h.refundOrder)

		v1.POST("/listings", h.createListing)
		v1.PATCH("/listings/:id/status", h.updateListingStatus)
		v1.POST("/listings/:id/codes", h.uploadCodes)
		v1.DELETE("/listings/codes/:codeID", h.deleteCode)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// companyID returns the tenant the request acts for. Authentication happens
// upstream; by the time a request lands here the gateway has already resolved
// and stamped the tenant.
func companyID(c *gin.Context) string {
	return c.GetHeader("X-Company-ID")
}

func actorID(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor-ID"); actor != "" {
		return actor
	}
	return "api"
}

// statusForError maps workflow sentinel errors to HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrListingNotFound),
		errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidDenomination),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidListing),
		errors.Is(err, service.ErrInvalidCodeUpload),
		errors.Is(err, service.ErrUnsupportedPaymentMethod):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrListingNotActive),
		errors.Is(err, service.ErrOrderNotPaid),
		errors.Is(err, service.ErrOrderNotFulfillable),
		errors.Is(err, service.ErrOrderNotRefundable),
		errors.Is(err, service.ErrReservationMismatch),
		errors.Is(err, service.ErrCodeNotDeletable):
		return http.StatusConflict
	case errors.Is(err, service.ErrInsufficientInventory):
		return http.StatusConflict
	case errors.Is(err, service.ErrPaymentInitiation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type checkoutRequest struct {
	ListingID     string          `json:"listing_id" binding:"required"`
	Denomination  decimal.Decimal `json:"denomination" binding:"required"`
	Quantity      int             `json:"quantity" binding:"required"`
	BuyerName     string          `json:"buyer_name" binding:"required"`
	BuyerEmail    string          `json:"buyer_email" binding:"required,email"`
	DeliveryEmail string          `json:"delivery_email"`
	PaymentMethod string          `json:"payment_method" binding:"required"`
}

// checkout handles buyer checkout
func (h *Handler) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orders.Checkout(c.Request.Context(), service.CheckoutInput{
		CompanyID:     companyID(c),
		ListingID:     req.ListingID,
		Denomination:  req.Denomination,
		Quantity:      req.Quantity,
		BuyerName:     req.BuyerName,
		BuyerEmail:    req.BuyerEmail,
		DeliveryEmail: req.DeliveryEmail,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":   result.Order,
		"payment": paymentView(result.Payment),
	})
}

func paymentView(p *payment.Initiation) gin.H {
	view := gin.H{"provider_ref": p.ProviderRef}
	if p.ClientSecret != "" {
		view["client_secret"] = p.ClientSecret
	}
	if p.ApprovalURL != "" {
		view["approval_url"] = p.ApprovalURL
	}
	return view
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), companyID(c), c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// fulfillOrder handles manual fulfillment of a paid order
func (h *Handler) fulfillOrder(c *gin.Context) {
	order, err := h.orders.Fulfill(c.Request.Context(), companyID(c), c.Param("id"), actorID(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// refundOrder handles merchant-initiated refunds
func (h *Handler) refundOrder(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	order, err := h.orders.Refund(c.Request.Context(), companyID(c), c.Param("id"), actorID(c), req.Reason)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type createListingRequest struct {
	Name           string               `json:"name" binding:"required"`
	Denominations  models.Denominations `json:"denominations" binding:"required"`
	DiscountPct    decimal.Decimal      `json:"discount_pct"`
	SellerFeePct   decimal.Decimal      `json:"seller_fee_pct"`
	SellerFeeFixed decimal.Decimal      `json:"seller_fee_fixed"`
	Currency       string               `json:"currency" binding:"required"`
	AutoFulfill    bool                 `json:"auto_fulfill"`
}

// createListing handles listing creation
func (h *Handler) createListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	listing, err := h.inventory.CreateListing(c.Request.Context(), service.CreateListingInput{
		CompanyID:      companyID(c),
		Name:           req.Name,
		Denominations:  req.Denominations,
		DiscountPct:    req.DiscountPct,
		SellerFeePct:   req.SellerFeePct,
		SellerFeeFixed: req.SellerFeeFixed,
		Currency:       req.Currency,
		AutoFulfill:    req.AutoFulfill,
		ActorID:        actorID(c),
	})
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// updateListingStatus handles explicit listing lifecycle transitions
func (h *Handler) updateListingStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.inventory.SetListingStatus(c.Request.Context(), companyID(c), c.Param("id"), req.Status, actorID(c)); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type codeUploadRow struct {
	Denomination decimal.Decimal `json:"denomination" binding:"required"`
	Code         string          `json:"code" binding:"required"`
	PIN          string          `json:"pin"`
	SerialNumber string          `json:"serial_number"`
	ExpiresAt    *time.Time      `json:"expires_at"`
}

type uploadCodesRequest struct {
	Codes []codeUploadRow `json:"codes" binding:"required,dive"`
}

// uploadCodes handles bulk code uploads into a listing
func (h *Handler) uploadCodes(c *gin.Context) {
	var req uploadCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	uploads := make([]service.CodeUpload, 0, len(req.Codes))
	for _, row := range req.Codes {
		uploads = append(uploads, service.CodeUpload{
			Denomination: row.Denomination,
			Code:         row.Code,
			PIN:          row.PIN,
			SerialNumber: row.SerialNumber,
			ExpiresAt:    row.ExpiresAt,
		})
	}

	inserted, err := h.inventory.UploadCodes(c.Request.Context(), companyID(c), c.Param("id"), uploads, actorID(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"inserted": inserted})
}

// deleteCode handles removal of a never-sold code
func (h *Handler) deleteCode(c *gin.Context) {
	if err := h.inventory.DeleteCode(c.Request.Context(), companyID(c), c.Param("codeID"), actorID(c)); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// providerWebhook receives payment provider callbacks. The signature check
// gates everything; after it passes, business-level oddities still get a 200
// so the provider stops redelivering. Only infrastructure failures return a
// 5xx, which asks the provider to try again later.
func (h *Handler) providerWebhook(c *gin.Context) {
	providerName := c.Param("provider")
	provider, ok := h.providers.Lookup(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	if err := provider.VerifyWebhook(c.Request.Context(), c.Request.Header, body); err != nil {
		util.WebhookEventsTotal.WithLabelValues(providerName, "rejected").Inc()
		h.logger.Warn("Webhook signature verification failed",
			zap.String("provider", providerName),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signature verification failed"})
		return
	}

	event, err := provider.ParseWebhook(body)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(providerName, "malformed").Inc()
		h.logger.Warn("Webhook payload parse failed",
			zap.String("provider", providerName),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.orders.ApplyProviderEvent(c.Request.Context(), providerName, event); err != nil {
		h.logger.Error("Webhook application failed",
			zap.String("provider", providerName),
			zap.String("event_id", event.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Temporary failure"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
