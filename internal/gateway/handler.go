package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"postback_service/internal/commission"
	"postback_service/internal/conversion"
	"postback_service/internal/house"
)

const (
	headerAPIKey        = "X-API-Key"
	contextHouseKey     = "house"
	contextEventTypeKey = "event_type"
	processingTimeout   = 10 * time.Second
)

var conversionRequiredFields = []string{"event_type", "customer_id", "subid"}

// the inbound payload is a tagged variant over these event types; anything
// else is rejected at the boundary before it reaches the engine
var allowedEventTypes = []string{
	string(commission.EventClick),
	string(commission.EventRegistration),
	string(commission.EventDeposit),
	string(commission.EventProfit),
	string(commission.EventWithdrawal),
}

type Handler struct {
	directory house.Directory
	service   *conversion.Service
	logger    *zap.Logger
	timeout   time.Duration
}

func NewHandler(directory house.Directory, service *conversion.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{directory: directory, service: service, logger: logger, timeout: processingTimeout}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/conversions", h.Authenticate, h.PostConversion)
	r.GET("/postback", h.Authenticate, h.GetPostback)
	r.POST("/clicks", h.Authenticate, h.PostClick)
	r.GET("/ping", h.Authenticate, h.Ping)
	r.GET("/stats", h.Authenticate, h.GetStats)
}

// Authenticate resolves the house credential from the X-API-Key header or,
// for legacy postback URLs, the api_key/token query parameter. Every inbound
// call is audit-logged with its outcome, authenticated or not.
func (h *Handler) Authenticate(c *gin.Context) {
	start := time.Now()
	token := c.GetHeader(headerAPIKey)
	if token == "" {
		token = c.Query("api_key")
	}
	if token == "" {
		token = c.Query("token")
	}

	defer func() {
		fields := []zap.Field{
			zap.String("path", c.FullPath()),
			zap.String("remote", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if bh, ok := houseFrom(c); ok {
			fields = append(fields, zap.String("house", bh.Identifier))
		}
		if et := c.GetString(contextEventTypeKey); et != "" {
			fields = append(fields, zap.String("event_type", et))
		}
		h.logger.Info("inbound call", fields...)
	}()

	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing API key"})
		return
	}

	bh, err := h.directory.FindHouseByToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, house.ErrHouseNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid API key"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "credential lookup failed"})
		return
	}
	if !bh.IsActive {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "house is inactive"})
		return
	}

	c.Set(contextHouseKey, bh)
	c.Next()
}

type conversionRequest struct {
	EventType     string            `json:"event_type"`
	CustomerID    string            `json:"customer_id"`
	Subid         string            `json:"subid"`
	Amount        *decimal.Decimal  `json:"amount"`
	TransactionID string            `json:"transaction_id"`
	Metadata      map[string]string `json:"metadata"`
}

func (r conversionRequest) missingFields() []string {
	var missing []string
	if r.EventType == "" {
		missing = append(missing, "event_type")
	}
	if r.CustomerID == "" {
		missing = append(missing, "customer_id")
	}
	if r.Subid == "" {
		missing = append(missing, "subid")
	}
	return missing
}

func (h *Handler) PostConversion(c *gin.Context) {
	var req conversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	h.processConversion(c, req)
}

// GetPostback is the legacy query-string form of POST /conversions, kept for
// houses whose platforms can only fire GET pings.
func (h *Handler) GetPostback(c *gin.Context) {
	req := conversionRequest{
		EventType:     c.Query("event_type"),
		CustomerID:    c.Query("customer_id"),
		Subid:         c.Query("subid"),
		TransactionID: c.Query("transaction_id"),
	}
	if raw := c.Query("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
			return
		}
		req.Amount = &amount
	}
	h.processConversion(c, req)
}

func (h *Handler) processConversion(c *gin.Context, req conversionRequest) {
	c.Set(contextEventTypeKey, req.EventType)
	if missing := req.missingFields(); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"error":    "missing required fields",
			"missing":  missing,
			"required": conversionRequiredFields,
		})
		return
	}
	if !validEventType(req.EventType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "unknown event_type " + req.EventType,
			"allowed": allowedEventTypes,
		})
		return
	}
	bh := mustHouse(c)

	amount := decimal.Zero
	if req.Amount != nil {
		amount = *req.Amount
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result, err := h.service.ProcessPostback(ctx, bh, conversion.PostbackRequest{
		EventType:     commission.EventType(req.EventType),
		CustomerID:    req.CustomerID,
		Subid:         req.Subid,
		TransactionID: req.TransactionID,
		Amount:        amount,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"conversion_id": result.ID,
			"affiliate": gin.H{
				"user_id": result.UserID,
				"link_id": result.AffiliateLinkID,
			},
			"house": gin.H{
				"id":         bh.ID,
				"identifier": bh.Identifier,
			},
			"event_type":        result.Type,
			"amount":            result.Amount,
			"commission":        result.Commission,
			"master_commission": result.MasterCommission,
			"status":            result.Status,
			"processed_at":      result.CreatedAt,
		},
	})
}

type clickRequest struct {
	Subid       string `json:"subid"`
	CustomerID  string `json:"customer_id"`
	IPAddress   string `json:"ip_address"`
	LandingPage string `json:"landing_page"`
}

func (h *Handler) PostClick(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.Subid == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"error":    "missing required fields",
			"missing":  []string{"subid"},
			"required": []string{"subid"},
		})
		return
	}
	bh := mustHouse(c)

	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	click, err := h.service.ProcessClick(ctx, bh, conversion.ClickRequest{
		Subid:       req.Subid,
		CustomerID:  req.CustomerID,
		IPAddress:   req.IPAddress,
		UserAgent:   c.Request.UserAgent(),
		LandingPage: req.LandingPage,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"click_id":     click.ID,
			"affiliate_id": click.UserID,
			"house_id":     click.HouseID,
		},
	})
}

func (h *Handler) Ping(c *gin.Context) {
	bh := mustHouse(c)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "postback service is up, authenticated as " + bh.Identifier,
		"timestamp": time.Now().UTC(),
	})
}

// GetStats returns the authenticated house's conversion totals grouped by
// event type. Range defaults to the last 30 days.
func (h *Handler) GetStats(c *gin.Context) {
	bh := mustHouse(c)

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid from timestamp"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid to timestamp"})
			return
		}
	}

	rows, err := h.service.TotalsByHouse(c.Request.Context(), bh.ID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "stats query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"house_id": bh.ID,
			"from":     from,
			"to":       to,
			"totals":   rows,
		},
	})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversion.ErrUnknownAffiliate):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": "subid does not resolve to a known affiliate"})
	case errors.Is(err, conversion.ErrUnqualifiedEvent):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": "event matches no commission rule for this house"})
	case errors.Is(err, commission.ErrConfiguration), errors.Is(err, commission.ErrUnknownType):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": "house commission configuration is invalid"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "processing timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "event processing failed"})
	}
}

func validEventType(et string) bool {
	for _, allowed := range allowedEventTypes {
		if allowed == et {
			return true
		}
	}
	return false
}

func houseFrom(c *gin.Context) (*house.BettingHouse, bool) {
	v, ok := c.Get(contextHouseKey)
	if !ok {
		return nil, false
	}
	bh, ok := v.(*house.BettingHouse)
	return bh, ok
}

func mustHouse(c *gin.Context) *house.BettingHouse {
	bh, _ := houseFrom(c)
	return bh
}
