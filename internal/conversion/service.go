package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"postback_service/internal/commission"
	"postback_service/internal/house"
)

var (
	ErrUnknownAffiliate = errors.New("unknown affiliate")
	ErrUnqualifiedEvent = errors.New("event qualifies for no commission rule")
	ErrPersistence      = errors.New("ledger write failed")
)

// Broadcast event types pushed to connected dashboard consumers after a
// successful ledger write.
const (
	EventConversionsUpdated = "conversions_updated"
	EventClickRecorded      = "click_recorded"
)

// Publisher is the fire-and-forget notification bus. Delivery failures must
// never surface into the processing pipeline.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type PostbackRequest struct {
	EventType     commission.EventType
	CustomerID    string
	Subid         string
	TransactionID string
	Amount        decimal.Decimal
	Metadata      map[string]string
}

type ClickRequest struct {
	Subid       string
	CustomerID  string
	IPAddress   string
	UserAgent   string
	LandingPage string
}

type Service struct {
	directory house.Directory
	ledger    Ledger
	publisher Publisher
	logger    *zap.Logger
}

func NewService(directory house.Directory, ledger Ledger, publisher Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{directory: directory, ledger: ledger, publisher: publisher, logger: logger}
}

// ProcessPostback runs the full pipeline for one validated inbound event:
// idempotency check, affiliate resolution, commission computation, ledger
// write, notification. The conversion row is only inserted once all amounts
// are fully computed; a failure at any stage leaves the ledger untouched.
func (s *Service) ProcessPostback(ctx context.Context, h *house.BettingHouse, req PostbackRequest) (*Conversion, error) {
	key, stable := idempotencyKey(req)
	if stable {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, h.ID, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	var userID, linkID *string
	u, link, err := s.directory.FindAffiliateBySubid(ctx, h.ID, req.Subid)
	switch {
	case err == nil:
		userID = &u.ID
		if link != nil {
			linkID = &link.ID
		}
	case errors.Is(err, house.ErrAffiliateNotFound):
		if h.UnknownSubidPolicy != house.UnknownSubidRecord {
			return nil, fmt.Errorf("%w: subid %q", ErrUnknownAffiliate, req.Subid)
		}
		s.logger.Warn("recording conversion with unresolved subid",
			zap.String("house_id", h.ID),
			zap.String("subid", req.Subid))
	default:
		return nil, err
	}

	result, err := commission.Compute(h.CommissionConfig(), commission.Event{
		Type:   req.EventType,
		Amount: req.Amount,
	})
	if err != nil {
		// money that should have been attributed but was not
		s.logger.Error("commission computation failed",
			zap.String("house_id", h.ID),
			zap.String("event_type", string(req.EventType)),
			zap.String("amount", req.Amount.String()),
			zap.Error(err))
		return nil, err
	}
	if !result.Qualified() {
		// never write a zero-commission row masquerading as a processed
		// event; the house is told the event matched none of its rules
		s.logger.Warn("event matched no commission rule",
			zap.String("house_id", h.ID),
			zap.String("event_type", string(req.EventType)),
			zap.String("commission_type", h.CommissionType))
		return nil, fmt.Errorf("%w: %s under %s", ErrUnqualifiedEvent, req.EventType, h.CommissionType)
	}

	c := &Conversion{
		ID:               uuid.NewString(),
		UserID:           userID,
		HouseID:          h.ID,
		AffiliateLinkID:  linkID,
		Type:             string(req.EventType),
		Amount:           req.Amount,
		Commission:       result.Affiliate,
		MasterCommission: result.Master,
		CommissionType:   h.CommissionType,
		CustomerID:       req.CustomerID,
		IdempotencyKey:   key,
		Metadata:         req.Metadata,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.ledger.InsertConversion(ctx, c); err != nil {
		if stable && errors.Is(err, ErrDuplicateKey) {
			existing, ferr := s.ledger.FindByIdempotencyKey(ctx, h.ID, key)
			if ferr == nil && existing != nil {
				return existing, nil
			}
		}
		s.logger.Error("conversion write failed",
			zap.String("house_id", h.ID),
			zap.String("idempotency_key", key),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.notify(EventConversionsUpdated, map[string]interface{}{
		"conversion_id": c.ID,
		"house_id":      c.HouseID,
		"user_id":       c.UserID,
		"type":          c.Type,
	})
	return c, nil
}

// ProcessClick records a click event. Clicks carry no money; unknown subids
// are always rejected because a click without an affiliate attributes nothing.
func (s *Service) ProcessClick(ctx context.Context, h *house.BettingHouse, req ClickRequest) (*Click, error) {
	u, link, err := s.directory.FindAffiliateBySubid(ctx, h.ID, req.Subid)
	if err != nil {
		if errors.Is(err, house.ErrAffiliateNotFound) {
			return nil, fmt.Errorf("%w: subid %q", ErrUnknownAffiliate, req.Subid)
		}
		return nil, err
	}

	c := &Click{
		ID:          uuid.NewString(),
		UserID:      u.ID,
		HouseID:     h.ID,
		CustomerID:  req.CustomerID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		LandingPage: req.LandingPage,
		CreatedAt:   time.Now().UTC(),
	}
	if link != nil {
		c.AffiliateLinkID = &link.ID
	}
	if err := s.ledger.InsertClick(ctx, c); err != nil {
		s.logger.Error("click write failed",
			zap.String("house_id", h.ID),
			zap.String("subid", req.Subid),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.notify(EventClickRecorded, map[string]interface{}{
		"click_id": c.ID,
		"house_id": c.HouseID,
		"user_id":  c.UserID,
	})
	return c, nil
}

func (s *Service) TotalsByAffiliate(ctx context.Context, userID string, from, to time.Time) ([]AggregateRow, error) {
	return s.ledger.TotalsByAffiliate(ctx, userID, from, to)
}

func (s *Service) TotalsByHouse(ctx context.Context, houseID string, from, to time.Time) ([]AggregateRow, error) {
	return s.ledger.TotalsByHouse(ctx, houseID, from, to)
}

// Transition moves a pending conversion to approved or failed on behalf of
// the payout/admin workflow.
func (s *Service) Transition(ctx context.Context, id string, status string) error {
	return s.ledger.UpdateStatus(ctx, id, status)
}

func (s *Service) notify(eventType string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(eventType, payload)
}

// idempotencyKey derives the dedup key for a postback. Houses that supply a
// stable transaction id get real duplicate suppression; without one the key
// is random and replays cannot be detected.
func idempotencyKey(req PostbackRequest) (string, bool) {
	if req.TransactionID != "" {
		return req.TransactionID + ":" + string(req.EventType), true
	}
	return uuid.NewString(), false
}
