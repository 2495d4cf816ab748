package house

import (
	"time"

	"github.com/shopspring/decimal"

	"postback_service/internal/commission"
)

// UnknownSubidPolicy decides what happens when an inbound event carries a
// subid that resolves to no affiliate: reject the event, or record the
// conversion with a null affiliate for later reconciliation.
const (
	UnknownSubidReject = "reject"
	UnknownSubidRecord = "record"
)

type BettingHouse struct {
	ID                       string          `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	Identifier               string          `gorm:"column:identifier;type:varchar(64);uniqueIndex;not null"`
	Name                     string          `gorm:"column:name;type:varchar(255);not null"`
	CommissionType           string          `gorm:"column:commission_type;type:varchar(20);not null"` // "cpa", "revshare", "hybrid"
	CPAValue                 decimal.Decimal `gorm:"column:cpa_value;type:numeric(20,2);not null;default:0"`
	CPAAffiliatePercent      decimal.Decimal `gorm:"column:cpa_affiliate_percent;type:numeric(5,2);not null;default:0"`
	RevShareValue            decimal.Decimal `gorm:"column:revshare_value;type:numeric(5,2);not null;default:0"`
	RevShareAffiliatePercent decimal.Decimal `gorm:"column:revshare_affiliate_percent;type:numeric(5,2);not null;default:0"`
	CPAEvents                []string        `gorm:"column:cpa_events;serializer:json"`
	RevShareEvents           []string        `gorm:"column:revshare_events;serializer:json"`
	SecurityToken            string          `gorm:"column:security_token;type:varchar(128);uniqueIndex;not null"`
	UnknownSubidPolicy       string          `gorm:"column:unknown_subid_policy;type:varchar(20);not null;default:reject"`
	IsActive                 bool            `gorm:"column:is_active;not null;default:true"`
	CreatedAt                time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt                time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

func (BettingHouse) TableName() string {
	return "betting_houses"
}

// Default qualifying sets, used when a house row leaves them empty.
var (
	defaultCPAEvents      = []commission.EventType{commission.EventRegistration, commission.EventDeposit}
	defaultRevShareEvents = []commission.EventType{commission.EventDeposit, commission.EventProfit}
)

// CommissionConfig snapshots the house's commission setup for the engine.
func (h *BettingHouse) CommissionConfig() commission.Config {
	return commission.Config{
		Type:                     commission.Type(h.CommissionType),
		CPAValue:                 h.CPAValue,
		CPAAffiliatePercent:      h.CPAAffiliatePercent,
		RevShareValue:            h.RevShareValue,
		RevShareAffiliatePercent: h.RevShareAffiliatePercent,
		CPAEvents:                eventTypes(h.CPAEvents, defaultCPAEvents),
		RevShareEvents:           eventTypes(h.RevShareEvents, defaultRevShareEvents),
	}
}

func eventTypes(raw []string, fallback []commission.EventType) []commission.EventType {
	if len(raw) == 0 {
		return fallback
	}
	out := make([]commission.EventType, 0, len(raw))
	for _, s := range raw {
		out = append(out, commission.EventType(s))
	}
	return out
}

type User struct {
	ID        string    `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	Email     string    `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()"`
}

func (User) TableName() string {
	return "affiliate_users"
}

type AffiliateLink struct {
	ID           string    `gorm:"column:id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	UserID       string    `gorm:"column:user_id;type:uuid;not null;index"`
	HouseID      string    `gorm:"column:house_id;type:uuid;not null;index:idx_link_house_subid"`
	Subid        string    `gorm:"column:subid;type:varchar(128);not null;index:idx_link_house_subid;index"`
	GeneratedURL string    `gorm:"column:generated_url;type:varchar(512)"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;default:now()"`
}

func (AffiliateLink) TableName() string {
	return "affiliate_links"
}
