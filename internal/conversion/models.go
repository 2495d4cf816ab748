package conversion

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusFailed   = "failed"
)

// Conversion is the durable record of one processed event. Commission and
// MasterCommission reconstruct the total payable amount under the house's
// split; CommissionType snapshots the house configuration at processing time.
type Conversion struct {
	ID               string            `gorm:"column:id;primaryKey;type:uuid"`
	UserID           *string           `gorm:"column:user_id;type:uuid;index"`
	HouseID          string            `gorm:"column:house_id;type:uuid;not null;index;index:idx_conversion_idem,unique"`
	AffiliateLinkID  *string           `gorm:"column:affiliate_link_id;type:uuid"`
	Type             string            `gorm:"column:type;type:varchar(20);not null;index"`
	Amount           decimal.Decimal   `gorm:"column:amount;type:numeric(20,2);not null;default:0"`
	Commission       decimal.Decimal   `gorm:"column:commission;type:numeric(20,2);not null;default:0"`
	MasterCommission decimal.Decimal   `gorm:"column:master_commission;type:numeric(20,2);not null;default:0"`
	CommissionType   string            `gorm:"column:commission_type;type:varchar(20);not null"`
	CustomerID       string            `gorm:"column:customer_id;type:varchar(255);not null"`
	IdempotencyKey   string            `gorm:"column:idempotency_key;type:varchar(320);not null;index:idx_conversion_idem,unique"`
	Metadata         map[string]string `gorm:"column:metadata;serializer:json"`
	Status           string            `gorm:"column:status;type:varchar(20);not null;index"`
	CreatedAt        time.Time         `gorm:"column:created_at;not null;default:now();index"`
}

func (Conversion) TableName() string {
	return "conversions"
}

type Click struct {
	ID              string    `gorm:"column:id;primaryKey;type:uuid"`
	UserID          string    `gorm:"column:user_id;type:uuid;not null;index"`
	HouseID         string    `gorm:"column:house_id;type:uuid;not null;index"`
	AffiliateLinkID *string   `gorm:"column:affiliate_link_id;type:uuid"`
	CustomerID      string    `gorm:"column:customer_id;type:varchar(255)"`
	IPAddress       string    `gorm:"column:ip_address;type:varchar(64)"`
	UserAgent       string    `gorm:"column:user_agent;type:varchar(1024)"`
	LandingPage     string    `gorm:"column:landing_page;type:varchar(512)"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;default:now();index"`
}

func (Click) TableName() string {
	return "clicks"
}

// AggregateRow is one bucket of the per-affiliate / per-house totals query,
// grouped by event type.
type AggregateRow struct {
	Type             string          `json:"type"`
	Count            int64           `json:"count"`
	Amount           decimal.Decimal `json:"amount"`
	Commission       decimal.Decimal `json:"commission"`
	MasterCommission decimal.Decimal `json:"master_commission"`
}
