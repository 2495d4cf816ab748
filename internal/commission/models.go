package commission

import (
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeCPA      Type = "cpa"
	TypeRevShare Type = "revshare"
	TypeHybrid   Type = "hybrid"
)

type EventType string

const (
	EventClick        EventType = "click"
	EventRegistration EventType = "registration"
	EventDeposit      EventType = "deposit"
	EventProfit       EventType = "profit"
	EventWithdrawal   EventType = "withdrawal"
)

// Config is the commission configuration of a single betting house,
// snapshotted at processing time. The qualifying sets decide which event
// types trigger the CPA and revshare rules; under TypeHybrid both sets are
// consulted and one event may trigger both rules.
type Config struct {
	Type                     Type
	CPAValue                 decimal.Decimal
	CPAAffiliatePercent      decimal.Decimal
	RevShareValue            decimal.Decimal
	RevShareAffiliatePercent decimal.Decimal
	CPAEvents                []EventType
	RevShareEvents           []EventType
}

type Event struct {
	Type   EventType
	Amount decimal.Decimal
}

// Result is the computed split for one event. Affiliate and Master are
// rounded to 2 decimal places; their sum reconstructs the total payable
// amount for the event under the house's configured rules.
type Result struct {
	Affiliate       decimal.Decimal
	Master          decimal.Decimal
	CPAApplied      bool
	RevShareApplied bool
}

// Qualified reports whether any commission rule fired for the event.
func (r Result) Qualified() bool {
	return r.CPAApplied || r.RevShareApplied
}
