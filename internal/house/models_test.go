package house

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"postback_service/internal/commission"
)

func TestCommissionConfigDefaults(t *testing.T) {
	h := BettingHouse{
		CommissionType:           string(commission.TypeHybrid),
		CPAValue:                 decimal.NewFromInt(500),
		CPAAffiliatePercent:      decimal.NewFromInt(70),
		RevShareValue:            decimal.NewFromInt(35),
		RevShareAffiliatePercent: decimal.NewFromInt(20),
	}

	cfg := h.CommissionConfig()
	assert.Equal(t, commission.TypeHybrid, cfg.Type)
	assert.Equal(t, []commission.EventType{commission.EventRegistration, commission.EventDeposit}, cfg.CPAEvents)
	assert.Equal(t, []commission.EventType{commission.EventDeposit, commission.EventProfit}, cfg.RevShareEvents)
}

func TestCommissionConfigExplicitEventSets(t *testing.T) {
	h := BettingHouse{
		CommissionType: string(commission.TypeCPA),
		CPAEvents:      []string{"registration"},
		RevShareEvents: []string{"profit"},
	}

	cfg := h.CommissionConfig()
	assert.Equal(t, []commission.EventType{commission.EventRegistration}, cfg.CPAEvents)
	assert.Equal(t, []commission.EventType{commission.EventProfit}, cfg.RevShareEvents)
}
