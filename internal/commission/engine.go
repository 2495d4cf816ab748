package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrConfiguration = errors.New("invalid commission configuration")
	ErrUnknownType   = errors.New("unknown commission type")
)

var hundred = decimal.NewFromInt(100)

// Compute returns the (affiliate, master) split for one event under the
// given house configuration. Pure computation, no I/O. Rounding to 2 decimal
// places happens once, after all applicable rules have been summed.
func Compute(cfg Config, ev Event) (Result, error) {
	var res Result
	rawAffiliate := decimal.Zero
	rawTotal := decimal.Zero

	switch cfg.Type {
	case TypeCPA, TypeRevShare, TypeHybrid:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	if (cfg.Type == TypeCPA || cfg.Type == TypeHybrid) && qualifies(cfg.CPAEvents, ev.Type) {
		aff, err := cpaSplit(cfg)
		if err != nil {
			return Result{}, err
		}
		rawAffiliate = rawAffiliate.Add(aff)
		rawTotal = rawTotal.Add(cfg.CPAValue)
		res.CPAApplied = true
	}

	if (cfg.Type == TypeRevShare || cfg.Type == TypeHybrid) && qualifies(cfg.RevShareEvents, ev.Type) {
		aff, err := revShareSplit(cfg, ev.Amount)
		if err != nil {
			return Result{}, err
		}
		rawAffiliate = rawAffiliate.Add(aff)
		rawTotal = rawTotal.Add(ev.Amount)
		res.RevShareApplied = true
	}

	// Round-half-up at the very end; master is derived from the rounded
	// values so the pair always sums back to the rounded total.
	res.Affiliate = rawAffiliate.Round(2)
	res.Master = rawTotal.Round(2).Sub(res.Affiliate)
	return res, nil
}

// cpaSplit computes the affiliate share of the flat per-event CPA fee. The
// event amount plays no part here; CPA pays cpaValue regardless of volume.
func cpaSplit(cfg Config) (decimal.Decimal, error) {
	if cfg.CPAValue.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: cpa value must be positive, got %s", ErrConfiguration, cfg.CPAValue)
	}
	if err := checkPercent("cpa affiliate percent", cfg.CPAAffiliatePercent); err != nil {
		return decimal.Zero, err
	}
	return cfg.CPAValue.Mul(cfg.CPAAffiliatePercent).Div(hundred), nil
}

// revShareSplit computes the affiliate share of a revshare-derived amount.
// The inbound amount is the house's total revshare payout for the event; the
// affiliate receives revshareAffiliatePercent out of the house's revshareValue
// rate. A zero base rate is a configuration bug, not a zero payout.
func revShareSplit(cfg Config, amount decimal.Decimal) (decimal.Decimal, error) {
	if cfg.RevShareValue.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: revshare base rate is zero", ErrConfiguration)
	}
	if cfg.RevShareValue.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: revshare base rate is negative: %s", ErrConfiguration, cfg.RevShareValue)
	}
	if err := checkPercent("revshare affiliate percent", cfg.RevShareAffiliatePercent); err != nil {
		return decimal.Zero, err
	}
	if cfg.RevShareAffiliatePercent.GreaterThan(cfg.RevShareValue) {
		return decimal.Zero, fmt.Errorf("%w: revshare affiliate percent %s exceeds base rate %s",
			ErrConfiguration, cfg.RevShareAffiliatePercent, cfg.RevShareValue)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: revshare event carries no amount", ErrConfiguration)
	}
	return amount.Mul(cfg.RevShareAffiliatePercent).Div(cfg.RevShareValue), nil
}

func checkPercent(name string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s out of range [0,100]: %s", ErrConfiguration, name, pct)
	}
	return nil
}

func qualifies(set []EventType, t EventType) bool {
	for _, q := range set {
		if q == t {
			return true
		}
	}
	return false
}
