package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"stablepay-backend/internal/clients"
	"stablepay-backend/internal/config"
	"stablepay-backend/internal/metrics"

	"github.com/sirupsen/logrus"
)

const gasLimitBufferPercent = 120

// GasPolicy prices and sizes outgoing transactions.
type GasPolicy struct {
	multiplierPercent int64
	ceiling           *big.Int
	fallback          *big.Int
	static            *big.Int // nil means ask the node
	defaultLimit      uint64
	maxLimit          uint64
}

// NewGasPolicy builds the policy from the settlement section and the
// network's gasPrice / gasLimit overrides.
func NewGasPolicy(settlement config.SettlementConfig, network config.NetworkConfig) (*GasPolicy, error) {
	p := &GasPolicy{
		multiplierPercent: settlement.GasPriceMultiplierPercent,
		ceiling:           settlement.GasPriceCeiling(),
		fallback:          settlement.FallbackGasPrice(),
		defaultLimit:      settlement.DefaultGasLimit,
		maxLimit:          settlement.MaxGasLimit,
	}
	if p.ceiling == nil || p.fallback == nil {
		return nil, fmt.Errorf("invalid gas price settings")
	}
	if price := strings.TrimSpace(network.GasPrice); price != "" && !strings.EqualFold(price, "auto") {
		static, ok := new(big.Int).SetString(price, 10)
		if !ok || static.Sign() <= 0 {
			return nil, fmt.Errorf("network %s: invalid gasPrice %q", network.Name, network.GasPrice)
		}
		p.static = static
	}
	if network.GasLimit > 0 {
		p.defaultLimit = network.GasLimit
		if p.defaultLimit > p.maxLimit {
			p.maxLimit = p.defaultLimit
		}
	}
	return p, nil
}

// Price returns the gas price to sign with. degraded is true when the node
// could not suggest a price and the fallback was used.
func (p *GasPolicy) Price(ctx context.Context, client clients.LedgerClient) (price *big.Int, degraded bool) {
	if p.static != nil {
		return p.capped(new(big.Int).Set(p.static)), false
	}

	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil || suggested == nil || suggested.Sign() <= 0 {
		metrics.GasPriceFallbackTotal.Inc()
		logrus.WithError(err).Warnf("⚠️ [Gas] Gas price suggestion unavailable, using fallback %s wei (degraded confidence)", p.fallback)
		return p.capped(new(big.Int).Set(p.fallback)), true
	}

	price = new(big.Int).Mul(suggested, big.NewInt(p.multiplierPercent))
	price.Div(price, big.NewInt(100))
	return p.capped(price), false
}

func (p *GasPolicy) capped(price *big.Int) *big.Int {
	if price.Cmp(p.ceiling) > 0 {
		return new(big.Int).Set(p.ceiling)
	}
	return price
}

// Limit pads an estimate by 20% and clamps it to [default, max]. A failed
// estimate falls back to the default limit.
func (p *GasPolicy) Limit(estimate uint64, estimateErr error) uint64 {
	if estimateErr != nil || estimate == 0 {
		return p.defaultLimit
	}
	limit := estimate * gasLimitBufferPercent / 100
	if limit < p.defaultLimit {
		return p.defaultLimit
	}
	if limit > p.maxLimit {
		return p.maxLimit
	}
	return limit
}
