// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package ledger

import (
	"storj.io/common/currency"
)

// units lists the currencies the ledger accepts. Balances and escrow jobs
// are kept per currency, amounts of different currencies never mix.
var units = []*currency.Currency{
	currency.USDollars,
	currency.USDollarsMicro,
	currency.StorjToken,
}

// UnitBySymbol returns the currency with the given symbol.
func UnitBySymbol(symbol string) (*currency.Currency, error) {
	for _, unit := range units {
		if unit.Symbol() == symbol {
			return unit, nil
		}
	}
	return nil, Error.New("unknown currency %q", symbol)
}
