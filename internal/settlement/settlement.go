// Package settlement derives a trader's realized profit and loss from the
// signed closing transaction of a force-closed DLC channel.
package settlement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/engine"
)

// DefaultPriceRadix matches the oracle's digit-decomposition scheme: the
// attestation outcome is a base-2 digit string. Oracles with a different
// encoding need a different radix.
const DefaultPriceRadix = 2

// TraderPayout sums the value of every output of the signed closing
// transaction whose spending script does not belong to the coordinator's
// wallet. The result is the trader's payout in satoshis. A script that
// cannot be classified aborts the sum; a partial answer would misattribute
// whole outputs.
func TraderPayout(cet engine.Transaction, isMine func(script []byte) (bool, error)) (uint64, error) {
	var payout uint64
	for _, out := range cet.Outputs {
		mine, err := isMine(out.ScriptPubKey)
		if err != nil {
			return 0, fmt.Errorf("classify output script %x: %w", out.ScriptPubKey, err)
		}
		if !mine {
			payout += out.ValueSats
		}
	}
	return payout, nil
}

// TraderRealizedPnl nets the trader's payout against the reserve the trader
// held in the channel immediately prior to closure. The result may be
// negative.
func TraderRealizedPnl(cet engine.Transaction, traderReserveSats uint64, isMine func(script []byte) (bool, error)) (int64, error) {
	payout, err := TraderPayout(cet, isMine)
	if err != nil {
		return 0, err
	}
	return int64(payout) - int64(traderReserveSats), nil
}

// ParseClosingPrice decodes the settlement price from an attestation's
// outcome digits. The digits are concatenated and interpreted as an integer
// in the given radix.
func ParseClosingPrice(outcomes []string, radix int) (decimal.Decimal, error) {
	if len(outcomes) == 0 {
		return decimal.Zero, fmt.Errorf("attestation has no outcomes")
	}
	if radix < 2 || radix > 36 {
		return decimal.Zero, fmt.Errorf("unsupported price radix %d", radix)
	}

	digits := strings.Join(outcomes, "")
	price, err := strconv.ParseInt(digits, radix, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse outcome %q as base-%d: %w", digits, radix, err)
	}
	return decimal.NewFromInt(price), nil
}
