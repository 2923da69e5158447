package x402

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	apierrors "github.com/CedrosPay/x402gate/internal/errors"
)

// AssetDescriptor names a token precisely enough to compute an atomic
// amount: its mint, decimals, and a display name.
type AssetDescriptor struct {
	Address  string
	Decimals uint8
	Name     string
}

// usdcByChainID is the compiled-in default USDC config used when a route
// prices in USD and supplies no explicit defaultToken.
var usdcByChainID = map[int]AssetDescriptor{
	101: {Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6, Name: "USD Coin"},
	103: {Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6, Name: "USDC (devnet)"},
}

// DefaultUSDCFor returns the compiled-in USDC descriptor for a network, if any.
func DefaultUSDCFor(network Network) (AssetDescriptor, bool) {
	d, ok := usdcByChainID[network.ChainID()]
	return d, ok
}

// moneyPattern accepts "$0.01", "0.01", "$1", "1" — an optional leading
// dollar sign, a non-negative decimal number.
var moneyPattern = regexp.MustCompile(`^\$?(\d+)(\.(\d+))?$`)

// minUSD is the smallest price this system allows; anything below it is
// rejected as likely a unit mistake.
const minUSD = 0.0001

// PriceToAtomic converts a USD money string (e.g. "$0.0018" or "0.0018")
// into an atomic-unit decimal string for the resolved asset. defaultToken,
// when non-nil, overrides the compiled-in USDC config.
//
// Rounding is round-half-away-from-zero (never banker's rounding): atomic
// = round(dollars * 10^decimals). Overflow of a uint64 atomic amount is
// rejected rather than silently wrapping.
func PriceToAtomic(usd string, network Network, defaultToken *AssetDescriptor) (string, AssetDescriptor, error) {
	m := moneyPattern.FindStringSubmatch(strings.TrimSpace(usd))
	if m == nil {
		return "", AssetDescriptor{}, NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid money value %q", usd))
	}
	dollars, err := strconv.ParseFloat(m[1]+m[2], 64)
	if err != nil {
		return "", AssetDescriptor{}, NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid money value %q: %w", usd, err))
	}
	if dollars < minUSD {
		return "", AssetDescriptor{}, NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("price %q is below the minimum %.4f", usd, minUSD))
	}

	var asset AssetDescriptor
	if defaultToken != nil {
		asset = *defaultToken
	} else {
		d, ok := DefaultUSDCFor(network)
		if !ok {
			return "", AssetDescriptor{}, NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("no default token configured for network %q", network))
		}
		asset = d
	}

	atomic, err := dollarsToAtomic(dollars, asset.Decimals)
	if err != nil {
		return "", AssetDescriptor{}, err
	}
	return atomic, asset, nil
}

// ExplicitAtomicAmount validates an already-atomic amount supplied with an
// explicit asset descriptor, the other half of the price union.
func ExplicitAtomicAmount(amount string, asset AssetDescriptor) (string, AssetDescriptor, error) {
	if !IsValidDecimalAmount(amount) {
		return "", AssetDescriptor{}, NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("invalid atomic amount %q", amount))
	}
	return amount, asset, nil
}

// dollarsToAtomic performs round(dollars * 10^decimals) using big.Rat on
// the shortest decimal form of dollars (the price as written, for up to 15
// significant digits) so that the conversion is exact regardless of how
// many decimals the asset carries, then applies round-half-away-from-zero.
func dollarsToAtomic(dollars float64, decimals uint8) (string, error) {
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(dollars, 'f', -1, 64))
	if !ok {
		return "", NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("price is not a finite number"))
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))

	num := new(big.Int).Set(rat.Num())
	den := new(big.Int).Set(rat.Denom())

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	// round half away from zero: if 2*|r| >= den, bump magnitude by one.
	twice := new(big.Int).Mul(r.Abs(r), big.NewInt(2))
	if twice.Cmp(den) >= 0 {
		if rat.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}

	if !q.IsUint64() {
		return "", NewVerificationError(apierrors.ErrInvalidPaymentRequirements, fmt.Errorf("atomic amount overflows u64"))
	}
	return q.String(), nil
}
