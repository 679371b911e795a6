package chain

import "math/big"

// minFeeMarginPercent 最低上浮比例
const minFeeMarginPercent = 10

// WithSafetyMargin 在网络建议 gas price 基础上上浮 marginPercent
func WithSafetyMargin(baseline *big.Int, marginPercent int64) *big.Int {
	if baseline == nil || baseline.Sign() <= 0 {
		return big.NewInt(0)
	}
	if marginPercent < minFeeMarginPercent {
		marginPercent = minFeeMarginPercent
	}

	price := new(big.Int).Mul(baseline, big.NewInt(100+marginPercent))
	// 向上取整，保证不低于预期比例
	price.Add(price, big.NewInt(99))
	return price.Div(price, big.NewInt(100))
}
