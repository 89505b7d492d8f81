package reconciler

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeePolicy 结算扣费规则。所有金额单位为 micro-STX。
type FeePolicy struct {
	DefaultFeePercent decimal.Decimal // 商户未配置费率时的平台默认费率 (百分数)
	ReservePerTx      decimal.Decimal // 每笔链上交易预留的手续费
	ReservedTxCount   int64           // 一笔支付生命周期内预留的交易数 (confirm + transfer)
}

// ReserveTotal 交易手续费预留总额
func (p FeePolicy) ReserveTotal() decimal.Decimal {
	return p.ReservePerTx.Mul(decimal.NewFromInt(p.ReservedTxCount))
}

// feePercent 商户配置优先，缺省回落到平台默认
func (p FeePolicy) feePercent(merchantFee decimal.NullDecimal) decimal.Decimal {
	if merchantFee.Valid {
		return merchantFee.Decimal
	}
	return p.DefaultFeePercent
}

// PlatformFee 按标价计算平台费 (登记时用来报价 expected)。
func (p FeePolicy) PlatformFee(baseAmount decimal.Decimal, merchantFee decimal.NullDecimal) decimal.Decimal {
	return baseAmount.Mul(p.feePercent(merchantFee)).Div(hundred).Ceil()
}

// NetAmount 计算打给商户的净额: received − platformFee − reserveTotal。
//
// platformFee 的计费基数分两种:
//   - 正常记录: base_amount (商户税前标价) × 费率
//   - 历史遗留记录 (base_amount 为 0): 没有标价可用，用
//     (received − reserveTotal) 作为基数 —— 先扣除预留再按比例收费，
//     保证旧记录的费率含义与新记录一致。
//
// 返回值可能为零或负数（到账金额覆盖不了费用），调用方必须检查后再转账。
func (p FeePolicy) NetAmount(received, baseAmount decimal.Decimal, merchantFee decimal.NullDecimal) (net, fee decimal.Decimal) {
	percent := p.feePercent(merchantFee)
	reserve := p.ReserveTotal()

	feeBase := baseAmount
	if baseAmount.IsZero() {
		feeBase = received.Sub(reserve)
		if feeBase.IsNegative() {
			feeBase = decimal.Zero
		}
	}

	// micro-STX 不可分割, 费用向上取整对平台有利且不会多付商户
	fee = feeBase.Mul(percent).Div(hundred).Ceil()
	net = received.Sub(fee).Sub(reserve)
	return net, fee
}
