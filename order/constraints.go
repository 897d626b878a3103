package order

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// roundEpsilon 吸收浮点误差，例如 3000*0.995 = 2984.9999999999995。
const roundEpsilon = 1e-9

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if price <= 0 {
		return fmt.Errorf("price %.8f must be > 0", price)
	}
	if qty <= 0 {
		return fmt.Errorf("qty %.8f must be > 0", qty)
	}
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, c.MinNotional)
	}
	return nil
}

// RoundPrice 对齐到 tick；up 为 true 时向上取整（卖单），否则向下（买单）。
func (c SymbolConstraints) RoundPrice(price float64, up bool) float64 {
	return roundToStep(price, c.TickSize, up)
}

// RoundQty 数量向下对齐到 step，并截断到 MaxQty。
func (c SymbolConstraints) RoundQty(qty float64) float64 {
	if c.MaxQty > 0 && qty > c.MaxQty {
		qty = c.MaxQty
	}
	return roundToStep(qty, c.StepSize, false)
}

// Tradable 是否满足最小数量与最小名义。
func (c SymbolConstraints) Tradable(price, qty float64) bool {
	if qty <= 0 || price <= 0 {
		return false
	}
	if c.MinQty > 0 && qty < c.MinQty-roundEpsilon {
		return false
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional-roundEpsilon {
		return false
	}
	return true
}

// FormatPrice 按 tick 精度输出字符串，用于交易所请求。
func (c SymbolConstraints) FormatPrice(price float64) string {
	return formatStep(price, c.TickSize)
}

// FormatQty 按 step 精度输出字符串。
func (c SymbolConstraints) FormatQty(qty float64) string {
	return formatStep(qty, c.StepSize)
}

func roundToStep(value, step float64, up bool) float64 {
	if !(step > 0) || !(value > 0) || math.IsInf(value, 0) || math.IsInf(step, 0) {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	eps := decimal.NewFromFloat(roundEpsilon)
	ratio := v.Div(s)
	var n decimal.Decimal
	if up {
		n = ratio.Sub(eps).Ceil()
	} else {
		n = ratio.Add(eps).Floor()
	}
	out, _ := n.Mul(s).Float64()
	return out
}

func formatStep(value, step float64) string {
	d := decimal.NewFromFloat(value)
	if step <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
