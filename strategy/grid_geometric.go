package strategy

import "math"

// geometricPrice 几何间距：相邻档位价格之比恒为 (1+spacing)。
// 买单 center/(1+s)^i，卖单 center*(1+s)^i。
func geometricPrice(center, spacing float64, index int) float64 {
	return center * math.Pow(1+spacing, float64(index))
}

func geometricBucket(center, spacing, price float64) int {
	return int(math.Round(math.Log(price/center) / math.Log(1+spacing)))
}
