package analytics

import "math"

// trendAR fits y = a + b*t with AR(1) residuals.
type trendAR struct {
	a, b    float64
	phi     float64
	lastRes float64
	n       int
}

func fitTrendAR(y []float64) trendAR {
	n := len(y)
	m := trendAR{n: n}
	if n == 0 {
		return m
	}
	if n == 1 {
		m.a = y[0]
		return m
	}

	var sx, sy, sxx, sxy float64
	for i, v := range y {
		x := float64(i)
		sx += x
		sy += v
		sxx += x * x
		sxy += x * v
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den != 0 {
		m.b = (fn*sxy - sx*sy) / den
	}
	m.a = (sy - m.b*sx) / fn

	res := make([]float64, n)
	for i, v := range y {
		res[i] = v - (m.a + m.b*float64(i))
	}
	var num, dsq float64
	for i := 1; i < n; i++ {
		num += res[i] * res[i-1]
		dsq += res[i-1] * res[i-1]
	}
	if dsq > 0 {
		m.phi = math.Max(-0.99, math.Min(0.99, num/dsq))
	}
	m.lastRes = res[n-1]
	return m
}

// predict returns the value h steps past the last observation.
func (m trendAR) predict(h int) float64 {
	t := float64(m.n - 1 + h)
	return m.a + m.b*t + math.Pow(m.phi, float64(h))*m.lastRes
}
