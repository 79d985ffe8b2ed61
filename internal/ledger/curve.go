package ledger

import (
	"math"

	"github.com/coverpool/coverd/internal/domain"
)

// curveAPY maps pool utilization u in [0,1] onto the tranche's APY band
// [minBps, maxBps] according to its curve shape. Every shape is monotone
// non-decreasing in u and clamps to the band.
func curveAPY(shape domain.CurveShape, minBps, maxBps int, u float64) int {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	span := float64(maxBps - minBps)

	var f float64
	switch shape {
	case domain.CurveFlat:
		f = 0
	case domain.CurveLinear:
		f = u
	case domain.CurveLogarithmic:
		// log1p-scaled so f(0)=0 and f(1)=1.
		f = math.Log1p(9*u) / math.Log(10)
	case domain.CurveSigmoidal:
		// Logistic centered at u=0.5, normalized to hit the band edges.
		const k = 10.0
		raw := 1 / (1 + math.Exp(-k*(u-0.5)))
		lo := 1 / (1 + math.Exp(k*0.5))
		hi := 1 / (1 + math.Exp(-k*0.5))
		f = (raw - lo) / (hi - lo)
	case domain.CurveQuadratic:
		f = u * u
	case domain.CurveExponential:
		f = (math.Exp(u) - 1) / (math.E - 1)
	default:
		f = 0
	}

	apy := minBps + int(math.Round(f*span))
	if apy < minBps {
		apy = minBps
	}
	if apy > maxBps {
		apy = maxBps
	}
	return apy
}
