package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coverpool/coverd/internal/domain"
)

func TestCurveEndpoints(t *testing.T) {
	shapes := []domain.CurveShape{
		domain.CurveLinear,
		domain.CurveLogarithmic,
		domain.CurveSigmoidal,
		domain.CurveQuadratic,
		domain.CurveExponential,
	}
	for _, shape := range shapes {
		require.Equal(t, 200, curveAPY(shape, 200, 1200, 0), "shape %s at u=0", shape)
		require.Equal(t, 1200, curveAPY(shape, 200, 1200, 1), "shape %s at u=1", shape)
	}
}

func TestCurveFlatIgnoresUtilization(t *testing.T) {
	for _, u := range []float64{0, 0.25, 0.5, 0.99, 1} {
		require.Equal(t, 300, curveAPY(domain.CurveFlat, 300, 900, u))
	}
}

func TestCurveMonotoneNonDecreasing(t *testing.T) {
	shapes := []domain.CurveShape{
		domain.CurveFlat,
		domain.CurveLinear,
		domain.CurveLogarithmic,
		domain.CurveSigmoidal,
		domain.CurveQuadratic,
		domain.CurveExponential,
	}
	for _, shape := range shapes {
		prev := -1
		for i := 0; i <= 100; i++ {
			apy := curveAPY(shape, 100, 5000, float64(i)/100)
			require.GreaterOrEqual(t, apy, prev, "shape %s at step %d", shape, i)
			require.GreaterOrEqual(t, apy, 100)
			require.LessOrEqual(t, apy, 5000)
			prev = apy
		}
	}
}

func TestCurveClampsOutOfRangeUtilization(t *testing.T) {
	require.Equal(t, 100, curveAPY(domain.CurveLinear, 100, 500, -3))
	require.Equal(t, 500, curveAPY(domain.CurveLinear, 100, 500, 7))
}

func TestCurveShapeOrderingAtMidUtilization(t *testing.T) {
	// At u=0.5 the convex shapes sit below linear, the concave ones above.
	lin := curveAPY(domain.CurveLinear, 0, 1000, 0.5)
	quad := curveAPY(domain.CurveQuadratic, 0, 1000, 0.5)
	exp := curveAPY(domain.CurveExponential, 0, 1000, 0.5)
	logc := curveAPY(domain.CurveLogarithmic, 0, 1000, 0.5)

	require.Less(t, quad, lin)
	require.Less(t, exp, lin)
	require.Greater(t, logc, lin)
}
