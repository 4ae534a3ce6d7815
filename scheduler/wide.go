package scheduler

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

// lincomb returns a*x + b*y.
func lincomb(a float64, x []float64, b float64, y []float64) []float64 {
	out := make([]float64, len(x))
	floats.ScaleTo(out, a, x)
	floats.AddScaled(out, b, y)
	return out
}

// clip clamps every element of x into [-r, r] in place.
func clip(x []float64, r float64) {
	for i, v := range x {
		x[i] = max(-r, min(v, r))
	}
}

func narrow(v []float64, like *ml.Tensor) (*ml.Tensor, error) {
	return ml.FromFloat64s(v, like.Shape()...)
}

// predictOriginal converts a denoiser output into an estimate of the clean
// sample and of the noise, given alpha_prod_t.
func predictOriginal(predictionType string, output, sample []float64, alphaProd float64) (x0, eps []float64, err error) {
	a, b := math.Sqrt(alphaProd), math.Sqrt(1-alphaProd)
	switch predictionType {
	case "epsilon", "":
		// x0 = (x - sqrt(1-a) eps) / sqrt(a)
		x0 = lincomb(1/a, sample, -b/a, output)
		eps = output
	case "sample":
		x0 = output
		eps = lincomb(1/b, sample, -a/b, output)
	case "v_prediction":
		x0 = lincomb(a, sample, -b, output)
		eps = lincomb(a, output, b, sample)
	default:
		return nil, nil, &errtypes.UnsupportedError{Kind: "prediction_type", Value: predictionType}
	}

	return x0, eps, nil
}
