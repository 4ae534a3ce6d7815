package scheduler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/vidgen/types/errtypes"
)

// BetaSchedule is the training noise schedule shared by the discrete time
// schemes.
type BetaSchedule struct {
	NumTrainTimesteps int       `json:"num_train_timesteps"`
	BetaStart         float64   `json:"beta_start"`
	BetaEnd           float64   `json:"beta_end"`
	BetaSchedule      string    `json:"beta_schedule"`
	TrainedBetas      []float64 `json:"trained_betas"`
}

func defaultBetaSchedule() BetaSchedule {
	return BetaSchedule{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      "linear",
	}
}

// Betas returns the per timestep noise variances.
func (c BetaSchedule) Betas() ([]float64, error) {
	if c.TrainedBetas != nil {
		return append([]float64(nil), c.TrainedBetas...), nil
	}

	n := c.NumTrainTimesteps
	if n <= 0 {
		return nil, errtypes.InvalidArgument("num_train_timesteps", "must be greater than zero, got %d", n)
	}

	betas := make([]float64, n)
	switch c.BetaSchedule {
	case "linear":
		floats.Span(betas, c.BetaStart, c.BetaEnd)
	case "scaled_linear":
		// specific to the latent diffusion models
		floats.Span(betas, math.Sqrt(c.BetaStart), math.Sqrt(c.BetaEnd))
		floats.Mul(betas, betas)
	case "squaredcos_cap_v2":
		alphaBar := func(t float64) float64 {
			return math.Pow(math.Cos((t+0.008)/1.008*math.Pi/2), 2)
		}
		for i := range betas {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			betas[i] = min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, &errtypes.UnsupportedError{Kind: "beta_schedule", Value: c.BetaSchedule}
	}

	return betas, nil
}

// AlphasCumprod returns the cumulative product of 1-beta.
func (c BetaSchedule) AlphasCumprod() ([]float64, error) {
	betas, err := c.Betas()
	if err != nil {
		return nil, err
	}

	if len(betas) == 0 {
		return nil, fmt.Errorf("scheduler: empty beta schedule")
	}

	alphas := make([]float64, len(betas))
	for i, b := range betas {
		alphas[i] = 1 - b
	}

	return floats.CumProd(make([]float64, len(alphas)), alphas), nil
}

// alphaAt looks up alphas_cumprod at a discrete timestep, clamping to the
// trained range.
func alphaAt(ac []float64, t int) float64 {
	return ac[max(0, min(t, len(ac)-1))]
}
