package scheduler

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate/quad"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

const lmsOrder = 4

type LMSDiscreteConfig struct {
	BetaSchedule
	PredictionType string `json:"prediction_type"`
}

type LMSDiscreteState struct {
	base
	AlphasCumprod []float64   `json:"alphas_cumprod"`
	Sigmas        []float64   `json:"sigmas"`
	Derivatives   [][]float64 `json:"derivatives"`
}

// LMSDiscreteScheduler is the linear multistep method over Karras style
// sigmas, sigma = sqrt((1-alpha_cumprod)/alpha_cumprod).
type LMSDiscreteScheduler struct {
	Config LMSDiscreteConfig
	ac     []float64
}

func NewLMSDiscrete(raw map[string]any) (*LMSDiscreteScheduler, error) {
	cfg := LMSDiscreteConfig{
		BetaSchedule:   defaultBetaSchedule(),
		PredictionType: "epsilon",
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	switch cfg.PredictionType {
	case "epsilon", "sample", "v_prediction":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "prediction_type", Value: cfg.PredictionType}
	}

	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return nil, err
	}

	return &LMSDiscreteScheduler{Config: cfg, ac: ac}, nil
}

func (s *LMSDiscreteScheduler) Kind() Kind { return LMSDiscrete }

func trainSigmas(ac []float64) []float64 {
	sigmas := make([]float64, len(ac))
	for i, a := range ac {
		sigmas[i] = math.Sqrt((1 - a) / a)
	}
	return sigmas
}

func (s *LMSDiscreteScheduler) InitialState() State {
	return LMSDiscreteState{
		base:          base{NoiseSigma: floats.Max(trainSigmas(s.ac))},
		AlphasCumprod: s.ac,
	}
}

// interp evaluates the piecewise linear interpolation of ys at x, with ys
// sampled at 0, 1, 2, ...
func interp(ys []float64, x float64) float64 {
	lo := int(math.Floor(x))
	switch {
	case lo < 0:
		return ys[0]
	case lo >= len(ys)-1:
		return ys[len(ys)-1]
	}

	frac := x - float64(lo)
	return (1-frac)*ys[lo] + frac*ys[lo+1]
}

func (s *LMSDiscreteScheduler) SetTimesteps(state State, steps int, shape []int) (State, error) {
	st, ok := state.(LMSDiscreteState)
	if !ok {
		return nil, stateError("LMSDiscreteState", state)
	}

	numTrain := len(st.AlphasCumprod)
	if err := validateSteps(steps, numTrain); err != nil {
		return nil, err
	}

	ts := make([]float64, steps)
	if steps == 1 {
		ts[0] = float64(numTrain - 1)
	} else {
		floats.Span(ts, float64(numTrain-1), 0)
	}

	train := trainSigmas(st.AlphasCumprod)
	sigmas := make([]float64, steps+1)
	for i, t := range ts {
		sigmas[i] = interp(train, t)
	}

	st.base = base{
		Schedule:          ts,
		NoiseSigma:        floats.Max(sigmas),
		NumInferenceSteps: steps,
		Shape:             append([]int(nil), shape...),
	}
	st.Sigmas = sigmas
	st.Derivatives = nil
	return st, nil
}

// ScaleModelInput divides by sqrt(sigma^2+1) to match the input scale the
// denoiser was trained on.
func (s *LMSDiscreteScheduler) ScaleModelInput(state State, sample *ml.Tensor, _ float64) (*ml.Tensor, error) {
	st, ok := state.(LMSDiscreteState)
	if !ok {
		return nil, stateError("LMSDiscreteState", state)
	}

	if st.Index >= len(st.Schedule) {
		return nil, ErrScheduleExhausted
	}

	sigma := st.Sigmas[st.Index]
	return sample.Scale(float32(1 / math.Sqrt(sigma*sigma+1))), nil
}

// coefficient integrates the Lagrange basis polynomial for derivative
// current over [sigma[i+1], sigma[i]].
func coefficient(sigmas []float64, order, i, current int) float64 {
	basis := func(tau float64) float64 {
		prod := 1.0
		for k := range order {
			if k == current {
				continue
			}
			prod *= (tau - sigmas[i-k]) / (sigmas[i-current] - sigmas[i-k])
		}
		return prod
	}

	from, to := sigmas[i], sigmas[i+1]
	if from == to {
		return 0
	}

	// sigmas decrease, integrate over the ascending interval and flip the sign
	return -quad.Fixed(basis, to, from, lmsOrder, quad.Legendre{}, 0)
}

func (s *LMSDiscreteScheduler) Step(state State, output *ml.Tensor, _ float64, sample *ml.Tensor) (*ml.Tensor, State, error) {
	st, ok := state.(LMSDiscreteState)
	if !ok {
		return nil, nil, stateError("LMSDiscreteState", state)
	}

	if err := st.check(output, sample); err != nil {
		return nil, nil, err
	}

	i := st.Index
	sigma := st.Sigmas[i]
	x, out := sample.Float64s(), output.Float64s()

	var x0 []float64
	switch s.Config.PredictionType {
	case "epsilon":
		x0 = lincomb(1, x, -sigma, out)
	case "v_prediction":
		// c_out + input * c_skip
		x0 = lincomb(-sigma/math.Sqrt(sigma*sigma+1), out, 1/(sigma*sigma+1), x)
	case "sample":
		x0 = out
	}

	// ODE derivative
	derivative := lincomb(1/sigma, x, -1/sigma, x0)
	ders := append(slices.Clip(st.Derivatives), derivative)
	if len(ders) > lmsOrder {
		ders = ders[1:]
	}

	order := min(i+1, lmsOrder)
	prev := slices.Clone(x)
	for k := range order {
		coeff := coefficient(st.Sigmas, order, i, k)
		floats.AddScaled(prev, coeff, ders[len(ders)-1-k])
	}

	res, err := narrow(prev, sample)
	if err != nil {
		return nil, nil, err
	}

	st.Derivatives = ders
	st.base = st.advance()
	return res, st, nil
}
