package scheduler

import (
	"math"
	"slices"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

type DPMSolverMultistepConfig struct {
	BetaSchedule
	SolverOrder     int    `json:"solver_order"`
	PredictionType  string `json:"prediction_type"`
	AlgorithmType   string `json:"algorithm_type"`
	SolverType      string `json:"solver_type"`
	LowerOrderFinal bool   `json:"lower_order_final"`
}

// DPMSolverMultistepState keeps the last SolverOrder converted model
// outputs together with the timesteps they were produced at.
type DPMSolverMultistepState struct {
	base
	AlphaT         []float64   `json:"alpha_t"`
	SigmaT         []float64   `json:"sigma_t"`
	LambdaT        []float64   `json:"lambda_t"`
	ModelOutputs   [][]float64 `json:"model_outputs"`
	LowerOrderNums int         `json:"lower_order_nums"`
}

// DPMSolverMultistepScheduler implements DPM-Solver and DPM-Solver++
// (https://arxiv.org/abs/2206.00927, https://arxiv.org/abs/2211.01095).
type DPMSolverMultistepScheduler struct {
	Config DPMSolverMultistepConfig
	ac     []float64
}

func NewDPMSolverMultistep(raw map[string]any) (*DPMSolverMultistepScheduler, error) {
	cfg := DPMSolverMultistepConfig{
		BetaSchedule:    defaultBetaSchedule(),
		SolverOrder:     2,
		PredictionType:  "epsilon",
		AlgorithmType:   "dpmsolver++",
		SolverType:      "midpoint",
		LowerOrderFinal: true,
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	switch cfg.AlgorithmType {
	case "dpmsolver", "dpmsolver++":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "algorithm_type", Value: cfg.AlgorithmType}
	}

	switch cfg.SolverType {
	case "midpoint", "heun":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "solver_type", Value: cfg.SolverType}
	}

	switch cfg.PredictionType {
	case "epsilon", "sample", "v_prediction":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "prediction_type", Value: cfg.PredictionType}
	}

	if cfg.SolverOrder < 1 || cfg.SolverOrder > 3 {
		return nil, errtypes.InvalidArgument("solver_order", "must be 1, 2 or 3, got %d", cfg.SolverOrder)
	}

	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return nil, err
	}

	return &DPMSolverMultistepScheduler{Config: cfg, ac: ac}, nil
}

func (s *DPMSolverMultistepScheduler) Kind() Kind { return DPMSolverMultistep }

func (s *DPMSolverMultistepScheduler) InitialState() State {
	n := len(s.ac)
	st := DPMSolverMultistepState{
		base:    base{NoiseSigma: 1},
		AlphaT:  make([]float64, n),
		SigmaT:  make([]float64, n),
		LambdaT: make([]float64, n),
	}

	for i, a := range s.ac {
		st.AlphaT[i] = math.Sqrt(a)
		st.SigmaT[i] = math.Sqrt(1 - a)
		st.LambdaT[i] = math.Log(st.AlphaT[i]) - math.Log(st.SigmaT[i])
	}

	return st
}

func (s *DPMSolverMultistepScheduler) SetTimesteps(state State, steps int, shape []int) (State, error) {
	st, ok := state.(DPMSolverMultistepState)
	if !ok {
		return nil, stateError("DPMSolverMultistepState", state)
	}

	numTrain := len(st.AlphaT)
	if err := validateSteps(steps, numTrain); err != nil {
		return nil, err
	}

	// linspace(0, T-1, steps+1).round()[::-1][:-1]
	ts := make([]float64, steps)
	for i := range ts {
		ts[i] = math.RoundToEven(float64(numTrain-1) * float64(steps-i) / float64(steps))
	}

	st.base = base{
		Schedule:          ts,
		NoiseSigma:        1,
		NumInferenceSteps: steps,
		Shape:             append([]int(nil), shape...),
	}
	st.ModelOutputs = make([][]float64, s.Config.SolverOrder)
	st.LowerOrderNums = 0
	return st, nil
}

func (s *DPMSolverMultistepScheduler) ScaleModelInput(_ State, sample *ml.Tensor, _ float64) (*ml.Tensor, error) {
	return sample, nil
}

// convert turns the raw denoiser output into the quantity the solver
// integrates: the data prediction for dpmsolver++, the noise prediction for
// dpmsolver.
func (s *DPMSolverMultistepScheduler) convert(st DPMSolverMultistepState, output []float64, t int, x []float64) []float64 {
	alpha, sigma := st.AlphaT[t], st.SigmaT[t]
	if s.Config.AlgorithmType == "dpmsolver++" {
		switch s.Config.PredictionType {
		case "sample":
			return output
		case "v_prediction":
			return lincomb(alpha, x, -sigma, output)
		default:
			return lincomb(1/alpha, x, -sigma/alpha, output)
		}
	}

	switch s.Config.PredictionType {
	case "sample":
		return lincomb(1/sigma, x, -alpha/sigma, output)
	case "v_prediction":
		return lincomb(alpha, output, sigma, x)
	default:
		return output
	}
}

func (s *DPMSolverMultistepScheduler) firstOrder(st DPMSolverMultistepState, m0 []float64, t, prev int, x []float64) []float64 {
	lambdaT, lambdaS := st.LambdaT[prev], st.LambdaT[t]
	alphaT, alphaS := st.AlphaT[prev], st.AlphaT[t]
	sigmaT, sigmaS := st.SigmaT[prev], st.SigmaT[t]
	h := lambdaT - lambdaS

	if s.Config.AlgorithmType == "dpmsolver++" {
		return lincomb(sigmaT/sigmaS, x, -alphaT*(math.Exp(-h)-1), m0)
	}
	return lincomb(alphaT/alphaS, x, -sigmaT*(math.Exp(h)-1), m0)
}

func (s *DPMSolverMultistepScheduler) secondOrder(st DPMSolverMultistepState, ts []int, prev int, x []float64) []float64 {
	m := st.ModelOutputs
	m0, m1 := m[len(m)-1], m[len(m)-2]
	s0, s1 := ts[len(ts)-1], ts[len(ts)-2]

	lambdaT, lambdaS0, lambdaS1 := st.LambdaT[prev], st.LambdaT[s0], st.LambdaT[s1]
	alphaT, alphaS0 := st.AlphaT[prev], st.AlphaT[s0]
	sigmaT, sigmaS0 := st.SigmaT[prev], st.SigmaT[s0]
	h, h0 := lambdaT-lambdaS0, lambdaS0-lambdaS1
	r0 := h0 / h

	d0 := m0
	d1 := lincomb(1/r0, m0, -1/r0, m1)

	var out []float64
	switch {
	case s.Config.AlgorithmType == "dpmsolver++" && s.Config.SolverType == "midpoint":
		out = lincomb(sigmaT/sigmaS0, x, -alphaT*(math.Exp(-h)-1), d0)
		out = lincomb(1, out, -0.5*alphaT*(math.Exp(-h)-1), d1)
	case s.Config.AlgorithmType == "dpmsolver++":
		out = lincomb(sigmaT/sigmaS0, x, -alphaT*(math.Exp(-h)-1), d0)
		out = lincomb(1, out, alphaT*((math.Exp(-h)-1)/h+1), d1)
	case s.Config.SolverType == "midpoint":
		out = lincomb(alphaT/alphaS0, x, -sigmaT*(math.Exp(h)-1), d0)
		out = lincomb(1, out, -0.5*sigmaT*(math.Exp(h)-1), d1)
	default:
		out = lincomb(alphaT/alphaS0, x, -sigmaT*(math.Exp(h)-1), d0)
		out = lincomb(1, out, -sigmaT*((math.Exp(h)-1)/h-1), d1)
	}

	return out
}

func (s *DPMSolverMultistepScheduler) thirdOrder(st DPMSolverMultistepState, ts []int, prev int, x []float64) []float64 {
	m := st.ModelOutputs
	m0, m1, m2 := m[len(m)-1], m[len(m)-2], m[len(m)-3]
	s0, s1, s2 := ts[len(ts)-1], ts[len(ts)-2], ts[len(ts)-3]

	lambdaT, lambdaS0, lambdaS1, lambdaS2 := st.LambdaT[prev], st.LambdaT[s0], st.LambdaT[s1], st.LambdaT[s2]
	alphaT, alphaS0 := st.AlphaT[prev], st.AlphaT[s0]
	sigmaT, sigmaS0 := st.SigmaT[prev], st.SigmaT[s0]
	h, h0, h1 := lambdaT-lambdaS0, lambdaS0-lambdaS1, lambdaS1-lambdaS2
	r0, r1 := h0/h, h1/h

	d0 := m0
	d10 := lincomb(1/r0, m0, -1/r0, m1)
	d11 := lincomb(1/r1, m1, -1/r1, m2)
	d1 := lincomb(1+r0/(r0+r1), d10, -r0/(r0+r1), d11)
	d2 := lincomb(1/(r0+r1), d10, -1/(r0+r1), d11)

	var out []float64
	if s.Config.AlgorithmType == "dpmsolver++" {
		out = lincomb(sigmaT/sigmaS0, x, -alphaT*(math.Exp(-h)-1), d0)
		out = lincomb(1, out, alphaT*((math.Exp(-h)-1)/h+1), d1)
		out = lincomb(1, out, -alphaT*((math.Exp(-h)-1+h)/(h*h)-0.5), d2)
	} else {
		out = lincomb(alphaT/alphaS0, x, -sigmaT*(math.Exp(h)-1), d0)
		out = lincomb(1, out, -sigmaT*((math.Exp(h)-1)/h-1), d1)
		out = lincomb(1, out, -sigmaT*((math.Exp(h)-1-h)/(h*h)-0.5), d2)
	}

	return out
}

func (s *DPMSolverMultistepScheduler) Step(state State, output *ml.Tensor, _ float64, sample *ml.Tensor) (*ml.Tensor, State, error) {
	st, ok := state.(DPMSolverMultistepState)
	if !ok {
		return nil, nil, stateError("DPMSolverMultistepState", state)
	}

	if err := st.check(output, sample); err != nil {
		return nil, nil, err
	}

	i := st.Index
	ts := st.Schedule
	t := int(ts[i])
	prev := 0
	if i < len(ts)-1 {
		prev = int(ts[i+1])
	}

	lowerOrderFinal := i == len(ts)-1 && s.Config.LowerOrderFinal && len(ts) < 15
	lowerOrderSecond := i == len(ts)-2 && s.Config.LowerOrderFinal && len(ts) < 15

	x := sample.Float64s()
	converted := s.convert(st, output.Float64s(), t, x)

	outputs := slices.Clone(st.ModelOutputs)
	copy(outputs, outputs[1:])
	outputs[len(outputs)-1] = converted
	st.ModelOutputs = outputs

	order := s.Config.SolverOrder
	var prevSample []float64
	switch {
	case order == 1 || st.LowerOrderNums < 1 || lowerOrderFinal:
		prevSample = s.firstOrder(st, converted, t, prev, x)
	case order == 2 || st.LowerOrderNums < 2 || lowerOrderSecond:
		prevSample = s.secondOrder(st, []int{int(ts[i-1]), t}, prev, x)
	default:
		prevSample = s.thirdOrder(st, []int{int(ts[i-2]), int(ts[i-1]), t}, prev, x)
	}

	if st.LowerOrderNums < order {
		st.LowerOrderNums++
	}

	res, err := narrow(prevSample, sample)
	if err != nil {
		return nil, nil, err
	}

	st.base = st.advance()
	return res, st, nil
}
