package scheduler

import (
	"math"
	"slices"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

// pndmOrder is the number of past outputs the linear multistep part uses.
const pndmOrder = 4

type PNDMConfig struct {
	BetaSchedule
	SkipPRKSteps   bool   `json:"skip_prk_steps"`
	SetAlphaToOne  bool   `json:"set_alpha_to_one"`
	StepsOffset    int    `json:"steps_offset"`
	PredictionType string `json:"prediction_type"`
}

// PNDMState carries the Runge-Kutta warmup bookkeeping and the history of
// denoiser outputs for the pseudo linear multistep updates.
type PNDMState struct {
	base
	AlphasCumprod     []float64   `json:"alphas_cumprod"`
	FinalAlphaCumprod float64     `json:"final_alpha_cumprod"`
	StepRatio         int         `json:"step_ratio"`
	PRKTimesteps      []float64   `json:"prk_timesteps"`
	Counter           int         `json:"counter"`
	CurModelOutput    []float64   `json:"cur_model_output"`
	CurSample         []float64   `json:"cur_sample"`
	Ets               [][]float64 `json:"ets"`
}

type PNDMScheduler struct {
	Config PNDMConfig
	ac     []float64
}

func NewPNDM(raw map[string]any) (*PNDMScheduler, error) {
	cfg := PNDMConfig{
		BetaSchedule:   defaultBetaSchedule(),
		PredictionType: "epsilon",
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	switch cfg.PredictionType {
	case "epsilon", "v_prediction":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "prediction_type", Value: cfg.PredictionType}
	}

	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return nil, err
	}

	return &PNDMScheduler{Config: cfg, ac: ac}, nil
}

func (s *PNDMScheduler) Kind() Kind { return PNDM }

func (s *PNDMScheduler) InitialState() State {
	final := s.ac[0]
	if s.Config.SetAlphaToOne {
		final = 1
	}

	return PNDMState{base: base{NoiseSigma: 1}, AlphasCumprod: s.ac, FinalAlphaCumprod: final}
}

func reversed(s []float64) []float64 {
	s = slices.Clone(s)
	slices.Reverse(s)
	return s
}

func repeatEach(s []float64, n int) []float64 {
	out := make([]float64, 0, len(s)*n)
	for _, v := range s {
		for range n {
			out = append(out, v)
		}
	}
	return out
}

// SetTimesteps builds the Runge-Kutta warmup timesteps followed by the
// multistep ones. The combined schedule is truncated to exactly steps
// entries so that steps iterations consume it completely.
func (s *PNDMScheduler) SetTimesteps(state State, steps int, shape []int) (State, error) {
	st, ok := state.(PNDMState)
	if !ok {
		return nil, stateError("PNDMState", state)
	}

	numTrain := len(st.AlphasCumprod)
	if err := validateSteps(steps, numTrain); err != nil {
		return nil, err
	}

	if !s.Config.SkipPRKSteps && steps < pndmOrder {
		return nil, errtypes.InvalidArgument("steps", "pndm needs at least %d steps unless skip_prk_steps is set, got %d", pndmOrder, steps)
	}

	ratio := numTrain / steps
	ts := make([]float64, steps)
	for i := range ts {
		ts[i] = float64(i*ratio + s.Config.StepsOffset)
	}

	var prk, plms []float64
	if s.Config.SkipPRKSteps {
		// the first multistep update repeats the second to last timestep
		plms = ts
		if steps > 1 {
			plms = slices.Concat(ts[:len(ts)-1], ts[len(ts)-2:len(ts)-1], ts[len(ts)-1:])
		}
		plms = reversed(plms)
	} else {
		// ts[-4:].repeat(2) + tile([0, ratio/2], 4)
		prk = repeatEach(ts[len(ts)-pndmOrder:], 2)
		for i := range prk {
			if i%2 == 1 {
				prk[i] += float64(ratio / 2)
			}
		}
		prk = repeatEach(prk[:len(prk)-1], 2)
		prk = reversed(prk[1 : len(prk)-1])
		plms = reversed(ts[:len(ts)-3])
	}

	schedule := slices.Concat(prk, plms)
	st.base = base{
		Schedule:          schedule[:steps],
		NoiseSigma:        1,
		NumInferenceSteps: steps,
		Shape:             append([]int(nil), shape...),
	}
	st.StepRatio = ratio
	st.PRKTimesteps = prk
	st.Counter = 0
	st.CurModelOutput = nil
	st.CurSample = nil
	st.Ets = nil
	return st, nil
}

func (s *PNDMScheduler) ScaleModelInput(_ State, sample *ml.Tensor, _ float64) (*ml.Tensor, error) {
	return sample, nil
}

func (s *PNDMScheduler) Step(state State, output *ml.Tensor, t float64, sample *ml.Tensor) (*ml.Tensor, State, error) {
	st, ok := state.(PNDMState)
	if !ok {
		return nil, nil, stateError("PNDMState", state)
	}

	if err := st.check(output, sample); err != nil {
		return nil, nil, err
	}

	var prev []float64
	if st.Counter < len(st.PRKTimesteps) && !s.Config.SkipPRKSteps {
		prev, st = s.stepPRK(st, output.Float64s(), int(t), sample.Float64s())
	} else {
		prev, st = s.stepPLMS(st, output.Float64s(), int(t), sample.Float64s())
	}

	out, err := narrow(prev, sample)
	if err != nil {
		return nil, nil, err
	}

	st.base = st.advance()
	return out, st, nil
}

func pushEts(ets [][]float64, e []float64) [][]float64 {
	if len(ets) >= pndmOrder {
		ets = ets[len(ets)-pndmOrder+1:]
	}
	return append(slices.Clip(ets), e)
}

// stepPRK is one stage of the fourth order Runge-Kutta warmup. Four
// consecutive calls advance the sample by one full step.
func (s *PNDMScheduler) stepPRK(st PNDMState, output []float64, timestep int, sample []float64) ([]float64, PNDMState) {
	diffToPrev := st.StepRatio / 2
	if st.Counter%2 == 1 {
		diffToPrev = 0
	}
	prevTimestep := timestep - diffToPrev
	timestep = int(st.PRKTimesteps[st.Counter/4*4])

	cur := st.CurModelOutput
	if cur == nil {
		cur = make([]float64, len(output))
	}

	switch st.Counter % 4 {
	case 0:
		st.CurModelOutput = lincomb(1, cur, 1.0/6, output)
		st.Ets = pushEts(st.Ets, output)
		st.CurSample = sample
	case 1, 2:
		st.CurModelOutput = lincomb(1, cur, 1.0/3, output)
	case 3:
		output = lincomb(1, cur, 1.0/6, output)
		st.CurModelOutput = nil
	}

	curSample := st.CurSample
	if curSample == nil {
		curSample = sample
	}

	prev := s.prevSample(st, curSample, timestep, prevTimestep, output)
	st.Counter++
	return prev, st
}

// stepPLMS is one pseudo linear multistep update using up to four past
// denoiser outputs.
func (s *PNDMScheduler) stepPLMS(st PNDMState, output []float64, timestep int, sample []float64) ([]float64, PNDMState) {
	prevTimestep := timestep - st.StepRatio

	if st.Counter != 1 {
		st.Ets = pushEts(st.Ets, output)
	} else {
		prevTimestep = timestep
		timestep += st.StepRatio
	}

	ets := st.Ets
	n := len(ets)
	switch {
	case n == 1 && st.Counter == 0:
		st.CurSample = sample
	case n == 1 && st.Counter == 1:
		output = lincomb(0.5, output, 0.5, ets[n-1])
		sample = st.CurSample
		st.CurSample = nil
	case n == 2:
		output = lincomb(1.5, ets[n-1], -0.5, ets[n-2])
	case n == 3:
		output = lincomb(23.0/12, ets[n-1], -16.0/12, ets[n-2])
		output = lincomb(1, output, 5.0/12, ets[n-3])
	default:
		output = lincomb(55.0/24, ets[n-1], -59.0/24, ets[n-2])
		output = lincomb(1, output, 37.0/24, ets[n-3])
		output = lincomb(1, output, -9.0/24, ets[n-4])
	}

	prev := s.prevSample(st, sample, timestep, prevTimestep, output)
	st.Counter++
	return prev, st
}

// prevSample is formula (9) of https://arxiv.org/pdf/2202.09778.pdf.
func (s *PNDMScheduler) prevSample(st PNDMState, sample []float64, timestep, prevTimestep int, output []float64) []float64 {
	alphaProd := alphaAt(st.AlphasCumprod, timestep)
	alphaProdPrev := st.FinalAlphaCumprod
	if prevTimestep >= 0 {
		alphaProdPrev = alphaAt(st.AlphasCumprod, prevTimestep)
	}
	betaProd, betaProdPrev := 1-alphaProd, 1-alphaProdPrev

	if s.Config.PredictionType == "v_prediction" {
		output = lincomb(math.Sqrt(alphaProd), output, math.Sqrt(betaProd), sample)
	}

	sampleCoeff := math.Sqrt(alphaProdPrev / alphaProd)
	denom := alphaProd*math.Sqrt(betaProdPrev) + math.Sqrt(alphaProd*betaProd*alphaProdPrev)

	return lincomb(sampleCoeff, sample, -(alphaProdPrev-alphaProd)/denom, output)
}
