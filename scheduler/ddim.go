package scheduler

import (
	"math"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

type DDIMConfig struct {
	BetaSchedule
	ClipSample      bool    `json:"clip_sample"`
	ClipSampleRange float64 `json:"clip_sample_range"`
	SetAlphaToOne   bool    `json:"set_alpha_to_one"`
	StepsOffset     int     `json:"steps_offset"`
	PredictionType  string  `json:"prediction_type"`
	TimestepSpacing string  `json:"timestep_spacing"`
}

// DDIMState holds the DDIM schedule. Eta is fixed at zero so the update is
// deterministic.
type DDIMState struct {
	base
	AlphasCumprod     []float64 `json:"alphas_cumprod"`
	FinalAlphaCumprod float64   `json:"final_alpha_cumprod"`
	StepRatio         int       `json:"step_ratio"`
}

type DDIMScheduler struct {
	Config DDIMConfig
	ac     []float64
}

func NewDDIM(raw map[string]any) (*DDIMScheduler, error) {
	cfg := DDIMConfig{
		BetaSchedule:    defaultBetaSchedule(),
		ClipSample:      true,
		ClipSampleRange: 1,
		SetAlphaToOne:   true,
		PredictionType:  "epsilon",
		TimestepSpacing: "leading",
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	if cfg.TimestepSpacing != "leading" {
		return nil, &errtypes.UnsupportedError{Kind: "timestep_spacing", Value: cfg.TimestepSpacing}
	}

	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return nil, err
	}

	return &DDIMScheduler{Config: cfg, ac: ac}, nil
}

func (s *DDIMScheduler) Kind() Kind { return DDIM }

func (s *DDIMScheduler) finalAlphaCumprod() float64 {
	if s.Config.SetAlphaToOne {
		return 1
	}
	return s.ac[0]
}

func (s *DDIMScheduler) InitialState() State {
	return DDIMState{
		base:              base{NoiseSigma: 1},
		AlphasCumprod:     s.ac,
		FinalAlphaCumprod: s.finalAlphaCumprod(),
	}
}

// leadingTimesteps spaces steps evenly over the training range, largest
// first: (arange(steps) * ratio)[::-1] + offset.
func leadingTimesteps(numTrain, steps, offset int) ([]float64, int) {
	ratio := numTrain / steps
	ts := make([]float64, steps)
	for i := range ts {
		ts[i] = float64((steps-1-i)*ratio + offset)
	}
	return ts, ratio
}

func (s *DDIMScheduler) SetTimesteps(state State, steps int, shape []int) (State, error) {
	st, ok := state.(DDIMState)
	if !ok {
		return nil, stateError("DDIMState", state)
	}

	if err := validateSteps(steps, len(st.AlphasCumprod)); err != nil {
		return nil, err
	}

	ts, ratio := leadingTimesteps(len(st.AlphasCumprod), steps, s.Config.StepsOffset)
	st.base = base{
		Schedule:          ts,
		NoiseSigma:        1,
		NumInferenceSteps: steps,
		Shape:             append([]int(nil), shape...),
	}
	st.StepRatio = ratio
	return st, nil
}

func (s *DDIMScheduler) ScaleModelInput(_ State, sample *ml.Tensor, _ float64) (*ml.Tensor, error) {
	return sample, nil
}

func (s *DDIMScheduler) Step(state State, output *ml.Tensor, t float64, sample *ml.Tensor) (*ml.Tensor, State, error) {
	st, ok := state.(DDIMState)
	if !ok {
		return nil, nil, stateError("DDIMState", state)
	}

	if err := st.check(output, sample); err != nil {
		return nil, nil, err
	}

	timestep := int(t)
	prev := timestep - st.StepRatio

	alphaProd := alphaAt(st.AlphasCumprod, timestep)
	alphaProdPrev := st.FinalAlphaCumprod
	if prev >= 0 {
		alphaProdPrev = alphaAt(st.AlphasCumprod, prev)
	}

	x0, eps, err := predictOriginal(s.Config.PredictionType, output.Float64s(), sample.Float64s(), alphaProd)
	if err != nil {
		return nil, nil, err
	}

	if s.Config.ClipSample {
		clip(x0, s.Config.ClipSampleRange)
	}

	// x_prev = sqrt(a_prev) x0 + sqrt(1-a_prev) eps
	prevSample := lincomb(math.Sqrt(alphaProdPrev), x0, math.Sqrt(1-alphaProdPrev), eps)

	out, err := narrow(prevSample, sample)
	if err != nil {
		return nil, nil, err
	}

	st.base = st.advance()
	return out, st, nil
}
