package scheduler

import (
	"math"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

type DDPMConfig struct {
	BetaSchedule
	VarianceType    string  `json:"variance_type"`
	ClipSample      bool    `json:"clip_sample"`
	ClipSampleRange float64 `json:"clip_sample_range"`
	StepsOffset     int     `json:"steps_offset"`
	PredictionType  string  `json:"prediction_type"`
}

type DDPMState struct {
	base
	AlphasCumprod []float64 `json:"alphas_cumprod"`
	StepRatio     int       `json:"step_ratio"`
	NoiseSeed     uint64    `json:"noise_seed"`
}

type DDPMScheduler struct {
	Config DDPMConfig
	ac     []float64
}

func NewDDPM(raw map[string]any) (*DDPMScheduler, error) {
	cfg := DDPMConfig{
		BetaSchedule:    defaultBetaSchedule(),
		VarianceType:    "fixed_small",
		ClipSample:      true,
		ClipSampleRange: 1,
		PredictionType:  "epsilon",
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	switch cfg.VarianceType {
	case "fixed_small", "fixed_small_log", "fixed_large", "fixed_large_log":
	default:
		return nil, &errtypes.UnsupportedError{Kind: "variance_type", Value: cfg.VarianceType}
	}

	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return nil, err
	}

	return &DDPMScheduler{Config: cfg, ac: ac}, nil
}

func (s *DDPMScheduler) Kind() Kind { return DDPM }

func (s *DDPMScheduler) InitialState() State {
	return DDPMState{base: base{NoiseSigma: 1}, AlphasCumprod: s.ac}
}

func (s *DDPMScheduler) SetTimesteps(state State, steps int, shape []int) (State, error) {
	st, ok := state.(DDPMState)
	if !ok {
		return nil, stateError("DDPMState", state)
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

func (s *DDPMScheduler) WithNoiseSeed(state State, seed uint64) (State, error) {
	st, ok := state.(DDPMState)
	if !ok {
		return nil, stateError("DDPMState", state)
	}

	st.NoiseSeed = seed
	return st, nil
}

func (s *DDPMScheduler) ScaleModelInput(_ State, sample *ml.Tensor, _ float64) (*ml.Tensor, error) {
	return sample, nil
}

// stddev is the standard deviation of the noise added when stepping from
// timestep to prev.
func (s *DDPMScheduler) stddev(alphaProd, alphaProdPrev float64) float64 {
	currentBeta := 1 - alphaProd/alphaProdPrev

	// posterior variance, see formula (7) of https://arxiv.org/pdf/2006.11239.pdf
	variance := (1 - alphaProdPrev) / (1 - alphaProd) * currentBeta

	switch s.Config.VarianceType {
	case "fixed_small_log":
		return math.Exp(0.5 * math.Log(max(variance, 1e-20)))
	case "fixed_large":
		return math.Sqrt(currentBeta)
	case "fixed_large_log":
		return math.Exp(0.5 * math.Log(currentBeta))
	default:
		return math.Sqrt(max(variance, 1e-20))
	}
}

func (s *DDPMScheduler) Step(state State, output *ml.Tensor, t float64, sample *ml.Tensor) (*ml.Tensor, State, error) {
	st, ok := state.(DDPMState)
	if !ok {
		return nil, nil, stateError("DDPMState", state)
	}

	if err := st.check(output, sample); err != nil {
		return nil, nil, err
	}

	timestep := int(t)
	prev := timestep - st.StepRatio

	alphaProd := alphaAt(st.AlphasCumprod, timestep)
	alphaProdPrev := 1.0
	if prev >= 0 {
		alphaProdPrev = alphaAt(st.AlphasCumprod, prev)
	}
	betaProd, betaProdPrev := 1-alphaProd, 1-alphaProdPrev
	currentAlpha := alphaProd / alphaProdPrev
	currentBeta := 1 - currentAlpha

	x := sample.Float64s()
	x0, _, err := predictOriginal(s.Config.PredictionType, output.Float64s(), x, alphaProd)
	if err != nil {
		return nil, nil, err
	}

	if s.Config.ClipSample {
		clip(x0, s.Config.ClipSampleRange)
	}

	// formula (7) of https://arxiv.org/pdf/2006.11239.pdf
	prevSample := lincomb(math.Sqrt(alphaProdPrev)*currentBeta/betaProd, x0, math.Sqrt(currentAlpha)*betaProdPrev/betaProd, x)

	if timestep > 0 {
		noise := ml.RandomNormal(ml.StreamSeed(st.NoiseSeed, uint64(st.Index)), ml.DTypeF32, sample.Shape()...)
		std := s.stddev(alphaProd, alphaProdPrev)
		for i, v := range noise.Floats() {
			prevSample[i] += std * float64(v)
		}
	}

	out, err := narrow(prevSample, sample)
	if err != nil {
		return nil, nil, err
	}

	st.base = st.advance()
	return out, st, nil
}
