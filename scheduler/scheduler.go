// Package scheduler implements the numerical integration schemes used to
// reverse the diffusion process. Every scheme is a stateless Scheduler
// operating on an explicit State value: SetTimesteps creates the state for a
// generation and each Step returns a new state instead of mutating the old.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

var (
	ErrScheduleExhausted = errors.New("scheduler: timestep schedule exhausted")
	ErrStateType         = errors.New("scheduler: state belongs to another scheduler")
)

type Kind int

const (
	DDIM Kind = iota
	DDPM
	PNDM
	LMSDiscrete
	DPMSolverMultistep
	KarrasVe
	ScoreSdeVe
)

var kindNames = []string{
	DDIM:               "ddim",
	DDPM:               "ddpm",
	PNDM:               "pndm",
	LMSDiscrete:        "lms",
	DPMSolverMultistep: "dpm-solver",
	KarrasVe:           "karras-ve",
	ScoreSdeVe:         "score-sde-ve",
}

var kindAliases = map[string]Kind{
	"lmsdiscrete":        LMSDiscrete,
	"dpmsolvermultistep": DPMSolverMultistep,
	"dpmsolver":          DPMSolverMultistep,
	"dpmsolver++":        DPMSolverMultistep,
	"dpm":                DPMSolverMultistep,
	"dpm++":              DPMSolverMultistep,
	"sdeve":              ScoreSdeVe,
}

// Kinds lists every supported scheme.
func Kinds() []Kind {
	return []Kind{DDIM, DDPM, PNDM, LMSDiscrete, DPMSolverMultistep, KarrasVe, ScoreSdeVe}
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind accepts short names ("ddim", "lms", "dpm-solver") as well as
// diffusers class names ("DDIMScheduler", "FlaxLMSDiscreteScheduler").
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if name == n {
			return Kind(i), nil
		}
	}

	name = strings.TrimPrefix(name, "flax")
	name = strings.TrimSuffix(name, "scheduler")
	name = strings.NewReplacer("-", "", "_", "", " ", "").Replace(name)
	for i, n := range kindNames {
		if name == strings.ReplaceAll(n, "-", "") {
			return Kind(i), nil
		}
	}

	if k, ok := kindAliases[name]; ok {
		return k, nil
	}

	return 0, &errtypes.UnsupportedError{Kind: "scheduler", Value: s}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// State is the immutable per-step record threaded through a generation.
type State interface {
	// Timesteps is the precomputed schedule, one entry per inference step.
	Timesteps() []float64
	// StepIndex is the number of steps taken so far.
	StepIndex() int
	// InitNoiseSigma scales the initial Gaussian noise.
	InitNoiseSigma() float64
}

type Scheduler interface {
	Kind() Kind

	// InitialState is the state derived from configuration alone, before
	// SetTimesteps.
	InitialState() State

	SetTimesteps(state State, steps int, shape []int) (State, error)

	// ScaleModelInput rescales the sample before it is fed to the denoiser.
	ScaleModelInput(state State, sample *ml.Tensor, t float64) (*ml.Tensor, error)

	// Step advances sample by one step given the denoiser output at
	// timestep t. Computation happens in float64 regardless of the
	// precision of the inputs.
	Step(state State, output *ml.Tensor, t float64, sample *ml.Tensor) (*ml.Tensor, State, error)
}

// NoiseSeeder is implemented by stochastic schemes. The returned state
// draws its per-step noise from seed, keeping Step a pure function of its
// arguments.
type NoiseSeeder interface {
	WithNoiseSeed(state State, seed uint64) (State, error)
}

var constructors = map[Kind]func(map[string]any) (Scheduler, error){
	DDIM:               func(raw map[string]any) (Scheduler, error) { return NewDDIM(raw) },
	DDPM:               func(raw map[string]any) (Scheduler, error) { return NewDDPM(raw) },
	PNDM:               func(raw map[string]any) (Scheduler, error) { return NewPNDM(raw) },
	LMSDiscrete:        func(raw map[string]any) (Scheduler, error) { return NewLMSDiscrete(raw) },
	DPMSolverMultistep: func(raw map[string]any) (Scheduler, error) { return NewDPMSolverMultistep(raw) },
	KarrasVe:           func(raw map[string]any) (Scheduler, error) { return NewKarrasVe(raw) },
	ScoreSdeVe:         func(raw map[string]any) (Scheduler, error) { return NewScoreSdeVe(raw) },
}

// New builds a scheduler of kind from a raw diffusers style configuration.
// Keys the scheme does not know are ignored; missing keys take the scheme's
// defaults.
func New(kind Kind, raw map[string]any) (Scheduler, error) {
	fn, ok := constructors[kind]
	if !ok {
		return nil, &errtypes.UnsupportedError{Kind: "scheduler", Value: kind.String()}
	}

	return fn(raw)
}

// FromPretrained reads dir/scheduler_config.json and builds a scheduler of
// kind from it. A missing file yields the default configuration.
func FromPretrained(dir string, kind Kind) (Scheduler, error) {
	raw := map[string]any{}

	p := filepath.Join(dir, "scheduler_config.json")
	bts, err := os.ReadFile(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no scheduler config, using defaults", "path", p)
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(bts, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s, err := New(kind, raw)
	if err != nil {
		return nil, err
	}

	slog.Debug("scheduler", "kind", kind, "config", p)
	return s, nil
}

func decodeConfig(raw map[string]any, v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}

	return dec.Decode(raw)
}

// base carries the fields every scheme's state shares.
type base struct {
	Schedule          []float64 `json:"timesteps"`
	Index             int       `json:"step_index"`
	NoiseSigma        float64   `json:"init_noise_sigma"`
	NumInferenceSteps int       `json:"num_inference_steps"`
	Shape             []int     `json:"shape"`
}

func (b base) Timesteps() []float64    { return b.Schedule }
func (b base) StepIndex() int          { return b.Index }
func (b base) InitNoiseSigma() float64 { return b.NoiseSigma }

// check rejects a step past the end of the schedule or with inputs whose
// shape differs from the one the state was prepared for.
func (b base) check(output, sample *ml.Tensor) error {
	if b.NumInferenceSteps == 0 {
		return errors.New("scheduler: SetTimesteps was not called")
	}

	if b.Index >= len(b.Schedule) {
		return ErrScheduleExhausted
	}

	if !slices.Equal(output.Shape(), sample.Shape()) {
		return fmt.Errorf("scheduler: %w: output %v, sample %v", ml.ErrShape, output.Shape(), sample.Shape())
	}

	if b.Shape != nil && !slices.Equal(sample.Shape(), b.Shape) {
		return fmt.Errorf("scheduler: %w: sample %v, state %v", ml.ErrShape, sample.Shape(), b.Shape)
	}

	return nil
}

func (b base) advance() base {
	b.Index++
	return b
}

func validateSteps(steps, numTrainTimesteps int) error {
	if steps <= 0 {
		return errtypes.InvalidArgument("steps", "must be greater than zero, got %d", steps)
	}

	if numTrainTimesteps > 0 && steps > numTrainTimesteps {
		return errtypes.InvalidArgument("steps", "%d exceeds the %d timesteps the model was trained with", steps, numTrainTimesteps)
	}

	return nil
}

func stateError(want string, got State) error {
	return fmt.Errorf("%w: want %s, got %T", ErrStateType, want, got)
}
