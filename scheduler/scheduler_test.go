package scheduler

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/vidgen/ml"
	"github.com/ollama/vidgen/types/errtypes"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"ddim":                        DDIM,
		"DDIMScheduler":               DDIM,
		"FlaxDDIMScheduler":           DDIM,
		"ddpm":                        DDPM,
		"PNDMScheduler":               PNDM,
		"lms":                         LMSDiscrete,
		"LMSDiscreteScheduler":        LMSDiscrete,
		"dpm-solver":                  DPMSolverMultistep,
		"DPMSolverMultistepScheduler": DPMSolverMultistep,
		"dpm++":                       DPMSolverMultistep,
		"karras-ve":                   KarrasVe,
		"KarrasVeScheduler":           KarrasVe,
		"score_sde_ve":                ScoreSdeVe,
		"FlaxScoreSdeVeScheduler":     ScoreSdeVe,
		" Score-Sde-Ve ":              ScoreSdeVe,
	}

	for s, want := range cases {
		got, err := ParseKind(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseKind("euler")
	var unsupported *errtypes.UnsupportedError
	assert.ErrorAs(t, err, &unsupported)

	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestKindText(t *testing.T) {
	var v struct {
		Scheduler Kind `json:"scheduler"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"scheduler":"LMSDiscreteScheduler"}`), &v))
	assert.Equal(t, LMSDiscrete, v.Scheduler)

	bts, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scheduler":"lms"}`, string(bts))

	assert.Error(t, json.Unmarshal([]byte(`{"scheduler":"unknown"}`), &v))
}

func newScheduler(t *testing.T, kind Kind, raw map[string]any) Scheduler {
	t.Helper()
	s, err := New(kind, raw)
	require.NoError(t, err)
	require.Equal(t, kind, s.Kind())
	return s
}

func prepare(t *testing.T, s Scheduler, steps int, shape []int) State {
	t.Helper()
	st, err := s.SetTimesteps(s.InitialState(), steps, shape)
	require.NoError(t, err)

	if seeder, ok := s.(NoiseSeeder); ok {
		st, err = seeder.WithNoiseSeed(st, 7)
		require.NoError(t, err)
	}
	return st
}

func finite(t *testing.T, x *ml.Tensor) {
	t.Helper()
	for i, v := range x.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("element %d is %v", i, v)
		}
	}
}

func TestStepConsumesSchedule(t *testing.T) {
	shape := []int{1, 4, 2, 3, 3}
	const steps = 10

	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			s := newScheduler(t, kind, nil)
			st := prepare(t, s, steps, shape)
			require.Len(t, st.Timesteps(), steps)

			x := ml.RandomNormal(1, ml.DTypeF32, shape...).Scale(float32(st.InitNoiseSigma()))
			output := ml.RandomNormal(2, ml.DTypeF32, shape...)
			for i, ts := range st.Timesteps() {
				require.Equal(t, i, st.StepIndex())

				in, err := s.ScaleModelInput(st, x, ts)
				require.NoError(t, err)
				assert.Equal(t, shape, in.Shape())

				x, st, err = s.Step(st, output, ts, x)
				require.NoError(t, err)
				assert.Equal(t, shape, x.Shape())
				finite(t, x)
			}

			assert.Equal(t, steps, st.StepIndex())

			_, _, err := s.Step(st, output, 0, x)
			assert.ErrorIs(t, err, ErrScheduleExhausted)
		})
	}
}

func TestStepRejectsForeignState(t *testing.T) {
	shape := []int{1, 1, 1, 2, 2}
	x := ml.Zeros(shape...)

	var pndm PNDMState
	for _, kind := range Kinds() {
		s := newScheduler(t, kind, nil)
		foreign := State(pndm)
		if kind == PNDM {
			foreign = DDIMState{}
		}

		_, _, err := s.Step(foreign, x, 0, x)
		assert.ErrorIs(t, err, ErrStateType, kind.String())

		_, err = s.SetTimesteps(foreign, 2, shape)
		assert.ErrorIs(t, err, ErrStateType, kind.String())
	}
}

func TestStepRejectsShape(t *testing.T) {
	s := newScheduler(t, DDIM, nil)
	st := prepare(t, s, 2, []int{1, 4, 1, 2, 2})

	x := ml.Zeros(1, 4, 1, 2, 2)
	_, _, err := s.Step(st, ml.Zeros(1, 4, 1, 2, 1), 500, x)
	assert.ErrorIs(t, err, ml.ErrShape)

	y := ml.Zeros(2, 4, 1, 2, 2)
	_, _, err = s.Step(st, y, 500, y)
	assert.ErrorIs(t, err, ml.ErrShape)

	_, _, err = s.Step(s.InitialState(), x, 500, x)
	assert.Error(t, err)
}

func TestStateIsImmutable(t *testing.T) {
	shape := []int{1, 2, 1, 2, 2}
	x := ml.RandomNormal(3, ml.DTypeF32, shape...)
	output := ml.RandomNormal(4, ml.DTypeF32, shape...)

	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			s := newScheduler(t, kind, nil)
			st := prepare(t, s, 5, shape)
			ts := st.Timesteps()[0]

			a, next, err := s.Step(st, output, ts, x)
			require.NoError(t, err)
			assert.Equal(t, 1, next.StepIndex())
			assert.Equal(t, 0, st.StepIndex())

			b, _, err := s.Step(st, output, ts, x)
			require.NoError(t, err)
			assert.Equal(t, a.Floats(), b.Floats())
		})
	}
}

func TestValidateSteps(t *testing.T) {
	for _, kind := range []Kind{DDIM, DDPM, PNDM, LMSDiscrete, DPMSolverMultistep} {
		s := newScheduler(t, kind, nil)

		var invalid *errtypes.InvalidArgumentError
		_, err := s.SetTimesteps(s.InitialState(), 0, nil)
		assert.ErrorAs(t, err, &invalid, kind.String())

		_, err = s.SetTimesteps(s.InitialState(), 1001, nil)
		assert.ErrorAs(t, err, &invalid, kind.String())
	}

	for _, kind := range []Kind{KarrasVe, ScoreSdeVe} {
		s := newScheduler(t, kind, nil)
		_, err := s.SetTimesteps(s.InitialState(), -1, nil)
		assert.Error(t, err, kind.String())
	}
}

func TestDDIMTimesteps(t *testing.T) {
	s := newScheduler(t, DDIM, nil)
	st := prepare(t, s, 10, nil)
	assert.Equal(t, []float64{900, 800, 700, 600, 500, 400, 300, 200, 100, 0}, st.Timesteps())
	assert.InDelta(t, 1, st.InitNoiseSigma(), 0)

	s = newScheduler(t, DDIM, map[string]any{"steps_offset": 1})
	st = prepare(t, s, 4, nil)
	assert.Equal(t, []float64{751, 501, 251, 1}, st.Timesteps())

	_, err := New(DDIM, map[string]any{"timestep_spacing": "trailing"})
	assert.Error(t, err)
}

func TestDDIMStep(t *testing.T) {
	s := newScheduler(t, DDIM, map[string]any{"clip_sample": false})
	ddim := s.(*DDIMScheduler)
	shape := []int{1, 1, 1, 1, 2}
	st := prepare(t, s, 10, shape)

	x, err := ml.NewTensor([]float32{0.5, -1}, shape...)
	require.NoError(t, err)

	// with zero predicted noise the update only rescales the sample
	got, _, err := s.Step(st, ml.Zeros(shape...), 900, x)
	require.NoError(t, err)

	scale := math.Sqrt(ddim.ac[800] / ddim.ac[900])
	want := []float32{float32(0.5 * scale), float32(-scale)}
	if diff := cmp.Diff(want, got.Floats(), cmpopts.EquateApprox(1e-6, 0)); diff != "" {
		t.Errorf("step mismatch (-want +got):\n%s", diff)
	}
}

func TestDDPMNoise(t *testing.T) {
	s := newScheduler(t, DDPM, nil)
	shape := []int{1, 2, 1, 2, 2}
	st := prepare(t, s, 10, shape)
	x := ml.RandomNormal(1, ml.DTypeF32, shape...)
	output := ml.RandomNormal(2, ml.DTypeF32, shape...)

	a, _, err := s.Step(st, output, st.Timesteps()[0], x)
	require.NoError(t, err)

	other, err := s.(NoiseSeeder).WithNoiseSeed(st, 8)
	require.NoError(t, err)
	b, _, err := s.Step(other, output, st.Timesteps()[0], x)
	require.NoError(t, err)
	assert.NotEqual(t, a.Floats(), b.Floats())

	_, err = s.(NoiseSeeder).WithNoiseSeed(DDIMState{}, 1)
	assert.ErrorIs(t, err, ErrStateType)

	_, err = New(DDPM, map[string]any{"variance_type": "learned"})
	assert.Error(t, err)
}

func TestPNDMTimesteps(t *testing.T) {
	skip := newScheduler(t, PNDM, map[string]any{"skip_prk_steps": true})
	st := prepare(t, skip, 10, nil)
	assert.Equal(t, []float64{900, 800, 800, 700, 600, 500, 400, 300, 200, 100}, st.Timesteps())

	st = prepare(t, skip, 1, nil)
	assert.Equal(t, []float64{0}, st.Timesteps())

	prk := newScheduler(t, PNDM, nil)
	st = prepare(t, prk, 10, nil)
	assert.Equal(t, []float64{900, 850, 850, 800, 800, 750, 750, 700, 700, 650}, st.Timesteps())

	_, err := prk.SetTimesteps(prk.InitialState(), 3, nil)
	var invalid *errtypes.InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}

func TestLMSSigmas(t *testing.T) {
	s := newScheduler(t, LMSDiscrete, nil)
	shape := []int{1, 1, 1, 1, 2}
	st := prepare(t, s, 5, shape)

	lms := st.(LMSDiscreteState)
	require.Len(t, lms.Sigmas, 6)
	assert.Zero(t, lms.Sigmas[5])
	assert.Equal(t, lms.Sigmas[0], st.InitNoiseSigma())
	assert.Equal(t, []float64{999, 749.25, 499.5, 249.75, 0}, st.Timesteps())

	x := ml.Full(2, shape...)
	in, err := s.ScaleModelInput(st, x, st.Timesteps()[0])
	require.NoError(t, err)
	assert.InDelta(t, 2/math.Sqrt(lms.Sigmas[0]*lms.Sigmas[0]+1), in.Floats()[0], 1e-5)

	_, err = New(LMSDiscrete, map[string]any{"prediction_type": "flow"})
	assert.Error(t, err)
}

func TestLMSCoefficient(t *testing.T) {
	// a single derivative integrates to the step in sigma
	sigmas := []float64{3, 2, 0}
	assert.InDelta(t, -1, coefficient(sigmas, 1, 0, 0), 1e-12)
	assert.InDelta(t, -2, coefficient(sigmas, 1, 1, 0), 1e-12)

	// the two basis polynomials of a second order step sum to the interval
	sum := coefficient(sigmas, 2, 1, 0) + coefficient(sigmas, 2, 1, 1)
	assert.InDelta(t, -2, sum, 1e-12)
}

func TestDPMSolverTimesteps(t *testing.T) {
	s := newScheduler(t, DPMSolverMultistep, nil)
	st := prepare(t, s, 4, nil)
	assert.Equal(t, []float64{999, 749, 500, 250}, st.Timesteps())

	for _, raw := range []map[string]any{
		{"algorithm_type": "sde-dpmsolver"},
		{"solver_type": "bh2"},
		{"solver_order": 4},
	} {
		_, err := New(DPMSolverMultistep, raw)
		assert.Error(t, err, raw)
	}

	for _, raw := range []map[string]any{
		{"solver_order": 1},
		{"solver_order": 3, "algorithm_type": "dpmsolver", "solver_type": "heun"},
		{"solver_order": 3, "prediction_type": "v_prediction"},
	} {
		s := newScheduler(t, DPMSolverMultistep, raw)
		shape := []int{1, 1, 1, 2, 2}
		st := prepare(t, s, 6, shape)
		x := ml.RandomNormal(1, ml.DTypeF32, shape...)
		for _, ts := range st.Timesteps() {
			var err error
			x, st, err = s.Step(st, ml.RandomNormal(uint64(ts), ml.DTypeF32, shape...), ts, x)
			require.NoError(t, err)
			finite(t, x)
		}
	}
}

func TestKarrasVe(t *testing.T) {
	s := newScheduler(t, KarrasVe, nil)
	assert.Equal(t, 100.0, s.InitialState().InitNoiseSigma())

	st := prepare(t, s, 3, nil)
	assert.Equal(t, []float64{2, 1, 0}, st.Timesteps())

	sigmas := st.(KarrasVeState).Sigmas
	if diff := cmp.Diff([]float64{0.02 * 0.02, 0.02 * 100, 100 * 100}, sigmas, cmpopts.EquateApprox(1e-9, 0)); diff != "" {
		t.Errorf("sigmas mismatch (-want +got):\n%s", diff)
	}

	// the final step lands on zero noise, returning the denoised estimate
	shape := []int{1, 1, 1, 1, 2}
	x, err := ml.NewTensor([]float32{1, 2}, shape...)
	require.NoError(t, err)
	output, err := ml.NewTensor([]float32{-1, -1}, shape...)
	require.NoError(t, err)

	st = prepare(t, s, 1, shape)
	got, _, err := s.Step(st, output, 0, x)
	require.NoError(t, err)

	sigma := 0.02 * 0.02
	want := []float32{float32(1 - sigma), float32(2 - sigma)}
	if diff := cmp.Diff(want, got.Floats(), cmpopts.EquateApprox(1e-6, 0)); diff != "" {
		t.Errorf("step mismatch (-want +got):\n%s", diff)
	}
}

func TestScoreSdeVe(t *testing.T) {
	s := newScheduler(t, ScoreSdeVe, nil)
	assert.Equal(t, 1348.0, s.InitialState().InitNoiseSigma())

	shape := []int{1, 1, 1, 2, 2}
	st := prepare(t, s, 4, shape)
	ts := st.Timesteps()
	require.Len(t, ts, 4)
	assert.Equal(t, 1.0, ts[0])
	assert.InDelta(t, 1e-5, ts[3], 1e-12)

	sde := st.(ScoreSdeVeState)
	assert.InDelta(t, 0.01, sde.DiscreteSigmas[0], 1e-9)
	assert.InDelta(t, 1348, sde.DiscreteSigmas[3], 1e-6)

	x := ml.RandomNormal(1, ml.DTypeF32, shape...)
	output := ml.Zeros(shape...)

	// with a zero score the last step has no adjacent sigma and adds
	// sigma_min scaled noise
	last := st.(ScoreSdeVeState)
	last.Index = 3

	got, _, err := s.Step(last, output, ts[3], x)
	require.NoError(t, err)

	noise := ml.RandomNormal(ml.StreamSeed(7, 3), ml.DTypeF32, shape...)
	for i, v := range got.Floats() {
		assert.InDelta(t, x.Floats()[i]+0.01*noise.Floats()[i], v, 1e-6)
	}
}

func TestStepNoiseIndependentOfLatents(t *testing.T) {
	s := newScheduler(t, ScoreSdeVe, nil)
	shape := []int{1, 4, 2, 8, 8}
	st := prepare(t, s, 4, shape).(ScoreSdeVeState)
	x := ml.Zeros(shape...)
	output := ml.Zeros(shape...)

	// the initial latents of this device (seed 7) and of the following
	// devices must not reappear as step noise
	latents := make([]*ml.Tensor, 4)
	for i := range latents {
		latents[i] = ml.RandomNormal(uint64(7+i), ml.DTypeF32, shape...)
	}

	for i := range st.Timesteps() {
		st.Index = i
		got, _, err := s.Step(st, output, st.Timesteps()[i], x)
		require.NoError(t, err)

		for j, l := range latents {
			var dot, norm float64
			for k, v := range got.Floats() {
				dot += float64(v) * float64(l.Floats()[k])
				norm += float64(v) * float64(v)
			}
			corr := dot / math.Sqrt(norm*float64(l.NumElements()))
			assert.Less(t, math.Abs(corr), 0.2, "step %d against latents of device %d", i, j)
		}
	}
}

func TestFromPretrained(t *testing.T) {
	dir := t.TempDir()
	cfg := map[string]any{
		"_class_name":         "PNDMScheduler",
		"_diffusers_version":  "0.15.0",
		"beta_end":            0.012,
		"beta_schedule":       "scaled_linear",
		"beta_start":          0.00085,
		"clip_sample":         false,
		"num_train_timesteps": 1000,
		"set_alpha_to_one":    false,
		"skip_prk_steps":      true,
		"steps_offset":        1,
		"trained_betas":       nil,
	}
	bts, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scheduler_config.json"), bts, 0o644))

	s, err := FromPretrained(dir, PNDM)
	require.NoError(t, err)
	pndm := s.(*PNDMScheduler)
	assert.True(t, pndm.Config.SkipPRKSteps)
	assert.Equal(t, 1, pndm.Config.StepsOffset)
	assert.Equal(t, "scaled_linear", pndm.Config.BetaSchedule.BetaSchedule)
	assert.InDelta(t, 0.012, pndm.Config.BetaEnd, 0)

	// the same file configures any other discrete scheme
	s, err = FromPretrained(dir, DDIM)
	require.NoError(t, err)
	ddim := s.(*DDIMScheduler)
	assert.False(t, ddim.Config.ClipSample)
	assert.False(t, ddim.Config.SetAlphaToOne)
	assert.Equal(t, 1, ddim.Config.StepsOffset)

	s, err = FromPretrained(filepath.Join(dir, "missing"), DDIM)
	require.NoError(t, err)
	assert.True(t, s.(*DDIMScheduler).Config.ClipSample)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scheduler_config.json"), []byte("{"), 0o644))
	_, err = FromPretrained(dir, DDIM)
	assert.Error(t, err)
}

func TestBetas(t *testing.T) {
	c := defaultBetaSchedule()
	betas, err := c.Betas()
	require.NoError(t, err)
	require.Len(t, betas, 1000)
	assert.InDelta(t, 0.0001, betas[0], 1e-12)
	assert.InDelta(t, 0.02, betas[999], 1e-12)

	c.BetaSchedule = "scaled_linear"
	c.BetaStart, c.BetaEnd = 0.00085, 0.012
	betas, err = c.Betas()
	require.NoError(t, err)
	assert.InDelta(t, 0.00085, betas[0], 1e-12)
	assert.InDelta(t, 0.012, betas[999], 1e-12)

	c.BetaSchedule = "squaredcos_cap_v2"
	betas, err = c.Betas()
	require.NoError(t, err)
	for _, b := range betas {
		assert.Greater(t, b, 0.0)
		assert.LessOrEqual(t, b, 0.999)
	}

	ac, err := c.AlphasCumprod()
	require.NoError(t, err)
	for i := 1; i < len(ac); i++ {
		assert.Less(t, ac[i], ac[i-1])
	}

	c.BetaSchedule = "sigmoid"
	_, err = c.Betas()
	var unsupported *errtypes.UnsupportedError
	assert.True(t, errors.As(err, &unsupported))

	c.TrainedBetas = []float64{0.1, 0.2}
	betas, err = c.Betas()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, betas)
}
