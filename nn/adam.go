package nn

import (
	"math"
)

// AdamConfig holds Adam optimizer hyperparameters.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns the standard Adam settings used for training.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// adam maintains first and second moment estimates per parameter tensor and
// applies bias-corrected updates.
type adam struct {
	cfg      AdamConfig
	momentum [][]float32
	variance [][]float32
	step     uint64
}

func newAdam(cfg AdamConfig, params []*param) *adam {
	a := &adam{
		cfg:      cfg,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		a.momentum[i] = make([]float32, len(p.data))
		a.variance[i] = make([]float32, len(p.data))
	}
	return a
}

// stepUpdate applies one optimizer step using the gradients accumulated in
// params, then leaves the gradients untouched (callers zero them).
func (a *adam) stepUpdate(params []*param) {
	a.step++
	beta1 := float64(a.cfg.Beta1)
	beta2 := float64(a.cfg.Beta2)
	corr1 := 1 - math.Pow(beta1, float64(a.step))
	corr2 := 1 - math.Pow(beta2, float64(a.step))

	for i, p := range params {
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.data {
			g := p.grad[j]
			if a.cfg.WeightDecay != 0 {
				g += a.cfg.WeightDecay * p.data[j]
			}
			m[j] = a.cfg.Beta1*m[j] + (1-a.cfg.Beta1)*g
			v[j] = a.cfg.Beta2*v[j] + (1-a.cfg.Beta2)*g*g

			mHat := float64(m[j]) / corr1
			vHat := float64(v[j]) / corr2
			p.data[j] -= a.cfg.LearningRate * float32(mHat/(math.Sqrt(vHat)+float64(a.cfg.Epsilon)))
		}
	}
}
