package nn

import "math"

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Soft Dice loss over softmax probabilities with one-hot labels, averaged
// across all classes, background included, as in the training recipe the
// network is tuned for.
const diceEpsilon = 1e-5

// softmaxInPlace converts per-voxel logits into probabilities across the
// channel axis.
func softmaxInPlace(f *fmap) {
	n := f.numVoxels()
	k := len(f.ch)
	for i := 0; i < n; i++ {
		maxV := f.ch[0][i]
		for c := 1; c < k; c++ {
			if f.ch[c][i] > maxV {
				maxV = f.ch[c][i]
			}
		}
		var sum float32
		for c := 0; c < k; c++ {
			e := expf(f.ch[c][i] - maxV)
			f.ch[c][i] = e
			sum += e
		}
		inv := 1 / sum
		for c := 0; c < k; c++ {
			f.ch[c][i] *= inv
		}
	}
}

// diceLossGrad computes the soft Dice loss between probabilities and the
// integer label field, and the gradient of the loss with respect to the
// logits that produced probs (softmax backward folded in).
func diceLossGrad(probs *fmap, labels []float32) (float64, *fmap) {
	n := probs.numVoxels()
	k := len(probs.ch)

	// Per-class sums: intersection, prediction mass, ground-truth mass.
	inter := make([]float64, k)
	pSum := make([]float64, k)
	gSum := make([]float64, k)
	for c := 0; c < k; c++ {
		p := probs.ch[c]
		for i := 0; i < n; i++ {
			pv := float64(p[i])
			pSum[c] += pv
			if int(labels[i]) == c {
				gSum[c]++
				inter[c] += pv
			}
		}
	}

	loss := 0.0
	denom := make([]float64, k)
	numer := make([]float64, k)
	for c := 0; c < k; c++ {
		numer[c] = 2*inter[c] + diceEpsilon
		denom[c] = pSum[c] + gSum[c] + diceEpsilon
		loss += 1 - numer[c]/denom[c]
	}
	loss /= float64(k)

	// dL/dp_c,i, then softmax backward to logits.
	dp := newFmap(probs.shape, k)
	for c := 0; c < k; c++ {
		d2 := denom[c] * denom[c]
		for i := 0; i < n; i++ {
			g := 0.0
			if int(labels[i]) == c {
				g = 1
			}
			dp.ch[c][i] = float32(-(2*g*denom[c] - numer[c]) / d2 / float64(k))
		}
	}

	grad := newFmap(probs.shape, k)
	for i := 0; i < n; i++ {
		var dot float32
		for c := 0; c < k; c++ {
			dot += dp.ch[c][i] * probs.ch[c][i]
		}
		for c := 0; c < k; c++ {
			grad.ch[c][i] = probs.ch[c][i] * (dp.ch[c][i] - dot)
		}
	}
	return loss, grad
}
