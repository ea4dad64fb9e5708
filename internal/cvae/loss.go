package cvae

import (
	"errors"
	"math"
)

// ErrNonFinite marks a batch whose loss came out NaN or Inf. The trainer
// skips such batches and aborts only after too many in a row.
var ErrNonFinite = errors.New("non-finite loss")

// LossWeights scales the three auxiliary terms of the composite loss.
// Reconstruction always carries weight 1.
type LossWeights struct {
	Beta           float64 `json:"beta"`            // KL divergence
	LambdaSmooth   float64 `json:"lambda_smooth"`   // second-difference smoothness
	LambdaBoundary float64 `json:"lambda_boundary"` // endpoint adherence
}

// DefaultLossWeights returns the weights the model family trains with. Beta
// is small so reconstruction dominates early; boundary carries full weight
// because endpoint adherence is a soft constraint, not a hard snap.
func DefaultLossWeights() LossWeights {
	return LossWeights{Beta: 0.001, LambdaSmooth: 0.1, LambdaBoundary: 1.0}
}

// LossBreakdown reports the unweighted components alongside the weighted
// total, so logs and the epoch history can show where the loss lives.
type LossBreakdown struct {
	Total          float64 `json:"total"`
	Reconstruction float64 `json:"reconstruction"`
	KL             float64 `json:"kl"`
	Smoothness     float64 `json:"smoothness"`
	Boundary       float64 `json:"boundary"`
}

// IsFinite reports whether every component is a usable number.
func (l LossBreakdown) IsFinite() bool {
	for _, v := range [...]float64{l.Total, l.Reconstruction, l.KL, l.Smoothness, l.Boundary} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// lossGrads holds the gradients of the weighted total w.r.t. the decoder
// outputs and the latent distribution parameters, per sample.
type lossGrads struct {
	out    [][][]float64
	mu     [][]float64
	logvar [][]float64
}

// computeLoss evaluates the composite loss over a batch of decoder outputs:
//
//	total = recon + beta*KL + lambdaSmooth*smooth + lambdaBoundary*boundary
//
// recon is the MSE over all B*S*3 elements; KL is the closed-form Gaussian
// divergence summed over latent dims and averaged over the batch; smooth is
// the mean squared second difference over the B*(S-2) interior points (zero
// when S < 3); boundary is MSE(first, starts) + MSE(last, ends). With
// withGrads the analytic gradients of the weighted total accumulate into a
// fresh lossGrads.
func computeLoss(outs [][][]float64, mus, logvars [][]float64, b Batch, w LossWeights, withGrads bool) (LossBreakdown, *lossGrads) {
	B := len(outs)
	S := len(outs[0])
	K := len(outs[0][0])

	var g *lossGrads
	if withGrads {
		g = &lossGrads{
			out:    make([][][]float64, B),
			mu:     make([][]float64, B),
			logvar: make([][]float64, B),
		}
		for s := 0; s < B; s++ {
			g.out[s] = make([][]float64, S)
			for t := 0; t < S; t++ {
				g.out[s][t] = make([]float64, K)
			}
			g.mu[s] = make([]float64, len(mus[s]))
			g.logvar[s] = make([]float64, len(logvars[s]))
		}
	}

	var recon float64
	n := float64(B * S * K)
	for s := 0; s < B; s++ {
		for t := 0; t < S; t++ {
			tw := wpVec(b.Targets[s][t])
			for k := 0; k < K; k++ {
				d := outs[s][t][k] - tw[k]
				recon += d * d
				if g != nil {
					g.out[s][t][k] += 2 * d / n
				}
			}
		}
	}
	recon /= n

	var kl float64
	for s := 0; s < B; s++ {
		for j, mu := range mus[s] {
			lv := logvars[s][j]
			kl += 1 + lv - mu*mu - math.Exp(lv)
			if g != nil {
				g.mu[s][j] += w.Beta * mu / float64(B)
				g.logvar[s][j] += w.Beta * 0.5 * (math.Exp(lv) - 1) / float64(B)
			}
		}
	}
	kl = -0.5 * kl / float64(B)

	var smooth float64
	if S >= 3 {
		m := float64(B * (S - 2))
		for s := 0; s < B; s++ {
			for i := 1; i < S-1; i++ {
				for k := 0; k < K; k++ {
					d := outs[s][i+1][k] - 2*outs[s][i][k] + outs[s][i-1][k]
					smooth += d * d
					if g != nil {
						c := w.LambdaSmooth * 2 * d / m
						g.out[s][i+1][k] += c
						g.out[s][i][k] -= 2 * c
						g.out[s][i-1][k] += c
					}
				}
			}
		}
		smooth /= m
	}

	var boundary float64
	bn := float64(B * K)
	for s := 0; s < B; s++ {
		sw := wpVec(b.Starts[s])
		ew := wpVec(b.Ends[s])
		for k := 0; k < K; k++ {
			d0 := outs[s][0][k] - sw[k]
			d1 := outs[s][S-1][k] - ew[k]
			boundary += (d0*d0 + d1*d1) / bn
			if g != nil {
				g.out[s][0][k] += w.LambdaBoundary * 2 * d0 / bn
				g.out[s][S-1][k] += w.LambdaBoundary * 2 * d1 / bn
			}
		}
	}

	return LossBreakdown{
		Total:          recon + w.Beta*kl + w.LambdaSmooth*smooth + w.LambdaBoundary*boundary,
		Reconstruction: recon,
		KL:             kl,
		Smoothness:     smooth,
		Boundary:       boundary,
	}, g
}
