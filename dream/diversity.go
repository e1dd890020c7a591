package dream

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/dreamloom/nn"
)

// cosineEps bounds each vector norm from below
const cosineEps = 1e-8

// Diversity scores how much the samples of a batch differ. Every sample is flattened and
// compared to every other one:
//
//	D = -(Σ_j Σ_{i≠j} cos(x_j, x_i)) / B
//
// D is -(B-1) for identical samples and 0 for mutually orthogonal ones. The second return
// value is dD/dx with the shape of x. A batch of one has no pairs and scores 0.
func Diversity(x *nn.Tensor[float32]) (float32, []float32) {
	grad := make([]float32, x.Size())
	if x.Rank() == 0 || x.Shape[0] < 2 || x.Size() == 0 {
		return 0, grad
	}
	b := x.Shape[0]
	n := x.Size() / b

	vec := func(data []float32, k int) blas32.Vector {
		return blas32.Vector{N: n, Inc: 1, Data: data[k*n : (k+1)*n]}
	}

	norms := make([]float64, b)
	tiny := make([]bool, b)
	for k := 0; k < b; k++ {
		nrm := float64(blas32.Nrm2(vec(x.Data, k)))
		if nrm < cosineEps {
			nrm, tiny[k] = cosineEps, true
		}
		norms[k] = nrm
	}

	// Each unordered pair appears twice in the sum
	coef := -2 / float64(b)
	var sum float64
	for i := 0; i < b; i++ {
		for j := i + 1; j < b; j++ {
			np := norms[i] * norms[j]
			cos := float64(blas32.Dot(vec(x.Data, i), vec(x.Data, j))) / np
			sum += 2 * cos

			addCosGrad(vec(grad, i), vec(x.Data, i), vec(x.Data, j), coef, np, cos, norms[i], tiny[i])
			addCosGrad(vec(grad, j), vec(x.Data, j), vec(x.Data, i), coef, np, cos, norms[j], tiny[j])
		}
	}
	return float32(-sum / float64(b)), grad
}

// addCosGrad adds coef * d cos(a, o)/da to g:
// d cos/da = o / (|a||o|) - cos * a / |a|², without the second term when |a| was clamped.
func addCosGrad(g, a, o blas32.Vector, coef, normProduct, cos, normA float64, clamped bool) {
	blas32.Axpy(float32(coef/normProduct), o, g)
	if !clamped {
		blas32.Axpy(float32(-coef*cos/(normA*normA)), a, g)
	}
}

// MaxCosine is the largest pairwise cosine similarity between samples of the batch
func MaxCosine(x *nn.Tensor[float32]) float32 {
	if x.Rank() == 0 || x.Shape[0] < 2 {
		return 0
	}
	b := x.Shape[0]
	n := x.Size() / b
	best := math.Inf(-1)
	for i := 0; i < b; i++ {
		vi := blas32.Vector{N: n, Inc: 1, Data: x.Data[i*n : (i+1)*n]}
		ni := math.Max(float64(blas32.Nrm2(vi)), cosineEps)
		for j := i + 1; j < b; j++ {
			vj := blas32.Vector{N: n, Inc: 1, Data: x.Data[j*n : (j+1)*n]}
			nj := math.Max(float64(blas32.Nrm2(vj)), cosineEps)
			best = math.Max(best, float64(blas32.Dot(vi, vj))/(ni*nj))
		}
	}
	return float32(best)
}
