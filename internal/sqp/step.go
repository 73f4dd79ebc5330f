package sqp

import (
	"gonum.org/v1/gonum/mat"
)

// bfgs keeps an approximation of the inverse Hessian of the objective
type bfgs struct {
	n       int
	h       *mat.SymDense
	updated bool
}

func newBFGS(n int) *bfgs {
	h := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		h.SetSym(i, i, 1)
	}
	return &bfgs{n: n, h: h}
}

// direction returns -H·g scaled by scale
func (b *bfgs) direction(g []float64, scale float64) []float64 {
	var d mat.VecDense
	d.MulVec(b.h, mat.NewVecDense(b.n, append([]float64(nil), g...)))
	out := make([]float64, b.n)
	for i := range out {
		out[i] = -scale * d.AtVec(i)
	}
	return out
}

// update applies the inverse BFGS formula for step s and gradient change y.
// Pairs without positive curvature are skipped and false is returned.
func (b *bfgs) update(s, y []float64) bool {
	sv := mat.NewVecDense(b.n, append([]float64(nil), s...))
	yv := mat.NewVecDense(b.n, append([]float64(nil), y...))

	sy := mat.Dot(sv, yv)
	yy := mat.Dot(yv, yv)
	if sy <= 1e-12*yy || yy == 0 {
		return false
	}

	if !b.updated {
		// scale the identity to the observed curvature before the first update
		b.h.ScaleSym(sy/yy, b.h)
		b.updated = true
	}

	rho := 1 / sy
	var hy mat.VecDense
	hy.MulVec(b.h, yv)
	yHy := mat.Dot(yv, &hy)

	// H+ = H - rho(Hy sᵀ + s yᵀH) + (rho² yᵀHy + rho) s sᵀ
	b.h.RankTwo(b.h, -rho, &hy, sv)
	b.h.SymRankOne(b.h, rho*rho*yHy+rho, sv)
	return true
}
