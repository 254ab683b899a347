package predictor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Ridge is an L2-regularized linear model over normalized inputs.
type Ridge struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Infer returns the linear prediction for x.
func (r *Ridge) Infer(x []float64) float64 {
	sum := r.Intercept
	for i, c := range r.Coef {
		sum += c * x[i]
	}
	return sum
}

// FitRidge solves (XᵀX + λI)β = Xᵀy with an unpenalized intercept. It uses a
// Cholesky factorization and falls back to a truncated SVD least-squares
// solution when the system is not positive definite.
func FitRidge(X [][]float64, y []float64, l2 float64) (*Ridge, error) {
	n := len(X)
	if n == 0 {
		return nil, fmt.Errorf("ridge: no rows")
	}
	p := len(X[0]) + 1

	design := mat.NewDense(n, p, nil)
	for i, row := range X {
		design.Set(i, 0, 1)
		for j, v := range row {
			design.Set(i, j+1, v)
		}
	}
	target := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j <= i; j++ {
			v := xtx.At(i, j)
			if i == j && i > 0 {
				v += l2
			}
			sym.SetSym(i, j, v)
		}
	}

	var xty mat.VecDense
	xty.MulVec(design.T(), target)

	var beta mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveVecTo(&beta, &xty); err != nil {
			return nil, fmt.Errorf("ridge: cholesky solve: %w", err)
		}
	} else {
		var svd mat.SVD
		if !svd.Factorize(design, mat.SVDThin) {
			return nil, fmt.Errorf("ridge: svd factorization failed")
		}
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)
		values := svd.Values(nil)

		var uty mat.VecDense
		uty.MulVec(u.T(), target)
		for i, s := range values {
			if s > 1e-12 {
				uty.SetVec(i, uty.AtVec(i)/s)
			} else {
				uty.SetVec(i, 0)
			}
		}
		beta.MulVec(&v, &uty)
	}

	coef := make([]float64, p-1)
	for j := range coef {
		coef[j] = beta.AtVec(j + 1)
	}
	return &Ridge{Intercept: beta.AtVec(0), Coef: coef}, nil
}
