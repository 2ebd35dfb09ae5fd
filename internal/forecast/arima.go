package forecast

import (
	"context"
	"encoding/json"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

const (
	maxAROrder   = 3
	maxDiffOrder = 2
	maxMAOrder   = 3
)

type arimaParams struct {
	P     int       `json:"p"`
	D     int       `json:"d"`
	Q     int       `json:"q"`
	Const float64   `json:"const"`
	AR    []float64 `json:"ar"`
	MA    []float64 `json:"ma"`
	// DiffTail and ResidTail carry the end of the differenced series and its
	// residuals so forecasting can recurse past the training window.
	DiffTail    []float64 `json:"diff_tail"`
	ResidTail   []float64 `json:"resid_tail"`
	LastLevels  []float64 `json:"last_levels"`
	ResidualStd float64   `json:"residual_std"`
	AIC         float64   `json:"aic"`
}

// Autoregressive is an ARIMA(p,d,q) forecaster. Fit grid-searches orders
// p<=3, d<=2, q<=3 and keeps the candidate with the lowest AIC; estimation is
// two-stage least squares with a long-AR residual proxy. When no candidate
// converges it falls back to ARIMA(1,1,1).
type Autoregressive struct {
	mu     sync.RWMutex
	params arimaParams
	fitted bool
}

func NewAutoregressive() *Autoregressive { return &Autoregressive{} }

func (m *Autoregressive) Kind() Kind { return KindAutoregressive }

func (m *Autoregressive) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fitted
}

func (m *Autoregressive) Fit(ctx context.Context, s Series) error {
	if s.Len() < minFitHours {
		return gserrors.Training(string(KindAutoregressive), nil,
			"insufficient history: %d hourly points (minimum %d)", s.Len(), minFitHours)
	}

	best := arimaParams{AIC: math.Inf(1)}
	found := false
	for d := 0; d <= maxDiffOrder; d++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		diffed, lastLevels := difference(s.Values, d)
		for p := 0; p <= maxAROrder; p++ {
			for q := 0; q <= maxMAOrder; q++ {
				if p == 0 && q == 0 {
					continue
				}
				cand, err := estimateARMA(diffed, p, q)
				if err != nil {
					continue
				}
				cand.D = d
				cand.LastLevels = lastLevels
				if cand.AIC < best.AIC {
					best = cand
					found = true
				}
			}
		}
	}
	if !found {
		diffed, lastLevels := difference(s.Values, 1)
		cand, err := estimateARMA(diffed, 1, 1)
		if err != nil {
			return gserrors.Training(string(KindAutoregressive), err, "no ARIMA order converged")
		}
		cand.D = 1
		cand.LastLevels = lastLevels
		best = cand
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = best
	m.fitted = true
	return nil
}

// difference applies d-order differencing and records the final value of each
// intermediate level so the transform can be inverted during forecasting.
func difference(values []float64, d int) (diffed, lastLevels []float64) {
	diffed = append([]float64(nil), values...)
	lastLevels = make([]float64, d)
	for level := 0; level < d; level++ {
		lastLevels[level] = diffed[len(diffed)-1]
		next := make([]float64, len(diffed)-1)
		for i := range next {
			next[i] = diffed[i+1] - diffed[i]
		}
		diffed = next
	}
	return diffed, lastLevels
}

// estimateARMA fits ARMA(p,q) on a stationary series. Stage one fits a long
// AR model to approximate the innovation sequence; stage two regresses on
// lagged values and lagged innovations jointly.
func estimateARMA(y []float64, p, q int) (arimaParams, error) {
	longOrder := p + q + 2
	if longOrder < 4 {
		longOrder = 4
	}
	maxLag := p
	if q > maxLag {
		maxLag = q
	}
	if len(y) < longOrder+maxLag+10 {
		return arimaParams{}, gserrors.New(gserrors.KindModelTraining, "series too short for ARMA(%d,%d)", p, q)
	}

	resid, err := longARResiduals(y, longOrder)
	if err != nil {
		return arimaParams{}, err
	}

	// Align: resid[i] corresponds to y[i+longOrder].
	start := longOrder + maxLag
	n := len(y) - start
	cols := 1 + p + q
	X := mat.NewDense(n, cols, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		t := start + i
		X.Set(i, 0, 1)
		for j := 1; j <= p; j++ {
			X.Set(i, j, y[t-j])
		}
		for j := 1; j <= q; j++ {
			X.Set(i, p+j, resid[t-j-longOrder])
		}
		b.SetVec(i, y[t])
	}
	coef, sse, err := olsSolve(X, b)
	if err != nil {
		return arimaParams{}, err
	}

	params := arimaParams{
		P:     p,
		Q:     q,
		Const: coef[0],
		AR:    coef[1 : 1+p],
		MA:    coef[1+p:],
		AIC:   float64(n)*math.Log(sse/float64(n)) + 2*float64(p+q+1),
	}
	params.ResidualStd = math.Sqrt(sse / float64(n))

	// Final residuals over the stage-two window, for the forecast recursion.
	finalResid := make([]float64, n)
	for i := 0; i < n; i++ {
		t := start + i
		pred := params.Const
		for j := 1; j <= p; j++ {
			pred += params.AR[j-1] * y[t-j]
		}
		for j := 1; j <= q; j++ {
			if i-j >= 0 {
				pred += params.MA[j-1] * finalResid[i-j]
			}
		}
		finalResid[i] = y[t] - pred
	}
	if maxLag > 0 {
		params.DiffTail = append([]float64(nil), y[len(y)-maxLag:]...)
	}
	if q > 0 {
		params.ResidTail = append([]float64(nil), finalResid[n-q:]...)
	}
	return params, nil
}

func longARResiduals(y []float64, order int) ([]float64, error) {
	n := len(y) - order
	X := mat.NewDense(n, order+1, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		t := order + i
		X.Set(i, 0, 1)
		for j := 1; j <= order; j++ {
			X.Set(i, j, y[t-j])
		}
		b.SetVec(i, y[t])
	}
	coef, _, err := olsSolve(X, b)
	if err != nil {
		return nil, err
	}
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		t := order + i
		pred := coef[0]
		for j := 1; j <= order; j++ {
			pred += coef[j] * y[t-j]
		}
		resid[i] = y[t] - pred
	}
	return resid, nil
}

func olsSolve(X *mat.Dense, b *mat.VecDense) (coef []float64, sse float64, err error) {
	var qr mat.QR
	qr.Factorize(X)
	_, cols := X.Dims()
	var sol mat.VecDense
	if solveErr := qr.SolveVecTo(&sol, false, b); solveErr != nil {
		return nil, 0, gserrors.Wrap(gserrors.KindModelTraining, solveErr, "least squares solve failed")
	}
	coef = make([]float64, cols)
	for i := range coef {
		coef[i] = sol.AtVec(i)
		if math.IsNaN(coef[i]) || math.IsInf(coef[i], 0) {
			return nil, 0, gserrors.New(gserrors.KindModelTraining, "degenerate least squares solution")
		}
	}
	rows, _ := X.Dims()
	var fitted mat.VecDense
	fitted.MulVec(X, &sol)
	for i := 0; i < rows; i++ {
		r := b.AtVec(i) - fitted.AtVec(i)
		sse += r * r
	}
	if sse <= 0 {
		sse = 1e-12
	}
	return coef, sse, nil
}

func (m *Autoregressive) Forecast(steps int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "ARIMA model not fitted")
	}
	p := m.params

	hist := append([]float64(nil), p.DiffTail...)
	resid := append([]float64(nil), p.ResidTail...)
	diffFc := make([]float64, steps)
	for k := 0; k < steps; k++ {
		v := p.Const
		for j := 0; j < p.P; j++ {
			v += p.AR[j] * hist[len(hist)-1-j]
		}
		for j := 0; j < p.Q; j++ {
			if len(resid) > j {
				v += p.MA[j] * resid[len(resid)-1-j]
			}
		}
		diffFc[k] = v
		hist = append(hist, v)
		resid = append(resid, 0)
	}

	// Invert differencing from the innermost level outward.
	out := diffFc
	for level := p.D - 1; level >= 0; level-- {
		acc := p.LastLevels[level]
		integrated := make([]float64, steps)
		for k := 0; k < steps; k++ {
			acc += out[k]
			integrated[k] = acc
		}
		out = integrated
	}
	return out, nil
}

func (m *Autoregressive) MarshalParams() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "ARIMA model not fitted")
	}
	return json.Marshal(m.params)
}

func (m *Autoregressive) UnmarshalParams(data json.RawMessage) error {
	var p arimaParams
	if err := json.Unmarshal(data, &p); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "decode ARIMA params")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	m.fitted = true
	return nil
}
