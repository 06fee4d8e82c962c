package planner

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// Problem is a general-form linear program:
//
//	minimise  C'x
//	s.t.      Aeq x  = Beq
//	          Aub x <= Bub
//	          Lower <= x <= Upper
//
// The planner only ever talks to the Solver interface so the LP backend
// stays swappable.
type Problem struct {
	C   []float64
	Aeq [][]float64
	Beq []float64
	Aub [][]float64
	Bub []float64
	// Lower and Upper bound every variable; use math.Inf(1) for an
	// unbounded upper limit.
	Lower []float64
	Upper []float64
}

// Result is the solver outcome.
type Result struct {
	Feasible  bool
	X         []float64
	Objective float64
}

// Solver solves one LP. Implementations must report infeasibility via
// Result.Feasible, not an error; errors are reserved for malformed input.
type Solver interface {
	Solve(p Problem) (Result, error)
}

// SimplexSolver solves the problem with gonum's dense simplex after
// converting it to standard form (equalities over non-negative variables).
type SimplexSolver struct {
	// Tol is handed to lp.Simplex; zero selects the gonum default.
	Tol float64
}

var errDimension = errors.New("inconsistent problem dimensions")

// Solve implements Solver.
func (s SimplexSolver) Solve(p Problem) (Result, error) {
	n := len(p.C)
	if len(p.Lower) != n || len(p.Upper) != n {
		return Result{}, errDimension
	}
	for _, row := range p.Aeq {
		if len(row) != n {
			return Result{}, errDimension
		}
	}
	for _, row := range p.Aub {
		if len(row) != n {
			return Result{}, errDimension
		}
	}

	// Standard form: substitute x = y + Lower with y >= 0, turn finite
	// upper bounds and inequality rows into equalities with slack columns.
	var slackUpper []int
	for i := 0; i < n; i++ {
		if !math.IsInf(p.Upper[i], 1) {
			if p.Upper[i] < p.Lower[i] {
				return Result{Feasible: false}, nil
			}
			slackUpper = append(slackUpper, i)
		}
	}

	rows := len(p.Aeq) + len(p.Aub) + len(slackUpper)
	cols := n + len(p.Aub) + len(slackUpper)
	a := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)
	c := make([]float64, cols)
	copy(c, p.C)

	r := 0
	for i, row := range p.Aeq {
		shift := 0.0
		for j, v := range row {
			a.Set(r, j, v)
			shift += v * p.Lower[j]
		}
		b[r] = p.Beq[i] - shift
		r++
	}
	for i, row := range p.Aub {
		shift := 0.0
		for j, v := range row {
			a.Set(r, j, v)
			shift += v * p.Lower[j]
		}
		a.Set(r, n+i, 1) // slack
		b[r] = p.Bub[i] - shift
		r++
	}
	for i, j := range slackUpper {
		a.Set(r, j, 1)
		a.Set(r, n+len(p.Aub)+i, 1)
		b[r] = p.Upper[j] - p.Lower[j]
		r++
	}

	optF, optX, err := lp.Simplex(c, a, b, s.Tol, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) || errors.Is(err, lp.ErrUnbounded) || errors.Is(err, lp.ErrSingular) {
			return Result{Feasible: false}, nil
		}
		return Result{}, err
	}

	x := make([]float64, n)
	offset := 0.0
	for i := 0; i < n; i++ {
		x[i] = optX[i] + p.Lower[i]
		offset += p.C[i] * p.Lower[i]
	}
	return Result{Feasible: true, X: x, Objective: optF + offset}, nil
}
