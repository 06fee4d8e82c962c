package planner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inf2() []float64 { return []float64{math.Inf(1), math.Inf(1)} }

func TestSimplexSolverSmallLP(t *testing.T) {
	// minimise -x0 - 2*x1 subject to x0 + x1 <= 4, x1 <= 3
	res, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{-1, -2},
		Aub:   [][]float64{{1, 1}, {0, 1}},
		Bub:   []float64{4, 3},
		Lower: []float64{0, 0},
		Upper: inf2(),
	})
	require.NoError(t, err)
	require.True(t, res.Feasible)
	assert.InDelta(t, 1, res.X[0], 1e-9)
	assert.InDelta(t, 3, res.X[1], 1e-9)
	assert.InDelta(t, -7, res.Objective, 1e-9)
}

func TestSimplexSolverLowerBoundShift(t *testing.T) {
	// minimise x0 with x0 >= 2: the optimum sits on the lower bound and the
	// objective must include the shift
	res, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{1},
		Aub:   [][]float64{{1}},
		Bub:   []float64{5},
		Lower: []float64{2},
		Upper: []float64{math.Inf(1)},
	})
	require.NoError(t, err)
	require.True(t, res.Feasible)
	assert.InDelta(t, 2, res.X[0], 1e-9)
	assert.InDelta(t, 2, res.Objective, 1e-9)
}

func TestSimplexSolverFiniteUpper(t *testing.T) {
	res, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{-1, -1},
		Aub:   [][]float64{{1, 1}},
		Bub:   []float64{10},
		Lower: []float64{0, 0},
		Upper: []float64{3, 4},
	})
	require.NoError(t, err)
	require.True(t, res.Feasible)
	assert.InDelta(t, 3, res.X[0], 1e-9)
	assert.InDelta(t, 4, res.X[1], 1e-9)
}

func TestSimplexSolverInfeasible(t *testing.T) {
	// x0 >= 0 but x0 <= -1 has no solution
	res, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{1},
		Aub:   [][]float64{{1}},
		Bub:   []float64{-1},
		Lower: []float64{0},
		Upper: []float64{math.Inf(1)},
	})
	require.NoError(t, err)
	assert.False(t, res.Feasible)
}

func TestSimplexSolverInvertedBounds(t *testing.T) {
	res, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{1},
		Lower: []float64{3},
		Upper: []float64{1},
	})
	require.NoError(t, err)
	assert.False(t, res.Feasible)
}

func TestSimplexSolverDimensionMismatch(t *testing.T) {
	_, err := SimplexSolver{}.Solve(Problem{
		C:     []float64{1, 1},
		Aub:   [][]float64{{1}},
		Bub:   []float64{1},
		Lower: []float64{0, 0},
		Upper: inf2(),
	})
	assert.Error(t, err)
}
