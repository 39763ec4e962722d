package ml

import (
	"fmt"
	"math"
)

// Vector is a sparse row. Indices are strictly increasing.
type Vector struct {
	Indices []int     `json:"i"`
	Values  []float64 `json:"v"`
}

func (v Vector) Dot(w []float64) float64 {
	var sum float64
	for k, j := range v.Indices {
		if j < len(w) {
			sum += v.Values[k] * w[j]
		}
	}
	return sum
}

func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v.Values {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Matrix is a sparse row-major feature matrix with one row per record table
// row index.
type Matrix struct {
	Cols int      `json:"cols"`
	Rows []Vector `json:"rows"`
}

func (m *Matrix) NRows() int {
	return len(m.Rows)
}

// Subset returns a matrix of the given rows, in the given order. Rows are
// shared with m and must not be modified.
func (m *Matrix) Subset(idx []int) (*Matrix, error) {
	out := &Matrix{Cols: m.Cols, Rows: make([]Vector, len(idx))}
	for k, i := range idx {
		if i < 0 || i >= len(m.Rows) {
			return nil, fmt.Errorf("row index %d out of range [0,%d)", i, len(m.Rows))
		}
		out.Rows[k] = m.Rows[i]
	}
	return out, nil
}

// NewDense builds a matrix from dense rows, dropping exact zeros.
func NewDense(rows [][]float64) *Matrix {
	m := &Matrix{Rows: make([]Vector, len(rows))}
	for i, row := range rows {
		if len(row) > m.Cols {
			m.Cols = len(row)
		}
		var v Vector
		for j, x := range row {
			if x != 0 {
				v.Indices = append(v.Indices, j)
				v.Values = append(v.Values, x)
			}
		}
		m.Rows[i] = v
	}
	return m
}

// Validate checks the structural invariants of m.
func (m *Matrix) Validate() error {
	for i, row := range m.Rows {
		if len(row.Indices) != len(row.Values) {
			return fmt.Errorf("row %d: %d indices but %d values", i, len(row.Indices), len(row.Values))
		}
		prev := -1
		for _, j := range row.Indices {
			if j <= prev || j >= m.Cols {
				return fmt.Errorf("row %d: invalid column index %d", i, j)
			}
			prev = j
		}
	}
	return nil
}
