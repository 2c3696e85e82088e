package affine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ReadMatrix loads a plain-text 4x4 matrix (whitespace separated, four
// values per row), the format NiftyReg and greedy exchange.
func ReadMatrix(path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != Dim*Dim {
		return nil, fmt.Errorf("read matrix %s: expected %d values, got %d", path, Dim*Dim, len(fields))
	}
	vals := make([]float64, Dim*Dim)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("read matrix %s: value %d: %w", path, i, err)
		}
		vals[i] = v
	}
	return mat.NewDense(Dim, Dim, vals), nil
}

// WriteMatrix stores a 4x4 matrix as plain text, one row per line.
func WriteMatrix(path string, m *mat.Dense) error {
	if err := checkDim(m); err != nil {
		return fmt.Errorf("write matrix: %w", err)
	}
	var b strings.Builder
	for i := 0; i < Dim; i++ {
		for j := 0; j < Dim; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.12f", m.At(i, j))
		}
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ReadITKTransform loads an ITK text transform file (the format ANTs
// produces for affine transforms) and returns it as a 4x4 matrix. The
// rotation center recorded in FixedParameters is folded into the
// translation column.
func ReadITKTransform(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read itk transform: %w", err)
	}
	defer f.Close()

	var params, fixed []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Parameters:"):
			params, err = parseFloats(strings.TrimPrefix(line, "Parameters:"))
		case strings.HasPrefix(line, "FixedParameters:"):
			fixed, err = parseFloats(strings.TrimPrefix(line, "FixedParameters:"))
		}
		if err != nil {
			return nil, fmt.Errorf("read itk transform %s: %w", path, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read itk transform %s: %w", path, err)
	}
	if len(params) != 12 {
		return nil, fmt.Errorf("read itk transform %s: expected 12 parameters, got %d", path, len(params))
	}
	if len(fixed) == 0 {
		fixed = []float64{0, 0, 0}
	}
	if len(fixed) != 3 {
		return nil, fmt.Errorf("read itk transform %s: expected 3 fixed parameters, got %d", path, len(fixed))
	}

	m := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, params[3*i+j])
		}
	}
	// y = M(x-c) + c + t, so the homogeneous translation is t + c - M·c.
	for i := 0; i < 3; i++ {
		off := params[9+i] + fixed[i]
		for j := 0; j < 3; j++ {
			off -= params[3*i+j] * fixed[j]
		}
		m.Set(i, 3, off)
	}
	return m, nil
}

// WriteITKTransform stores a 4x4 matrix as an ITK text affine transform
// with a zero rotation center.
func WriteITKTransform(path string, m *mat.Dense) error {
	if err := checkDim(m); err != nil {
		return fmt.Errorf("write itk transform: %w", err)
	}
	var b strings.Builder
	b.WriteString("#Insight Transform File V1.0\n")
	b.WriteString("#Transform 0\n")
	b.WriteString("Transform: AffineTransform_double_3_3\n")
	b.WriteString("Parameters:")
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			fmt.Fprintf(&b, " %.12f", m.At(i, j))
		}
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, " %.12f", m.At(i, 3))
	}
	b.WriteString("\nFixedParameters: 0 0 0\n")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}
