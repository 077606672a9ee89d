// Package dti reconstructs diffusion tensor metrics from raw
// diffusion-weighted volumes: gradient table parsing, brain masking, a
// voxelwise log-linear tensor fit, and the derived fractional anisotropy,
// mean diffusivity and directional colour maps.
package dti

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// DefaultB0Threshold is the b-value below which a volume counts as an
// unweighted (b0) acquisition.
const DefaultB0Threshold = 50.0

// GradientTable holds the diffusion encoding of a DWI series.
type GradientTable struct {
	// Bvals holds one b-value per volume, in s/mm².
	Bvals []float64

	// Bvecs holds one unit gradient direction per volume.
	Bvecs [][3]float64

	// B0 flags the unweighted volumes.
	B0 []bool
}

// NumGradients returns the number of encoded volumes.
func (g *GradientTable) NumGradients() int { return len(g.Bvals) }

// NumB0 returns how many volumes are unweighted.
func (g *GradientTable) NumB0() int {
	n := 0
	for _, b := range g.B0 {
		if b {
			n++
		}
	}
	return n
}

// NewGradientTable builds a table from b-values and gradient vectors,
// normalising the vectors and flagging b0 volumes. The slice lengths must
// agree.
func NewGradientTable(bvals []float64, bvecs [][3]float64) (*GradientTable, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("%d b-values but %d b-vectors", len(bvals), len(bvecs))
	}
	if len(bvals) == 0 {
		return nil, fmt.Errorf("empty gradient table")
	}

	g := &GradientTable{
		Bvals: append([]float64(nil), bvals...),
		Bvecs: make([][3]float64, len(bvecs)),
		B0:    make([]bool, len(bvals)),
	}

	for i, v := range bvecs {
		norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if bvals[i] < DefaultB0Threshold || norm == 0 {
			g.B0[i] = true
			g.Bvecs[i] = [3]float64{}
			continue
		}
		g.Bvecs[i] = [3]float64{v[0] / norm, v[1] / norm, v[2] / norm}
	}

	return g, nil
}

// ReadGradientTable parses FSL-style bvals/bvecs text files. The bvals file
// holds one row of whitespace-separated b-values; the bvecs file holds
// either 3 rows of N values or N rows of 3 values, detected from its shape.
func ReadGradientTable(bvalsPath, bvecsPath string) (*GradientTable, error) {
	bvals, err := readFloatRows(bvalsPath)
	if err != nil {
		return nil, fmt.Errorf("reading b-values: %w", err)
	}
	flat := flatten(bvals)

	rows, err := readFloatRows(bvecsPath)
	if err != nil {
		return nil, fmt.Errorf("reading b-vectors: %w", err)
	}

	bvecs, err := vectorsFromRows(rows, len(flat))
	if err != nil {
		return nil, fmt.Errorf("parsing b-vectors: %w", err)
	}

	return NewGradientTable(flat, bvecs)
}

// vectorsFromRows converts a parsed bvecs table to per-volume vectors,
// handling both the 3xN and Nx3 layouts.
func vectorsFromRows(rows [][]float64, n int) ([][3]float64, error) {
	out := make([][3]float64, n)

	switch {
	case len(rows) == 3 && len(rows[0]) == n:
		for a := 0; a < 3; a++ {
			if len(rows[a]) != n {
				return nil, fmt.Errorf("row %d has %d values, want %d", a, len(rows[a]), n)
			}
			for i := 0; i < n; i++ {
				out[i][a] = rows[a][i]
			}
		}

	case len(rows) == n:
		for i, row := range rows {
			if len(row) != 3 {
				return nil, fmt.Errorf("row %d has %d values, want 3", i, len(row))
			}
			out[i] = [3]float64{row[0], row[1], row[2]}
		}

	default:
		return nil, fmt.Errorf("b-vector table shape %dx%d does not match %d gradients",
			len(rows), len(rows[0]), n)
	}

	return out, nil
}

// readFloatRows parses a whitespace-separated float table, skipping blank
// lines.
func readFloatRows(path string) ([][]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rows [][]float64
	for ln, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			val, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", ln+1, err)
			}
			row[i] = val
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%s holds no values", path)
	}
	return rows, nil
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}
