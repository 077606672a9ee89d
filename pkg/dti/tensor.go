package dti

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuropipe/pkg/volume"
)

// TensorFit holds the per-voxel diffusion tensor decomposition of a DWI
// series. Eigenvalues are stored ascending, so index 2 is the principal
// direction.
type TensorFit struct {
	// Dims and Spacing describe the spatial grid the fit lives on.
	Dims    []int
	Spacing []float64

	// Evals holds three eigenvalues per voxel, ascending.
	Evals [][3]float64

	// Evecs holds the matching unit eigenvectors, column k for eigenvalue k.
	Evecs [][3][3]float64

	// S0 is the fitted non-weighted signal per voxel.
	S0 []float64

	// Mask marks the voxels that were actually fitted.
	Mask []bool
}

// Fit estimates a diffusion tensor at every in-mask voxel of a 4D DWI
// series by log-linear least squares. The mask may be nil, in which case
// every voxel is fitted.
func Fit(dwi *volume.Volume, table *GradientTable, mask *volume.Volume) (*TensorFit, error) {
	if dwi.NDim() != 4 {
		return nil, fmt.Errorf("tensor fit expects a 4D series, got %dD", dwi.NDim())
	}
	n := dwi.NumFrames()
	if n != table.NumGradients() {
		return nil, fmt.Errorf("gradient table has %d entries for %d frames", table.NumGradients(), n)
	}
	if n < 7 {
		return nil, fmt.Errorf("tensor fit needs at least 7 gradient directions, got %d", n)
	}
	if table.NumB0() == 0 {
		return nil, fmt.Errorf("gradient table has no b=0 entries")
	}
	spatial := dwi.Dims[:3]
	if mask != nil {
		if mask.NDim() != 3 || mask.Dims[0] != spatial[0] || mask.Dims[1] != spatial[1] || mask.Dims[2] != spatial[2] {
			return nil, fmt.Errorf("mask grid %v does not match series grid %v", mask.Dims, spatial)
		}
	}

	design := designMatrix(table)

	nvox := spatial[0] * spatial[1] * spatial[2]
	fit := &TensorFit{
		Dims:    append([]int(nil), spatial...),
		Spacing: append([]float64(nil), dwi.Spacing[:3]...),
		Evals:   make([][3]float64, nvox),
		Evecs:   make([][3][3]float64, nvox),
		S0:      make([]float64, nvox),
		Mask:    make([]bool, nvox),
	}

	y := mat.NewVecDense(n, nil)
	coef := mat.NewVecDense(7, nil)
	var tensor mat.SymDense
	var eig mat.EigenSym

	for vox := 0; vox < nvox; vox++ {
		if mask != nil && mask.Data[vox] == 0 {
			continue
		}

		ok := true
		for k := 0; k < n; k++ {
			s := dwi.Data[k*nvox+vox]
			if s <= 0 {
				s = 1e-6
			}
			if math.IsNaN(s) {
				ok = false
				break
			}
			y.SetVec(k, math.Log(s))
		}
		if !ok {
			continue
		}

		if err := coef.SolveVec(design, y); err != nil {
			continue
		}

		tensor = *mat.NewSymDense(3, []float64{
			coef.AtVec(0), coef.AtVec(3), coef.AtVec(4),
			coef.AtVec(3), coef.AtVec(1), coef.AtVec(5),
			coef.AtVec(4), coef.AtVec(5), coef.AtVec(2),
		})
		if !eig.Factorize(&tensor, true) {
			continue
		}

		vals := eig.Values(nil)
		var vecs mat.Dense
		eig.VectorsTo(&vecs)

		for k := 0; k < 3; k++ {
			fit.Evals[vox][k] = vals[k]
			for r := 0; r < 3; r++ {
				fit.Evecs[vox][r][k] = vecs.At(r, k)
			}
		}
		fit.S0[vox] = math.Exp(coef.AtVec(6))
		fit.Mask[vox] = true
	}

	return fit, nil
}

// designMatrix builds the log-linear system for the tensor elements
// (Dxx, Dyy, Dzz, Dxy, Dxz, Dyz) plus the log S0 intercept.
func designMatrix(table *GradientTable) *mat.Dense {
	n := table.NumGradients()
	m := mat.NewDense(n, 7, nil)
	for k := 0; k < n; k++ {
		b := table.Bvals[k]
		g := table.Bvecs[k]
		m.Set(k, 0, -b*g[0]*g[0])
		m.Set(k, 1, -b*g[1]*g[1])
		m.Set(k, 2, -b*g[2]*g[2])
		m.Set(k, 3, -2*b*g[0]*g[1])
		m.Set(k, 4, -2*b*g[0]*g[2])
		m.Set(k, 5, -2*b*g[1]*g[2])
		m.Set(k, 6, 1)
	}
	return m
}

// FractionalAnisotropy maps the eigenvalues to the standard FA scalar,
// clipped to [0, 1] with non-finite voxels set to zero.
func (f *TensorFit) FractionalAnisotropy() *volume.Volume {
	out := volume.New(f.Dims, f.Spacing)
	for vox := range f.Evals {
		if !f.Mask[vox] {
			continue
		}
		out.Data[vox] = faFromEvals(f.Evals[vox])
	}
	return out
}

// MeanDiffusivity is the eigenvalue average per voxel.
func (f *TensorFit) MeanDiffusivity() *volume.Volume {
	out := volume.New(f.Dims, f.Spacing)
	for vox := range f.Evals {
		if !f.Mask[vox] {
			continue
		}
		e := f.Evals[vox]
		out.Data[vox] = (e[0] + e[1] + e[2]) / 3
	}
	return out
}

// ColorFA encodes the principal diffusion direction as an RGB frame series:
// the absolute principal eigenvector components scaled by FA, frames
// ordered red, green, blue.
func (f *TensorFit) ColorFA() (*volume.Volume, error) {
	channels := make([]*volume.Volume, 3)
	for c := range channels {
		channels[c] = volume.New(f.Dims, f.Spacing)
	}
	for vox := range f.Evals {
		if !f.Mask[vox] {
			continue
		}
		fa := faFromEvals(f.Evals[vox])
		for c := 0; c < 3; c++ {
			channels[c].Data[vox] = math.Abs(f.Evecs[vox][c][2]) * fa
		}
	}
	return volume.Stack(channels, 1)
}

func faFromEvals(e [3]float64) float64 {
	// Noise can push small eigenvalues below zero; clamp before forming FA.
	for k := range e {
		if e[k] < 0 {
			e[k] = 0
		}
	}
	mean := (e[0] + e[1] + e[2]) / 3
	var num, den float64
	for _, l := range e {
		num += (l - mean) * (l - mean)
		den += l * l
	}
	if den <= 0 {
		return 0
	}
	fa := math.Sqrt(1.5 * num / den)
	if math.IsNaN(fa) || fa < 0 {
		return 0
	}
	if fa > 1 {
		return 1
	}
	return fa
}
