package volume

import (
	"fmt"
	"math"
)

// ResampleToShape resamples the volume onto a new grid with the given
// dimensions using separable linear interpolation. The physical extent is
// preserved, so the voxel spacing shrinks as the grid grows. This is the
// counterpart of resampling an image "by voxel count" in the original
// pipeline.
func (v *Volume) ResampleToShape(dims []int) (*Volume, error) {
	if len(dims) != len(v.Dims) {
		return nil, fmt.Errorf("resample target has %d axes, volume has %d", len(dims), len(v.Dims))
	}
	for a, d := range dims {
		if d < 1 {
			return nil, fmt.Errorf("invalid target extent %d on axis %d", d, a)
		}
	}

	spacing := make([]float64, len(dims))
	step := make([]float64, len(dims))
	for a := range dims {
		// Map output index i to input coordinate i*step, keeping voxel 0
		// anchored and the last output voxel at the last input voxel.
		if dims[a] == 1 {
			step[a] = 0
		} else {
			step[a] = float64(v.Dims[a]-1) / float64(dims[a]-1)
		}
		spacing[a] = v.Spacing[a] * float64(v.Dims[a]) / float64(dims[a])
	}

	out := New(dims, spacing)
	coords := make([]int, len(dims))
	pos := make([]float64, len(dims))
	for i := range out.Data {
		flatToCoords(i, dims, coords)
		for a := range coords {
			pos[a] = float64(coords[a]) * step[a]
		}
		out.Data[i] = v.Interpolate(pos)
	}
	return out, nil
}

// ResampleToTarget resamples the volume onto the grid of target, matching
// its dimensions and spacing.
func (v *Volume) ResampleToTarget(target *Volume) (*Volume, error) {
	out, err := v.ResampleToShape(target.Dims)
	if err != nil {
		return nil, err
	}
	copy(out.Spacing, target.Spacing)
	return out, nil
}

// Interpolate evaluates the volume at a fractional voxel position using
// multilinear interpolation. Positions outside the grid read as zero.
func (v *Volume) Interpolate(pos []float64) float64 {
	nd := len(v.Dims)

	// Corner of the surrounding cell and the fractional offset within it.
	base := make([]int, nd)
	frac := make([]float64, nd)
	for a := 0; a < nd; a++ {
		f := math.Floor(pos[a])
		base[a] = int(f)
		frac[a] = pos[a] - f
	}

	value := 0.0
	corners := 1 << nd
	coords := make([]int, nd)
	for c := 0; c < corners; c++ {
		weight := 1.0
		inside := true
		for a := 0; a < nd; a++ {
			bit := (c >> a) & 1
			coords[a] = base[a] + bit
			if bit == 1 {
				weight *= frac[a]
			} else {
				weight *= 1 - frac[a]
			}
			if coords[a] < 0 || coords[a] >= v.Dims[a] {
				inside = false
			}
		}
		if weight == 0 || !inside {
			continue
		}
		value += weight * v.At(coords...)
	}
	return value
}
