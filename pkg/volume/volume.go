// Package volume provides the in-memory image container shared by every
// stage of the pipeline. A Volume holds 2D, 3D or 3D+time voxel data as a
// flat float64 array together with its grid dimensions and physical voxel
// spacing, and offers the slicing, padding and intensity operations the
// pipeline stages need.
package volume

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// Volume is an N-dimensional image (N in 2..4). Data is stored in row-major
// order with the first axis fastest, so for a 4D image the index of voxel
// (x, y, z, t) is ((t*nz+z)*ny+y)*nx+x.
type Volume struct {
	// Data is the voxel data as a flat array.
	Data []float64

	// Dims holds the grid size per axis, e.g. [nx ny nz] or [nx ny nz nt].
	Dims []int

	// Spacing is the physical voxel size per axis in mm (seconds for the
	// time axis of a 4D image).
	Spacing []float64
}

// New creates a zero-filled volume with the given dimensions and spacing.
// When spacing is nil, unit spacing is assumed on every axis.
func New(dims []int, spacing []float64) *Volume {
	n := 1
	for _, d := range dims {
		n *= d
	}

	if spacing == nil {
		spacing = make([]float64, len(dims))
		for i := range spacing {
			spacing[i] = 1.0
		}
	}

	return &Volume{
		Data:    make([]float64, n),
		Dims:    append([]int(nil), dims...),
		Spacing: append([]float64(nil), spacing...),
	}
}

// NDim returns the number of axes.
func (v *Volume) NDim() int { return len(v.Dims) }

// NumVoxels returns the total number of voxels.
func (v *Volume) NumVoxels() int {
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := New(v.Dims, v.Spacing)
	copy(out.Data, v.Data)
	return out
}

// SameShape reports whether two volumes have identical dimensions.
func (v *Volume) SameShape(o *Volume) bool {
	if len(v.Dims) != len(o.Dims) {
		return false
	}
	for i := range v.Dims {
		if v.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// Index converts per-axis coordinates to a flat data index.
func (v *Volume) Index(coords ...int) int {
	idx := 0
	for i := len(coords) - 1; i >= 0; i-- {
		idx = idx*v.Dims[i] + coords[i]
	}
	return idx
}

// At returns the voxel value at the given coordinates.
func (v *Volume) At(coords ...int) float64 {
	return v.Data[v.Index(coords...)]
}

// Set assigns the voxel value at the given coordinates.
func (v *Volume) Set(value float64, coords ...int) {
	v.Data[v.Index(coords...)] = value
}

// MinMax returns the smallest and largest voxel values.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, val := range v.Data {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// Mean returns the average voxel value.
func (v *Volume) Mean() float64 {
	if len(v.Data) == 0 {
		return 0
	}
	sum := 0.0
	for _, val := range v.Data {
		sum += val
	}
	return sum / float64(len(v.Data))
}

// Quantile returns the intensity at quantile q in [0, 1]. Ranks that fall
// outside the sorted samples clamp to the extreme elements, so small volumes
// and extreme quantiles stay well defined.
func (v *Volume) Quantile(q float64) (float64, error) {
	if q < 0 || q > 1 {
		return 0, fmt.Errorf("quantile %g outside [0, 1]", q)
	}
	if len(v.Data) == 0 {
		return 0, fmt.Errorf("quantile of an empty volume")
	}

	// stats.Percentile rejects ranks below the first sorted element rather
	// than clamping them.
	min, max := v.MinMax()
	if q*float64(len(v.Data)) < 1 {
		return min, nil
	}
	if q == 1 {
		return max, nil
	}

	val, err := stats.Percentile(stats.Float64Data(v.Data), q*100)
	if err != nil {
		return 0, fmt.Errorf("quantile %g: %w", q, err)
	}
	return val, nil
}

// TruncateIntensity clips voxel intensities to the [lo, hi] quantile range.
// This mirrors the preprocessing applied before super-resolution inference
// to limit the influence of outlier voxels.
func (v *Volume) TruncateIntensity(lo, hi float64) (*Volume, error) {
	low, err := v.Quantile(lo)
	if err != nil {
		return nil, err
	}
	high, err := v.Quantile(hi)
	if err != nil {
		return nil, err
	}

	out := v.Clone()
	for i, val := range out.Data {
		if val < low {
			out.Data[i] = low
		} else if val > high {
			out.Data[i] = high
		}
	}
	return out, nil
}

// RescaleTo linearly maps voxel intensities onto [lo, hi]. It returns the
// rescaled volume along with the original minimum and maximum so callers can
// invert the mapping. A constant volume maps to lo everywhere.
func (v *Volume) RescaleTo(lo, hi float64) (out *Volume, origMin, origMax float64) {
	origMin, origMax = v.MinMax()
	out = v.Clone()

	span := origMax - origMin
	if span == 0 {
		for i := range out.Data {
			out.Data[i] = lo
		}
		return out, origMin, origMax
	}

	scale := (hi - lo) / span
	for i, val := range out.Data {
		out.Data[i] = lo + (val-origMin)*scale
	}
	return out, origMin, origMax
}

// NumFrames returns the extent of the last axis, the frame/time axis for a
// multi-frame image.
func (v *Volume) NumFrames() int {
	return v.Dims[len(v.Dims)-1]
}

// Frame extracts the idx-th hyperplane along the last axis, e.g. one 3D
// timepoint of a 3D+time series. The returned volume has one axis fewer.
func (v *Volume) Frame(idx int) (*Volume, error) {
	nd := v.NDim()
	if nd < 2 {
		return nil, fmt.Errorf("cannot slice a %dD volume", nd)
	}
	if idx < 0 || idx >= v.Dims[nd-1] {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", idx, v.Dims[nd-1])
	}

	out := New(v.Dims[:nd-1], v.Spacing[:nd-1])
	n := out.NumVoxels()
	copy(out.Data, v.Data[idx*n:(idx+1)*n])
	return out, nil
}

// Stack reassembles frames into a single volume with one extra trailing
// axis. All frames must share a shape. frameSpacing is the spacing assigned
// to the new axis.
func Stack(frames []*Volume, frameSpacing float64) (*Volume, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to stack")
	}
	first := frames[0]
	for i, f := range frames[1:] {
		if !f.SameShape(first) {
			return nil, fmt.Errorf("frame %d shape %v does not match frame 0 shape %v",
				i+1, f.Dims, first.Dims)
		}
	}

	dims := append(append([]int(nil), first.Dims...), len(frames))
	spacing := append(append([]float64(nil), first.Spacing...), frameSpacing)
	out := New(dims, spacing)

	n := first.NumVoxels()
	for i, f := range frames {
		copy(out.Data[i*n:(i+1)*n], f.Data)
	}
	return out, nil
}

// Pad grows every axis by width voxels on both sides, filling new voxels
// with the given value. Used to limit edge effects before registration.
func (v *Volume) Pad(width int, fill float64) *Volume {
	if width <= 0 {
		return v.Clone()
	}

	dims := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		dims[i] = d + 2*width
	}
	out := New(dims, v.Spacing)
	if fill != 0 {
		for i := range out.Data {
			out.Data[i] = fill
		}
	}

	coords := make([]int, len(v.Dims))
	shifted := make([]int, len(v.Dims))
	for i := range v.Data {
		flatToCoords(i, v.Dims, coords)
		for a := range coords {
			shifted[a] = coords[a] + width
		}
		out.Data[out.Index(shifted...)] = v.Data[i]
	}
	return out
}

// Crop extracts the half-open region [bounds[a][0], bounds[a][1]) per axis.
func (v *Volume) Crop(bounds [][2]int) (*Volume, error) {
	if len(bounds) != len(v.Dims) {
		return nil, fmt.Errorf("got %d crop bounds for a %dD volume", len(bounds), len(v.Dims))
	}

	dims := make([]int, len(v.Dims))
	for a, b := range bounds {
		if b[0] < 0 || b[1] > v.Dims[a] || b[0] >= b[1] {
			return nil, fmt.Errorf("invalid crop bounds %v on axis %d (extent %d)", b, a, v.Dims[a])
		}
		dims[a] = b[1] - b[0]
	}

	out := New(dims, v.Spacing)
	coords := make([]int, len(dims))
	src := make([]int, len(dims))
	for i := range out.Data {
		flatToCoords(i, dims, coords)
		for a := range coords {
			src[a] = coords[a] + bounds[a][0]
		}
		out.Data[i] = v.At(src...)
	}
	return out, nil
}

// AddScaled accumulates scale*o into v in place. Shapes must match.
func (v *Volume) AddScaled(o *Volume, scale float64) error {
	if !v.SameShape(o) {
		return fmt.Errorf("shape %v does not match %v", v.Dims, o.Dims)
	}
	for i := range v.Data {
		v.Data[i] += scale * o.Data[i]
	}
	return nil
}

// Scale multiplies every voxel in place.
func (v *Volume) Scale(s float64) {
	for i := range v.Data {
		v.Data[i] *= s
	}
}

// ZeroNaN replaces NaN voxels with zero in place.
func (v *Volume) ZeroNaN() {
	for i, val := range v.Data {
		if math.IsNaN(val) {
			v.Data[i] = 0
		}
	}
}

// flatToCoords converts a flat index to per-axis coordinates, first axis
// fastest. coords must have len(dims) entries.
func flatToCoords(idx int, dims []int, coords []int) {
	for a, d := range dims {
		coords[a] = idx % d
		idx /= d
	}
}
