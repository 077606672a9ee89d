package registration

import (
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"neuropipe/pkg/volume"
)

// fftN computes the forward discrete Fourier transform of an N-dimensional
// array by applying 1D complex FFTs along each axis in turn. The first axis
// is fastest in memory, matching volume.Volume layout.
func fftN(data []complex128, dims []int, inverse bool) {
	for axis := range dims {
		transformAxis(data, dims, axis, inverse)
	}

	if inverse {
		n := float64(len(data))
		for i := range data {
			data[i] /= complex(n, 0)
		}
	}
}

// transformAxis runs a 1D FFT along one axis for every line of the array.
func transformAxis(data []complex128, dims []int, axis int, inverse bool) {
	n := dims[axis]
	fft := fourier.NewCmplxFFT(n)

	stride := 1
	for a := 0; a < axis; a++ {
		stride *= dims[a]
	}

	line := make([]complex128, n)
	out := make([]complex128, n)

	total := len(data)
	span := stride * n
	// Walk every line start: indices whose coordinate along axis is zero.
	for block := 0; block < total; block += span {
		for offset := 0; offset < stride; offset++ {
			start := block + offset

			for i := 0; i < n; i++ {
				line[i] = data[start+i*stride]
			}

			if inverse {
				fft.Sequence(out, line)
			} else {
				fft.Coefficients(out, line)
			}

			for i := 0; i < n; i++ {
				data[start+i*stride] = out[i]
			}
		}
	}
}

// phaseCorrelate estimates the translation of moving relative to fixed via
// the normalized cross-power spectrum. It returns the per-axis shift in
// voxels (positive when moving content sits at higher coordinates than
// fixed) and the correlation peak height.
func phaseCorrelate(fixed, moving *volume.Volume) ([]float64, float64, error) {
	if !fixed.SameShape(moving) {
		return nil, 0, fmt.Errorf("phase correlation requires matching grids: %v vs %v",
			fixed.Dims, moving.Dims)
	}

	n := fixed.NumVoxels()
	f := make([]complex128, n)
	m := make([]complex128, n)

	// Mean-subtract so the DC component does not dominate the spectrum.
	fMean, mMean := fixed.Mean(), moving.Mean()
	for i := 0; i < n; i++ {
		f[i] = complex(fixed.Data[i]-fMean, 0)
		m[i] = complex(moving.Data[i]-mMean, 0)
	}

	fftN(f, fixed.Dims, false)
	fftN(m, fixed.Dims, false)

	const eps = 1e-12
	r := make([]complex128, n)
	for i := 0; i < n; i++ {
		cross := f[i] * cmplx.Conj(m[i])
		mag := cmplx.Abs(cross)
		if mag < eps {
			r[i] = 0
			continue
		}
		r[i] = cross / complex(mag, 0)
	}

	fftN(r, fixed.Dims, true)

	// Locate the correlation peak.
	peakIdx, peakVal := 0, real(r[0])
	for i := 1; i < n; i++ {
		if v := real(r[i]); v > peakVal {
			peakIdx, peakVal = i, v
		}
	}

	nd := len(fixed.Dims)
	coords := make([]int, nd)
	idx := peakIdx
	for a := 0; a < nd; a++ {
		coords[a] = idx % fixed.Dims[a]
		idx /= fixed.Dims[a]
	}

	shift := make([]float64, nd)
	for a := 0; a < nd; a++ {
		c := coords[a]
		// Wrap to a signed offset around the origin.
		signed := c
		if c > fixed.Dims[a]/2 {
			signed = c - fixed.Dims[a]
		}
		shift[a] = -(float64(signed) + subvoxelOffset(r, fixed.Dims, coords, a))
	}

	return shift, peakVal, nil
}

// subvoxelOffset refines the peak location along one axis by fitting a
// parabola through the peak and its two wrapped neighbours.
func subvoxelOffset(r []complex128, dims []int, peak []int, axis int) float64 {
	stride := 1
	for a := 0; a < axis; a++ {
		stride *= dims[a]
	}

	idxAt := func(c int) int {
		// Replace the axis coordinate of the peak, with wraparound.
		c = ((c % dims[axis]) + dims[axis]) % dims[axis]
		delta := c - peak[axis]
		base := 0
		mul := 1
		for a := 0; a < len(dims); a++ {
			base += peak[a] * mul
			mul *= dims[a]
		}
		return base + delta*stride
	}

	v0 := real(r[idxAt(peak[axis])])
	vm := real(r[idxAt(peak[axis]-1)])
	vp := real(r[idxAt(peak[axis]+1)])

	denom := vm - 2*v0 + vp
	if denom == 0 {
		return 0
	}
	offset := (vm - vp) / (2 * denom)
	// A well-formed peak never moves more than half a voxel.
	if offset > 0.5 {
		offset = 0.5
	} else if offset < -0.5 {
		offset = -0.5
	}
	return offset
}
