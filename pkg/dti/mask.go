package dti

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"neuropipe/pkg/volume"
)

// MaskOptions controls brain mask computation.
type MaskOptions struct {
	// VolumeCount is how many leading frames are averaged into the
	// reference image the mask is estimated from.
	VolumeCount int

	// MedianRadius is the half-width of the cubic median filter window.
	MedianRadius int

	// Passes is how many times the median filter is applied.
	Passes int

	// Dilate grows the final mask by this many binary dilation steps.
	Dilate int

	// Autocrop trims the returned volumes to the mask bounding box.
	Autocrop bool
}

// DefaultMaskOptions mirrors the pipeline defaults.
func DefaultMaskOptions() MaskOptions {
	return MaskOptions{
		VolumeCount:  5,
		MedianRadius: 3,
		Passes:       1,
		Dilate:       2,
		Autocrop:     true,
	}
}

// MaskResult holds the masking outputs.
type MaskResult struct {
	// Masked is the input with out-of-mask voxels zeroed (and cropped when
	// autocrop is on).
	Masked *volume.Volume

	// Mask is the binary brain mask (1 inside, 0 outside) on the same grid
	// as Masked.
	Mask *volume.Volume

	// Bounds is the crop window applied to the spatial axes, in input
	// coordinates; nil when autocrop is off.
	Bounds [][2]int
}

// MedianOtsu estimates a brain mask from a DWI series using the classic
// median-filter-plus-Otsu heuristic: average the first few frames, smooth
// with repeated median filtering, threshold with Otsu's method, then dilate.
// A 3D input is masked directly; a 4D input has the mask applied to every
// frame.
func MedianOtsu(img *volume.Volume, opts MaskOptions) (*MaskResult, error) {
	nd := img.NDim()
	if nd != 3 && nd != 4 {
		return nil, fmt.Errorf("masking expects a 3D or 4D image, got %dD", nd)
	}
	if opts.VolumeCount < 1 {
		opts.VolumeCount = DefaultMaskOptions().VolumeCount
	}
	if opts.MedianRadius < 1 {
		opts.MedianRadius = DefaultMaskOptions().MedianRadius
	}
	if opts.Passes < 1 {
		opts.Passes = 1
	}

	ref, err := maskReference(img, opts.VolumeCount)
	if err != nil {
		return nil, err
	}

	smoothed := ref
	for p := 0; p < opts.Passes; p++ {
		smoothed = medianFilter3D(smoothed, opts.MedianRadius)
	}

	threshold := otsuThreshold(smoothed.Data, 256)
	mask := volume.New(smoothed.Dims, smoothed.Spacing)
	for i, val := range smoothed.Data {
		if val > threshold {
			mask.Data[i] = 1
		}
	}

	for d := 0; d < opts.Dilate; d++ {
		mask = dilate3D(mask)
	}

	result := &MaskResult{Mask: mask}

	if opts.Autocrop {
		bounds := maskBounds(mask)
		cropped, err := mask.Crop(bounds)
		if err != nil {
			return nil, err
		}
		result.Mask = cropped
		result.Bounds = bounds
		result.Masked, err = applyMask(img, cropped, bounds)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Masked, err = applyMask(img, mask, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// maskReference averages the first count frames of a 4D series (or returns
// a 3D input as is).
func maskReference(img *volume.Volume, count int) (*volume.Volume, error) {
	if img.NDim() == 3 {
		return img.Clone(), nil
	}

	if count > img.NumFrames() {
		count = img.NumFrames()
	}

	out, err := img.Frame(0)
	if err != nil {
		return nil, err
	}
	for k := 1; k < count; k++ {
		frame, err := img.Frame(k)
		if err != nil {
			return nil, err
		}
		if err := out.AddScaled(frame, 1); err != nil {
			return nil, err
		}
	}
	out.Scale(1 / float64(count))
	return out, nil
}

// applyMask zeroes out-of-mask voxels, cropping the spatial axes first when
// bounds are given. Works frame by frame on 4D input.
func applyMask(img, mask *volume.Volume, bounds [][2]int) (*volume.Volume, error) {
	maskFrame := func(frame *volume.Volume) (*volume.Volume, error) {
		out := frame
		if bounds != nil {
			var err error
			out, err = frame.Crop(bounds)
			if err != nil {
				return nil, err
			}
		} else {
			out = frame.Clone()
		}
		for i := range out.Data {
			if mask.Data[i] == 0 {
				out.Data[i] = 0
			}
		}
		return out, nil
	}

	if img.NDim() == 3 {
		return maskFrame(img)
	}

	frames := make([]*volume.Volume, img.NumFrames())
	for k := range frames {
		frame, err := img.Frame(k)
		if err != nil {
			return nil, err
		}
		frames[k], err = maskFrame(frame)
		if err != nil {
			return nil, err
		}
	}
	return volume.Stack(frames, img.Spacing[img.NDim()-1])
}

// medianFilter3D replaces each voxel with the median of its cubic
// neighbourhood of the given radius.
func medianFilter3D(v *volume.Volume, radius int) *volume.Volume {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	out := volume.New(v.Dims, v.Spacing)

	window := make([]float64, 0, (2*radius+1)*(2*radius+1)*(2*radius+1))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				window = window[:0]
				for dz := -radius; dz <= radius; dz++ {
					zz := z + dz
					if zz < 0 || zz >= nz {
						continue
					}
					for dy := -radius; dy <= radius; dy++ {
						yy := y + dy
						if yy < 0 || yy >= ny {
							continue
						}
						for dx := -radius; dx <= radius; dx++ {
							xx := x + dx
							if xx < 0 || xx >= nx {
								continue
							}
							window = append(window, v.At(xx, yy, zz))
						}
					}
				}
				med, err := stats.Median(stats.Float64Data(window))
				if err != nil {
					med = v.At(x, y, z)
				}
				out.Set(med, x, y, z)
			}
		}
	}
	return out
}

// otsuThreshold picks the threshold maximising between-class variance over
// a histogram of the data.
func otsuThreshold(data []float64, bins int) float64 {
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max <= min {
		return min
	}

	hist := make([]int, bins)
	width := (max - min) / float64(bins)
	for _, v := range data {
		b := int((v - min) / width)
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	total := len(data)
	sumAll := 0.0
	for b, c := range hist {
		sumAll += float64(b) * float64(c)
	}

	bestVar, bestBin := -1.0, 0
	wB, sumB := 0, 0.0
	for b := 0; b < bins; b++ {
		wB += hist[b]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(b) * float64(hist[b])

		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			bestBin = b
		}
	}

	return min + (float64(bestBin)+0.5)*width
}

// dilate3D grows the mask by one step using the 6-connected structuring
// element.
func dilate3D(mask *volume.Volume) *volume.Volume {
	nx, ny, nz := mask.Dims[0], mask.Dims[1], mask.Dims[2]
	out := mask.Clone()

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if mask.At(x, y, z) != 0 {
					continue
				}
				if (x > 0 && mask.At(x-1, y, z) != 0) ||
					(x < nx-1 && mask.At(x+1, y, z) != 0) ||
					(y > 0 && mask.At(x, y-1, z) != 0) ||
					(y < ny-1 && mask.At(x, y+1, z) != 0) ||
					(z > 0 && mask.At(x, y, z-1) != 0) ||
					(z < nz-1 && mask.At(x, y, z+1) != 0) {
					out.Set(1, x, y, z)
				}
			}
		}
	}
	return out
}

// maskBounds returns the tight bounding box of nonzero mask voxels with a
// one-voxel margin, falling back to the full extent for an empty mask.
func maskBounds(mask *volume.Volume) [][2]int {
	nd := mask.NDim()
	lo := make([]int, nd)
	hi := make([]int, nd)
	for a := range lo {
		lo[a] = mask.Dims[a]
		hi[a] = -1
	}

	coords := make([]int, nd)
	for i, val := range mask.Data {
		if val == 0 {
			continue
		}
		rem := i
		for a := 0; a < nd; a++ {
			coords[a] = rem % mask.Dims[a]
			rem /= mask.Dims[a]
		}
		for a := 0; a < nd; a++ {
			if coords[a] < lo[a] {
				lo[a] = coords[a]
			}
			if coords[a] > hi[a] {
				hi[a] = coords[a]
			}
		}
	}

	bounds := make([][2]int, nd)
	for a := 0; a < nd; a++ {
		if hi[a] < 0 {
			bounds[a] = [2]int{0, mask.Dims[a]}
			continue
		}
		start := lo[a] - 1
		if start < 0 {
			start = 0
		}
		end := hi[a] + 2
		if end > mask.Dims[a] {
			end = mask.Dims[a]
		}
		bounds[a] = [2]int{start, end}
	}
	return bounds
}
