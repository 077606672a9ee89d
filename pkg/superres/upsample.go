package superres

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"neuropipe/pkg/volume"
)

// Options controls UpsampleSeries.
type Options struct {
	// Truncation holds the low and high intensity quantiles frames are
	// clipped to before inference, limiting the impact of outlier voxels.
	Truncation [2]float64

	// PolyOrder is the order of the polynomial regression used to match
	// each output frame's intensities back to its input; 0 disables the
	// regression match.
	PolyOrder int

	// Verbose enables percentage progress output.
	Verbose bool
}

// DefaultOptions mirrors the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		Truncation: [2]float64{0.0001, 0.995},
		PolyOrder:  1,
	}
}

// UpsampleSeries applies the model to every frame of a multi-frame image
// and reassembles the outputs into one upsampled series. Each frame is
// intensity-truncated, pushed through the model, and optionally
// regression-matched against a linearly resampled copy of itself so the
// output histogram tracks the input.
func UpsampleSeries(img *volume.Volume, model *Model, opts Options) (*volume.Volume, error) {
	if img.NDim() != model.Rank()+1 {
		return nil, fmt.Errorf("model handles %dD frames; a %dD series is required, got %dD",
			model.Rank(), model.Rank()+1, img.NDim())
	}
	if opts.Truncation[0] == 0 && opts.Truncation[1] == 0 {
		opts.Truncation = DefaultOptions().Truncation
	}

	nFrames := img.NumFrames()
	frames := make([]*volume.Volume, nFrames)
	counter := 0

	for k := 0; k < nFrames; k++ {
		if opts.Verbose {
			if pct := k * 100 / nFrames; pct >= counter {
				fmt.Printf("%d%%.", pct)
				counter += 10
			}
		}

		frame, err := img.Frame(k)
		if err != nil {
			return nil, err
		}

		truncated, err := frame.TruncateIntensity(opts.Truncation[0], opts.Truncation[1])
		if err != nil {
			return nil, fmt.Errorf("frame %d truncation: %w", k, err)
		}

		sr, err := model.Apply(truncated)
		if err != nil {
			return nil, fmt.Errorf("frame %d inference: %w", k, err)
		}

		if k == 0 && opts.Verbose {
			fmt.Printf("\nupsampled frame size: %v\n", sr.Dims)
		}

		if opts.PolyOrder > 0 {
			// Match against the input frame brought onto the output grid.
			ref, err := truncated.ResampleToShape(sr.Dims)
			if err != nil {
				return nil, fmt.Errorf("frame %d reference resample: %w", k, err)
			}
			sr, err = RegressionMatch(sr, ref, opts.PolyOrder)
			if err != nil {
				return nil, fmt.Errorf("frame %d regression match: %w", k, err)
			}
		}

		frames[k] = sr
	}

	if opts.Verbose {
		fmt.Println("done")
	}

	return volume.Stack(frames, img.Spacing[img.NDim()-1])
}

// RegressionMatch fits a polynomial mapping src intensities to ref
// intensities by least squares and applies it to src. Both volumes must
// share a shape. A constant src comes back unchanged, since no mapping can
// be estimated from it.
func RegressionMatch(src, ref *volume.Volume, order int) (*volume.Volume, error) {
	if !src.SameShape(ref) {
		return nil, fmt.Errorf("regression match requires matching shapes: %v vs %v",
			src.Dims, ref.Dims)
	}
	if order < 1 {
		return nil, fmt.Errorf("regression order must be positive, got %d", order)
	}

	min, max := src.MinMax()
	if min == max {
		return src.Clone(), nil
	}

	// Normal equations for the polynomial fit; order is small, so the
	// system is (order+1)x(order+1).
	terms := order + 1
	xtx := mat.NewDense(terms, terms, nil)
	xty := mat.NewVecDense(terms, nil)

	powers := make([]float64, terms)
	for i, s := range src.Data {
		powers[0] = 1
		for p := 1; p < terms; p++ {
			powers[p] = powers[p-1] * s
		}
		for a := 0; a < terms; a++ {
			for b := 0; b < terms; b++ {
				xtx.Set(a, b, xtx.At(a, b)+powers[a]*powers[b])
			}
			xty.SetVec(a, xty.AtVec(a)+powers[a]*ref.Data[i])
		}
	}

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(xtx, xty); err != nil {
		return nil, fmt.Errorf("regression solve: %w", err)
	}

	out := src.Clone()
	for i, s := range out.Data {
		val := 0.0
		pow := 1.0
		for p := 0; p < terms; p++ {
			val += coeffs.AtVec(p) * pow
			pow *= s
		}
		out.Data[i] = val
	}
	return out, nil
}
