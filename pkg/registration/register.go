// Package registration aligns same-subject acquisitions and builds unbiased
// group templates ("dewarping"). Registration here is rigid translation,
// estimated by FFT phase correlation with subvoxel refinement, which is the
// model the same-subject repeat series this pipeline handles call for.
package registration

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"neuropipe/pkg/volume"
)

// Transform is a per-axis translation in voxels. Shift[a] is the estimated
// displacement of the moving image's content along axis a relative to the
// fixed image.
type Transform struct {
	Shift []float64
}

// Invert returns the opposite translation.
func (t Transform) Invert() Transform {
	inv := Transform{Shift: make([]float64, len(t.Shift))}
	for i, s := range t.Shift {
		inv.Shift[i] = -s
	}
	return inv
}

// Result bundles the estimated transform with alignment quality measures.
type Result struct {
	Transform Transform

	// Similarity is the Pearson correlation between the fixed image and the
	// aligned moving image. Values near 1 indicate a good alignment.
	Similarity float64

	// Peak is the phase-correlation peak height, useful for detecting
	// registrations that found no coherent shift.
	Peak float64
}

// Register estimates the translation aligning moving to fixed. The moving
// image is resampled onto the fixed grid first when the grids differ.
func Register(fixed, moving *volume.Volume) (*Result, error) {
	if fixed.NDim() != moving.NDim() {
		return nil, fmt.Errorf("cannot register a %dD image to a %dD image",
			moving.NDim(), fixed.NDim())
	}

	m := moving
	if !fixed.SameShape(moving) {
		var err error
		m, err = moving.ResampleToTarget(fixed)
		if err != nil {
			return nil, fmt.Errorf("resampling moving image: %w", err)
		}
	}

	shift, peak, err := phaseCorrelate(fixed, m)
	if err != nil {
		return nil, err
	}

	tr := Transform{Shift: shift}
	aligned, err := Apply(tr, m)
	if err != nil {
		return nil, err
	}

	return &Result{
		Transform:  tr,
		Similarity: stat.Correlation(fixed.Data, aligned.Data, nil),
		Peak:       peak,
	}, nil
}

// Apply resamples a volume through the transform, producing an image on the
// same grid whose content is aligned with the fixed image the transform was
// estimated against. A volume with one axis more than the transform is
// treated as a frame series and transformed frame by frame, so a single
// transform estimated on one timepoint moves the whole series.
func Apply(t Transform, vol *volume.Volume) (*volume.Volume, error) {
	nd := len(t.Shift)

	switch vol.NDim() {
	case nd:
		return applyFrame(t, vol), nil

	case nd + 1:
		frames := make([]*volume.Volume, vol.NumFrames())
		for k := range frames {
			frame, err := vol.Frame(k)
			if err != nil {
				return nil, err
			}
			frames[k] = applyFrame(t, frame)
		}
		return volume.Stack(frames, vol.Spacing[vol.NDim()-1])

	default:
		return nil, fmt.Errorf("cannot apply a %d-axis transform to a %dD volume",
			nd, vol.NDim())
	}
}

func applyFrame(t Transform, vol *volume.Volume) *volume.Volume {
	out := volume.New(vol.Dims, vol.Spacing)
	nd := vol.NDim()

	coords := make([]int, nd)
	pos := make([]float64, nd)
	for i := range out.Data {
		rem := i
		for a := 0; a < nd; a++ {
			coords[a] = rem % vol.Dims[a]
			rem /= vol.Dims[a]
		}
		for a := 0; a < nd; a++ {
			pos[a] = float64(coords[a]) + t.Shift[a]
		}
		out.Data[i] = vol.Interpolate(pos)
	}
	return out
}
