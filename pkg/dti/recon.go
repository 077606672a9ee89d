package dti

import (
	"neuropipe/pkg/volume"

	"github.com/carbocation/pfx"
)

// ReconOptions bundles the knobs for a full tensor reconstruction.
type ReconOptions struct {
	Mask MaskOptions
}

// DefaultReconOptions returns the standard reconstruction settings.
func DefaultReconOptions() ReconOptions {
	return ReconOptions{Mask: DefaultMaskOptions()}
}

// ReconResult collects the maps produced by a tensor reconstruction. All
// volumes share the (possibly cropped) grid of Mask.
type ReconResult struct {
	Fit  *TensorFit
	FA   *volume.Volume
	MD   *volume.Volume
	RGB  *volume.Volume
	Mask *volume.Volume
}

// Recon runs the standard tensor pipeline on a DWI series: brain masking
// with median-Otsu, a log-linear tensor fit inside the mask, and the FA,
// MD and colour-FA maps derived from the fit.
func Recon(dwi *volume.Volume, table *GradientTable, opts ReconOptions) (*ReconResult, error) {
	masked, err := MedianOtsu(dwi, opts.Mask)
	if err != nil {
		return nil, pfx.Err(err)
	}

	fit, err := Fit(masked.Masked, table, masked.Mask)
	if err != nil {
		return nil, pfx.Err(err)
	}

	rgb, err := fit.ColorFA()
	if err != nil {
		return nil, pfx.Err(err)
	}

	return &ReconResult{
		Fit:  fit,
		FA:   fit.FractionalAnisotropy(),
		MD:   fit.MeanDiffusivity(),
		RGB:  rgb,
		Mask: masked.Mask,
	}, nil
}
