// Package visualization renders quality-control images from volumes:
// single grayscale slices and tiled slice mosaics suitable for a quick
// visual review of pipeline outputs.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"

	"neuropipe/pkg/volume"
)

// Renderer maps a volume's intensities to a fixed display window and
// extracts 2D views from it.
type Renderer struct {
	vol *volume.Volume

	// display window in intensity units
	lo, hi float64
}

// NewRenderer builds a renderer for a 3D volume, windowing the display
// between the given intensity quantiles (typically 0.02 and 0.98).
func NewRenderer(vol *volume.Volume, loQuantile, hiQuantile float64) (*Renderer, error) {
	if vol.NDim() != 3 {
		return nil, fmt.Errorf("rendering expects a 3D volume, got %dD", vol.NDim())
	}
	if loQuantile >= hiQuantile {
		return nil, fmt.Errorf("window quantiles must be increasing, got [%g, %g]", loQuantile, hiQuantile)
	}

	lo, err := vol.Quantile(loQuantile)
	if err != nil {
		return nil, err
	}
	hi, err := vol.Quantile(hiQuantile)
	if err != nil {
		return nil, err
	}
	if hi <= lo {
		hi = lo + 1
	}

	return &Renderer{vol: vol, lo: lo, hi: hi}, nil
}

// Slice extracts a single windowed grayscale slice perpendicular to the
// given axis.
func (r *Renderer) Slice(axis string, position int) (image.Image, error) {
	nx, ny, nz := r.vol.Dims[0], r.vol.Dims[1], r.vol.Dims[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position < 0 || position >= nx {
			return nil, fmt.Errorf("position %d outside axis extent %d", position, nx)
		}
		img = image.NewGray16(image.Rect(0, 0, ny, nz))
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				img.SetGray16(y, z, r.window(r.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		if position < 0 || position >= ny {
			return nil, fmt.Errorf("position %d outside axis extent %d", position, ny)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, r.window(r.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		if position < 0 || position >= nz {
			return nil, fmt.Errorf("position %d outside axis extent %d", position, nz)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, r.window(r.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// window maps an intensity into the display range as a 16-bit gray value.
func (r *Renderer) window(value float64) color.Gray16 {
	scaled := (value - r.lo) / (r.hi - r.lo) * 65535
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled)))}
}

// Mosaic tiles evenly spaced slices along the given axis into a single
// image with the given column count, each tile fitted into a square of
// tileSize pixels.
func (r *Renderer) Mosaic(axis string, count, columns, tileSize int) (image.Image, error) {
	if count < 1 || columns < 1 || tileSize < 1 {
		return nil, fmt.Errorf("mosaic needs positive count, columns and tile size")
	}

	var extent int
	switch axis {
	case "x", "X":
		extent = r.vol.Dims[0]
	case "y", "Y":
		extent = r.vol.Dims[1]
	case "z", "Z":
		extent = r.vol.Dims[2]
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if count > extent {
		count = extent
	}

	rows := (count + columns - 1) / columns
	canvas := imaging.New(columns*tileSize, rows*tileSize, color.Black)

	for i := 0; i < count; i++ {
		position := 0
		if count > 1 {
			position = i * (extent - 1) / (count - 1)
		}

		slice, err := r.Slice(axis, position)
		if err != nil {
			return nil, err
		}
		tile := imaging.Fit(slice, tileSize, tileSize, imaging.Lanczos)

		col := i % columns
		row := i / columns
		offsetX := col*tileSize + (tileSize-tile.Bounds().Dx())/2
		offsetY := row*tileSize + (tileSize-tile.Bounds().Dy())/2
		canvas = imaging.Paste(canvas, tile, image.Pt(offsetX, offsetY))
	}

	return canvas, nil
}

// SaveMosaic renders a mosaic and writes it to disk; the image format
// follows the filename extension.
func (r *Renderer) SaveMosaic(axis string, count, columns, tileSize int, filename string) error {
	img, err := r.Mosaic(axis, count, columns, tileSize)
	if err != nil {
		return err
	}
	if ext := filepath.Ext(filename); ext == ".jpg" || ext == ".jpeg" {
		return imaging.Save(img, filename, imaging.JPEGQuality(90))
	}
	return imaging.Save(img, filename)
}
