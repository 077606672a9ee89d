package visualization

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"neuropipe/pkg/volume"
)

// createGradientVolume builds a volume whose intensity ramps along z so each
// axial slice has a distinct constant value.
func createGradientVolume(nx, ny, nz int) *volume.Volume {
	v := volume.New([]int{nx, ny, nz}, nil)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(float64(z), x, y, z)
			}
		}
	}
	return v
}

func TestRendererRejectsFrameSeries(t *testing.T) {
	v := volume.New([]int{4, 4, 4, 2}, nil)
	if _, err := NewRenderer(v, 0.02, 0.98); err == nil {
		t.Fatal("expected error for 4D input")
	}
}

func TestSliceDimensions(t *testing.T) {
	v := createGradientVolume(8, 6, 4)
	r, err := NewRenderer(v, 0.01, 0.99)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	tests := []struct {
		axis          string
		width, height int
	}{
		{"x", 6, 4},
		{"y", 8, 4},
		{"z", 8, 6},
	}
	for _, tc := range tests {
		t.Run(tc.axis, func(t *testing.T) {
			img, err := r.Slice(tc.axis, 1)
			if err != nil {
				t.Fatalf("Slice failed: %v", err)
			}
			b := img.Bounds()
			if b.Dx() != tc.width || b.Dy() != tc.height {
				t.Errorf("expected %dx%d slice, got %dx%d", tc.width, tc.height, b.Dx(), b.Dy())
			}
		})
	}
}

func TestSliceWindowsIntensity(t *testing.T) {
	v := createGradientVolume(4, 4, 8)
	r, err := NewRenderer(v, 0.01, 0.99)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	bottom, err := r.Slice("z", 0)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	top, err := r.Slice("z", 7)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}

	lo := color.Gray16Model.Convert(bottom.At(0, 0)).(color.Gray16)
	hi := color.Gray16Model.Convert(top.At(0, 0)).(color.Gray16)
	if lo.Y != 0 {
		t.Errorf("expected darkest slice at window floor, got %d", lo.Y)
	}
	if hi.Y != 65535 {
		t.Errorf("expected brightest slice at window ceiling, got %d", hi.Y)
	}
}

func TestSliceOutOfRange(t *testing.T) {
	v := createGradientVolume(4, 4, 4)
	r, err := NewRenderer(v, 0.01, 0.99)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	if _, err := r.Slice("z", 4); err == nil {
		t.Error("expected error for out-of-range position")
	}
	if _, err := r.Slice("w", 0); err == nil {
		t.Error("expected error for unknown axis")
	}
}

func TestMosaicLayout(t *testing.T) {
	v := createGradientVolume(8, 8, 12)
	r, err := NewRenderer(v, 0.01, 0.99)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	img, err := r.Mosaic("z", 6, 3, 32)
	if err != nil {
		t.Fatalf("Mosaic failed: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 96 || b.Dy() != 64 {
		t.Errorf("expected 96x64 canvas for 6 tiles in 3 columns, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestSaveMosaicWritesPNG(t *testing.T) {
	v := createGradientVolume(8, 8, 8)
	r, err := NewRenderer(v, 0.01, 0.99)
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "qc.png")
	if err := r.SaveMosaic("z", 4, 2, 16, path); err != nil {
		t.Fatalf("SaveMosaic failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty image file")
	}
}
