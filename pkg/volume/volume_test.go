package volume

import (
	"math"
	"testing"
)

// createRampVolume builds a 3D volume whose intensity increases linearly
// along x, a convenient pattern for interpolation checks.
func createRampVolume(nx, ny, nz int) *Volume {
	v := New([]int{nx, ny, nz}, nil)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v.Set(float64(x), x, y, z)
			}
		}
	}
	return v
}

func TestIndexRoundTrip(t *testing.T) {
	v := New([]int{3, 4, 5}, nil)

	// Voxel (2,1,3) must land at ((3*4)+1)*3+2 with x fastest.
	idx := v.Index(2, 1, 3)
	want := (3*4+1)*3 + 2
	if idx != want {
		t.Errorf("Index(2,1,3) = %d, want %d", idx, want)
	}

	v.Set(42.0, 2, 1, 3)
	if got := v.At(2, 1, 3); got != 42.0 {
		t.Errorf("At(2,1,3) = %f, want 42", got)
	}
}

func TestFrameAndStack(t *testing.T) {
	nx, ny, nz, nt := 4, 3, 2, 5
	v := New([]int{nx, ny, nz, nt}, []float64{1, 1, 2, 0.8})
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	frames := make([]*Volume, nt)
	for k := 0; k < nt; k++ {
		f, err := v.Frame(k)
		if err != nil {
			t.Fatalf("Frame(%d) failed: %v", k, err)
		}
		if f.NDim() != 3 {
			t.Fatalf("Frame(%d) has %d axes, want 3", k, f.NDim())
		}
		if f.At(1, 2, 1) != v.At(1, 2, 1, k) {
			t.Errorf("Frame(%d) voxel mismatch", k)
		}
		frames[k] = f
	}

	restacked, err := Stack(frames, 0.8)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !restacked.SameShape(v) {
		t.Fatalf("restacked shape %v, want %v", restacked.Dims, v.Dims)
	}
	for i := range v.Data {
		if restacked.Data[i] != v.Data[i] {
			t.Fatalf("restacked voxel %d = %f, want %f", i, restacked.Data[i], v.Data[i])
		}
	}

	if _, err := v.Frame(nt); err == nil {
		t.Error("Frame past the last index should fail")
	}
}

func TestStackRejectsMismatchedFrames(t *testing.T) {
	a := New([]int{4, 4}, nil)
	b := New([]int{4, 5}, nil)
	if _, err := Stack([]*Volume{a, b}, 1.0); err == nil {
		t.Error("Stack should reject frames with different shapes")
	}
}

func TestPadAndCrop(t *testing.T) {
	v := createRampVolume(4, 4, 3)

	padded := v.Pad(2, 0)
	wantDims := []int{8, 8, 7}
	for a := range wantDims {
		if padded.Dims[a] != wantDims[a] {
			t.Fatalf("padded dims %v, want %v", padded.Dims, wantDims)
		}
	}
	if padded.At(0, 0, 0) != 0 {
		t.Errorf("pad fill = %f, want 0", padded.At(0, 0, 0))
	}
	if padded.At(3, 2, 2) != v.At(1, 0, 0) {
		t.Errorf("padded content shifted incorrectly")
	}

	cropped, err := padded.Crop([][2]int{{2, 6}, {2, 6}, {2, 5}})
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if !cropped.SameShape(v) {
		t.Fatalf("cropped shape %v, want %v", cropped.Dims, v.Dims)
	}
	for i := range v.Data {
		if cropped.Data[i] != v.Data[i] {
			t.Fatal("pad+crop should restore the original content")
		}
	}
}

func TestResampleToShapePreservesConstant(t *testing.T) {
	v := New([]int{6, 6, 6}, nil)
	for i := range v.Data {
		v.Data[i] = 7.5
	}

	up, err := v.ResampleToShape([]int{12, 12, 12})
	if err != nil {
		t.Fatalf("ResampleToShape failed: %v", err)
	}
	for i, val := range up.Data {
		if math.Abs(val-7.5) > 1e-9 {
			t.Fatalf("voxel %d = %f after resampling a constant volume", i, val)
		}
	}

	// Doubling the grid should halve the voxel spacing.
	if math.Abs(up.Spacing[0]-0.5) > 1e-9 {
		t.Errorf("upsampled spacing = %f, want 0.5", up.Spacing[0])
	}
}

func TestResampleToShapeRamp(t *testing.T) {
	v := createRampVolume(5, 3, 3)

	up, err := v.ResampleToShape([]int{9, 3, 3})
	if err != nil {
		t.Fatalf("ResampleToShape failed: %v", err)
	}

	// A linear ramp must be reproduced exactly by linear interpolation.
	for x := 0; x < 9; x++ {
		want := float64(x) * 4.0 / 8.0
		if got := up.At(x, 1, 1); math.Abs(got-want) > 1e-9 {
			t.Errorf("ramp at x=%d: got %f, want %f", x, got, want)
		}
	}
}

func TestQuantileClampsExtremeRanks(t *testing.T) {
	// A frame-sized volume: extreme quantiles rank below the first sorted
	// sample and must clamp to the extremes instead of erroring.
	v := createRampVolume(8, 8, 1)

	lo, err := v.Quantile(0.0001)
	if err != nil {
		t.Fatalf("Quantile(0.0001) failed: %v", err)
	}
	min, max := v.MinMax()
	if lo != min {
		t.Errorf("Quantile(0.0001) = %f, want minimum %f", lo, min)
	}

	hi, err := v.Quantile(1)
	if err != nil {
		t.Fatalf("Quantile(1) failed: %v", err)
	}
	if hi != max {
		t.Errorf("Quantile(1) = %f, want maximum %f", hi, max)
	}

	if _, err := v.Quantile(1.5); err == nil {
		t.Error("expected error for quantile outside [0, 1]")
	}

	// The default truncation quantiles must work on small frames too.
	if _, err := v.TruncateIntensity(0.0001, 0.995); err != nil {
		t.Errorf("TruncateIntensity on a small frame failed: %v", err)
	}
}

func TestTruncateIntensity(t *testing.T) {
	v := New([]int{100}, nil)
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	// Plant an extreme outlier.
	v.Data[99] = 1e6

	trunc, err := v.TruncateIntensity(0.05, 0.95)
	if err != nil {
		t.Fatalf("TruncateIntensity failed: %v", err)
	}

	_, max := trunc.MinMax()
	if max >= 1e6 {
		t.Errorf("outlier survived truncation: max = %f", max)
	}
	min, _ := trunc.MinMax()
	if min < 0 {
		t.Errorf("low tail not clipped: min = %f", min)
	}
}

func TestRescaleToRoundTrip(t *testing.T) {
	v := createRampVolume(8, 2, 2)

	scaled, origMin, origMax := v.RescaleTo(-127.5, 127.5)
	lo, hi := scaled.MinMax()
	if math.Abs(lo+127.5) > 1e-9 || math.Abs(hi-127.5) > 1e-9 {
		t.Fatalf("rescaled range [%f, %f], want [-127.5, 127.5]", lo, hi)
	}

	// Invert the mapping and compare against the source.
	restored := scaled.Clone()
	span := origMax - origMin
	for i, val := range restored.Data {
		restored.Data[i] = origMin + (val+127.5)/255.0*span
	}
	for i := range v.Data {
		if math.Abs(restored.Data[i]-v.Data[i]) > 1e-9 {
			t.Fatalf("voxel %d not restored: got %f, want %f", i, restored.Data[i], v.Data[i])
		}
	}
}

func TestRescaleConstantVolume(t *testing.T) {
	v := New([]int{4, 4}, nil)
	for i := range v.Data {
		v.Data[i] = 3.0
	}
	scaled, _, _ := v.RescaleTo(0, 1)
	for _, val := range scaled.Data {
		if val != 0 {
			t.Fatalf("constant volume should map to the low bound, got %f", val)
		}
	}
}
