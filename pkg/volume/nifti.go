package volume

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/henghuang/nifti"
)

// ReadNifti loads a .nii or .nii.gz file into a Volume. Trailing singleton
// axes are dropped, so a single-timepoint file comes back as a 3D volume.
func ReadNifti(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read nifti: %w", err)
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	var hdr nifti.Nifti1Header
	hdr.LoadHeader(path)

	dims := img.GetDims()
	xm, ym, zm, tm := dims[0], dims[1], dims[2], dims[3]
	if xm < 1 || ym < 1 {
		return nil, fmt.Errorf("read nifti %s: degenerate dimensions %v", path, dims)
	}
	if zm < 1 {
		zm = 1
	}
	if tm < 1 {
		tm = 1
	}

	shape := []int{xm, ym, zm, tm}
	spacing := []float64{
		float64(hdr.Pixdim[1]),
		float64(hdr.Pixdim[2]),
		float64(hdr.Pixdim[3]),
		float64(hdr.Pixdim[4]),
	}
	for a, s := range spacing {
		if s <= 0 {
			spacing[a] = 1.0
		}
	}

	// Drop trailing singleton axes.
	nd := 4
	for nd > 2 && shape[nd-1] == 1 {
		nd--
	}

	out := New(shape[:nd], spacing[:nd])
	i := 0
	for t := 0; t < tm; t++ {
		for z := 0; z < zm; z++ {
			for y := 0; y < ym; y++ {
				for x := 0; x < xm; x++ {
					out.Data[i] = float64(img.GetAt(x, y, z, t))
					i++
				}
			}
		}
	}
	return out, nil
}

// nifti1Header is the fixed 348-byte NIFTI-1 header used by WriteNifti.
// Field layout follows the official nifti1.h definition.
type nifti1Header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DBNameUnused   [18]byte
	ExtentsUnused  int32
	SessionError   int16
	RegularUnused  byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	GlmaxUnused    int32
	GlminUnused    int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

const (
	niftiDatatypeFloat32 = 16
	niftiUnitsMM         = 2
	niftiUnitsSec        = 8
	niftiXformScanner    = 1
)

// WriteNifti stores the volume as a single-file NIFTI-1 image with float32
// voxels. Output is gzip-compressed when the path ends in .gz. The corpus
// NIfTI libraries only read, so the encoder lives here.
func WriteNifti(v *Volume, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write nifti: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	return encodeNifti(v, w)
}

func encodeNifti(v *Volume, w io.Writer) error {
	nd := v.NDim()
	if nd < 2 || nd > 4 {
		return fmt.Errorf("write nifti: unsupported dimensionality %d", nd)
	}

	hdr := nifti1Header{
		SizeofHdr: 348,
		Datatype:  niftiDatatypeFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		XyztUnits: niftiUnitsMM | niftiUnitsSec,
		QformCode: 0,
		SformCode: niftiXformScanner,
		Magic:     [4]byte{'n', '+', '1', 0},
	}

	hdr.Dim[0] = int16(nd)
	for a := 0; a < 8; a++ {
		if a < nd {
			hdr.Dim[a+1] = int16(v.Dims[a])
			hdr.Pixdim[a+1] = float32(v.Spacing[a])
		} else if a < 7 {
			hdr.Dim[a+1] = 1
			hdr.Pixdim[a+1] = 1
		}
	}

	// Diagonal sform from the voxel spacing.
	hdr.SrowX = [4]float32{float32(v.Spacing[0]), 0, 0, 0}
	hdr.SrowY = [4]float32{0, float32(v.Spacing[1]), 0, 0}
	if nd > 2 {
		hdr.SrowZ = [4]float32{0, 0, float32(v.Spacing[2]), 0}
	} else {
		hdr.SrowZ = [4]float32{0, 0, 1, 0}
	}

	copy(hdr.Descrip[:], "neuropipe")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write nifti header: %w", err)
	}
	// 4-byte extension flag pads the header to the 352-byte voxel offset.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("write nifti extension flag: %w", err)
	}

	buf := make([]float32, len(v.Data))
	for i, val := range v.Data {
		buf[i] = float32(val)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("write nifti voxels: %w", err)
	}
	return nil
}
