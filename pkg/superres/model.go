// Package superres applies a pre-trained convolutional super-resolution
// model to multi-frame images, one frame at a time. Models are stored as a
// directory holding a YAML manifest plus one .npy weight and bias file per
// convolution layer, exported from the training framework.
package superres

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"gopkg.in/yaml.v3"

	"neuropipe/pkg/volume"
)

// ManifestName is the model description file inside a model directory.
const ManifestName = "model.yaml"

type layerSpec struct {
	// Kernel is the .npy file holding the convolution weights with shape
	// [k_1 .. k_d, inChannels, outChannels].
	Kernel string `yaml:"kernel"`

	// Bias is the .npy file holding one bias per output channel.
	Bias string `yaml:"bias"`

	// Activation is "relu" or "linear".
	Activation string `yaml:"activation"`

	// Upsample is a nearest-neighbour upscale factor applied to the layer
	// input; 0 or 1 means no upscaling.
	Upsample int `yaml:"upsample"`
}

type manifest struct {
	// TargetRange is the intensity range the network was trained on,
	// e.g. [-127.5, 127.5]. Frames are mapped into this range before
	// inference and back afterwards.
	TargetRange []float64 `yaml:"targetRange"`

	Layers []layerSpec `yaml:"layers"`
}

type convLayer struct {
	weights    []float64
	kernelDims []int // spatial kernel extents
	inC, outC  int
	bias       []float64
	activation string
	upsample   int
}

// Model is a loaded fully-convolutional upscaler.
type Model struct {
	targetRange [2]float64
	layers      []convLayer
	rank        int // spatial dimensionality the kernels expect
	scale       int // total upscale factor across layers
}

// LoadModel reads a model directory: the manifest plus every referenced
// weight file.
func LoadModel(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("reading model manifest: %w", err)
	}

	var man manifest
	if err := yaml.Unmarshal(raw, &man); err != nil {
		return nil, fmt.Errorf("parsing model manifest: %w", err)
	}
	if len(man.TargetRange) != 2 {
		return nil, fmt.Errorf("model manifest: targetRange must have 2 entries, got %d",
			len(man.TargetRange))
	}
	if len(man.Layers) == 0 {
		return nil, fmt.Errorf("model manifest: no layers")
	}

	m := &Model{
		targetRange: [2]float64{man.TargetRange[0], man.TargetRange[1]},
		scale:       1,
	}

	for li, spec := range man.Layers {
		weights, shape, err := readNpy(filepath.Join(dir, spec.Kernel))
		if err != nil {
			return nil, fmt.Errorf("layer %d kernel: %w", li, err)
		}
		if len(shape) < 3 {
			return nil, fmt.Errorf("layer %d kernel: shape %v has no channel axes", li, shape)
		}

		rank := len(shape) - 2
		if m.rank == 0 {
			m.rank = rank
		} else if rank != m.rank {
			return nil, fmt.Errorf("layer %d kernel rank %d differs from model rank %d",
				li, rank, m.rank)
		}

		bias, bshape, err := readNpy(filepath.Join(dir, spec.Bias))
		if err != nil {
			return nil, fmt.Errorf("layer %d bias: %w", li, err)
		}

		layer := convLayer{
			weights:    weights,
			kernelDims: shape[:rank],
			inC:        shape[rank],
			outC:       shape[rank+1],
			bias:       bias,
			activation: spec.Activation,
			upsample:   spec.Upsample,
		}
		if len(bshape) != 1 || bshape[0] != layer.outC {
			return nil, fmt.Errorf("layer %d bias shape %v does not match %d output channels",
				li, bshape, layer.outC)
		}
		if layer.upsample > 1 {
			m.scale *= layer.upsample
		}

		if li > 0 && m.layers[li-1].outC != layer.inC {
			return nil, fmt.Errorf("layer %d expects %d input channels, previous layer emits %d",
				li, layer.inC, m.layers[li-1].outC)
		}

		m.layers = append(m.layers, layer)
	}

	if m.layers[0].inC != 1 || m.layers[len(m.layers)-1].outC != 1 {
		return nil, fmt.Errorf("model must map 1 channel to 1 channel, got %d -> %d",
			m.layers[0].inC, m.layers[len(m.layers)-1].outC)
	}

	return m, nil
}

func readNpy(path string) ([]float64, []int, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, r.Shape, nil
}

// Scale returns the total spatial upscale factor of the model.
func (m *Model) Scale() int { return m.scale }

// Rank returns the spatial dimensionality the model operates on.
func (m *Model) Rank() int { return m.rank }

// Apply runs the network on one frame. The frame is linearly mapped into
// the model's target intensity range, pushed through the convolution stack,
// and mapped back to the frame's original range, so the output lives in the
// same intensity space as the input.
func (m *Model) Apply(frame *volume.Volume) (*volume.Volume, error) {
	if frame.NDim() != m.rank {
		return nil, fmt.Errorf("model expects %dD frames, got %dD", m.rank, frame.NDim())
	}

	scaled, origMin, origMax := frame.RescaleTo(m.targetRange[0], m.targetRange[1])

	dims := append([]int(nil), frame.Dims...)
	channels := [][]float64{scaled.Data}

	for li, layer := range m.layers {
		if layer.upsample > 1 {
			for c := range channels {
				channels[c] = upsampleNearest(channels[c], dims, layer.upsample)
			}
			for a := range dims {
				dims[a] *= layer.upsample
			}
		}

		if len(channels) != layer.inC {
			return nil, fmt.Errorf("layer %d expects %d channels, got %d", li, layer.inC, len(channels))
		}
		channels = layer.convolve(channels, dims)
	}

	out := volume.New(dims, nil)
	copy(out.Data, channels[0])
	for a := range out.Spacing {
		out.Spacing[a] = frame.Spacing[a] * float64(frame.Dims[a]) / float64(dims[a])
	}

	// Map intensities back to the frame's native range.
	span := m.targetRange[1] - m.targetRange[0]
	if span != 0 && origMax > origMin {
		scale := (origMax - origMin) / span
		for i, val := range out.Data {
			out.Data[i] = origMin + (val-m.targetRange[0])*scale
		}
	} else {
		for i := range out.Data {
			out.Data[i] = origMin
		}
	}

	return out, nil
}

// convolve applies the layer to every output channel with zero ("same")
// padding, bias and activation included.
func (l *convLayer) convolve(channels [][]float64, dims []int) [][]float64 {
	rank := len(dims)
	n := 1
	for _, d := range dims {
		n *= d
	}

	// Precompute kernel offset coordinates relative to the centre.
	kcount := 1
	for _, k := range l.kernelDims {
		kcount *= k
	}
	offsets := make([][]int, kcount)
	for ki := 0; ki < kcount; ki++ {
		off := make([]int, rank)
		rem := ki
		// Kernel files are C-ordered: the last axis is fastest.
		for a := rank - 1; a >= 0; a-- {
			k := l.kernelDims[a]
			off[a] = rem%k - (k-1)/2
			rem /= k
		}
		offsets[ki] = off
	}

	out := make([][]float64, l.outC)
	coords := make([]int, rank)
	pos := make([]int, rank)

	for oc := 0; oc < l.outC; oc++ {
		dst := make([]float64, n)
		for i := 0; i < n; i++ {
			rem := i
			for a := 0; a < rank; a++ {
				coords[a] = rem % dims[a]
				rem /= dims[a]
			}

			acc := l.bias[oc]
			for ki, off := range offsets {
				inside := true
				for a := 0; a < rank; a++ {
					pos[a] = coords[a] + off[a]
					if pos[a] < 0 || pos[a] >= dims[a] {
						inside = false
						break
					}
				}
				if !inside {
					continue
				}

				srcIdx := 0
				for a := rank - 1; a >= 0; a-- {
					srcIdx = srcIdx*dims[a] + pos[a]
				}

				for ic := 0; ic < l.inC; ic++ {
					acc += channels[ic][srcIdx] * l.weights[(ki*l.inC+ic)*l.outC+oc]
				}
			}

			if l.activation == "relu" && acc < 0 {
				acc = 0
			}
			dst[i] = acc
		}
		out[oc] = dst
	}
	return out
}

// upsampleNearest scales a channel by an integer factor on every axis using
// nearest-neighbour replication.
func upsampleNearest(data []float64, dims []int, factor int) []float64 {
	rank := len(dims)
	outDims := make([]int, rank)
	n := 1
	for a, d := range dims {
		outDims[a] = d * factor
		n *= outDims[a]
	}

	out := make([]float64, n)
	coords := make([]int, rank)
	for i := range out {
		rem := i
		for a := 0; a < rank; a++ {
			coords[a] = (rem % outDims[a]) / factor
			rem /= outDims[a]
		}
		srcIdx := 0
		for a := rank - 1; a >= 0; a-- {
			srcIdx = srcIdx*dims[a] + coords[a]
		}
		out[i] = data[srcIdx]
	}
	return out
}
