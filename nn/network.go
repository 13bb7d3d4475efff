package nn

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/voxelmed/segvol/segerr"
	"github.com/voxelmed/segvol/volume"
)

// Network is a fully-convolutional residual 3D segmentation network. Each
// stage is an entry 3x3x3 convolution to the stage width followed by
// NumResUnits residual units; a 1x1x1 head projects to class logits.
// Spatial shape is preserved end to end, so the network can be applied to
// any crop size.
type Network struct {
	cfg      Config
	stages   []*stage
	head     *conv1
	opt      *adam
	training bool
}

type stage struct {
	entry *conv3
	act   relu
	units []*resUnit
}

// NewNetwork builds a network from the config with deterministic,
// seed-derived parameter initialization.
func NewNetwork(cfg Config, optCfg AdamConfig, seed int64) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))

	net := &Network{cfg: cfg, training: true}
	prev := cfg.InChannels
	for s, width := range cfg.Channels {
		st := &stage{
			entry: newConv3(fmt.Sprintf("stage%d.entry", s), prev, width, rng),
		}
		for u := 0; u < cfg.NumResUnits; u++ {
			st.units = append(st.units, newResUnit(fmt.Sprintf("stage%d.res%d", s, u), width, rng))
		}
		net.stages = append(net.stages, st)
		prev = width
	}
	net.head = newConv1("head", prev, cfg.OutChannels, rng)
	net.opt = newAdam(optCfg, net.params())
	return net, nil
}

// Config returns the architecture configuration.
func (n *Network) Config() Config { return n.cfg }

// Classes returns the number of output classes.
func (n *Network) Classes() int { return n.cfg.OutChannels }

// SetTraining toggles training-mode behavior. The network itself has no
// mode-dependent layers; the flag gates TrainBatch so an inference-mode
// network can never mutate parameters by accident.
func (n *Network) SetTraining(train bool) { n.training = train }

func (n *Network) params() []*param {
	var out []*param
	for _, st := range n.stages {
		out = append(out, st.entry.params()...)
		for _, u := range st.units {
			out = append(out, u.params()...)
		}
	}
	out = append(out, n.head.params()...)
	return out
}

func (n *Network) forward(in *fmap) *fmap {
	x := in
	for _, st := range n.stages {
		x = st.act.forward(st.entry.forward(x))
		for _, u := range st.units {
			x = u.forward(x)
		}
	}
	return n.head.forward(x)
}

func (n *Network) backward(grad *fmap) {
	g := n.head.backward(grad)
	for s := len(n.stages) - 1; s >= 0; s-- {
		st := n.stages[s]
		for u := len(st.units) - 1; u >= 0; u-- {
			g = st.units[u].backward(g)
		}
		g = st.entry.backward(st.act.backward(g))
	}
}

func (n *Network) inputFmap(img *volume.Volume) (*fmap, error) {
	if n.cfg.InChannels != 1 {
		return nil, fmt.Errorf("volume input requires in_channels=1, network has %d", n.cfg.InChannels)
	}
	f := &fmap{shape: img.Shape, ch: [][]float32{img.Data}}
	return f, nil
}

// TrainBatch accumulates gradients over the batch, averages them, and
// applies one Adam step. Returns the mean Dice loss across the batch.
func (n *Network) TrainBatch(images, labels []*volume.Volume) (float64, error) {
	if !n.training {
		return 0, fmt.Errorf("TrainBatch called on a network in inference mode")
	}
	if len(images) == 0 || len(images) != len(labels) {
		return 0, segerr.Inputf("batch size mismatch: %d images, %d labels", len(images), len(labels))
	}

	params := n.params()
	for _, p := range params {
		p.zeroGrad()
	}

	var totalLoss float64
	for i := range images {
		if images[i].Shape != labels[i].Shape {
			return 0, segerr.Inputf("patch %d: image shape %v differs from label shape %v",
				i, images[i].Shape, labels[i].Shape)
		}
		in, err := n.inputFmap(images[i])
		if err != nil {
			return 0, err
		}
		logits := n.forward(in)
		softmaxInPlace(logits)
		loss, grad := diceLossGrad(logits, labels[i].Data)
		totalLoss += loss
		n.backward(grad)
	}

	// Average accumulated gradients over the batch.
	inv := float32(1.0 / float64(len(images)))
	for _, p := range params {
		for j := range p.grad {
			p.grad[j] *= inv
		}
	}
	n.opt.stepUpdate(params)
	return totalLoss / float64(len(images)), nil
}

// InferBatch runs a forward pass over the crops and returns voxelwise class
// probabilities. No gradients are accumulated.
func (n *Network) InferBatch(ctx context.Context, crops []*volume.Volume) ([]*ClassProbs, error) {
	out := make([]*ClassProbs, len(crops))
	for i, crop := range crops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := n.inputFmap(crop)
		if err != nil {
			return nil, err
		}
		logits := n.forward(in)
		softmaxInPlace(logits)

		nvox := logits.numVoxels()
		probs := &ClassProbs{
			Classes: n.cfg.OutChannels,
			Shape:   crop.Shape,
			Data:    make([]float32, n.cfg.OutChannels*nvox),
		}
		for c := 0; c < n.cfg.OutChannels; c++ {
			copy(probs.Data[c*nvox:(c+1)*nvox], logits.ch[c])
		}
		out[i] = probs
	}
	return out, nil
}

// Snapshot deep-copies the current parameters and config.
func (n *Network) Snapshot() *Snapshot {
	params := n.params()
	snap := &Snapshot{Config: n.cfg, Weights: make([]Weight, len(params))}
	for i, p := range params {
		w := Weight{
			Name:  p.name,
			Shape: append([]int(nil), p.shape...),
			Data:  make([]float32, len(p.data)),
		}
		copy(w.Data, p.data)
		snap.Weights[i] = w
	}
	return snap
}

// LoadSnapshot restores parameters from a snapshot. The snapshot's recorded
// config must match this network's architecture; a mismatch is a
// ConfigMismatchError.
func (n *Network) LoadSnapshot(snap *Snapshot) error {
	if err := snap.Config.CheckCompatible(n.cfg); err != nil {
		return err
	}

	byName := make(map[string]Weight, len(snap.Weights))
	for _, w := range snap.Weights {
		byName[w.Name] = w
	}
	for _, p := range n.params() {
		w, ok := byName[p.name]
		if !ok {
			return &segerr.ConfigMismatchError{Field: p.name, Expected: "present", Got: "missing"}
		}
		if len(w.Data) != len(p.data) {
			return &segerr.ConfigMismatchError{
				Field:    p.name,
				Expected: fmt.Sprint(w.Shape),
				Got:      fmt.Sprint(p.shape),
			}
		}
		copy(p.data, w.Data)
	}
	return nil
}
