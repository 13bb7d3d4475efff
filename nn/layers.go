package nn

import (
	"math"
	"math/rand"
)

// fmap is a multi-channel 3D feature map. Each channel holds NumVoxels
// values in volume index order (X fastest).
type fmap struct {
	shape [3]int
	ch    [][]float32
}

func newFmap(shape [3]int, channels int) *fmap {
	f := &fmap{shape: shape, ch: make([][]float32, channels)}
	n := shape[0] * shape[1] * shape[2]
	for c := range f.ch {
		f.ch[c] = make([]float32, n)
	}
	return f
}

func (f *fmap) numVoxels() int {
	return f.shape[0] * f.shape[1] * f.shape[2]
}

// param is one learnable tensor with its accumulated gradient.
type param struct {
	name  string
	shape []int
	data  []float32
	grad  []float32
}

func newParam(name string, shape ...int) *param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &param{
		name:  name,
		shape: shape,
		data:  make([]float32, n),
		grad:  make([]float32, n),
	}
}

func (p *param) zeroGrad() {
	for i := range p.grad {
		p.grad[i] = 0
	}
}

// conv3 is a 3x3x3 convolution with zero padding, preserving spatial shape.
// Weight layout: w[((co*inC+ci)*27)+k] with k = (dz+1)*9 + (dy+1)*3 + (dx+1).
type conv3 struct {
	inC, outC int
	w, b      *param
	lastIn    *fmap
}

func newConv3(name string, inC, outC int, rng *rand.Rand) *conv3 {
	c := &conv3{
		inC:  inC,
		outC: outC,
		w:    newParam(name+".weight", outC, inC, 3, 3, 3),
		b:    newParam(name+".bias", outC),
	}
	// He initialization over the fan-in.
	std := math.Sqrt(2.0 / float64(inC*27))
	for i := range c.w.data {
		c.w.data[i] = float32(rng.NormFloat64() * std)
	}
	return c
}

func (c *conv3) params() []*param { return []*param{c.w, c.b} }

func (c *conv3) forward(in *fmap) *fmap {
	c.lastIn = in
	nx, ny, nz := in.shape[0], in.shape[1], in.shape[2]
	out := newFmap(in.shape, c.outC)

	for co := 0; co < c.outC; co++ {
		dst := out.ch[co]
		bias := c.b.data[co]
		for i := range dst {
			dst[i] = bias
		}
		for ci := 0; ci < c.inC; ci++ {
			src := in.ch[ci]
			wBase := (co*c.inC + ci) * 27
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						w := c.w.data[wBase+(dz+1)*9+(dy+1)*3+(dx+1)]
						if w == 0 {
							continue
						}
						for z := 0; z < nz; z++ {
							sz := z + dz
							if sz < 0 || sz >= nz {
								continue
							}
							for y := 0; y < ny; y++ {
								sy := y + dy
								if sy < 0 || sy >= ny {
									continue
								}
								rowDst := (z*ny + y) * nx
								rowSrc := (sz*ny + sy) * nx
								x0, x1 := 0, nx
								if dx < 0 {
									x0 = 1
								} else if dx > 0 {
									x1 = nx - 1
								}
								for x := x0; x < x1; x++ {
									dst[rowDst+x] += w * src[rowSrc+x+dx]
								}
							}
						}
					}
				}
			}
		}
	}
	return out
}

func (c *conv3) backward(gradOut *fmap) *fmap {
	in := c.lastIn
	nx, ny, nz := in.shape[0], in.shape[1], in.shape[2]
	gradIn := newFmap(in.shape, c.inC)

	for co := 0; co < c.outC; co++ {
		g := gradOut.ch[co]
		gb := float32(0)
		for _, v := range g {
			gb += v
		}
		c.b.grad[co] += gb

		for ci := 0; ci < c.inC; ci++ {
			src := in.ch[ci]
			gi := gradIn.ch[ci]
			wBase := (co*c.inC + ci) * 27
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						wIdx := wBase + (dz+1)*9 + (dy+1)*3 + (dx+1)
						w := c.w.data[wIdx]
						var gw float32
						for z := 0; z < nz; z++ {
							sz := z + dz
							if sz < 0 || sz >= nz {
								continue
							}
							for y := 0; y < ny; y++ {
								sy := y + dy
								if sy < 0 || sy >= ny {
									continue
								}
								rowOut := (z*ny + y) * nx
								rowSrc := (sz*ny + sy) * nx
								x0, x1 := 0, nx
								if dx < 0 {
									x0 = 1
								} else if dx > 0 {
									x1 = nx - 1
								}
								for x := x0; x < x1; x++ {
									gv := g[rowOut+x]
									gw += gv * src[rowSrc+x+dx]
									gi[rowSrc+x+dx] += gv * w
								}
							}
						}
						c.w.grad[wIdx] += gw
					}
				}
			}
		}
	}
	return gradIn
}

// conv1 is a 1x1x1 convolution: a per-voxel linear projection across
// channels, used as the classification head.
type conv1 struct {
	inC, outC int
	w, b      *param
	lastIn    *fmap
}

func newConv1(name string, inC, outC int, rng *rand.Rand) *conv1 {
	c := &conv1{
		inC:  inC,
		outC: outC,
		w:    newParam(name+".weight", outC, inC, 1, 1, 1),
		b:    newParam(name+".bias", outC),
	}
	std := math.Sqrt(2.0 / float64(inC))
	for i := range c.w.data {
		c.w.data[i] = float32(rng.NormFloat64() * std)
	}
	return c
}

func (c *conv1) params() []*param { return []*param{c.w, c.b} }

func (c *conv1) forward(in *fmap) *fmap {
	c.lastIn = in
	out := newFmap(in.shape, c.outC)
	n := in.numVoxels()
	for co := 0; co < c.outC; co++ {
		dst := out.ch[co]
		bias := c.b.data[co]
		for i := 0; i < n; i++ {
			dst[i] = bias
		}
		for ci := 0; ci < c.inC; ci++ {
			w := c.w.data[co*c.inC+ci]
			src := in.ch[ci]
			for i := 0; i < n; i++ {
				dst[i] += w * src[i]
			}
		}
	}
	return out
}

func (c *conv1) backward(gradOut *fmap) *fmap {
	in := c.lastIn
	gradIn := newFmap(in.shape, c.inC)
	n := in.numVoxels()
	for co := 0; co < c.outC; co++ {
		g := gradOut.ch[co]
		var gb float32
		for _, v := range g {
			gb += v
		}
		c.b.grad[co] += gb
		for ci := 0; ci < c.inC; ci++ {
			src := in.ch[ci]
			gi := gradIn.ch[ci]
			w := c.w.data[co*c.inC+ci]
			var gw float32
			for i := 0; i < n; i++ {
				gw += g[i] * src[i]
				gi[i] += g[i] * w
			}
			c.w.grad[co*c.inC+ci] += gw
		}
	}
	return gradIn
}

// relu applies max(0, x) channelwise, caching the activation mask.
type relu struct {
	lastOut *fmap
}

func (r *relu) forward(in *fmap) *fmap {
	out := newFmap(in.shape, len(in.ch))
	for c := range in.ch {
		src := in.ch[c]
		dst := out.ch[c]
		for i, v := range src {
			if v > 0 {
				dst[i] = v
			}
		}
	}
	r.lastOut = out
	return out
}

func (r *relu) backward(gradOut *fmap) *fmap {
	gradIn := newFmap(gradOut.shape, len(gradOut.ch))
	for c := range gradOut.ch {
		out := r.lastOut.ch[c]
		g := gradOut.ch[c]
		gi := gradIn.ch[c]
		for i := range g {
			if out[i] > 0 {
				gi[i] = g[i]
			}
		}
	}
	return gradIn
}

// resUnit is one residual unit: y = x + relu(conv3(x)). Channel width is
// unchanged across the unit.
type resUnit struct {
	conv *conv3
	act  relu
}

func newResUnit(name string, width int, rng *rand.Rand) *resUnit {
	return &resUnit{conv: newConv3(name+".conv", width, width, rng)}
}

func (u *resUnit) params() []*param { return u.conv.params() }

func (u *resUnit) forward(in *fmap) *fmap {
	r := u.act.forward(u.conv.forward(in))
	out := newFmap(in.shape, len(in.ch))
	for c := range in.ch {
		src := in.ch[c]
		res := r.ch[c]
		dst := out.ch[c]
		for i := range src {
			dst[i] = src[i] + res[i]
		}
	}
	return out
}

func (u *resUnit) backward(gradOut *fmap) *fmap {
	branch := u.conv.backward(u.act.backward(gradOut))
	gradIn := newFmap(gradOut.shape, len(gradOut.ch))
	for c := range gradOut.ch {
		g := gradOut.ch[c]
		b := branch.ch[c]
		gi := gradIn.ch[c]
		for i := range g {
			gi[i] = g[i] + b[i]
		}
	}
	return gradIn
}
