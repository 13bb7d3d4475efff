// Package viz renders axial slices of volumes to PNG for quick visual
// inspection of preprocessing output and validation predictions.
package viz

import (
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/voxelmed/segvol/volume"
)

const panelSize = 4 * vg.Inch

// Panel is one titled slice rendering in a side-by-side figure.
type Panel struct {
	Title string
	Vol   *volume.Volume

	// Min and Max fix the color range; when Min == Max the range is taken
	// from the slice data.
	Min, Max float64
}

// MaxLabelSlice returns the axial (Z) index holding the most foreground
// voxels, so the rendered slice shows the structure of interest rather than
// empty background. Returns the middle slice when the volume has no
// foreground at all.
func MaxLabelSlice(lbl *volume.Volume) int {
	bestZ, bestCount := -1, 0
	for z := 0; z < lbl.Shape[2]; z++ {
		count := 0
		for y := 0; y < lbl.Shape[1]; y++ {
			for x := 0; x < lbl.Shape[0]; x++ {
				if lbl.At(x, y, z) > 0 {
					count++
				}
			}
		}
		if count > bestCount {
			bestZ, bestCount = z, count
		}
	}
	if bestZ < 0 {
		return lbl.Shape[2] / 2
	}
	return bestZ
}

// WriteSample renders the image and its label at the label's densest slice.
// Used by preprocessing to spot-check the first few converted volumes.
func WriteSample(path string, img, lbl *volume.Volume) error {
	z := MaxLabelSlice(lbl)
	return WriteSlices(path, z, []Panel{
		{Title: "image", Vol: img},
		{Title: "label", Vol: lbl},
	})
}

// WriteComparison renders image, ground truth and prediction side by side at
// the truth's densest slice. Truth and prediction share a color range so the
// same class renders the same color in both panels.
func WriteComparison(path string, img, truth, pred *volume.Volume) error {
	z := MaxLabelSlice(truth)
	maxClass := 1.0
	for _, v := range truth.Data {
		if float64(v) > maxClass {
			maxClass = float64(v)
		}
	}
	for _, v := range pred.Data {
		if float64(v) > maxClass {
			maxClass = float64(v)
		}
	}
	return WriteSlices(path, z, []Panel{
		{Title: "image", Vol: img},
		{Title: "label", Vol: truth, Max: maxClass},
		{Title: "prediction", Vol: pred, Max: maxClass},
	})
}

// WriteSlices renders the given panels at axial index z into a single PNG.
func WriteSlices(path string, z int, panels []Panel) error {
	if len(panels) == 0 {
		return fmt.Errorf("no panels to render")
	}

	plots := make([]*plot.Plot, len(panels))
	for i, panel := range panels {
		if z < 0 || z >= panel.Vol.Shape[2] {
			return fmt.Errorf("slice %d out of range for shape %v", z, panel.Vol.Shape)
		}
		p := plot.New()
		p.Title.Text = panel.Title
		p.HideAxes()

		grid := newSliceGrid(panel.Vol, z)
		hm := plotter.NewHeatMap(grid, palette.Heat(16, 1))
		if panel.Min != panel.Max {
			hm.Min, hm.Max = panel.Min, panel.Max
		} else if hm.Min == hm.Max {
			hm.Max = hm.Min + 1
		}
		p.Add(hm)
		plots[i] = p
	}

	img := vgimg.New(panelSize*vg.Length(len(panels)), panelSize)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: len(panels), PadX: vg.Millimeter, PadY: vg.Millimeter}
	for i, p := range plots {
		p.Draw(tiles.At(dc, i, 0))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// sliceGrid adapts one axial slice of a volume to plotter.GridXYZ.
type sliceGrid struct {
	vol *volume.Volume
	z   int
}

func newSliceGrid(v *volume.Volume, z int) sliceGrid { return sliceGrid{vol: v, z: z} }

func (g sliceGrid) Dims() (c, r int) { return g.vol.Shape[0], g.vol.Shape[1] }

func (g sliceGrid) Z(c, r int) float64 { return float64(g.vol.At(c, r, g.z)) }

func (g sliceGrid) X(c int) float64 { return float64(c) }

func (g sliceGrid) Y(r int) float64 { return float64(r) }
