package volume

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// NIfTI-1 header layout constants. Only the single-file ("n+1") variant is
// supported; the header is always 348 bytes followed by voxel data at
// vox_offset.
const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
	niftiMagic      = "n+1\x00"
)

// NIfTI-1 datatype codes.
const (
	niftiTypeUint8   = 2
	niftiTypeInt16   = 4
	niftiTypeInt32   = 8
	niftiTypeFloat32 = 16
	niftiTypeFloat64 = 64
)

type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a NIfTI-1 volume from path. Gzip compression is detected from
// the file's magic bytes, not its extension, so a mislabelled .nii that is
// actually gzipped still loads.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read NIfTI volume %s: %w", path, err)
	}
	vol.SourcePath = path
	return vol, nil
}

func decode(r io.Reader) (*Volume, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("short header: %w", err)
	}

	// Byte order is detected from sizeof_hdr, which must decode to 348.
	order := binary.ByteOrder(binary.LittleEndian)
	if binary.LittleEndian.Uint32(raw[0:4]) != niftiHeaderSize {
		if binary.BigEndian.Uint32(raw[0:4]) != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr != %d)", niftiHeaderSize)
		}
		order = binary.BigEndian
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if string(hdr.Magic[:]) != niftiMagic {
		return nil, fmt.Errorf("unsupported NIfTI magic %q (only single-file n+1 is supported)", hdr.Magic)
	}
	if hdr.Dim[0] < 3 || hdr.Dim[0] > 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d (want 3D, or 4D with a single channel)", hdr.Dim[0])
	}
	if hdr.Dim[0] == 4 && hdr.Dim[4] != 1 {
		return nil, fmt.Errorf("multi-channel volumes are not supported (dim[4] = %d)", hdr.Dim[4])
	}

	shape := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	if shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return nil, fmt.Errorf("invalid dimensions %v", shape)
	}
	n := shape[0] * shape[1] * shape[2]

	// Skip any header extension up to vox_offset.
	skip := int(hdr.VoxOffset) - niftiHeaderSize
	if skip < 0 {
		skip = niftiVoxOffset - niftiHeaderSize
	}
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(skip)); err != nil {
			return nil, fmt.Errorf("failed to skip header extension: %w", err)
		}
	}

	data, err := readVoxels(r, order, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}

	// Apply scl_slope/scl_inter rescaling when present.
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		for i := range data {
			data[i] = data[i]*hdr.SclSlope + hdr.SclInter
		}
	}

	vol := &Volume{
		Data:  data,
		Shape: shape,
		Spacing: [3]float64{
			float64(hdr.Pixdim[1]),
			float64(hdr.Pixdim[2]),
			float64(hdr.Pixdim[3]),
		},
		Affine: affineFromHeader(&hdr),
	}
	return vol, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float32, error) {
	data := make([]float32, n)
	switch datatype {
	case niftiTypeUint8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("short voxel data: %w", err)
		}
		for i, b := range buf {
			data[i] = float32(b)
		}
	case niftiTypeInt16:
		buf := make([]byte, 2*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("short voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(int16(order.Uint16(buf[2*i:])))
		}
	case niftiTypeInt32:
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("short voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(int32(order.Uint32(buf[4*i:])))
		}
	case niftiTypeFloat32:
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("short voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = math.Float32frombits(order.Uint32(buf[4*i:]))
		}
	case niftiTypeFloat64:
		buf := make([]byte, 8*n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("short voxel data: %w", err)
		}
		for i := 0; i < n; i++ {
			data[i] = float32(math.Float64frombits(order.Uint64(buf[8*i:])))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	return data, nil
}

func affineFromHeader(hdr *niftiHeader) [4][4]float64 {
	if hdr.SformCode > 0 {
		var a [4][4]float64
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		a[3][3] = 1
		return a
	}
	// Fall back to a diagonal affine from the voxel spacing.
	a := IdentityAffine()
	for i := 0; i < 3; i++ {
		if hdr.Pixdim[i+1] != 0 {
			a[i][i] = float64(hdr.Pixdim[i+1])
		}
	}
	return a
}

// Save writes the volume to path as NIfTI-1, gzip-compressed when the path
// ends in .gz. dtype selects the on-disk element type; label volumes are
// typically written as Int16 or Uint8, images as Float32. Values are
// truncated toward zero when narrowing.
func Save(path string, v *Volume, dtype DType) error {
	if err := v.Validate(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := encode(w, v, dtype); err != nil {
		return fmt.Errorf("failed to write NIfTI volume %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream for %s: %w", path, err)
		}
	}
	return nil
}

func encode(w io.Writer, v *Volume, dtype DType) error {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		SformCode: 1,
		QformCode: 0,
	}
	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(v.Shape[0])
	hdr.Dim[2] = int16(v.Shape[1])
	hdr.Dim[3] = int16(v.Shape[2])
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1
	hdr.Pixdim[1] = float32(v.Spacing[0])
	hdr.Pixdim[2] = float32(v.Spacing[1])
	hdr.Pixdim[3] = float32(v.Spacing[2])
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(v.Affine[0][j])
		hdr.SrowY[j] = float32(v.Affine[1][j])
		hdr.SrowZ[j] = float32(v.Affine[2][j])
	}
	copy(hdr.Magic[:], niftiMagic)

	switch dtype {
	case Float32:
		hdr.Datatype = niftiTypeFloat32
		hdr.Bitpix = 32
	case Int16:
		hdr.Datatype = niftiTypeInt16
		hdr.Bitpix = 16
	case Uint8:
		hdr.Datatype = niftiTypeUint8
		hdr.Bitpix = 8
	default:
		return fmt.Errorf("unsupported save dtype %s", dtype)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// Pad to vox_offset.
	buf.Write(make([]byte, niftiVoxOffset-niftiHeaderSize))
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return writeVoxels(w, v.Data, dtype)
}

func writeVoxels(w io.Writer, data []float32, dtype DType) error {
	switch dtype {
	case Float32:
		buf := make([]byte, 4*len(data))
		for i, val := range data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(val))
		}
		_, err := w.Write(buf)
		return err
	case Int16:
		buf := make([]byte, 2*len(data))
		for i, val := range data {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(val)))
		}
		_, err := w.Write(buf)
		return err
	case Uint8:
		buf := make([]byte, len(data))
		for i, val := range data {
			buf[i] = uint8(val)
		}
		_, err := w.Write(buf)
		return err
	}
	return fmt.Errorf("unsupported save dtype %s", dtype)
}

// PredictionName derives the output file name for a prediction from its
// input volume name: the volume extension is stripped, "_pred" appended, and
// the compressed extension re-attached. "case_01.nii.gz" becomes
// "case_01_pred.nii.gz".
func PredictionName(inputName string) string {
	switch {
	case strings.HasSuffix(inputName, ".nii.gz"):
		return strings.TrimSuffix(inputName, ".nii.gz") + "_pred.nii.gz"
	case strings.HasSuffix(inputName, ".nii"):
		return strings.TrimSuffix(inputName, ".nii") + "_pred.nii.gz"
	default:
		if idx := strings.LastIndex(inputName, "."); idx > 0 {
			inputName = inputName[:idx]
		}
		return inputName + "_pred.nii.gz"
	}
}
