package jpeg2000

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"runtime"

	"golang.org/x/text/encoding/charmap"

	"github.com/kodecs/jpeg2000/internal/codestream"
	"github.com/kodecs/jpeg2000/internal/entropy"
	"github.com/kodecs/jpeg2000/internal/mct"
	"github.com/kodecs/jpeg2000/internal/quant"
	"github.com/kodecs/jpeg2000/internal/ratectrl"
	"github.com/kodecs/jpeg2000/internal/tcd"
	"github.com/kodecs/jpeg2000/internal/threadpool"
)

// encoder handles JPEG 2000 encoding.
type encoder struct {
	w       io.Writer
	img     image.Image
	options *Options
	ctx     context.Context

	// Image parameters
	width         int
	height        int
	numComponents int
	precision     int
	signed        bool

	// Component data, spatial domain, after DC shift and MCT.
	componentData [][]int32

	header *codestream.Header
}

// newEncoder creates a new encoder.
func newEncoder(w io.Writer, img image.Image, options *Options) *encoder {
	bounds := img.Bounds()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &encoder{
		w:       w,
		img:     img,
		options: options,
		ctx:     ctx,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
	}
}

// encode encodes the image.
func (e *encoder) encode() error {
	if err := e.extractImageData(); err != nil {
		return fmt.Errorf("extracting image data: %w", err)
	}

	if err := e.preprocess(); err != nil {
		return fmt.Errorf("preprocessing: %w", err)
	}

	e.header = e.buildHeader()

	cs, err := e.generateCodestream()
	if err != nil {
		return fmt.Errorf("generating codestream: %w", err)
	}

	_, err = e.w.Write(cs)
	return err
}

// extractImageData extracts pixel data from the source image.
func (e *encoder) extractImageData() error {
	bounds := e.img.Bounds()

	switch img := e.img.(type) {
	case *image.Gray:
		e.numComponents = 1
		e.precision = 8
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.GrayAt(x, y).Y)
			}
		}

	case *image.Gray16:
		e.numComponents = 1
		e.precision = 16
		e.componentData = make([][]int32, 1)
		e.componentData[0] = make([]int32, e.width*e.height)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				e.componentData[0][idx] = int32(img.Gray16At(x, y).Y)
			}
		}

	case *image.RGBA:
		e.numComponents = 3
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.RGBA64:
		e.numComponents = 3
		e.precision = 16
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.RGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
			}
		}

	case *image.NRGBA:
		e.numComponents = 4
		e.precision = 8
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBAAt(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	case *image.NRGBA64:
		e.numComponents = 4
		e.precision = 16
		e.componentData = make([][]int32, 4)
		for c := 0; c < 4; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				c := img.NRGBA64At(x, y)
				e.componentData[0][idx] = int32(c.R)
				e.componentData[1][idx] = int32(c.G)
				e.componentData[2][idx] = int32(c.B)
				e.componentData[3][idx] = int32(c.A)
			}
		}

	default:
		e.numComponents = 3
		e.precision = 8
		e.componentData = make([][]int32, 3)
		for c := 0; c < 3; c++ {
			e.componentData[c] = make([]int32, e.width*e.height)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				idx := (y-bounds.Min.Y)*e.width + (x - bounds.Min.X)
				r, g, b, _ := e.img.At(x, y).RGBA()
				e.componentData[0][idx] = int32(r >> 8)
				e.componentData[1][idx] = int32(g >> 8)
				e.componentData[2][idx] = int32(b >> 8)
			}
		}
	}

	if e.options.Precision > 0 && e.options.Precision <= 16 && e.options.Precision != e.precision {
		targetPrecision := e.options.Precision
		srcMax := int32((1 << e.precision) - 1)
		dstMax := int32((1 << targetPrecision) - 1)

		for c := 0; c < e.numComponents; c++ {
			for i := range e.componentData[c] {
				e.componentData[c][i] = e.componentData[c][i] * dstMax / srcMax
			}
		}
		e.precision = targetPrecision
	}

	return nil
}

// preprocess applies the DC level shift and multi-component transform,
// leaving componentData in the spatial domain ready for the wavelet
// transform. The transform and quantization steps run per-tile in
// encodeTile, since both are tile-local operations.
func (e *encoder) preprocess() error {
	for c := 0; c < e.numComponents; c++ {
		mct.DCLevelShiftForward(e.componentData[c], e.precision)
	}

	if e.numComponents >= 3 {
		if e.options.Lossless {
			mct.ForwardRCT(e.componentData[0], e.componentData[1], e.componentData[2])
		} else {
			compFloat := make([][]float64, 3)
			for c := 0; c < 3; c++ {
				compFloat[c] = make([]float64, len(e.componentData[c]))
				mct.ConvertInt32ToFloat64(e.componentData[c], compFloat[c])
			}
			mct.ForwardICT(compFloat[0], compFloat[1], compFloat[2])
			for c := 0; c < 3; c++ {
				mct.ConvertFloat64ToInt32(compFloat[c], e.componentData[c])
			}
		}
	}

	return nil
}

// bandStepSize returns the quantization step for a subband at the given
// decomposition level (0 = LL). Lossless encoding always uses step 1, the
// reversible convention quant.Forward treats as a bit-exact pass-through.
func (e *encoder) bandStepSize(level, maxLevel int, isHH bool) float64 {
	if e.options.Lossless {
		return 1.0
	}
	quality := e.options.Quality
	if quality <= 0 {
		quality = 75
	}
	if quality > 100 {
		quality = 100
	}
	baseStep := 100.0 / float64(quality)
	return quant.StepSize(baseStep, level, maxLevel, isHH)
}

// encodeStepSizeValue packs a step size into the mantissa/exponent form
// the QCD/QCC markers transmit, inverting codestream.StepSize.Value's
// (1+mantissa/2048) * 2^(31-exponent) formula.
func encodeStepSizeValue(step float64) codestream.StepSize {
	if step <= 0 {
		step = 1
	}
	n := 0
	v := step
	for v >= 2 {
		v /= 2
		n++
	}
	for v < 1 {
		v *= 2
		n--
	}
	mantissa := int32((v-1)*2048 + 0.5)
	if mantissa > 2047 {
		mantissa = 2047
	}
	if mantissa < 0 {
		mantissa = 0
	}
	exponent := 31 - n
	if exponent < 0 {
		exponent = 0
	}
	if exponent > 31 {
		exponent = 31
	}
	return codestream.StepSize{Mantissa: uint16(mantissa), Exponent: uint8(exponent)}
}

// buildHeader assembles the codestream.Header describing this image, used
// both to drive tcd's tile construction and to render the SIZ/COD/QCD
// marker segments.
func (e *encoder) buildHeader() *codestream.Header {
	numRes := e.options.NumResolutions
	if numRes <= 0 {
		numRes = 6
	}

	cbWidth := e.options.CodeBlockSize.X
	cbHeight := e.options.CodeBlockSize.Y
	if e.options.HighThroughput {
		htWidth := e.options.HTBlockWidth
		if htWidth == 0 {
			htWidth = 128
		}
		htHeight := e.options.HTBlockHeight
		if htHeight == 0 {
			htHeight = 128
		}
		cbWidth = 7
		if htWidth == 32 {
			cbWidth = 5
		}
		cbHeight = 7
		if htHeight == 32 {
			cbHeight = 5
		}
	} else {
		if cbWidth <= 0 {
			cbWidth = 6
		}
		if cbHeight <= 0 {
			cbHeight = 6
		}
	}

	wavelet := uint8(0)
	if e.options.Lossless {
		wavelet = 1
	}

	cbStyle := uint8(0)
	if e.options.HighThroughput {
		cbStyle |= codestream.CodeBlockHT
	}

	mctFlag := uint8(0)
	if e.numComponents >= 3 {
		mctFlag = 1
	}

	numLayers := e.options.NumLayers
	if numLayers <= 0 {
		numLayers = 1
	}

	scod := uint8(0)
	if e.options.EnableSOP {
		scod |= codestream.CodingStyleSOP
	}
	if e.options.EnableEPH {
		scod |= codestream.CodingStyleEPH
	}

	h := &codestream.Header{
		Profile:       uint16(e.options.Profile),
		ImageWidth:    uint32(e.width),
		ImageHeight:   uint32(e.height),
		TileWidth:     uint32(e.width),
		TileHeight:    uint32(e.height),
		NumComponents: uint16(e.numComponents),
		ComponentInfo: make([]codestream.ComponentInfo, e.numComponents),
		CodingStyle: codestream.CodingStyleDefault{
			CodingStyle:         scod,
			ProgressionOrder:    uint8(e.options.ProgressionOrder),
			NumLayers:           uint16(numLayers),
			MultipleComponentXf: mctFlag,
			NumDecompositions:   uint8(numRes - 1),
			CodeBlockWidthExp:   uint8(cbWidth - 2),
			CodeBlockHeightExp:  uint8(cbHeight - 2),
			CodeBlockStyle:      cbStyle,
			WaveletTransform:    wavelet,
		},
		ComponentCodingStyles: make(map[uint16]codestream.CodingStyleComponent),
		ComponentQuantization: make(map[uint16]codestream.QuantizationComponent),
	}

	if e.options.TileSize.X > 0 {
		h.TileWidth = uint32(e.options.TileSize.X)
	}
	if e.options.TileSize.Y > 0 {
		h.TileHeight = uint32(e.options.TileSize.Y)
	}

	for c := 0; c < e.numComponents; c++ {
		ssiz := uint8(e.precision - 1)
		if e.signed {
			ssiz |= 0x80
		}
		h.ComponentInfo[c] = codestream.ComponentInfo{BitDepth: ssiz, SubsamplingX: 1, SubsamplingY: 1}
	}

	if e.options.HighThroughput {
		h.Capabilities = &codestream.CapabilitiesMarker{Pcap: codestream.CapPcapHTJ2K}
	}

	h.CalculateDerivedValues()
	return h
}

// generateCodestream generates the JPEG 2000 codestream.
func (e *encoder) generateCodestream() ([]byte, error) {
	var buf []byte

	buf = append(buf, 0xFF, 0x4F) // SOC

	buf = append(buf, e.generateSIZ()...)

	if e.options.HighThroughput {
		buf = append(buf, e.generateCAP()...)
	}

	buf = append(buf, e.generateCOD()...)
	buf = append(buf, e.generateQCD()...)

	if e.options.Comment != "" {
		buf = append(buf, e.generateCOM()...)
	}

	tileData, err := e.generateTiles()
	if err != nil {
		return nil, err
	}
	buf = append(buf, tileData...)

	buf = append(buf, 0xFF, 0xD9) // EOC

	return buf, nil
}

// generateSIZ generates the SIZ marker segment.
func (e *encoder) generateSIZ() []byte {
	numComp := e.numComponents
	length := 38 + 3*numComp

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.SIZ))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.options.Profile))
	binary.BigEndian.PutUint32(buf[6:10], uint32(e.width))
	binary.BigEndian.PutUint32(buf[10:14], uint32(e.height))
	binary.BigEndian.PutUint32(buf[14:18], 0)
	binary.BigEndian.PutUint32(buf[18:22], 0)

	tileWidth := int(e.header.TileWidth)
	tileHeight := int(e.header.TileHeight)
	binary.BigEndian.PutUint32(buf[22:26], uint32(tileWidth))
	binary.BigEndian.PutUint32(buf[26:30], uint32(tileHeight))
	binary.BigEndian.PutUint32(buf[30:34], 0)
	binary.BigEndian.PutUint32(buf[34:38], 0)

	binary.BigEndian.PutUint16(buf[38:40], uint16(numComp))

	for c := 0; c < numComp; c++ {
		offset := 40 + c*3
		ssiz := uint8(e.precision - 1)
		if e.signed {
			ssiz |= 0x80
		}
		buf[offset] = ssiz
		buf[offset+1] = 1
		buf[offset+2] = 1
	}

	return buf
}

// generateCOD generates the COD marker segment.
func (e *encoder) generateCOD() []byte {
	cs := e.header.CodingStyle
	length := 12

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COD))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))

	buf[4] = cs.CodingStyle
	buf[5] = cs.ProgressionOrder
	binary.BigEndian.PutUint16(buf[6:8], cs.NumLayers)
	buf[8] = cs.MultipleComponentXf
	buf[9] = cs.NumDecompositions
	buf[10] = cs.CodeBlockWidthExp
	buf[11] = cs.CodeBlockHeightExp
	buf[12] = cs.CodeBlockStyle
	buf[13] = cs.WaveletTransform

	return buf
}

// generateQCD generates the QCD marker segment. Lossless encoding
// transmits the "no quantization" style (subband dynamic ranges only);
// lossy encoding transmits the scalar expounded style, one mantissa and
// exponent pair per subband, matching the per-band steps encodeTile
// actually applies.
func (e *encoder) generateQCD() []byte {
	numLevels := int(e.header.CodingStyle.NumDecompositions)
	numBands := 3*numLevels + 1

	var buf []byte
	if e.options.Lossless {
		length := 3 + numBands
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))
		buf[4] = codestream.QuantizationNone

		idx := 0
		buf[5+idx] = uint8(e.precision) << 3
		idx++
		for level := 1; level <= numLevels; level++ {
			for band := 0; band < 3; band++ {
				buf[5+idx] = uint8(e.precision+level) << 3
				idx++
			}
		}
	} else {
		length := 3 + 2*numBands
		buf = make([]byte, 2+length)
		binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.QCD))
		binary.BigEndian.PutUint16(buf[2:4], uint16(length))
		buf[4] = codestream.QuantizationScalarExpounded | (1 << 5)

		idx := 0
		writeStep := func(level int, isHH bool) {
			step := e.bandStepSize(level, numLevels, isHH)
			ss := encodeStepSizeValue(step)
			val := (uint16(ss.Exponent) << 11) | (ss.Mantissa & 0x7FF)
			binary.BigEndian.PutUint16(buf[5+idx*2:7+idx*2], val)
			idx++
		}
		writeStep(0, false)
		for level := 1; level <= numLevels; level++ {
			writeStep(level, false) // HL
			writeStep(level, false) // LH
			writeStep(level, true)  // HH
		}
	}

	return buf
}

// generateCOM generates the COM marker segment.
func (e *encoder) generateCOM() []byte {
	comment, err := charmap.ISO8859_15.NewEncoder().Bytes([]byte(e.options.Comment))
	if err != nil {
		comment = []byte(e.options.Comment)
	}
	length := 4 + len(comment)

	buf := make([]byte, 2+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.COM))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint16(buf[4:6], codestream.CommentLatin1)
	copy(buf[6:], comment)

	return buf
}

// generateCAP generates the CAP (extended capabilities) marker segment,
// required to signal HTJ2K mode.
func (e *encoder) generateCAP() []byte {
	length := 6
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(codestream.CAP))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint32(buf[4:8], codestream.CapPcapHTJ2K)
	return buf
}

// generateTiles generates tile data. Only a single tile spanning the
// entire image is supported.
func (e *encoder) generateTiles() ([]byte, error) {
	return e.encodeTile(0)
}

// encodeTile runs the wavelet transform, quantization, Tier-1 entropy
// coding, PCRD-opt layer selection and Tier-2 packetization for one tile.
func (e *encoder) encodeTile(tileIdx int) ([]byte, error) {
	tileEncoder := tcd.NewTileEncoder(e.header)
	tileEncoder.SetHTJ2K(e.options.HighThroughput)
	tileEncoder.InitTile(tileIdx, e.componentData)
	tile := tileEncoder.Tile()

	numLevels := int(e.header.CodingStyle.NumDecompositions)

	var allBlocks []*tcd.CodeBlock
	var curves []ratectrl.BlockCurve

	for _, tc := range tile.Components {
		tileEncoder.ApplyForwardDWT(tc)
		tcWidth := tc.X1 - tc.X0

		for _, res := range tc.Resolutions {
			for _, band := range res.Bands {
				isHH := band.Type == entropy.BandHH
				step := e.bandStepSize(res.Level, numLevels, isHH)
				e.quantizeBand(tc, band, tcWidth, step)

				jobs := make([]threadpool.Task, 0, len(band.CodeBlocks))
				for jobIdx, cb := range band.CodeBlocks {
					cb := cb
					w := cb.X1 - cb.X0
					h := cb.Y1 - cb.Y0
					if w <= 0 || h <= 0 {
						continue
					}
					data := extractEmbedded(tc.Data, tcWidth, cb.X0, cb.Y0, w, h)
					jobs = append(jobs, threadpool.Task{
						ID: jobIdx,
						Run: func(_ context.Context) (any, error) {
							tileEncoder.EncodeCodeBlock(cb, data, band.Type)
							cb.TotalBitPlanes = bitplaneCount(data)
							cb.ZeroBitPlanes = 0
							cb.Passes = tcd.BuildPasses(cb.TotalBitPlanes, len(cb.Data))
							return nil, nil
						},
					})
				}
				if err := e.runCodeBlockJobs(jobs); err != nil {
					return nil, err
				}

				for _, cb := range band.CodeBlocks {
					allBlocks = append(allBlocks, cb)
					curves = append(curves, e.buildBlockCurve(cb, step))
				}
			}
		}
	}

	numLayers := int(e.header.CodingStyle.NumLayers)
	e.assignLayers(allBlocks, curves, numLayers)

	logger.Info("encoded tile", "tile", tileIdx, "codeBlocks", len(allBlocks), "layers", numLayers)

	tileData, err := e.assemblePackets(tile, numLayers)
	if err != nil {
		return nil, err
	}

	return e.createTileHeader(tileIdx, tileData), nil
}

// quantizeBand applies the dead-zone quantizer to one subband in place,
// reading from the float coefficients (irreversible path) or the integer
// coefficients (reversible path, step size 1) and writing the quantized
// integers back into tc.Data at the same embedded offsets.
func (e *encoder) quantizeBand(tc *tcd.TileComponent, band *tcd.Band, stride int, step float64) {
	w := band.X1 - band.X0
	h := band.Y1 - band.Y0
	if w <= 0 || h <= 0 {
		return
	}

	reversible := e.options.Lossless
	var src []float64
	if reversible {
		src = make([]float64, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src[y*w+x] = float64(tc.Data[(band.Y0+y)*stride+band.X0+x])
			}
		}
	} else {
		src = extractEmbeddedFloat(tc.DataFloat, stride, band.X0, band.Y0, w, h)
	}

	quantized := quant.Forward(src, step, reversible)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tc.Data[(band.Y0+y)*stride+band.X0+x] = quantized[y*w+x]
		}
	}
}

// extractEmbedded copies a w x h block out of a stride-addressed flat
// array at embedded offset (x0, y0).
func extractEmbedded(data []int32, stride, x0, y0, w, h int) []int32 {
	out := make([]int32, w*h)
	for y := 0; y < h; y++ {
		copy(out[y*w:y*w+w], data[(y0+y)*stride+x0:(y0+y)*stride+x0+w])
	}
	return out
}

func extractEmbeddedFloat(data []float64, stride, x0, y0, w, h int) []float64 {
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		copy(out[y*w:y*w+w], data[(y0+y)*stride+x0:(y0+y)*stride+x0+w])
	}
	return out
}

// bitplaneCount returns the number of magnitude bit-planes needed for
// data, mirroring entropy.T1's internal numBPS computation exactly (both
// operate over absolute values).
func bitplaneCount(data []int32) int {
	maxVal := int32(0)
	for _, v := range data {
		av := v
		if av < 0 {
			av = -av
		}
		if av > maxVal {
			maxVal = av
		}
	}
	n := 0
	for maxVal > 0 {
		n++
		maxVal >>= 1
	}
	return n
}

// runCodeBlockJobs dispatches code-block encoding jobs sequentially for
// small job counts (or when concurrency is disabled) and across a worker
// pool otherwise, mirroring the granularity the teacher's inline worker
// pool used.
func (e *encoder) runCodeBlockJobs(jobs []threadpool.Task) error {
	if len(jobs) == 0 {
		return nil
	}
	if len(jobs) <= 4 || runtime.GOMAXPROCS(0) == 1 {
		_, err := threadpool.RunSequential(e.ctx, jobs)
		return err
	}
	pool := threadpool.New(runtime.GOMAXPROCS(0))
	reg := threadpool.NewRegistry()
	_, err := threadpool.Run(e.ctx, pool, jobs, reg)
	if err != nil {
		if active := reg.ActiveIDs(); len(active) > 0 {
			logger.Warn("code-block encoding cancelled with jobs in flight", "code_blocks", active)
		}
	}
	return err
}

// buildBlockCurve turns one code-block's pass sequence into the
// (rate, distortion) curve PCRD-opt truncates against. The entropy coder
// never terminates the MQ bitstream mid-block (no TERMALL, Part 1 Table
// 7.4), so every pass but the last carries a zero byte length from
// tcd.BuildPasses; a code-block can only ever be truncated as a whole,
// which is why this curve collapses to a single meaningful point even
// though it is expressed per coding pass. Distortion is the norm-based
// proxy: the squared quantization step scaled by the block's sample count, the
// default spec.md §9's Open Question on distortion estimator choice calls
// for.
func (e *encoder) buildBlockCurve(cb *tcd.CodeBlock, step float64) ratectrl.BlockCurve {
	if len(cb.Passes) == 0 {
		return ratectrl.BlockCurve{}
	}
	area := float64((cb.X1 - cb.X0) * (cb.Y1 - cb.Y0))
	passes := make([]ratectrl.PassRD, len(cb.Passes))
	for i, p := range cb.Passes {
		var dist float64
		if p.Length > 0 {
			dist = step * step * area
		}
		passes[i] = ratectrl.PassRD{Rate: p.Length, DistortionGain: dist}
	}
	return ratectrl.BlockCurve{Passes: passes}
}

// assignLayers runs PCRD-opt over every code-block's single-pass curve and
// records, on each block, the first layer in which its data is included.
// Blocks with no encoded data (all-zero, or excluded by rate control) get
// the sentinel value numLayers, meaning "never included" — bounded so the
// tag-tree inclusion coding in t2.go terminates.
func (e *encoder) assignLayers(blocks []*tcd.CodeBlock, curves []ratectrl.BlockCurve, numLayers int) {
	for _, cb := range blocks {
		cb.IncludedInLayers = numLayers
	}

	totalRate := 0
	for _, c := range curves {
		for _, p := range c.Passes {
			totalRate += p.Rate
		}
	}
	if totalRate == 0 {
		return
	}

	finalTarget := totalRate
	if e.options.CompressionRatio > 1 {
		uncompressed := e.width * e.height * e.numComponents * ((e.precision + 7) / 8)
		target := int(float64(uncompressed) / e.options.CompressionRatio)
		if target > 0 && target < finalTarget {
			finalTarget = target
		}
	}

	layerTargets := make([]int, numLayers)
	for k := 0; k < numLayers; k++ {
		layerTargets[k] = finalTarget * (k + 1) / numLayers
	}

	plans := ratectrl.SelectLayers(curves, layerTargets, false)

	for b, cb := range blocks {
		for k, plan := range plans {
			if plan.PassCount[b] > 0 {
				cb.IncludedInLayers = k
				break
			}
		}
	}
}

// assemblePackets walks every layer/resolution/component/precinct in
// progression order and writes its packet, per spec.md's Tier-2 layer.
func (e *encoder) assemblePackets(tile *tcd.Tile, numLayers int) ([]byte, error) {
	numComponents := len(tile.Components)
	numResolutions := int(e.header.CodingStyle.NumDecompositions) + 1

	precincts := make([][][]int, numComponents)
	for c := range precincts {
		precincts[c] = make([][]int, numResolutions)
		for r := range precincts[c] {
			precincts[c][r] = []int{1}
		}
	}

	order := progressionOrderFor(e.options.ProgressionOrder)
	iter := tcd.NewPacketIterator(numComponents, numResolutions, numLayers, precincts, order)

	var buf bytes.Buffer
	enc := tcd.NewPacketEncoder(&buf)

	for {
		pkt, ok := iter.Next()
		if !ok {
			break
		}
		if err := e.ctx.Err(); err != nil {
			return nil, err
		}
		res := tile.Components[pkt.Component].Resolutions[pkt.Resolution]
		precinct := res.Precincts[pkt.Precinct]
		if err := enc.EncodePacket(precinct, pkt.Layer, e.options.EnableSOP, e.options.EnableEPH); err != nil {
			return nil, fmt.Errorf("encoding packet (layer %d, res %d, comp %d): %w", pkt.Layer, pkt.Resolution, pkt.Component, err)
		}
	}

	return buf.Bytes(), nil
}

func progressionOrderFor(p ProgressionOrder) codestream.ProgressionOrder {
	switch p {
	case RLCP:
		return codestream.RLCP
	case RPCL:
		return codestream.RPCL
	case PCRL:
		return codestream.PCRL
	case CPRL:
		return codestream.CPRL
	default:
		return codestream.LRCP
	}
}

// createTileHeader creates the tile-part header.
func (e *encoder) createTileHeader(tileIdx int, tileData []byte) []byte {
	sotLength := 10
	tilePartLength := uint32(sotLength + 2 + 2 + len(tileData))

	header := make([]byte, 14)
	binary.BigEndian.PutUint16(header[0:2], uint16(codestream.SOT))
	binary.BigEndian.PutUint16(header[2:4], uint16(sotLength))
	binary.BigEndian.PutUint16(header[4:6], uint16(tileIdx))
	binary.BigEndian.PutUint32(header[6:10], tilePartLength)
	header[10] = 0
	header[11] = 1
	binary.BigEndian.PutUint16(header[12:14], uint16(codestream.SOD))

	return append(header, tileData...)
}
