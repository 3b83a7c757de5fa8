package jpeg2000

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/kodecs/jpeg2000/errs"
	"github.com/kodecs/jpeg2000/internal/codestream"
	"github.com/kodecs/jpeg2000/internal/mct"
	"github.com/kodecs/jpeg2000/internal/quant"
	"github.com/kodecs/jpeg2000/internal/tcd"
)

// decoder handles JPEG 2000 decoding.
type decoder struct {
	r          *bufio.Reader
	format     Format
	header     *codestream.Header
	parser     *codestream.Parser
	codestream []byte
}

// newDecoder creates a new decoder.
func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r: bufio.NewReader(r),
	}
}

// decode decodes the image.
func (d *decoder) decode(cfg *Config) (image.Image, error) {
	// Detect format and read headers
	if err := d.readFormat(); err != nil {
		return nil, fmt.Errorf("reading format: %w", err)
	}

	// Parse codestream header
	if err := d.parseCodestream(); err != nil {
		return nil, fmt.Errorf("parsing codestream: %w", err)
	}

	// Decode tiles
	img, err := d.decodeTiles(cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding tiles: %w", err)
	}

	return img, nil
}

// readMetadata reads only the metadata without decoding.
func (d *decoder) readMetadata() (*Metadata, error) {
	if err := d.readFormat(); err != nil {
		return nil, err
	}

	if err := d.parseCodestream(); err != nil {
		return nil, err
	}

	h := d.header
	m := &Metadata{
		Format:           d.format,
		Width:            int(h.ImageWidth - h.ImageXOffset),
		Height:           int(h.ImageHeight - h.ImageYOffset),
		NumComponents:    int(h.NumComponents),
		BitsPerComponent: make([]int, h.NumComponents),
		Signed:           make([]bool, h.NumComponents),
		Profile:          Profile(h.Profile),
		NumResolutions:   int(h.CodingStyle.NumDecompositions) + 1,
		NumQualityLayers: int(h.CodingStyle.NumLayers),
		TileWidth:        int(h.TileWidth),
		TileHeight:       int(h.TileHeight),
		NumTilesX:        int(h.NumTilesX),
		NumTilesY:        int(h.NumTilesY),
		Comment:          h.Comment,
		// A raw J2K codestream carries no colorspace box; callers that
		// need one should wrap the stream in their own container format.
		ColorSpace: ColorSpaceUnspecified,
	}

	for i, c := range h.ComponentInfo {
		m.BitsPerComponent[i] = c.Precision()
		m.Signed[i] = c.IsSigned()
	}

	return m, nil
}

// readFormat detects the file format and reads file-level structures.
// Only the raw J2K codestream format is supported; JP2's box-structured
// container is rejected rather than parsed.
func (d *decoder) readFormat() error {
	magic, err := d.r.Peek(12)
	if err != nil && err != io.EOF {
		return err
	}

	// Check for JP2 signature
	if len(magic) >= 12 &&
		magic[0] == 0x00 && magic[1] == 0x00 && magic[2] == 0x00 && magic[3] == 0x0C &&
		magic[4] == 'j' && magic[5] == 'P' && magic[6] == ' ' && magic[7] == ' ' {
		return errs.New(errs.UnsupportedFeature, "JP2 container format is not supported; decode a raw J2K codestream instead")
	}

	// Check for J2K codestream (SOC marker)
	if len(magic) >= 2 && magic[0] == 0xFF && magic[1] == 0x4F {
		d.format = FormatJ2K
		return d.readJ2K()
	}

	return errs.New(errs.MalformedBytestream, "unrecognized file format")
}

// readJ2K reads a raw J2K codestream.
func (d *decoder) readJ2K() error {
	data, err := io.ReadAll(d.r)
	if err != nil {
		return err
	}
	d.codestream = data
	return nil
}

// parseCodestream parses the codestream's main header, retaining the
// parser so subsequent tile-part headers and packet data can be walked
// from exactly where the main header left off.
func (d *decoder) parseCodestream() error {
	if d.codestream == nil {
		return errs.New(errs.MalformedBytestream, "no codestream available")
	}

	d.parser = codestream.NewParser(&byteReader{data: d.codestream})
	header, err := d.parser.ReadHeader()
	if err != nil {
		return err
	}
	d.header = header
	return nil
}

// decodeTiles decodes all tiles and assembles the output image.
func (d *decoder) decodeTiles(cfg *Config) (image.Image, error) {
	h := d.header

	// Calculate output dimensions
	width := int(h.ImageWidth - h.ImageXOffset)
	height := int(h.ImageHeight - h.ImageYOffset)

	if cfg != nil && cfg.ReduceResolution > 0 {
		for i := 0; i < cfg.ReduceResolution; i++ {
			width = (width + 1) / 2
			height = (height + 1) / 2
		}
	}

	numComp := int(h.NumComponents)
	if numComp == 0 || len(h.ComponentInfo) == 0 {
		return nil, errs.New(errs.MalformedBytestream, "invalid image: no components")
	}
	precision := h.ComponentInfo[0].Precision()
	signed := h.ComponentInfo[0].IsSigned()

	componentData := make([][]int32, numComp)
	for c := 0; c < numComp; c++ {
		componentData[c] = make([]int32, width*height)
	}

	tileDecoder := tcd.NewTileDecoder(h)
	numTiles := int(h.NumTilesX * h.NumTilesY)

	for tileIdx := 0; tileIdx < numTiles; tileIdx++ {
		if err := d.decodeTile(tileDecoder, tileIdx, componentData, width, height, cfg); err != nil {
			return nil, fmt.Errorf("decoding tile %d: %w", tileIdx, err)
		}
	}

	// Apply inverse multi-component transform
	if h.CodingStyle.MultipleComponentXf != 0 && numComp >= 3 {
		if h.CodingStyle.IsReversible() {
			mct.InverseRCT(componentData[0], componentData[1], componentData[2])
		} else {
			compFloat := make([][]float64, 3)
			for c := 0; c < 3; c++ {
				compFloat[c] = make([]float64, len(componentData[c]))
				for i, v := range componentData[c] {
					compFloat[c][i] = float64(v)
				}
			}
			mct.InverseICT(compFloat[0], compFloat[1], compFloat[2])
			for c := 0; c < 3; c++ {
				for i, v := range compFloat[c] {
					componentData[c][i] = int32(v + 0.5)
				}
			}
		}
	}

	// Apply DC level shift
	for c := 0; c < numComp; c++ {
		if !h.ComponentInfo[c].IsSigned() {
			mct.DCLevelShiftInverse(componentData[c], h.ComponentInfo[c].Precision())
		}
	}

	return d.createImage(componentData, width, height, numComp, precision, signed)
}

// decodeTile decodes a single tile: it reads the tile-part header and raw
// packet data, walks packets in the signaled progression order to recover
// each code-block's compressed data and bit-plane count, runs Tier-1
// entropy decoding and dequantization per code-block, applies the inverse
// wavelet transform, and copies the reconstructed samples into
// componentData.
func (d *decoder) decodeTile(
	tileDecoder *tcd.TileDecoder,
	tileIdx int,
	componentData [][]int32,
	imgWidth, imgHeight int,
	cfg *Config,
) error {
	h := d.header

	// ReadHeader already consumed the first tile's SOT marker code while
	// looking for the end of the main header; later tiles haven't had
	// their marker code read yet.
	if tileIdx > 0 {
		marker, err := d.parser.NextMarker()
		if err != nil {
			return err
		}
		if marker != codestream.SOT {
			return errs.Newf(errs.MalformedBytestream, "expected SOT marker, got 0x%04X", marker)
		}
	}

	tph, err := d.parser.ReadTilePartHeader()
	if err != nil {
		return err
	}

	dataLen := d.parser.TilePartDataLength(tph)
	if dataLen < 0 {
		return errs.Newf(errs.MalformedBytestream, "tile-part %d: negative data length", tileIdx)
	}
	raw, err := d.parser.ReadRaw(int(dataLen))
	if err != nil {
		return err
	}

	tileDecoder.InitTile(tileIdx)
	tile := tileDecoder.Tile()
	if tile == nil {
		return errs.Newf(errs.InternalError, "tile %d not initialized", tileIdx)
	}

	numResolutions := int(h.CodingStyle.NumDecompositions) + 1
	numLayers := int(h.CodingStyle.NumLayers)
	if cfg != nil && cfg.QualityLayers > 0 && cfg.QualityLayers < numLayers {
		numLayers = cfg.QualityLayers
	}
	numComponents := len(tile.Components)

	precincts := make([][][]int, numComponents)
	for c := range precincts {
		precincts[c] = make([][]int, numResolutions)
		for r := range precincts[c] {
			precincts[c][r] = []int{1}
		}
	}

	order := codestream.ProgressionOrder(h.CodingStyle.ProgressionOrder)
	iter := tcd.NewPacketIterator(numComponents, numResolutions, numLayers, precincts, order)
	pd := tcd.NewPacketDecoder(raw)

	sop := h.CodingStyle.CodingStyle&codestream.CodingStyleSOP != 0
	eph := h.CodingStyle.CodingStyle&codestream.CodingStyleEPH != 0

	for {
		pkt, ok := iter.Next()
		if !ok {
			break
		}
		res := tile.Components[pkt.Component].Resolutions[pkt.Resolution]
		precinct := res.Precincts[pkt.Precinct]
		if err := pd.DecodePacket(precinct, pkt.Layer, sop, eph); err != nil {
			return fmt.Errorf("decoding packet (layer %d, res %d, comp %d): %w", pkt.Layer, pkt.Resolution, pkt.Component, err)
		}
	}

	reversible := h.CodingStyle.IsReversible()

	for c := 0; c < len(tile.Components) && c < len(componentData); c++ {
		tc := tile.Components[c]
		if tc == nil {
			continue
		}
		tcWidth := tc.X1 - tc.X0

		if !reversible {
			tc.DataFloat = make([]float64, len(tc.Data))
		}

		// h.Quantization.StepSizes is ordered LL, then per level HL/LH/HH
		// (see encoder.generateQCD), the same traversal order
		// tc.Resolutions/res.Bands walks here, so the band's step size
		// is just the next entry — no per-band lookup needed. The
		// per-level gain (quant.StepSize's 2^(maxLevel-r) scaling) is
		// already folded into the transmitted mantissa/exponent.
		stepIdx := 0
		for _, res := range tc.Resolutions {
			for _, band := range res.Bands {
				stepSizeVal := 1.0
				if !reversible && stepIdx < len(h.Quantization.StepSizes) {
					stepSizeVal = h.Quantization.StepSizes[stepIdx].Value()
				}
				stepIdx++

				for _, cb := range band.CodeBlocks {
					if len(cb.Data) == 0 {
						continue
					}
					w := cb.X1 - cb.X0
					hgt := cb.Y1 - cb.Y0
					if w <= 0 || hgt <= 0 {
						continue
					}
					if err := tileDecoder.DecodeCodeBlock(cb, band.Type); err != nil {
						return err
					}

					dequantized := quant.Inverse(cb.Coefficients, stepSizeVal, reversible)
					if reversible {
						for y := 0; y < hgt; y++ {
							for x := 0; x < w; x++ {
								tc.Data[(cb.Y0+y)*tcWidth+cb.X0+x] = int32(dequantized[y*w+x])
							}
						}
					} else {
						for y := 0; y < hgt; y++ {
							for x := 0; x < w; x++ {
								tc.DataFloat[(cb.Y0+y)*tcWidth+cb.X0+x] = dequantized[y*w+x]
							}
						}
					}
				}
			}
		}

		tileDecoder.ApplyInverseDWT(tc)

		for y := tc.Y0; y < tc.Y1 && y-int(h.ImageYOffset) < imgHeight; y++ {
			for x := tc.X0; x < tc.X1 && x-int(h.ImageXOffset) < imgWidth; x++ {
				srcIdx := (y-tc.Y0)*tcWidth + (x - tc.X0)
				dstX := x - int(h.ImageXOffset)
				dstY := y - int(h.ImageYOffset)
				if dstX >= 0 && dstY >= 0 && dstX < imgWidth && dstY < imgHeight {
					dstIdx := dstY*imgWidth + dstX
					if srcIdx < len(tc.Data) {
						componentData[c][dstIdx] = tc.Data[srcIdx]
					}
				}
			}
		}
	}

	return nil
}

// createImage creates the output image from component data.
func (d *decoder) createImage(
	componentData [][]int32,
	width, height int,
	numComp int,
	precision int,
	signed bool,
) (image.Image, error) {
	maxVal := int32((1 << precision) - 1)

	switch numComp {
	case 1:
		if precision <= 8 {
			img := image.NewGray(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					v := componentData[0][idx]
					if v < 0 {
						v = 0
					}
					if v > maxVal {
						v = maxVal
					}
					if precision != 8 {
						v = v * 255 / maxVal
					}
					img.SetGray(x, y, color.Gray{Y: uint8(v)})
				}
			}
			return img, nil
		}
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				v := componentData[0][idx]
				if v < 0 {
					v = 0
				}
				if v > maxVal {
					v = maxVal
				}
				v = v * 65535 / maxVal
				img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
			}
		}
		return img, nil

	case 3:
		if precision <= 8 {
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					r := clampInt32(componentData[0][idx], 0, maxVal)
					g := clampInt32(componentData[1][idx], 0, maxVal)
					b := clampInt32(componentData[2][idx], 0, maxVal)

					if precision != 8 {
						r = r * 255 / maxVal
						g = g * 255 / maxVal
						b = b * 255 / maxVal
					}

					img.SetRGBA(x, y, color.RGBA{
						R: uint8(r),
						G: uint8(g),
						B: uint8(b),
						A: 255,
					})
				}
			}
			return img, nil
		}
		img := image.NewRGBA64(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				r := clampInt32(componentData[0][idx], 0, maxVal)
				g := clampInt32(componentData[1][idx], 0, maxVal)
				b := clampInt32(componentData[2][idx], 0, maxVal)

				r = r * 65535 / maxVal
				g = g * 65535 / maxVal
				b = b * 65535 / maxVal

				img.SetRGBA64(x, y, color.RGBA64{
					R: uint16(r),
					G: uint16(g),
					B: uint16(b),
					A: 65535,
				})
			}
		}
		return img, nil

	case 4:
		if precision <= 8 {
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := y*width + x
					r := clampInt32(componentData[0][idx], 0, maxVal)
					g := clampInt32(componentData[1][idx], 0, maxVal)
					b := clampInt32(componentData[2][idx], 0, maxVal)
					a := clampInt32(componentData[3][idx], 0, maxVal)

					if precision != 8 {
						r = r * 255 / maxVal
						g = g * 255 / maxVal
						b = b * 255 / maxVal
						a = a * 255 / maxVal
					}

					img.SetRGBA(x, y, color.RGBA{
						R: uint8(r),
						G: uint8(g),
						B: uint8(b),
						A: uint8(a),
					})
				}
			}
			return img, nil
		}
		img := image.NewRGBA64(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				r := clampInt32(componentData[0][idx], 0, maxVal)
				g := clampInt32(componentData[1][idx], 0, maxVal)
				b := clampInt32(componentData[2][idx], 0, maxVal)
				a := clampInt32(componentData[3][idx], 0, maxVal)

				r = r * 65535 / maxVal
				g = g * 65535 / maxVal
				b = b * 65535 / maxVal
				a = a * 65535 / maxVal

				img.SetRGBA64(x, y, color.RGBA64{
					R: uint16(r),
					G: uint16(g),
					B: uint16(b),
					A: uint16(a),
				})
			}
		}
		return img, nil

	default:
		return nil, errs.Newf(errs.UnsupportedFeature, "unsupported number of components: %d", numComp)
	}
}

func clampInt32(v, min, max int32) int32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// byteReader wraps a byte slice as an io.Reader.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
