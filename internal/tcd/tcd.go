// Package tcd implements the Tile Coder/Decoder for JPEG 2000.
//
// The TCD orchestrates the encoding and decoding of individual tiles,
// including:
// - Wavelet transform (DWT)
// - Quantization
// - Code-block entropy coding (T1)
// - Packet assembly (T2)
package tcd

import (
	"github.com/kodecs/jpeg2000/internal/codestream"
	"github.com/kodecs/jpeg2000/internal/dwt"
	"github.com/kodecs/jpeg2000/internal/entropy"
)

// Tile represents a single tile in the image.
type Tile struct {
	// Tile index
	Index int

	// Tile bounds in image coordinates
	X0, Y0, X1, Y1 int

	// Components
	Components []*TileComponent
}

// TileComponent represents a single component within a tile.
type TileComponent struct {
	// Component index
	Index int

	// Component bounds (may differ due to subsampling)
	X0, Y0, X1, Y1 int

	// Resolution levels
	Resolutions []*Resolution

	// Coefficient data, laid out as the standard's embedded recursive
	// subband image: the coarsest LL band occupies the top-left corner of
	// this array (using the tile's full row stride), with each finer
	// level's HL/LH/HH bands occupying the remaining three quadrants
	// around the previous level's reconstructed image.
	Data []int32

	// Floating point data for 9-7 transform
	DataFloat []float64
}

// Resolution represents a resolution level within a tile-component.
type Resolution struct {
	// Resolution level (0 = coarsest)
	Level int

	// Bounds at this resolution, in tile-component-local coordinates,
	// embedded at the origin of TileComponent.Data using the tile's row
	// stride (see TileComponent.Data).
	X0, Y0, X1, Y1 int

	// Number of bands (1 for LL, 3 for others)
	NumBands int

	// Bands at this resolution
	Bands []*Band

	// Precincts
	Precincts []*Precinct

	// Precinct grid dimensions
	PrecinctsX, PrecinctsY int
}

// Band represents a subband within a resolution level.
type Band struct {
	// Band type (LL, HL, LH, HH)
	Type int

	// Band bounds, embedded (see TileComponent.Data).
	X0, Y0, X1, Y1 int

	// Quantization step size
	StepSize float64

	// Code-blocks
	CodeBlocks []*CodeBlock

	// Code-block grid dimensions
	CodeBlocksX, CodeBlocksY int
}

// Precinct represents a precinct for packet organization. Only the
// standard's default precinct size (no PPx/PPy signaled) is implemented:
// one precinct spans an entire resolution's bands.
type Precinct struct {
	// Precinct index
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Code-blocks in this precinct, per band
	CodeBlocks [][]*CodeBlock

	// Tag trees for inclusion and IMSB. Shared across every band in the
	// precinct (the teacher's packet coder indexes them by code-block
	// position within a single band's grid, not per-band-per-precinct as
	// Annex B describes); sized to the largest band's grid so every
	// band's indices stay in range.
	InclusionTree *TagTree
	IMSBTree      *TagTree
}

// CodeBlock represents a code-block for entropy coding.
type CodeBlock struct {
	// Code-block index within its band
	Index int

	// Bounds
	X0, Y0, X1, Y1 int

	// Encoded data
	Data []byte

	// Coding passes
	Passes []CodingPass

	// Number of zero bit-planes
	ZeroBitPlanes int

	// Total number of bit-planes
	TotalBitPlanes int

	// IncludedInLayers records the first quality layer (0-based) in
	// which this code-block's data appears. A value >= the number of
	// encoded layers means the block never gets included (e.g. an
	// all-zero code-block with nothing to send).
	IncludedInLayers int

	// Decoded coefficient data
	Coefficients []int32
}

// CodingPass represents a single coding pass.
type CodingPass struct {
	// Pass type (significance, refinement, cleanup)
	Type int

	// Length in bytes
	Length int

	// Cumulative length
	CumulativeLength int

	// Rate-distortion slope
	Slope float64

	// Terminated flag
	Terminated bool
}

// Pass type constants.
const (
	PassSignificance = iota
	PassRefinement
	PassCleanup
)

// BuildPasses returns the coding-pass sequence a code-block with
// totalBitPlanes active bit-planes produces: a cleanup-only pass for the
// most significant bit-plane (nothing can be significance-propagated or
// refined before anything is significant), then a significance/refinement/
// cleanup triple per remaining bit-plane, down to bit-plane zero.
//
// The entropy coder does not terminate the MQ bitstream between passes
// (Part 1 Table 7.4's TERMALL mode switch is not implemented), so only the
// last pass carries a real byte length; every other pass's Length and
// CumulativeLength are left at zero because no valid truncation point
// exists there.
func BuildPasses(totalBitPlanes, dataLen int) []CodingPass {
	if totalBitPlanes <= 0 {
		return nil
	}
	n := 3*totalBitPlanes - 2
	passes := make([]CodingPass, n)
	passes[0] = CodingPass{Type: PassCleanup}
	i := 1
	for bp := totalBitPlanes - 2; bp >= 0; bp-- {
		passes[i] = CodingPass{Type: PassSignificance}
		passes[i+1] = CodingPass{Type: PassRefinement}
		passes[i+2] = CodingPass{Type: PassCleanup}
		i += 3
	}
	last := &passes[n-1]
	last.Length = dataLen
	last.CumulativeLength = dataLen
	last.Terminated = true
	return passes
}

// TagTree implements a tag tree for incremental coding.
type TagTree struct {
	width  int
	height int
	levels int
	nodes  [][]tagNode
}

type tagNode struct {
	value int
	low   int
	known bool
}

// NewTagTree creates a new tag tree.
func NewTagTree(width, height int) *TagTree {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	t := &TagTree{
		width:  width,
		height: height,
	}

	// Calculate number of levels
	w, h := width, height
	for w > 1 || h > 1 {
		t.levels++
		w = (w + 1) / 2
		h = (h + 1) / 2
	}
	t.levels++

	// Allocate nodes
	t.nodes = make([][]tagNode, t.levels)
	w, h = width, height
	for level := 0; level < t.levels; level++ {
		t.nodes[level] = make([]tagNode, w*h)
		for i := range t.nodes[level] {
			t.nodes[level][i].value = int(^uint(0) >> 1) // MaxInt
		}
		w = (w + 1) / 2
		h = (h + 1) / 2
	}

	return t
}

// SetValue sets the value at a leaf node.
func (t *TagTree) SetValue(x, y, value int) {
	t.nodes[0][y*t.width+x].value = value
}

// Reset resets the tree for a new encoding/decoding session.
func (t *TagTree) Reset() {
	for level := range t.nodes {
		for i := range t.nodes[level] {
			t.nodes[level][i].low = 0
			t.nodes[level][i].known = false
		}
	}
}

// buildResolutions lays out every resolution level, band and code-block of
// a width x height tile-component whose top-left corner sits at the tile
// origin (single-tile images only: the tile IS the image, so embedded
// coordinates coincide with absolute coordinates).
func buildResolutions(width, height, numDecompositions, cbWidthExp, cbHeightExp int) []*Resolution {
	numRes := numDecompositions + 1
	resolutions := make([]*Resolution, numRes)

	prevW, prevH := 0, 0
	for r := 0; r < numRes; r++ {
		scale := 1 << (numDecompositions - r)
		w := ceilDiv(width, scale)
		h := ceilDiv(height, scale)

		res := &Resolution{Level: r, X0: 0, Y0: 0, X1: w, Y1: h}

		if r == 0 {
			res.NumBands = 1
			res.Bands = []*Band{newBand(entropy.BandLL, 0, 0, w, h, cbWidthExp, cbHeightExp)}
		} else {
			res.NumBands = 3
			res.Bands = []*Band{
				newBand(entropy.BandHL, prevW, 0, w, prevH, cbWidthExp, cbHeightExp),
				newBand(entropy.BandLH, 0, prevH, prevW, h, cbWidthExp, cbHeightExp),
				newBand(entropy.BandHH, prevW, prevH, w, h, cbWidthExp, cbHeightExp),
			}
		}

		buildPrecincts(res)
		resolutions[r] = res
		prevW, prevH = w, h
	}

	return resolutions
}

// newBand builds one subband's code-block grid. x0,y0,x1,y1 are embedded
// coordinates (see TileComponent.Data).
func newBand(bandType, x0, y0, x1, y1, cbWidthExp, cbHeightExp int) *Band {
	band := &Band{Type: bandType, X0: x0, Y0: y0, X1: x1, Y1: y1}

	cbWidth := 1 << (cbWidthExp + 2)
	cbHeight := 1 << (cbHeightExp + 2)

	band.CodeBlocksX = ceilDiv(max(x1-x0, 0), cbWidth)
	band.CodeBlocksY = ceilDiv(max(y1-y0, 0), cbHeight)

	numCB := band.CodeBlocksX * band.CodeBlocksY
	band.CodeBlocks = make([]*CodeBlock, numCB)

	for i := 0; i < numCB; i++ {
		cbX := i % max(band.CodeBlocksX, 1)
		cbY := i / max(band.CodeBlocksX, 1)

		band.CodeBlocks[i] = &CodeBlock{
			Index: i,
			X0:    x0 + cbX*cbWidth,
			Y0:    y0 + cbY*cbHeight,
			X1:    min(x0+(cbX+1)*cbWidth, x1),
			Y1:    min(y0+(cbY+1)*cbHeight, y1),
		}
	}

	return band
}

// buildPrecincts assigns every band in res to a single default-sized
// precinct (no PPx/PPy signaled, so one precinct spans the whole
// resolution, which is the standard's default when precinct sizes are not
// explicitly coded).
func buildPrecincts(res *Resolution) {
	p := &Precinct{X0: res.X0, Y0: res.Y0, X1: res.X1, Y1: res.Y1}
	p.CodeBlocks = make([][]*CodeBlock, len(res.Bands))

	maxCBX, maxCBY := 1, 1
	for i, band := range res.Bands {
		p.CodeBlocks[i] = band.CodeBlocks
		if band.CodeBlocksX > maxCBX {
			maxCBX = band.CodeBlocksX
		}
		if band.CodeBlocksY > maxCBY {
			maxCBY = band.CodeBlocksY
		}
	}
	p.InclusionTree = NewTagTree(maxCBX, maxCBY)
	p.IMSBTree = NewTagTree(maxCBX, maxCBY)

	res.Precincts = []*Precinct{p}
	res.PrecinctsX, res.PrecinctsY = 1, 1
}

// TileDecoder decodes a single tile.
type TileDecoder struct {
	header     *codestream.Header
	tileHeader *codestream.TilePartHeader
	tile       *Tile
	htj2k      bool // True if using High-Throughput mode
}

// NewTileDecoder creates a new tile decoder.
func NewTileDecoder(header *codestream.Header) *TileDecoder {
	return &TileDecoder{
		header: header,
		htj2k:  header.IsHTJ2K(),
	}
}

// SetHTJ2K sets whether this decoder uses High-Throughput mode.
func (d *TileDecoder) SetHTJ2K(htj2k bool) {
	d.htj2k = htj2k
}

// Tile returns the current tile being decoded.
func (d *TileDecoder) Tile() *Tile {
	return d.tile
}

// InitTile initializes a tile for decoding.
func (d *TileDecoder) InitTile(tileIndex int) {
	h := d.header

	// Calculate tile bounds
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	d.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	cs := h.CodingStyle

	// Initialize components
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		// Apply subsampling
		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
		}

		width := cx1 - cx0
		height := cy1 - cy0
		tc.Data = make([]int32, width*height)
		tc.Resolutions = buildResolutions(width, height, int(cs.NumDecompositions), int(cs.CodeBlockWidthExp), int(cs.CodeBlockHeightExp))

		d.tile.Components[c] = tc
	}
}

// DecodeCodeBlock decodes a single code-block.
func (d *TileDecoder) DecodeCodeBlock(cb *CodeBlock, bandType int) error {
	if len(cb.Data) == 0 {
		return nil
	}

	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	if d.htj2k {
		// Use HTJ2K decoder
		htDec := entropy.GetHTDecoder(width, height)
		cb.Coefficients = htDec.Decode(cb.Data, cb.TotalBitPlanes, bandType)
		entropy.PutHTDecoder(htDec)
	} else {
		// Use standard EBCOT decoder
		t1 := entropy.NewT1(width, height)
		cb.Coefficients = t1.Decode(cb.Data, cb.TotalBitPlanes, bandType)
	}

	return nil
}

// ApplyInverseDWT applies the inverse wavelet transform.
func (d *TileDecoder) ApplyInverseDWT(tc *TileComponent) {
	h := d.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.ReconstructMultiLevel53(tc.Data, width, height, numLevels)
	} else {
		// 9-7 irreversible
		if tc.DataFloat == nil {
			tc.DataFloat = make([]float64, len(tc.Data))
			for i, v := range tc.Data {
				tc.DataFloat[i] = float64(v)
			}
		}
		dwt.ReconstructMultiLevel97(tc.DataFloat, width, height, numLevels)
		for i, v := range tc.DataFloat {
			tc.Data[i] = int32(v + 0.5)
		}
	}
}

// TileEncoder encodes a single tile.
type TileEncoder struct {
	header *codestream.Header
	tile   *Tile
	htj2k  bool // True if using High-Throughput mode
}

// NewTileEncoder creates a new tile encoder.
func NewTileEncoder(header *codestream.Header) *TileEncoder {
	return &TileEncoder{
		header: header,
		htj2k:  header.IsHTJ2K(),
	}
}

// SetHTJ2K sets whether this encoder uses High-Throughput mode.
func (e *TileEncoder) SetHTJ2K(htj2k bool) {
	e.htj2k = htj2k
}

// Tile returns the current tile being encoded.
func (e *TileEncoder) Tile() *Tile {
	return e.tile
}

// InitTile initializes a tile for encoding.
func (e *TileEncoder) InitTile(tileIndex int, componentData [][]int32) {
	h := e.header

	// Calculate tile bounds (same as decoder)
	tileX := tileIndex % int(h.NumTilesX)
	tileY := tileIndex / int(h.NumTilesX)

	x0 := max(int(h.TileXOffset)+tileX*int(h.TileWidth), int(h.ImageXOffset))
	y0 := max(int(h.TileYOffset)+tileY*int(h.TileHeight), int(h.ImageYOffset))
	x1 := min(int(h.TileXOffset)+(tileX+1)*int(h.TileWidth), int(h.ImageWidth))
	y1 := min(int(h.TileYOffset)+(tileY+1)*int(h.TileHeight), int(h.ImageHeight))

	e.tile = &Tile{
		Index:      tileIndex,
		X0:         x0,
		Y0:         y0,
		X1:         x1,
		Y1:         y1,
		Components: make([]*TileComponent, h.NumComponents),
	}

	cs := h.CodingStyle

	// Initialize components with provided data
	for c := 0; c < int(h.NumComponents); c++ {
		comp := h.ComponentInfo[c]

		cx0 := ceilDiv(x0, int(comp.SubsamplingX))
		cy0 := ceilDiv(y0, int(comp.SubsamplingY))
		cx1 := ceilDiv(x1, int(comp.SubsamplingX))
		cy1 := ceilDiv(y1, int(comp.SubsamplingY))

		tc := &TileComponent{
			Index: c,
			X0:    cx0,
			Y0:    cy0,
			X1:    cx1,
			Y1:    cy1,
			Data:  componentData[c],
		}

		width := cx1 - cx0
		height := cy1 - cy0
		tc.Resolutions = buildResolutions(width, height, int(cs.NumDecompositions), int(cs.CodeBlockWidthExp), int(cs.CodeBlockHeightExp))

		e.tile.Components[c] = tc
	}
}

// ApplyForwardDWT applies the forward wavelet transform.
func (e *TileEncoder) ApplyForwardDWT(tc *TileComponent) {
	h := e.header.CodingStyle
	numLevels := int(h.NumDecompositions)

	width := tc.X1 - tc.X0
	height := tc.Y1 - tc.Y0

	if h.WaveletTransform == 1 {
		// 5-3 reversible
		dwt.DecomposeMultiLevel53(tc.Data, width, height, numLevels)
	} else {
		// 9-7 irreversible
		tc.DataFloat = make([]float64, len(tc.Data))
		for i, v := range tc.Data {
			tc.DataFloat[i] = float64(v)
		}
		dwt.DecomposeMultiLevel97(tc.DataFloat, width, height, numLevels)
	}
}

// EncodeCodeBlock encodes a single code-block.
func (e *TileEncoder) EncodeCodeBlock(cb *CodeBlock, data []int32, bandType int) {
	width := cb.X1 - cb.X0
	height := cb.Y1 - cb.Y0

	if e.htj2k {
		// Use HTJ2K encoder
		htEnc := entropy.GetHTEncoder(width, height)
		htEnc.SetData(data)
		cb.Data = htEnc.Encode(bandType)
		entropy.PutHTEncoder(htEnc)
	} else {
		// Use standard EBCOT encoder
		t1 := entropy.NewT1(width, height)
		t1.SetData(data)
		cb.Data = t1.Encode(bandType)
	}
}

// Helper functions

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
