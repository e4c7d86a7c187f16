package chess

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// Piece glyphs are drawn on a 45x45 canvas. Each shape shares a pedestal and
// differs in the crown.
const pieceBase = `<path d="M 9,39 L 36,39 L 36,36 L 9,36 Z"/>` +
	`<path d="M 12,36 L 33,36 L 30,31 L 15,31 Z"/>`

var pieceCrowns = map[nchess.PieceType]string{
	nchess.Pawn: `<circle cx="22.5" cy="14" r="5"/>` +
		`<path d="M 17,31 L 28,31 L 26,19 L 19,19 Z"/>`,
	nchess.Knight: `<path d="M 15,31 L 30,31 C 30,22 28,14 22,9 L 20,6 L 18,10 ` +
		`C 14,12 11,17 11,21 L 14,22 L 18,19 L 20,21 C 16,24 15,27 15,31 Z"/>`,
	nchess.Bishop: `<path d="M 16,31 L 29,31 C 30,24 28,17 22.5,11 C 17,17 15,24 16,31 Z"/>` +
		`<circle cx="22.5" cy="8" r="2.5"/>`,
	nchess.Rook: `<path d="M 15,31 L 30,31 L 29,17 L 16,17 Z"/>` +
		`<path d="M 12,17 L 33,17 L 33,9 L 29,9 L 29,12 L 25,12 L 25,9 L 20,9 ` +
		`L 20,12 L 16,12 L 16,9 L 12,9 Z"/>`,
	nchess.Queen: `<path d="M 14,31 L 31,31 L 36,12 L 29,24 L 26,9 L 22.5,23 L 19,9 L 16,24 L 9,12 Z"/>` +
		`<circle cx="9" cy="11" r="2"/><circle cx="19" cy="8" r="2"/>` +
		`<circle cx="26" cy="8" r="2"/><circle cx="36" cy="11" r="2"/>`,
	nchess.King: `<path d="M 13,31 L 32,31 C 36,24 34,17 28,17 C 25,17 23.5,20 22.5,22 ` +
		`C 21.5,20 20,17 17,17 C 11,17 9,24 13,31 Z"/>` +
		`<path d="M 21,6 L 24,6 L 24,9 L 27,9 L 27,12 L 24,12 L 24,17 L 21,17 ` +
		`L 21,12 L 18,12 L 18,9 L 21,9 Z"/>`,
}

func pieceSVG(piece nchess.Piece) (string, error) {
	crown, ok := pieceCrowns[piece.Type()]
	if !ok {
		return "", fmt.Errorf("unknown piece type %v", piece.Type())
	}
	fill, stroke := "#ffffff", "#000000"
	if piece.Color() == nchess.Black {
		fill, stroke = "#000000", "#e6e6e6"
	}
	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 45 45" width="45" height="45">`)
	fmt.Fprintf(&b, `<g fill="%s" stroke="%s" stroke-width="1.5" stroke-linejoin="round">`, fill, stroke)
	b.WriteString(pieceBase)
	b.WriteString(crown)
	b.WriteString(`</g></svg>`)
	return b.String(), nil
}

type pieceCacheKey struct {
	piece nchess.Piece
	size  int
}

var (
	pieceCache   = map[pieceCacheKey]image.Image{}
	pieceCacheMu sync.RWMutex
)

func renderPieceImage(piece nchess.Piece, size int) (image.Image, error) {
	key := pieceCacheKey{piece: piece, size: size}

	pieceCacheMu.RLock()
	if img, ok := pieceCache[key]; ok {
		pieceCacheMu.RUnlock()
		return img, nil
	}
	pieceCacheMu.RUnlock()

	svg, err := pieceSVG(piece)
	if err != nil {
		return nil, err
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	pieceCacheMu.Lock()
	pieceCache[key] = img
	pieceCacheMu.Unlock()

	return img, nil
}
