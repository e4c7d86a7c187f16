package chess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RenderOptions controls the board snapshot image.
type RenderOptions struct {
	// Flip draws the board from black's side.
	Flip   bool
	Header string
}

const (
	squareSize   = 64
	boardSquares = 8
	boardSize    = squareSize * boardSquares
	sideMargin   = 28
	topMargin    = 44
	bottomMargin = 28
)

var (
	lightSquare         = color.RGBA{233, 207, 163, 255}
	darkSquare          = color.RGBA{187, 136, 96, 255}
	lastMoveFill        = color.NRGBA{R: 255, G: 228, B: 120, A: 140}
	backgroundColor     = color.NRGBA{R: 28, G: 31, B: 46, A: 255}
	hudTextPrimary      = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	coordinateTextColor = color.NRGBA{R: 8, G: 214, B: 120, A: 255}
)

// RenderPNG draws the current position with the last move highlighted.
func RenderPNG(ctx context.Context, g *Game, opts RenderOptions) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("game is nil")
	}
	board := g.board()

	totalWidth := boardSize + sideMargin*2
	totalHeight := boardSize + topMargin + bottomMargin
	origin := image.Point{X: sideMargin, Y: topMargin}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img := image.NewRGBA(image.Rect(0, 0, totalWidth, totalHeight))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	drawSquares(img, origin, opts.Flip)
	if last := g.lastMove(); last != nil {
		drawSquareOverlay(img, last.S1(), origin, opts.Flip, lastMoveFill)
		drawSquareOverlay(img, last.S2(), origin, opts.Flip, lastMoveFill)
	}
	if err := drawPieces(img, board, origin, opts.Flip); err != nil {
		return nil, err
	}
	drawCoordinates(img, origin, opts.Flip)
	drawHeader(img, opts.Header, string(g.Turn()), totalWidth)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawSquares(dst imagedraw.Image, origin image.Point, flip bool) {
	for rank := 0; rank < boardSquares; rank++ {
		for file := 0; file < boardSquares; file++ {
			sq := nchess.NewSquare(nchess.File(file), nchess.Rank(rank))
			rect := squareRect(sq, origin, flip)
			imagedraw.Draw(dst, rect, image.NewUniform(squareColor(sq)), image.Point{}, imagedraw.Src)
		}
	}
}

func drawPieces(dst imagedraw.Image, board *nchess.Board, origin image.Point, flip bool) error {
	for sq, piece := range board.SquareMap() {
		if piece == nchess.NoPiece {
			continue
		}
		pieceImg, err := renderPieceImage(piece, squareSize)
		if err != nil {
			return err
		}
		rect := squareRect(sq, origin, flip)
		imagedraw.Draw(dst, rect, pieceImg, image.Point{}, imagedraw.Over)
	}
	return nil
}

func drawSquareOverlay(img *image.RGBA, sq nchess.Square, origin image.Point, flip bool, clr color.Color) {
	rect := squareRect(sq, origin, flip)
	imagedraw.Draw(img, rect, image.NewUniform(clr), image.Point{}, imagedraw.Over)
}

func drawCoordinates(dst imagedraw.Image, origin image.Point, flip bool) {
	drawer := &font.Drawer{Dst: dst, Face: basicfont.Face7x13, Src: image.NewUniform(coordinateTextColor)}
	ascent := basicfont.Face7x13.Metrics().Ascent.Ceil()
	for i := 0; i < boardSquares; i++ {
		file := nchess.File(i)
		rank := nchess.Rank(i)
		fileRect := squareRect(nchess.NewSquare(file, nchess.Rank1), origin, flip)
		rankRect := squareRect(nchess.NewSquare(nchess.FileA, rank), origin, flip)
		drawCenteredText(drawer, file.String(), fileRect.Min.X+squareSize/2, origin.Y+boardSize+ascent+4)
		drawCenteredText(drawer, rank.String(), origin.X-sideMargin/2, rankRect.Min.Y+squareSize/2+ascent/2)
	}
}

func drawHeader(dst imagedraw.Image, header, turn string, width int) {
	drawer := &font.Drawer{Dst: dst, Face: basicfont.Face7x13, Src: image.NewUniform(hudTextPrimary)}
	text := strings.TrimSpace(header)
	if text == "" {
		text = "White vs Black"
	}
	text = text + "  |  " + turn + " to move"
	drawCenteredText(drawer, text, width/2, topMargin/2+4)
}

func drawCenteredText(drawer *font.Drawer, text string, centerX, baseline int) {
	if text == "" {
		return
	}
	w := drawer.MeasureString(text).Round()
	drawer.Dot = fixed.P(centerX-w/2, baseline)
	drawer.DrawString(text)
}

func squareRect(sq nchess.Square, origin image.Point, flip bool) image.Rectangle {
	col := int(sq.File())
	row := 7 - int(sq.Rank())
	if flip {
		col = 7 - col
		row = 7 - row
	}
	x := origin.X + col*squareSize
	y := origin.Y + row*squareSize
	return image.Rect(x, y, x+squareSize, y+squareSize)
}

func squareColor(sq nchess.Square) color.Color {
	if (int(sq.File())+int(sq.Rank()))%2 == 0 {
		return darkSquare
	}
	return lightSquare
}
