package chess

import (
	"bytes"
	"context"
	"image/png"
	"testing"
)

func TestRenderPNG(t *testing.T) {
	g := NewGame()
	if _, err := g.Apply("e2e4"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ctx := context.Background()
	white, err := RenderPNG(ctx, g, RenderOptions{Header: "alice vs bob"})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(white))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != boardSize+sideMargin*2 || b.Dy() != boardSize+topMargin+bottomMargin {
		t.Fatalf("unexpected bounds %v", b)
	}
	black, err := RenderPNG(ctx, g, RenderOptions{Header: "alice vs bob", Flip: true})
	if err != nil {
		t.Fatalf("RenderPNG flip: %v", err)
	}
	if bytes.Equal(white, black) {
		t.Fatalf("flipped render should differ")
	}
}

func TestRenderPNGHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := RenderPNG(ctx, NewGame(), RenderOptions{}); err == nil {
		t.Fatalf("expected cancelled context error")
	}
}
