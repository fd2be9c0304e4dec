package synthetic

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

const (
	imageWidth  = 800
	imageHeight = 600
	jpegQuality = 85
)

// Base colours per category; unknown categories get neutral grey.
var baseColors = map[string]color.RGBA{
	"seat":     {100, 120, 140, 255},
	"handrail": {180, 180, 180, 255},
	"wall":     {220, 220, 210, 255},
	"floor":    {80, 80, 90, 255},
	"graffiti": {200, 200, 200, 255},
	"glass":    {240, 245, 250, 255},
	"window":   {230, 235, 240, 255},
}

func baseColor(category string) color.RGBA {
	if c, ok := baseColors[category]; ok {
		return c
	}
	return color.RGBA{150, 150, 150, 255}
}

// RenderImage draws a synthetic defect photo and encodes it as JPEG.
func RenderImage(rnd *rand.Rand, category string) ([]byte, error) {
	dc := gg.NewContext(imageWidth, imageHeight)
	base := baseColor(category)
	dc.SetColor(base)
	dc.Clear()

	// texture
	for i, n := 0, 50+rnd.Intn(101); i < n; i++ {
		x := float64(rnd.Intn(imageWidth))
		y := float64(rnd.Intn(imageHeight))
		size := float64(1 + rnd.Intn(3))
		dc.SetColor(vary(rnd, base, 30))
		dc.DrawEllipse(x+size/2, y+size/2, size/2, size/2)
		dc.Fill()
	}

	drawDefect(dc, rnd, category)

	var img image.Image = dc.Image()
	if rnd.Float64() > 0.5 {
		img = imaging.Blur(img, 0.5+rnd.Float64())
	}
	if rnd.Float64() > 0.5 {
		// ±20% brightness
		img = imaging.AdjustBrightness(img, (rnd.Float64()*0.4-0.2)*100)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawDefect(dc *gg.Context, rnd *rand.Rand, category string) {
	w, h := imageWidth, imageHeight

	switch category {
	case "graffiti":
		for i, n := 0, 3+rnd.Intn(6); i < n; i++ {
			x := float64(rnd.Intn(w - 100))
			y := float64(rnd.Intn(h - 100))
			rx := float64(20+rnd.Intn(61)) / 2
			ry := float64(20+rnd.Intn(61)) / 2
			dc.SetRGB255(rnd.Intn(256), rnd.Intn(256), rnd.Intn(256))
			dc.DrawEllipse(x+rx, y+ry, rx, ry)
			dc.Fill()
		}

	case "seat":
		// tear
		x := float64(100 + rnd.Intn(w-200))
		y := float64(100 + rnd.Intn(h-200))
		dc.SetRGB255(40, 30, 30)
		dc.MoveTo(x, y)
		dc.LineTo(x+50, y+10)
		dc.LineTo(x+40, y+50)
		dc.LineTo(x-10, y+45)
		dc.ClosePath()
		dc.Fill()

	case "window", "glass":
		// crack polyline
		x, y := float64(rnd.Intn(w)), float64(rnd.Intn(h))
		dc.SetRGB255(50, 50, 50)
		dc.SetLineWidth(2)
		for i, n := 0, 5+rnd.Intn(6); i < n; i++ {
			nx := x + float64(rnd.Intn(201)-100)
			ny := y + float64(rnd.Intn(201)-100)
			dc.DrawLine(x, y, nx, ny)
			dc.Stroke()
			x, y = nx, ny
		}

	case "floor":
		// dirt spots
		dc.SetRGB255(30, 25, 20)
		for i, n := 0, 5+rnd.Intn(11); i < n; i++ {
			r := float64(10+rnd.Intn(31)) / 2
			x := float64(rnd.Intn(w))
			y := float64(rnd.Intn(h))
			dc.DrawEllipse(x+r, y+r, r, r)
			dc.Fill()
		}

	default:
		x := float64(50 + rnd.Intn(w-100))
		y := float64(50 + rnd.Intn(h-100))
		dc.SetRGB255(100, 80, 70)
		dc.DrawRectangle(x, y, 60, 40)
		dc.Fill()
	}
}

func vary(rnd *rand.Rand, c color.RGBA, variance int) color.RGBA {
	shift := func(v uint8) uint8 {
		n := int(v) + rnd.Intn(2*variance+1) - variance
		if n < 0 {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		return uint8(n)
	}
	return color.RGBA{shift(c.R), shift(c.G), shift(c.B), 255}
}
