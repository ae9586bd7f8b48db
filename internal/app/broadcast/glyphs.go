package broadcast

import (
	"hash/fnv"
	"image"
	"math"

	"github.com/fogleman/gg"
)

// beam-style avatar palette
var avatarPalette = []string{"#92a1c6", "#146a7c", "#f0ab3d", "#c271b4", "#c20d90"}

// drawMicOff draws a crossed microphone of the given size with its top-left at (x, y).
func drawMicOff(dc *gg.Context, x, y, size float64) {
	dc.Push()
	defer dc.Pop()

	dc.SetHexColor("#ffffff")
	dc.SetLineWidth(math.Max(1, size/12))
	dc.SetLineCapRound()

	capsuleW := size * 0.3
	capsuleH := size * 0.5
	cx := x + size/2
	dc.DrawRoundedRectangle(cx-capsuleW/2, y+size*0.1, capsuleW, capsuleH, capsuleW/2)
	dc.Fill()

	dc.DrawArc(cx, y+size*0.4, size*0.28, 0, math.Pi)
	dc.Stroke()
	dc.DrawLine(cx, y+size*0.68, cx, y+size*0.88)
	dc.Stroke()
	dc.DrawLine(cx-size*0.18, y+size*0.88, cx+size*0.18, y+size*0.88)
	dc.Stroke()

	dc.SetHexColor("#ef4444")
	dc.DrawLine(x+size*0.15, y+size*0.1, x+size*0.85, y+size*0.9)
	dc.Stroke()
}

// accountImage is the generic profile glyph used when nothing better exists.
func accountImage(size int) image.Image {
	s := float64(size)
	dc := gg.NewContext(size, size)
	dc.DrawCircle(s/2, s/2, s/2)
	dc.Clip()

	dc.SetHexColor("#71717a")
	dc.DrawRectangle(0, 0, s, s)
	dc.Fill()

	dc.SetHexColor("#e4e4e7")
	dc.DrawCircle(s/2, s*0.38, s*0.18)
	dc.Fill()
	dc.DrawEllipse(s/2, s*0.92, s*0.34, s*0.28)
	dc.Fill()
	return dc.Image()
}

// avatarImage derives a deterministic face from name.
func avatarImage(name string, size int) image.Image {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()

	s := float64(size)
	bg := avatarPalette[sum%uint32(len(avatarPalette))]
	face := avatarPalette[(sum/7+1)%uint32(len(avatarPalette))]
	if face == bg {
		face = avatarPalette[(sum%uint32(len(avatarPalette))+2)%uint32(len(avatarPalette))]
	}
	tilt := float64(int(sum%21)-10) * math.Pi / 180

	dc := gg.NewContext(size, size)
	dc.DrawCircle(s/2, s/2, s/2)
	dc.Clip()
	dc.SetHexColor(bg)
	dc.DrawRectangle(0, 0, s, s)
	dc.Fill()

	dc.RotateAbout(tilt, s/2, s/2)
	dc.SetHexColor(face)
	dc.DrawRoundedRectangle(s*0.2, s*0.2, s*0.6, s*0.6, s*0.3)
	dc.Fill()

	dc.SetHexColor("#000000")
	dc.DrawCircle(s*0.4, s*0.45, s*0.04)
	dc.DrawCircle(s*0.6, s*0.45, s*0.04)
	dc.Fill()
	dc.SetLineWidth(math.Max(1, s/40))
	dc.DrawArc(s/2, s*0.55, s*0.1, 0, math.Pi)
	dc.Stroke()
	return dc.Image()
}

// circleCrop masks img to the circle inscribed in a size x size square.
func circleCrop(img image.Image, size int) image.Image {
	s := float64(size)
	dc := gg.NewContext(size, size)
	dc.DrawCircle(s/2, s/2, s/2)
	dc.Clip()
	dc.DrawImage(img, 0, 0)
	return dc.Image()
}
