package objectdetection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var overlayFont *truetype.Font

// init sets up the font we use for the labels.
func init() {
	var err error
	overlayFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

const (
	overlayLineWidth = 2.0
	overlayFontSize  = 14.0
	labelPad         = 10.0
)

// boxColors is the palette used for the bounding boxes, keyed by the
// detection's class index modulo the palette length. The order matches the
// class order of the station safety models.
var boxColors = []color.NRGBA{
	{0, 0, 255, 255},   // oxygen tank
	{0, 255, 0, 255},   // nitrogen tank
	{255, 0, 0, 255},   // first aid box
	{0, 255, 255, 255}, // fire alarm
	{255, 0, 255, 255}, // safety switch panel
	{255, 255, 0, 255}, // emergency phone
	{128, 0, 128, 255}, // fire extinguisher
}

// ClassColor returns the palette color for a class index. Detections built
// without a class index all share the first color.
func ClassColor(classID int) color.NRGBA {
	if classID < 0 {
		classID = 0
	}
	return boxColors[classID%len(boxColors)]
}

// Overlay returns a copy of the image with the detection bounding boxes and
// labels drawn over it. Boxes that extend past the image edge are clipped by
// the drawing context rather than rejected.
func Overlay(img image.Image, dets []Detection) (image.Image, error) {
	dc := gg.NewContextForImage(img)
	for _, det := range dets {
		if det.BoundingBox() == nil {
			continue
		}
		drawDetection(dc, det)
	}
	return dc.Image(), nil
}

func drawDetection(dc *gg.Context, det Detection) {
	classID := -1
	if cd, ok := det.(ClassedDetection); ok {
		classID = cd.ClassID()
	}
	c := ClassColor(classID)
	box := *det.BoundingBox()
	drawRectangleEmpty(dc, box, c, overlayLineWidth)

	label := fmt.Sprintf("%s %.2f", det.Label(), det.Score())
	dc.SetFontFace(truetype.NewFace(overlayFont, &truetype.Options{Size: overlayFontSize}))
	labelW, labelH := dc.MeasureString(label)

	// filled background behind the label, then the label itself in white
	x, y := float64(box.Min.X), float64(box.Min.Y)
	dc.SetColor(c)
	dc.DrawRectangle(x, y-labelH-labelPad, labelW, labelH+labelPad)
	dc.Fill()
	dc.SetColor(color.White)
	dc.DrawString(label, x, y-labelPad/2.)
}

// drawRectangleEmpty draws the given rectangle into the context. The positions of the
// rectangle are used to place it within the context.
func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Min.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Min.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Max.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Max.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()
}
