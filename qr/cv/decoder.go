// Package cv implements qr.Decoder and a camera image source with OpenCV.
package cv

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

var ErrEmptyImage = errors.New("image could not be decoded")

// Decoder finds QR codes with OpenCV's detector. It is safe for concurrent use.
type Decoder struct {
	mu       sync.Mutex
	detector gocv.QRCodeDetector
}

func NewDecoder() *Decoder {
	return &Decoder{detector: gocv.NewQRCodeDetector()}
}

// Decode reads an encoded image (JPEG, PNG, ...) and returns the QR code contents found in it.
func (d *Decoder) Decode(image []byte) ([]string, error) {
	img, err := gocv.IMDecode(image, gocv.IMReadGrayScale)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	return d.decode(img), nil
}

// DecodeGray scans a raw 8 bit grayscale frame of width*height bytes.
func (d *Decoder) DecodeGray(gray []byte, width, height int) ([]string, error) {
	if len(gray) != width*height {
		return nil, fmt.Errorf("gray frame is %d bytes, %dx%d needs %d", len(gray), width, height, width*height)
	}
	img, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, gray)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return d.decode(img), nil
}

// decode finds every code in img. Each detected quadrangle is decoded on its own, cropped with a
// margin for the quiet zone, so one frame can yield several codes.
func (d *Decoder) decode(img gocv.Mat) []string {
	quads := gocv.NewMat()
	defer quads.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.detector.DetectMulti(img, &quads) {
		return nil
	}

	var codes []string
	seen := make(map[string]bool)
	for i := 0; i < quads.Rows(); i++ {
		var corners [4]image.Point
		for j := range corners {
			v := quads.GetVecfAt(i, j)
			corners[j] = image.Pt(int(v[0]), int(v[1]))
		}
		s := d.decodeRegion(img, quadBounds(corners, img.Cols(), img.Rows()))
		if s != "" && !seen[s] {
			seen[s] = true
			codes = append(codes, s)
		}
	}
	return codes
}

func (d *Decoder) decodeRegion(img gocv.Mat, r image.Rectangle) string {
	if r.Empty() {
		return ""
	}
	region := img.Region(r)
	defer region.Close()
	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()
	return d.detector.DetectAndDecode(region, &points, &straight)
}

// quadBounds is the bounding box of corners grown by a quarter of its size on every side and
// clipped to a width x height frame.
func quadBounds(corners [4]image.Point, width, height int) image.Rectangle {
	var r image.Rectangle
	for _, c := range corners {
		r = r.Union(image.Rectangle{Min: c, Max: c.Add(image.Pt(1, 1))})
	}
	margin := max(r.Dx(), r.Dy()) / 4
	return r.Inset(-margin).Intersect(image.Rect(0, 0, width, height))
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detector.Close()
}
