package cv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Camera grabs single frames from a video device and encodes them as JPEG, ready to send.
type Camera struct {
	Width, Height int

	webcam *gocv.VideoCapture
	img    gocv.Mat
}

func OpenCamera(device, width, height int) (*Camera, error) {
	webcam, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", device, err)
	}
	webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return &Camera{Width: width, Height: height, webcam: webcam, img: gocv.NewMat()}, nil
}

// CaptureJPEG reads one frame, resized to the configured size.
func (c *Camera) CaptureJPEG() ([]byte, error) {
	if ok := c.webcam.Read(&c.img); !ok || c.img.Empty() {
		return nil, fmt.Errorf("camera returned no frame")
	}
	if c.img.Cols() != c.Width || c.img.Rows() != c.Height {
		gocv.Resize(c.img, &c.img, image.Point{X: c.Width, Y: c.Height}, 0, 0, gocv.InterpolationDefault)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.img)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	// the native buffer is freed on Close
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (c *Camera) Close() error {
	c.img.Close()
	return c.webcam.Close()
}
