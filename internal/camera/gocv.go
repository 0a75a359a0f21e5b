package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// matFrame wraps a captured Mat as a Frame.
type matFrame struct {
	mat gocv.Mat
}

func (f *matFrame) Encode() ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, f.mat)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())

	return data, nil
}

func (f *matFrame) Close() {
	f.mat.Close()
}

// VideoDriver drives a V4L2 camera through OpenCV's capture API.
type VideoDriver struct {
	mu  sync.Mutex
	cap *gocv.VideoCapture

	// discard is the number of buffered frames flushed by Settle.
	discard int
}

// OpenVideoDriver opens the camera device (an index or a device path).
func OpenVideoDriver(device any) (*VideoDriver, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("opening camera %v: %w", device, err)
	}

	return &VideoDriver{cap: cap, discard: 3}, nil
}

// Apply sets manual gain and exposure controls.
func (d *VideoDriver) Apply(settings Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cap.Set(gocv.VideoCaptureGain, settings.Gain)
	d.cap.Set(gocv.VideoCaptureExposure, float64(settings.ExposureUs))

	return nil
}

// Settle flushes frames buffered before the last settings change.
func (d *VideoDriver) Settle() {
	d.mu.Lock()
	defer d.mu.Unlock()

	mat := gocv.NewMat()
	defer mat.Close()

	for i := 0; i < d.discard; i++ {
		d.cap.Read(&mat)
	}
}

// Grab captures one frame.
func (d *VideoDriver) Grab(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mat := gocv.NewMat()
	if !d.cap.Read(&mat) || mat.Empty() {
		mat.Close()
		return nil, errors.New("camera returned no frame")
	}

	return &matFrame{mat: mat}, nil
}

// Close releases the camera device.
func (d *VideoDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cap.Close()
}

// QualityScorer rates frames for auto-calibration as the sum of
// sharpness (mean Sobel gradient magnitude), contrast (grayscale
// standard deviation) and mean saturation. Higher is better.
type QualityScorer struct{}

func (QualityScorer) Score(frameJPEG []byte) (float64, error) {
	img, err := gocv.IMDecode(frameJPEG, gocv.IMReadColor)
	if err != nil {
		return 0, fmt.Errorf("decoding frame: %w", err)
	}
	defer img.Close()

	if img.Empty() {
		return 0, errors.New("decoded frame is empty")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	return sharpness(gray) + contrast(gray) + saturation(img), nil
}

// sharpness is the mean gradient magnitude of the grayscale image,
// approximated as the average of the absolute Sobel derivatives.
func sharpness(gray gocv.Mat) float64 {
	gradX := gocv.NewMat()
	defer gradX.Close()
	gradY := gocv.NewMat()
	defer gradY.Close()

	gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderDefault)

	absX := gocv.NewMat()
	defer absX.Close()
	absY := gocv.NewMat()
	defer absY.Close()

	gocv.ConvertScaleAbs(gradX, &absX, 1, 0)
	gocv.ConvertScaleAbs(gradY, &absY, 1, 0)

	grad := gocv.NewMat()
	defer grad.Close()
	gocv.AddWeighted(absX, 0.5, absY, 0.5, 0, &grad)

	mean, _ := meanStdDev(grad)

	return mean
}

// contrast is the standard deviation of the grayscale intensities.
func contrast(gray gocv.Mat) float64 {
	_, stddev := meanStdDev(gray)
	return stddev
}

// saturation is the mean of the HSV saturation channel.
func saturation(img gocv.Mat) float64 {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	if len(channels) < 2 {
		return 0
	}

	mean, _ := meanStdDev(channels[1])

	return mean
}

func meanStdDev(m gocv.Mat) (mean, stddev float64) {
	meanMat := gocv.NewMat()
	defer meanMat.Close()
	stddevMat := gocv.NewMat()
	defer stddevMat.Close()

	gocv.MeanStdDev(m, &meanMat, &stddevMat)

	return meanMat.GetDoubleAt(0, 0), stddevMat.GetDoubleAt(0, 0)
}
