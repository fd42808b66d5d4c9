package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/video-system/go-vision-pipeline/pkg/format"
)

// EncodeJPEG compresses one frame. MJPEG frames are returned as they are.
func EncodeJPEG(data []byte, f format.Format, quality int) ([]byte, error) {
	if f.PixelFormat == format.FourCCMJPEG {
		return data, nil
	}
	img, err := ToImage(data, f)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ToImage wraps or converts a raw frame into an image.Image
func ToImage(data []byte, f format.Format) (image.Image, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", w, h)
	}
	if need := f.FrameSize(); len(data) < need {
		return nil, fmt.Errorf("%s frame of %d bytes, need %d", f.PixelFormat, len(data), need)
	}
	rect := image.Rect(0, 0, w, h)

	switch f.PixelFormat {
	case format.FourCCGrey:
		return &image.Gray{Pix: data[:w*h], Stride: w, Rect: rect}, nil

	case format.FourCCYUYV, format.FourCCUYVY:
		if w%2 != 0 {
			return nil, fmt.Errorf("%s needs an even width, got %d", f.PixelFormat, w)
		}
		// Byte offsets of Y0, Cb, Y1 and Cr within a macropixel
		y0, cb, y1, cr := 0, 1, 2, 3
		if f.PixelFormat == format.FourCCUYVY {
			y0, cb, y1, cr = 1, 0, 3, 2
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for row := 0; row < h; row++ {
			src := data[row*w*2 : (row+1)*w*2]
			for x := 0; x < w/2; x++ {
				m := src[x*4 : x*4+4]
				img.Y[row*img.YStride+2*x] = m[y0]
				img.Y[row*img.YStride+2*x+1] = m[y1]
				img.Cb[row*img.CStride+x] = m[cb]
				img.Cr[row*img.CStride+x] = m[cr]
			}
		}
		return img, nil

	case format.FourCCYU12, format.FourCCNV12:
		if w%2 != 0 || h%2 != 0 {
			return nil, fmt.Errorf("%s needs even dimensions, got %dx%d", f.PixelFormat, w, h)
		}
		cw, ch := w/2, h/2
		img := &image.YCbCr{
			Y:              data[:w*h],
			YStride:        w,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}
		if f.PixelFormat == format.FourCCYU12 {
			img.Cb = data[w*h : w*h+cw*ch]
			img.Cr = data[w*h+cw*ch : w*h+2*cw*ch]
			return img, nil
		}
		uv := data[w*h : w*h+2*cw*ch]
		img.Cb = make([]byte, cw*ch)
		img.Cr = make([]byte, cw*ch)
		for i := 0; i < cw*ch; i++ {
			img.Cb[i] = uv[2*i]
			img.Cr[i] = uv[2*i+1]
		}
		return img, nil

	case format.FourCCRGB24, format.FourCCBGR24:
		r, b := 0, 2
		if f.PixelFormat == format.FourCCBGR24 {
			r, b = 2, 0
		}
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			p := data[i*3 : i*3+3]
			img.Pix[i*4] = p[r]
			img.Pix[i*4+1] = p[1]
			img.Pix[i*4+2] = p[b]
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	}

	return nil, fmt.Errorf("no preview conversion for %s", f.PixelFormat)
}
