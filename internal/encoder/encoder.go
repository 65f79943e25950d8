package encoder

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"GoTrialRunner/internal/gateway"
)

// Encoder 把原始帧转换为可传输的字符串
type Encoder interface {
	Encode(frame gateway.RawFrame) (string, error)
}

// JPEG 编码为JPEG后再做base64
type JPEG struct {
	Quality int
}

// NewJPEG 创建JPEG编码器，quality 超出范围时使用默认值
func NewJPEG(quality int) *JPEG {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &JPEG{Quality: quality}
}

// Encode 实现 Encoder
func (e *JPEG) Encode(frame gateway.RawFrame) (string, error) {
	img, err := ToImage(frame)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return "", fmt.Errorf("jpeg encode failed: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ToImage 把原始缓冲区转换为标准图像
func ToImage(frame gateway.RawFrame) (image.Image, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, frame.Width, frame.Height)
	switch frame.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, frame.Pix)
		return img, nil
	case 4:
		img := image.NewRGBA(rect)
		copy(img.Pix, frame.Pix)
		return img, nil
	default:
		img := image.NewRGBA(rect)
		for src, dst := 0, 0; src < len(frame.Pix); src, dst = src+3, dst+4 {
			img.Pix[dst] = frame.Pix[src]
			img.Pix[dst+1] = frame.Pix[src+1]
			img.Pix[dst+2] = frame.Pix[src+2]
			img.Pix[dst+3] = 0xff
		}
		return img, nil
	}
}
