package encoder

import (
	"bytes"
	"encoding/base64"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoTrialRunner/internal/gateway"
)

func TestJPEGEncode(t *testing.T) {
	frame := gateway.RawFrame{Width: 4, Height: 2, Channels: 3, Pix: bytes.Repeat([]byte{200, 10, 10}, 8)}

	encoded, err := NewJPEG(90).Encode(frame)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
}

func TestJPEGEncodeInvalidFrame(t *testing.T) {
	_, err := NewJPEG(0).Encode(gateway.RawFrame{Width: 4, Height: 4, Channels: 3, Pix: []byte{1}})
	assert.ErrorIs(t, err, gateway.ErrInvalidRawFrame)
}

func TestToImageChannels(t *testing.T) {
	gray, err := ToImage(gateway.RawFrame{Width: 1, Height: 1, Channels: 1, Pix: []byte{9}})
	require.NoError(t, err)
	r, _, _, _ := gray.At(0, 0).RGBA()
	assert.Equal(t, uint32(9)*0x101, r)

	rgb, err := ToImage(gateway.RawFrame{Width: 1, Height: 1, Channels: 3, Pix: []byte{1, 2, 3}})
	require.NoError(t, err)
	_, g, _, a := rgb.At(0, 0).RGBA()
	assert.Equal(t, uint32(2)*0x101, g)
	assert.Equal(t, uint32(0xffff), a)
}
