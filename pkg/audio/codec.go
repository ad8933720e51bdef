package audio

import (
	"encoding/base64"
	"errors"
)

// ErrMalformedPayload is returned by [DecodePCM16] when an inbound payload is
// not valid s16le PCM (odd byte count). Decode failures on individual frames
// are logged and the frame dropped; the session continues.
var ErrMalformedPayload = errors.New("audio: malformed PCM payload")

// EncodePCM16 quantizes normalised float samples to 16-bit signed
// little-endian PCM. Each sample is scaled by 32768; values outside [-1, 1]
// are clamped to the int16 range rather than wrapped, so clipped input
// produces a flat-topped wave instead of an audible pop.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(uint16(v))
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// DecodePCM16 is the inverse of [EncodePCM16]: it expands s16le PCM bytes to
// normalised float samples by dividing each value by 32768. Returns
// [ErrMalformedPayload] when data is not a whole number of samples.
//
// Round-trip law: DecodePCM16(EncodePCM16(x)) differs from x by at most
// 1/32768 per sample for all x in [-1, 1].
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, ErrMalformedPayload
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// ToTransportText encodes wire bytes into the text-safe transport form used
// by the inference service (standard base64, no compression). The ~33% size
// overhead bounds the achievable frame rate under the service's per-message
// ceiling.
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText reverses [ToTransportText].
func FromTransportText(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}
