package bridge

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// InputSampleRate is the microphone capture rate the model expects.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech.
	OutputSampleRate = 24000
	// CaptureBlockSize is the number of samples per captured block.
	CaptureBlockSize = 4096
)

// Frame is one encoded block of microphone audio.
type Frame struct {
	Data     []byte
	MIMEType string
}

// Base64 is the compact text form used on JSON transports.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Data)
}

// PCMMIMEType returns the mime type for 16-bit little-endian PCM at rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// EncodeFrame converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range samples are clamped.
func EncodeFrame(samples []float32, rate int) Frame {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(math.Round(float64(s) * 32768))
		} else {
			v = int16(math.Round(float64(s) * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return Frame{Data: out, MIMEType: PCMMIMEType(rate)}
}

// DecodePCM16 converts 16-bit little-endian PCM to float samples. A trailing
// odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// SampleRateFromMIME extracts "rate=N" from an audio mime type, or returns def.
func SampleRateFromMIME(mime string, def int) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "rate=") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(part, "rate=")); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Duration returns how long n samples last at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// DecodeAudioPart decodes an inline audio chunk into playback samples and
// their sample rate. Only raw PCM is supported.
func DecodeAudioPart(p AudioPart) ([]float32, int, error) {
	mime := strings.ToLower(strings.TrimSpace(p.MIMEType))
	if mime != "" && !strings.HasPrefix(mime, "audio/pcm") && !strings.HasPrefix(mime, "audio/l16") {
		return nil, 0, fmt.Errorf("unsupported audio mime type %q", p.MIMEType)
	}
	return DecodePCM16(p.Data), SampleRateFromMIME(mime, OutputSampleRate), nil
}
