// Package device provides the local microphone and speaker for the bridge,
// using malgo for capture and oto for playback.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-assist/pkg/bridge"
)

// Devices opens capture and playback channels on the default audio devices.
type Devices struct {
	logger *slog.Logger
	ctx    *malgo.AllocatedContext
}

func Open(logger *slog.Logger) (*Devices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		logger.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Devices{logger: logger, ctx: ctx}, nil
}

func (d *Devices) Close() error {
	if d.ctx == nil {
		return nil
	}
	_ = d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return nil
}

func (d *Devices) OpenCapture(sampleRate int) (bridge.Capture, error) {
	c := &capture{block: make([]float32, 0, bridge.CaptureBlockSize)}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { c.push(in) },
	})
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	c.dev = dev
	return c, nil
}

type capture struct {
	dev *malgo.Device

	mu      sync.Mutex
	onBlock func([]float32)
	block   []float32
	closed  bool
}

func (c *capture) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	c.onBlock = onBlock
	c.mu.Unlock()
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	return nil
}

// push collects F32 samples into fixed-size blocks.
func (c *capture) push(in []byte) {
	var full [][]float32

	c.mu.Lock()
	if c.closed || c.onBlock == nil {
		c.mu.Unlock()
		return
	}
	for i := 0; i+4 <= len(in); i += 4 {
		c.block = append(c.block, math.Float32frombits(binary.LittleEndian.Uint32(in[i:])))
		if len(c.block) == bridge.CaptureBlockSize {
			full = append(full, c.block)
			c.block = make([]float32, 0, bridge.CaptureBlockSize)
		}
	}
	fn := c.onBlock
	c.mu.Unlock()

	for _, b := range full {
		fn(b)
	}
}

func (c *capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.dev.Stop()
	c.dev.Uninit()
	return nil
}

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func otoContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			otoErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		otoRate = sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("speaker already opened at %d Hz", otoRate)
	}
	return otoCtx, nil
}

func (d *Devices) OpenOutput(sampleRate int) (bridge.Output, error) {
	ctx, err := otoContext(sampleRate)
	if err != nil {
		return nil, err
	}
	mixer := NewMixer(sampleRate)
	player := ctx.NewPlayer(mixer)
	player.Play()
	return &output{Mixer: mixer, player: player}, nil
}

type output struct {
	*Mixer
	player *oto.Player
}

func (o *output) Close() error {
	o.player.Pause()
	err := o.player.Close()
	_ = o.Mixer.Close()
	return err
}
