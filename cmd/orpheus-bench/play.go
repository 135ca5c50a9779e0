package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/devasphn/orpheus-chat/internal/audio"
)

// playbackBufferBytes holds a full reply so slow playback never
// back-pressures the download loop and distorts the timings
const playbackBufferBytes = 8 << 20

// The audio device context can only be opened once per process
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func audioContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("open audio device: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

type livePlayback struct {
	buffer *audio.StreamBuffer
	player *oto.Player
}

// startPlayback opens the audio device and begins draining the returned
// buffer as signed 16-bit mono PCM. Reads block until data arrives, so
// the device never starves while the network catches up.
func startPlayback() (*livePlayback, error) {
	ctx, err := audioContext()
	if err != nil {
		return nil, err
	}
	buffer := audio.NewStreamBuffer(playbackBufferBytes)
	player := ctx.NewPlayer(buffer)
	player.Play()
	return &livePlayback{buffer: buffer, player: player}, nil
}

// wait blocks until playback drains, then releases the player
func (lp *livePlayback) wait() {
	for lp.player.IsPlaying() {
		time.Sleep(50 * time.Millisecond)
	}
	lp.player.Close()
}
