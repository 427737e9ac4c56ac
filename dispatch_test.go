package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func testReceiverState(t *testing.T) (*ReceiverState, *Config) {
	t.Helper()
	rc := ReceiverConfig{
		ID:            "rx0",
		SPS:           24000,
		Signal:        SignalReal,
		FFTSize:       1024,
		AudioSPS:      12000,
		WaterfallSize: 256,
		InputFormat:   FormatS16,
		Defaults:      ReceiverDefaults{Modulation: "USB"},
	}
	cfg := baseConfig(rc)
	rt, err := rc.Runtime(cfg)
	if err != nil {
		t.Fatal(err)
	}
	state, err := NewReceiverState(&cfg.Receivers[0], rt)
	if err != nil {
		t.Fatal(err)
	}
	return state, cfg
}

func TestDispatchFansOutToClients(t *testing.T) {
	state, cfg := testReceiverState(t)
	d := NewDispatchEngine(cfg)
	d.Register(state)

	// 512 bins at level 0, 256 at level 1.
	if state.Rt.DownsampleLevels != 2 {
		t.Fatalf("levels: got %d, want 2", state.Rt.DownsampleLevels)
	}

	wf := NewWaterfallClient(1, 0, 128, 8)
	state.AddWaterfallClient(wf)

	pipeline, err := NewAudioPipeline(int(state.Config.AudioSPS), state.Rt.AudioMaxFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	au := NewAudioClient(pipeline, AudioParams{
		L: 0, R: int32(state.Rt.AudioMaxFFTSize), M: 256,
		Demodulation: ModeUSB, AgcSpeed: AgcSpeedDefault,
	}, 8)
	state.AddAudioClient(au)

	// Six half-frames of silence: the first window completes on the
	// second, so five frames total, then EOF stops the loop.
	hop := state.Rt.FFTSize / 2
	input := make([]byte, 6*hop*2)
	if err := d.Run(context.Background(), state, bytes.NewReader(input)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var tiles []WaterfallPyramid
drainTiles:
	for {
		select {
		case p := <-wf.Out:
			tiles = append(tiles, p)
		default:
			break drainTiles
		}
	}
	if len(tiles) != 5 {
		t.Fatalf("waterfall tiles: got %d, want 5", len(tiles))
	}
	for i, tile := range tiles {
		if tile.FrameNum != uint64(i) {
			t.Errorf("tile %d: frame_num %d not monotonic", i, tile.FrameNum)
		}
		// Payload length equals the client window width.
		if len(tile.Levels[0]) != 128 {
			t.Errorf("tile %d: payload %d bytes, want 128", i, len(tile.Levels[0]))
		}
	}

	var lastFrame uint64
	var packets int
drainAudio:
	for {
		select {
		case msg := <-au.Out:
			if msg.Text {
				continue
			}
			var pkt AudioPacket
			if err := cbor.Unmarshal(msg.Data, &pkt); err != nil {
				t.Fatalf("audio packet decode: %v", err)
			}
			if packets > 0 && pkt.FrameNum <= lastFrame {
				t.Errorf("audio frame_num not strictly increasing: %d after %d", pkt.FrameNum, lastFrame)
			}
			lastFrame = pkt.FrameNum
			packets++
		default:
			break drainAudio
		}
	}
	if packets == 0 {
		t.Fatal("no audio packets dispatched")
	}
}

func TestAudioClientEnqueueDropsOldest(t *testing.T) {
	c := NewAudioClient(nil, AudioParams{}, 2)
	c.Enqueue([]byte{1})
	c.Enqueue([]byte{2})
	c.Enqueue([]byte{3}) // queue full: 1 is dropped

	first := <-c.Out
	second := <-c.Out
	if first.Data[0] != 2 || second.Data[0] != 3 {
		t.Errorf("queue after overflow: got %d,%d want 2,3", first.Data[0], second.Data[0])
	}
}

func TestReceiverStateClientAccounting(t *testing.T) {
	state, _ := testReceiverState(t)

	wf := NewWaterfallClient(0, 0, 512, 8)
	state.AddWaterfallClient(wf)
	if state.WaterfallClientCount() != 1 {
		t.Error("waterfall client not counted")
	}

	state.MoveWaterfallClient(wf, 1)
	wf.SetWindow(1, 0, 256)
	state.RemoveWaterfallClient(1, wf.ID)
	if state.WaterfallClientCount() != 0 {
		t.Error("waterfall client not removed after move")
	}

	pipeline, err := NewAudioPipeline(12000, state.Rt.AudioMaxFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	au := NewAudioClient(pipeline, AudioParams{}, 8)
	state.AddAudioClient(au)
	if state.AudioClientCount() != 1 {
		t.Error("audio client not counted")
	}
	state.RemoveAudioClient(au.ID)
	if state.AudioClientCount() != 0 {
		t.Error("audio client not removed")
	}
}

func TestAudioClientUserID(t *testing.T) {
	c := NewAudioClient(nil, AudioParams{}, 2)
	if c.UserID() != c.UniqueID {
		t.Error("unset user id should fall back to the unique id")
	}
	c.SetUserID("alice")
	if c.UserID() != "alice" {
		t.Errorf("user id: got %q", c.UserID())
	}
}
