package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func twoReceiverServer(t *testing.T) (*Server, *ReceiverState, *ReceiverState) {
	t.Helper()
	rc0 := ReceiverConfig{
		ID: "rx0", SPS: 24000, Signal: SignalReal, FFTSize: 1024,
		AudioSPS: 12000, WaterfallSize: 256, InputFormat: FormatS16,
		Defaults: ReceiverDefaults{Modulation: "USB"},
	}
	rc1 := rc0
	rc1.ID = "rx1"
	rc1.SPS = 48000
	cfg := &Config{
		Limits:           defaultLimits(),
		Receivers:        []ReceiverConfig{rc0, rc1},
		ActiveReceiverID: "rx0",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	d := NewDispatchEngine(cfg)
	var states []*ReceiverState
	for i := range cfg.Receivers {
		rt, err := cfg.Receivers[i].Runtime(cfg)
		if err != nil {
			t.Fatal(err)
		}
		state, err := NewReceiverState(&cfg.Receivers[i], rt)
		if err != nil {
			t.Fatal(err)
		}
		d.Register(state)
		states = append(states, state)
	}
	return NewServer(cfg, d, nil), states[0], states[1]
}

func newTestAudioClient(t *testing.T, s *Server, state *ReceiverState) *AudioClient {
	t.Helper()
	pipeline, err := NewAudioPipeline(int(state.Config.AudioSPS), state.Rt.AudioMaxFFTSize)
	if err != nil {
		t.Fatal(err)
	}
	client := NewAudioClient(pipeline, defaultAudioParams(state), s.cfg.Limits.QueueSize)
	if err := s.enqueueSessionStart(client, state); err != nil {
		t.Fatal(err)
	}
	state.AddAudioClient(client)
	return client
}

func drainOut(c *AudioClient) []wsOutMsg {
	var out []wsOutMsg
	for {
		select {
		case msg := <-c.Out:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestSessionStartPairOrder(t *testing.T) {
	s, rx0, _ := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)

	msgs := drainOut(client)
	if len(msgs) != 2 {
		t.Fatalf("session start: got %d messages, want 2", len(msgs))
	}
	if !msgs[0].Text {
		t.Error("first message must be the settings text")
	}
	var info map[string]interface{}
	if err := json.Unmarshal(msgs[0].Data, &info); err != nil {
		t.Fatalf("settings payload: %v", err)
	}
	if msgs[1].Text {
		t.Fatal("second message must be binary")
	}
	var pkt AudioPacket
	if err := cbor.Unmarshal(msgs[1].Data, &pkt); err != nil {
		t.Fatalf("header packet does not decode: %v", err)
	}
	if pkt.FrameNum != 0 || pkt.L != 0 || pkt.R != 0 || pkt.M != 0 || pkt.Pwr != 0 {
		t.Errorf("header packet envelope not zeroed: %+v", pkt)
	}
	if !bytes.HasPrefix(pkt.Data, []byte("fLaC")) {
		t.Error("header packet data must begin with the fLaC magic")
	}
}

func TestWindowCommandValidation(t *testing.T) {
	s, rx0, _ := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)
	drainOut(client)
	initial := client.GetParams()

	m := func(v float64) *float64 { return &v }
	rejected := []*ClientCommand{
		{Cmd: "window", L: 10, R: 5, M: m(7)},                                  // inverted
		{Cmd: "window", L: -1, R: 50, M: m(10)},                                // negative
		{Cmd: "window", L: 0, R: int32(rx0.Rt.FFTResultSize), M: m(10)},        // r out of range
		{Cmd: "window", L: 0, R: int32(rx0.Rt.AudioMaxFFTSize) + 100, M: m(1)}, // too wide
		{Cmd: "window", L: 100, R: 200, M: m(50)},                              // m outside [l, r]
		{Cmd: "window", L: 100, R: 200},                                        // m missing
	}
	for i, cmd := range rejected {
		s.handleAudioCommand(rx0, client, cmd)
		if got := client.GetParams(); got.L != initial.L || got.R != initial.R || got.M != initial.M {
			t.Fatalf("invalid command %d mutated params: %+v", i, got)
		}
	}

	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "window", L: 100, R: 200, M: m(150.5)})
	got := client.GetParams()
	if got.L != 100 || got.R != 200 || got.M != 150.5 {
		t.Errorf("valid window not applied: %+v", got)
	}
}

func TestToggleCommands(t *testing.T) {
	s, rx0, _ := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)
	drainOut(client)

	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "mute", Mute: true})
	if !client.GetParams().Mute {
		t.Error("mute not applied")
	}
	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "squelch", SquelchEnabled: true})
	if !client.GetParams().SquelchEnabled {
		t.Error("squelch not applied")
	}
	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "demodulation", Demodulation: "WBFM"})
	if client.GetParams().Demodulation != ModeFM {
		t.Error("WBFM alias not applied as FM")
	}
	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "demodulation", Demodulation: "XYZ"})
	if client.GetParams().Demodulation != ModeFM {
		t.Error("unknown demodulation should be ignored")
	}
	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "userid", UserID: "alice"})
	if client.UserID() != "alice" {
		t.Error("userid not applied")
	}

	attack, release := float32(5), float32(300)
	s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "agc", AgcSpeedName: "custom", Attack: &attack, Release: &release})
	got := client.GetParams()
	if got.AgcSpeed != AgcSpeedCustom || got.AgcAttackMs == nil || *got.AgcAttackMs != 5 {
		t.Errorf("agc command not applied: %+v", got)
	}
}

func TestReceiverSwitchMovesClientAtomically(t *testing.T) {
	s, rx0, rx1 := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)
	drainOut(client)

	next := s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "receiver", ReceiverID: "rx1"})
	if next != rx1 {
		t.Fatal("switch did not return the new receiver")
	}
	if rx0.AudioClientCount() != 0 || rx1.AudioClientCount() != 1 {
		t.Errorf("client maps after switch: rx0=%d rx1=%d", rx0.AudioClientCount(), rx1.AudioClientCount())
	}

	msgs := drainOut(client)
	if len(msgs) != 2 || !msgs[0].Text || msgs[1].Text {
		t.Fatalf("switch must enqueue a {settings, header} pair, got %d messages", len(msgs))
	}
	var info map[string]interface{}
	if err := json.Unmarshal(msgs[0].Data, &info); err != nil {
		t.Fatal(err)
	}
	if info["sps"].(float64) != 48000 {
		t.Errorf("settings describe wrong receiver: sps=%v", info["sps"])
	}

	// Params reset to the new receiver's defaults.
	got := client.GetParams()
	if got.L != int32(rx1.Rt.DefaultL) || got.R != int32(rx1.Rt.DefaultR) {
		t.Errorf("params not reset to new receiver defaults: %+v", got)
	}
}

func TestRapidDoubleSwitchKeepsBothPairs(t *testing.T) {
	s, rx0, rx1 := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)
	drainOut(client)

	next := s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "receiver", ReceiverID: "rx1"})
	next = s.handleAudioCommand(next, client, &ClientCommand{Cmd: "receiver", ReceiverID: "rx0"})
	if next != rx0 {
		t.Fatal("second switch did not land on rx0")
	}

	msgs := drainOut(client)
	if len(msgs) != 4 {
		t.Fatalf("two switches must queue two pairs, got %d messages", len(msgs))
	}
	for i, msg := range msgs {
		wantText := i%2 == 0
		if msg.Text != wantText {
			t.Errorf("message %d: text=%v, want %v", i, msg.Text, wantText)
		}
	}
	_ = rx1
}

func TestSwitchToUnknownReceiverIgnored(t *testing.T) {
	s, rx0, _ := twoReceiverServer(t)
	client := newTestAudioClient(t, s, rx0)
	drainOut(client)

	next := s.handleAudioCommand(rx0, client, &ClientCommand{Cmd: "receiver", ReceiverID: "nope"})
	if next != rx0 {
		t.Error("unknown receiver must leave binding unchanged")
	}
	if rx0.AudioClientCount() != 1 {
		t.Error("client must stay in its receiver map")
	}
	if msgs := drainOut(client); len(msgs) != 0 {
		t.Errorf("no messages expected, got %d", len(msgs))
	}
}

func TestWaterfallWindowCommand(t *testing.T) {
	s, rx0, _ := twoReceiverServer(t)
	client := NewWaterfallClient(rx0.Rt.DownsampleLevels-1, 0, 256, 8)
	state := rx0
	state.AddWaterfallClient(client)

	// Full-band request on a 512-bin receiver with a 256-wide waterfall
	// lands on level 1.
	s.handleWaterfallCommand(state, client, &ClientCommand{Cmd: "window", L: 0, R: 512})
	level, l, r := client.Window()
	if level != 1 || l != 0 || r != 256 {
		t.Errorf("window: got level=%d l=%d r=%d, want 1, 0, 256", level, l, r)
	}

	// Invalid requests leave the window untouched.
	s.handleWaterfallCommand(state, client, &ClientCommand{Cmd: "window", L: 500, R: 100})
	if lvl2, l2, r2 := client.Window(); lvl2 != level || l2 != l || r2 != r {
		t.Error("invalid window mutated client state")
	}
}

func TestSignalChangeCollector(t *testing.T) {
	c := NewSignalChangeCollector()
	if c.Drain() != nil {
		t.Error("empty collector should drain to nil")
	}
	c.Record("alice", 100, 150, 200)
	c.Record("alice", 110, 160, 210) // latest wins
	c.Record("bob", 1, 2, 3)

	out := c.Drain()
	if len(out) != 2 {
		t.Fatalf("drained %d entries, want 2", len(out))
	}
	if out["alice"] != [3]float64{110, 160, 210} {
		t.Errorf("alice: got %v", out["alice"])
	}
	if c.Drain() != nil {
		t.Error("second drain should be empty")
	}
}
