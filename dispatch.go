package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// WaterfallClient receives quantized pyramid tiles for its currently
// selected level: a level index plus an [l, r) window, guarded by its own
// mutex since the client's goroutine and the dispatch goroutine both
// touch it.
type WaterfallClient struct {
	ID    string
	Out   chan WaterfallPyramid
	mu    sync.Mutex
	Level int
	L, R  int
}

func NewWaterfallClient(initialLevel, l, r, queueSize int) *WaterfallClient {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &WaterfallClient{ID: uuid.NewString(), Out: make(chan WaterfallPyramid, queueSize), Level: initialLevel, L: l, R: r}
}

func (c *WaterfallClient) Window() (level, l, r int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Level, c.L, c.R
}

func (c *WaterfallClient) SetWindow(level, l, r int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Level, c.L, c.R = level, l, r
}

// wsOutMsg is one queued outbound message for an audio client. Text carries
// a settings JSON payload (BasicInfo on connect or receiver switch); binary
// messages carry the FLAC header or CBOR audio packets. Ctrl marks the
// session-start pair, which must survive queue drains on a receiver switch.
type wsOutMsg struct {
	Text bool
	Ctrl bool
	Data []byte
}

// AudioClient owns one demodulation session: its own AudioPipeline (so
// concurrent clients never share DSP state) plus the live AudioParams the
// WS command handler mutates.
type AudioClient struct {
	ID       string
	UniqueID string
	Out      chan wsOutMsg

	// rx is the receiver currently feeding this client, read by the send
	// goroutine for byte accounting while the command loop may rebind it.
	rx atomic.Pointer[ReceiverState]

	mu       sync.Mutex
	Params   AudioParams
	Pipeline *AudioPipeline
	userID   string
}

func NewAudioClient(pipeline *AudioPipeline, params AudioParams, queueSize int) *AudioClient {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &AudioClient{ID: uuid.NewString(), UniqueID: uuid.NewString(), Out: make(chan wsOutMsg, queueSize), Pipeline: pipeline, Params: params}
}

func (c *AudioClient) GetParams() AudioParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Params
}

func (c *AudioClient) UpdateParams(fn func(*AudioParams)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.Params)
}

func (c *AudioClient) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *AudioClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID
	}
	return c.UniqueID
}

// Enqueue offers one binary packet to the client's outbound queue. On a
// full queue the oldest message is dropped so the stream prefers recency
// over completeness; control messages are never enqueued through this
// path, so dropping is always safe here.
func (c *AudioClient) Enqueue(pkt []byte) {
	msg := wsOutMsg{Data: pkt}
	select {
	case c.Out <- msg:
	default:
		select {
		case <-c.Out:
		default:
		}
		select {
		case c.Out <- msg:
		default:
		}
	}
}

// ReceiverState is the live fan-out state for one configured receiver:
// its Runtime, the FFT spectrum engine, per-level waterfall client sets,
// and the audio client set. One ingest goroutine owns the engine; client
// maps are shared with the WS handlers.
type ReceiverState struct {
	Config *ReceiverConfig
	Rt     *Runtime

	engine FftBackend

	waterfallMu      sync.RWMutex
	waterfallClients []map[string]*WaterfallClient // one map per pyramid level

	audioMu      sync.RWMutex
	audioClients map[string]*AudioClient

	totalWaterfallBits uint64
	totalAudioBits     uint64

	brightnessOffset int32
	sMeterOffset     int32
	powerOffset      float64
}

func NewReceiverState(cfg *ReceiverConfig, rt *Runtime) (*ReceiverState, error) {
	engine, err := NewCpuFft(rt.FFTSize, rt.IsReal, rt.FFTResultSize)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: %w", cfg.ID, err)
	}
	levels := make([]map[string]*WaterfallClient, rt.DownsampleLevels)
	for i := range levels {
		levels[i] = make(map[string]*WaterfallClient)
	}
	return &ReceiverState{
		Config:           cfg,
		Rt:               rt,
		engine:           engine,
		waterfallClients: levels,
		audioClients:     make(map[string]*AudioClient),
		brightnessOffset: int32(rt.BrightnessOffset),
		sMeterOffset:     cfg.SMeterOffset,
		powerOffset:      math.Log2(float64(rt.FFTSize)),
	}, nil
}

func (r *ReceiverState) WaterfallClientCount() int {
	r.waterfallMu.RLock()
	defer r.waterfallMu.RUnlock()
	n := 0
	for _, lvl := range r.waterfallClients {
		n += len(lvl)
	}
	return n
}

func (r *ReceiverState) AudioClientCount() int {
	r.audioMu.RLock()
	defer r.audioMu.RUnlock()
	return len(r.audioClients)
}

func (r *ReceiverState) AddWaterfallClient(c *WaterfallClient) {
	r.waterfallMu.Lock()
	defer r.waterfallMu.Unlock()
	r.waterfallClients[c.Level][c.ID] = c
}

func (r *ReceiverState) RemoveWaterfallClient(level int, id string) {
	r.waterfallMu.Lock()
	defer r.waterfallMu.Unlock()
	if level >= 0 && level < len(r.waterfallClients) {
		delete(r.waterfallClients[level], id)
	}
}

func (r *ReceiverState) MoveWaterfallClient(c *WaterfallClient, newLevel int) {
	r.waterfallMu.Lock()
	defer r.waterfallMu.Unlock()
	oldLevel, _, _ := c.Window()
	if oldLevel != newLevel {
		delete(r.waterfallClients[oldLevel], c.ID)
		r.waterfallClients[newLevel][c.ID] = c
	}
}

func (r *ReceiverState) AddAudioClient(c *AudioClient) {
	r.audioMu.Lock()
	defer r.audioMu.Unlock()
	r.audioClients[c.ID] = c
}

func (r *ReceiverState) RemoveAudioClient(id string) {
	r.audioMu.Lock()
	defer r.audioMu.Unlock()
	delete(r.audioClients, id)
}

// DispatchEngine owns the sample-ingest goroutine for every configured
// receiver and fans spectrum frames out to waterfall and audio clients.
// Fan-out never blocks on a slow client: every outbound queue drops
// rather than stalls the receiver goroutine.
type DispatchEngine struct {
	mu        sync.RWMutex
	receivers map[string]*ReceiverState
	cfg       *Config
}

func NewDispatchEngine(cfg *Config) *DispatchEngine {
	return &DispatchEngine{receivers: make(map[string]*ReceiverState), cfg: cfg}
}

func (d *DispatchEngine) Register(state *ReceiverState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[state.Config.ID] = state
}

func (d *DispatchEngine) Get(id string) (*ReceiverState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.receivers[id]
	return r, ok
}

// Run starts the per-receiver sample ingest loop, reading from r until
// ctx is cancelled or the upstream ends. An upstream EOF stops only this
// receiver; other receivers keep running.
func (d *DispatchEngine) Run(ctx context.Context, state *ReceiverState, r io.Reader) error {
	reader, err := NewSampleReader(r, state.Config.InputFormat)
	if err != nil {
		return fmt.Errorf("receiver %s: %w", state.Config.ID, err)
	}

	hop := state.Rt.FFTSize / 2
	realBuf := make([]float32, hop)
	iqBuf := make([]complex64, hop)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var frames []SpectrumFrame
		if state.Rt.IsReal {
			if err := reader.ReadReal(realBuf); err != nil {
				log.Printf("INFO: receiver %s: %v, stopping ingest", state.Config.ID, err)
				return nil
			}
			frames, err = state.engine.PushReal(realBuf)
		} else {
			if err := reader.ReadIQ(iqBuf); err != nil {
				log.Printf("INFO: receiver %s: %v, stopping ingest", state.Config.ID, err)
				return nil
			}
			frames, err = state.engine.PushIQ(iqBuf)
		}
		if err != nil {
			return fmt.Errorf("receiver %s: spectrum engine: %w", state.Config.ID, err)
		}

		for _, f := range frames {
			d.dispatchFrame(state, f)
		}
	}
}

func (d *DispatchEngine) dispatchFrame(state *ReceiverState, frame SpectrumFrame) {
	pyramid := BuildPyramid(frame.FrameNum, frame.Spectrum, state.engine.Normalize(), state.powerOffset, state.brightnessOffset, state.Rt.DownsampleLevels)

	state.waterfallMu.RLock()
	for level, clients := range state.waterfallClients {
		if len(clients) == 0 {
			continue
		}
		for _, c := range clients {
			_, l, r := c.Window()
			windowed := WaterfallPyramid{FrameNum: pyramid.FrameNum, Levels: [][]int8{slice8(pyramid.Levels[level], l, r)}, Offsets: []int{0}, MaxPower: pyramid.MaxPower}
			select {
			case c.Out <- windowed:
			default:
				// Drop rather than block; the client is behind and will
				// catch up on the next frame (prefer-latest backpressure).
			}
		}
	}
	state.waterfallMu.RUnlock()

	state.audioMu.RLock()
	for _, c := range state.audioClients {
		params := c.GetParams()
		l, r := int(params.L), int(params.R)
		if l < 0 {
			l = 0
		}
		if r > len(frame.Spectrum) {
			r = len(frame.Spectrum)
		}
		if l >= r {
			continue
		}
		audioMidIdx := int32(math.Floor(params.M))
		packets, err := c.Pipeline.Process(frame.Spectrum[l:r], frame.FrameNum, &params, state.Rt.IsReal, audioMidIdx)
		if err != nil {
			log.Printf("ERROR: audio pipeline for client %s: %v", c.UniqueID, err)
			continue
		}
		for _, pkt := range packets {
			c.Enqueue(pkt)
		}
	}
	state.audioMu.RUnlock()
}

// AddWaterfallBits / AddAudioBits accumulate outbound payload sizes for the
// periodic events/metrics summaries.
func (r *ReceiverState) AddWaterfallBits(n uint64) { atomic.AddUint64(&r.totalWaterfallBits, n) }
func (r *ReceiverState) AddAudioBits(n uint64)     { atomic.AddUint64(&r.totalAudioBits, n) }
func (r *ReceiverState) TotalBits() (waterfall, audio uint64) {
	return atomic.LoadUint64(&r.totalWaterfallBits), atomic.LoadUint64(&r.totalAudioBits)
}

func slice8(levelData []int8, l, r int) []int8 {
	if l < 0 {
		l = 0
	}
	if r > len(levelData) {
		r = len(levelData)
	}
	if l >= r {
		return nil
	}
	out := make([]int8, r-l)
	copy(out, levelData[l:r])
	return out
}
