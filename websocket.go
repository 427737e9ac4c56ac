package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statsAggregator aggregates stats from multiple connections, logged
// periodically instead of per-message.
type statsAggregator struct {
	label           string
	bytesWritten    int64
	messagesWritten int64
	connectionCount int64
	mu              sync.Mutex
	lastLogTime     time.Time
}

var (
	globalStatsAudio     = &statsAggregator{label: "Audio"}
	globalStatsWaterfall = &statsAggregator{label: "Waterfall"}
	statsLoggerOnce      sync.Once
)

func (sa *statsAggregator) addConnection()    { atomic.AddInt64(&sa.connectionCount, 1) }
func (sa *statsAggregator) removeConnection() { atomic.AddInt64(&sa.connectionCount, -1) }
func (sa *statsAggregator) addBytes(n int64)  { atomic.AddInt64(&sa.bytesWritten, n) }
func (sa *statsAggregator) addMessage()       { atomic.AddInt64(&sa.messagesWritten, 1) }

func (sa *statsAggregator) getAndResetStats() (bytes, messages, connections int64, elapsed time.Duration) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	now := time.Now()
	if sa.lastLogTime.IsZero() {
		sa.lastLogTime = now
		return 0, 0, 0, 0
	}
	elapsed = now.Sub(sa.lastLogTime)
	bytes = atomic.SwapInt64(&sa.bytesWritten, 0)
	messages = atomic.SwapInt64(&sa.messagesWritten, 0)
	connections = atomic.LoadInt64(&sa.connectionCount)
	sa.lastLogTime = now
	return bytes, messages, connections, elapsed
}

func startStatsLogger() {
	statsLoggerOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				for _, sa := range []*statsAggregator{globalStatsAudio, globalStatsWaterfall} {
					bytes, messages, conns, elapsed := sa.getAndResetStats()
					if elapsed <= 0 || conns == 0 {
						continue
					}
					kbps := float64(bytes*8) / 1000.0 / elapsed.Seconds()
					log.Printf("INFO: %s stats: %d clients, %.1f kbit/s, %d msgs/%.0fs", sa.label, conns, kbps, messages, elapsed.Seconds())
				}
			}
		}()
	})
}

// Server bundles the dispatch engine and ambient infrastructure the
// HTTP/WS handlers need.
type Server struct {
	cfg         *Config
	dispatch    *DispatchEngine
	ipLimit     *WsConnectionLimiter
	connLimiter *ConnectAttemptLimiter
	cmdLimiter  *ClientCommandLimiter
	metrics     *PrometheusMetrics
	events      *EventSubscriberHub
	changes     *SignalChangeCollector
}

func NewServer(cfg *Config, dispatch *DispatchEngine, metrics *PrometheusMetrics) *Server {
	return &Server{
		cfg:         cfg,
		dispatch:    dispatch,
		ipLimit:     NewWsConnectionLimiter(cfg.Limits.WSPerIP),
		connLimiter: NewConnectAttemptLimiter(10),
		cmdLimiter:  NewClientCommandLimiter(20),
		metrics:     metrics,
		events:      NewEventSubscriberHub(),
		changes:     NewSignalChangeCollector(),
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) activeReceiver() (*ReceiverState, bool) {
	return s.dispatch.Get(s.cfg.ActiveReceiverID)
}

func (s *Server) basicInfo(state *ReceiverState) BasicInfo {
	rt := state.Rt
	cfg := state.Config
	d := cfg.Defaults
	info := BasicInfo{
		SPS:                  int64(cfg.SPS),
		AudioMaxSPS:          rt.AudioMaxSPS,
		AudioMaxFFT:          rt.AudioMaxFFTSize,
		FFTSize:              rt.FFTSize,
		FFTResultSize:        rt.FFTResultSize,
		WaterfallSize:        cfg.WaterfallSize,
		Basefreq:             rt.Basefreq,
		TotalBandwidth:       rt.TotalBandwidth,
		WaterfallCompression: "zstd",
		AudioCompression:     "flac",
		GridLocator:          s.cfg.WebSDR.GridLocator,
		SMeterOffset:         cfg.SMeterOffset,
		Markers:              s.cfg.WebSDR.Markers,
	}
	info.Defaults = BasicInfoDefaults{
		Frequency:      rt.DefaultFrequency,
		Modulation:     d.Modulation,
		L:              int32(rt.DefaultL),
		M:              rt.DefaultM,
		R:              int32(rt.DefaultR),
		SSBLowcutHz:    d.SSBLowcutHz,
		SSBHighcutHz:   d.SSBHighcutHz,
		SquelchEnabled: &d.SquelchEnabled,
	}
	return info
}

// acquireConn runs the shared per-connection admission checks: connection
// rate, then the concurrent per-IP cap. Returns a nil guard when the request
// was already answered.
func (s *Server) acquireConn(w http.ResponseWriter, r *http.Request) *WsIPGuard {
	ip := clientIP(r)
	if !s.connLimiter.Allow(ip) {
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return nil
	}
	guard, ok := s.ipLimit.TryAcquire(ip)
	if !ok {
		http.Error(w, "too many connections from this IP", http.StatusTooManyRequests)
		return nil
	}
	return guard
}

// HandleWaterfallWS upgrades /waterfall connections: one settings text
// message, then a continuous stream of zstd-compressed CBOR tiles.
func (s *Server) HandleWaterfallWS(w http.ResponseWriter, r *http.Request) {
	guard := s.acquireConn(w, r)
	if guard == nil {
		return
	}
	defer guard.Release()

	state, ok := s.activeReceiver()
	if !ok {
		http.Error(w, "no active receiver", http.StatusServiceUnavailable)
		return
	}
	if state.WaterfallClientCount() >= s.cfg.Limits.Waterfall {
		http.Error(w, "too many waterfall clients", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: waterfall ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	globalStatsWaterfall.addConnection()
	defer globalStatsWaterfall.removeConnection()

	zstdEnc, err := NewZstdStreamEncoder(3)
	if err != nil {
		log.Printf("ERROR: waterfall zstd init: %v", err)
		return
	}
	defer zstdEnc.Close()

	initialLevel := state.Rt.DownsampleLevels - 1
	client := NewWaterfallClient(initialLevel, 0, state.Rt.MinWaterfallFFT, s.cfg.Limits.QueueSize)
	defer s.cmdLimiter.Forget(client.ID)
	state.AddWaterfallClient(client)
	if DebugMode {
		log.Printf("DEBUG: waterfall client %s connected", client.ID)
	}

	var writeMu sync.Mutex
	info := s.basicInfo(state)
	if settingsJSON, err := info.ToJSON(); err == nil {
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(settingsJSON))
		writeMu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for pyramid := range client.Out {
			level, l, r := client.Window()
			data := make([]byte, len(pyramid.Levels[0]))
			for i, v := range pyramid.Levels[0] {
				data[i] = byte(v)
			}
			pkt := WaterfallPacket{
				FrameNum: pyramid.FrameNum,
				L:        int32(l << uint(level)),
				R:        int32(r << uint(level)),
				Data:     data,
			}
			cborBytes, err := pkt.EncodeCBOR()
			if err != nil {
				continue
			}
			compressed := zstdEnc.CompressFlush(cborBytes)
			writeMu.Lock()
			err = conn.WriteMessage(websocket.BinaryMessage, compressed)
			writeMu.Unlock()
			if err != nil {
				return
			}
			state.AddWaterfallBits(uint64(len(compressed)) * 8)
			globalStatsWaterfall.addBytes(int64(len(compressed)))
			globalStatsWaterfall.addMessage()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if len(raw) > 1024 {
			continue
		}
		if !s.cmdLimiter.AllowWaterfall(client.ID) {
			continue
		}
		cmd, err := ParseClientCommand(raw)
		if err != nil {
			continue
		}
		s.handleWaterfallCommand(state, client, cmd)
	}

	level, _, _ := client.Window()
	state.RemoveWaterfallClient(level, client.ID)
	close(client.Out)
	<-done
	if DebugMode {
		log.Printf("DEBUG: waterfall client %s disconnected", client.ID)
	}
}

func (s *Server) handleWaterfallCommand(state *ReceiverState, client *WaterfallClient, cmd *ClientCommand) {
	if cmd.Cmd != "window" {
		return
	}
	level, l, r, ok := LevelForWindow(int(cmd.L), int(cmd.R), state.Rt.DownsampleLevels, state.Rt.MinWaterfallFFT, state.Rt.FFTResultSize)
	if !ok {
		return
	}
	state.MoveWaterfallClient(client, level)
	client.SetWindow(level, l, r)
}

// HandleAudioWS upgrades /audio connections: a settings text message and
// the FLAC stream header precede any audio packets, and a receiver switch
// replays that same pair before data from the new receiver.
func (s *Server) HandleAudioWS(w http.ResponseWriter, r *http.Request) {
	guard := s.acquireConn(w, r)
	if guard == nil {
		return
	}
	defer guard.Release()

	state, ok := s.activeReceiver()
	if !ok {
		http.Error(w, "no active receiver", http.StatusServiceUnavailable)
		return
	}
	if state.AudioClientCount() >= s.cfg.Limits.Audio {
		http.Error(w, "too many audio clients", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: audio ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	globalStatsAudio.addConnection()
	defer globalStatsAudio.removeConnection()

	pipeline, err := NewAudioPipeline(int(state.Config.AudioSPS), state.Rt.AudioMaxFFTSize)
	if err != nil {
		log.Printf("ERROR: audio pipeline init: %v", err)
		return
	}

	client := NewAudioClient(pipeline, defaultAudioParams(state), s.cfg.Limits.QueueSize)
	client.rx.Store(state)
	defer s.cmdLimiter.Forget(client.UniqueID)

	if err := s.enqueueSessionStart(client, state); err != nil {
		log.Printf("ERROR: audio session start: %v", err)
		return
	}
	state.AddAudioClient(client)
	if DebugMode {
		log.Printf("DEBUG: audio client %s connected", client.UniqueID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Out {
			kind := websocket.BinaryMessage
			if msg.Text {
				kind = websocket.TextMessage
			}
			if err := conn.WriteMessage(kind, msg.Data); err != nil {
				return
			}
			if !msg.Text {
				if rx := client.rx.Load(); rx != nil {
					rx.AddAudioBits(uint64(len(msg.Data)) * 8)
				}
				globalStatsAudio.addBytes(int64(len(msg.Data)))
				globalStatsAudio.addMessage()
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if len(raw) > 1024 {
			continue
		}
		if !s.cmdLimiter.AllowAudio(client.UniqueID) {
			continue
		}
		cmd, err := ParseClientCommand(raw)
		if err != nil {
			continue
		}
		state = s.handleAudioCommand(state, client, cmd)
	}

	state.RemoveAudioClient(client.ID)
	close(client.Out)
	<-done
	if DebugMode {
		log.Printf("DEBUG: audio client %s disconnected", client.UniqueID)
	}
}

func defaultAudioParams(state *ReceiverState) AudioParams {
	mode, ok := ParseDemodulationMode(state.Config.Defaults.Modulation)
	if !ok {
		mode = ModeUSB
	}
	return AudioParams{
		L:              int32(state.Rt.DefaultL),
		R:              int32(state.Rt.DefaultR),
		M:              state.Rt.DefaultM,
		Demodulation:   mode,
		SquelchEnabled: state.Config.Defaults.SquelchEnabled,
		AgcSpeed:       AgcSpeedDefault,
	}
}

// enqueueSessionStart queues the {BasicInfo text, FLAC header binary} pair
// that begins every audio session, before the client is inserted into the
// receiver map so no data packet can precede either message. The header
// travels in the same CBOR packet envelope as audio data, with a zeroed
// window and frame number.
func (s *Server) enqueueSessionStart(client *AudioClient, state *ReceiverState) error {
	info := s.basicInfo(state)
	settingsJSON, err := info.ToJSON()
	if err != nil {
		return fmt.Errorf("settings json: %w", err)
	}
	headerPkt := AudioPacket{Data: client.Pipeline.Flac.HeaderBytes()}
	headerBytes, err := headerPkt.EncodeCBOR()
	if err != nil {
		return fmt.Errorf("flac header packet: %w", err)
	}
	client.Out <- wsOutMsg{Text: true, Ctrl: true, Data: []byte(settingsJSON)}
	client.Out <- wsOutMsg{Ctrl: true, Data: headerBytes}
	return nil
}

// handleAudioCommand applies one inbound command and returns the (possibly
// switched) receiver the client is now bound to. Invalid commands are
// silently dropped; the connection stays open.
func (s *Server) handleAudioCommand(state *ReceiverState, client *AudioClient, cmd *ClientCommand) *ReceiverState {
	switch cmd.Cmd {
	case "receiver":
		next, ok := s.switchReceiver(state, client, cmd.ReceiverID)
		if ok {
			return next
		}
	case "window":
		if cmd.M == nil {
			return state
		}
		m := *cmd.M
		mi := int32(m)
		if cmd.L < 0 || cmd.L > cmd.R || int(cmd.R) >= state.Rt.FFTResultSize {
			return state
		}
		if int(cmd.R-cmd.L) > state.Rt.AudioMaxFFTSize {
			return state
		}
		if mi < cmd.L || mi > cmd.R {
			return state
		}
		client.UpdateParams(func(p *AudioParams) {
			p.L, p.R, p.M = cmd.L, cmd.R, m
		})
		if state.Rt.ShowOtherUsers {
			s.changes.Record(client.UserID(), float64(cmd.L), m, float64(cmd.R))
		}
	case "demodulation":
		if mode, ok := ParseDemodulationMode(cmd.Demodulation); ok {
			client.UpdateParams(func(p *AudioParams) { p.Demodulation = mode })
			client.Pipeline.ResetAgc()
		}
	case "userid":
		client.SetUserID(cmd.UserID)
	case "mute":
		client.UpdateParams(func(p *AudioParams) { p.Mute = cmd.Mute })
	case "squelch":
		client.UpdateParams(func(p *AudioParams) { p.SquelchEnabled = cmd.SquelchEnabled })
	case "agc":
		speed := ParseAgcSpeed(cmd.AgcSpeedName)
		client.UpdateParams(func(p *AudioParams) {
			p.AgcSpeed = speed
			p.AgcAttackMs = cmd.Attack
			p.AgcReleaseMs = cmd.Release
		})
	case "buffer":
		// Accepted and ignored: queue depth is fixed server-side.
	}
	return state
}

// switchReceiver rebinds an audio client to another receiver: remove from
// the old map, rebuild the pipeline for the new receiver's rates, replay
// the session-start pair, then insert into the new map. Between remove and
// insert the client has no frame producer, so the stale queue can be
// drained and the control pair enqueued without racing the dispatcher.
func (s *Server) switchReceiver(state *ReceiverState, client *AudioClient, receiverID string) (*ReceiverState, bool) {
	next, ok := s.dispatch.Get(receiverID)
	if !ok || next == state {
		return state, false
	}
	if next.AudioClientCount() >= s.cfg.Limits.Audio {
		return state, false
	}

	pipeline, err := NewAudioPipeline(int(next.Config.AudioSPS), next.Rt.AudioMaxFFTSize)
	if err != nil {
		log.Printf("ERROR: receiver switch pipeline init: %v", err)
		return state, false
	}

	state.RemoveAudioClient(client.ID)

	// Drop stale audio packets but keep any session-start pair the writer
	// has not flushed yet, so back-to-back switches still deliver every
	// {settings, header} pair in order.
	var keep []wsOutMsg
drain:
	for {
		select {
		case msg := <-client.Out:
			if msg.Ctrl {
				keep = append(keep, msg)
			}
		default:
			break drain
		}
	}
	for _, msg := range keep {
		client.Out <- msg
	}

	client.mu.Lock()
	client.Pipeline = pipeline
	client.Params = defaultAudioParams(next)
	client.mu.Unlock()

	if err := s.enqueueSessionStart(client, next); err != nil {
		log.Printf("ERROR: receiver switch session start: %v", err)
	}
	client.rx.Store(next)
	next.AddAudioClient(client)
	if DebugMode {
		log.Printf("DEBUG: audio client %s switched to receiver %s", client.UniqueID, receiverID)
	}
	return next, true
}

// HandleEventsWS upgrades /events connections: an activity summary
// broadcast to every connected subscriber plus one initial snapshot on
// connect.
func (s *Server) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	guard := s.acquireConn(w, r)
	if guard == nil {
		return
	}
	defer guard.Release()

	if s.events.ClientCount() >= s.cfg.Limits.Events {
		http.Error(w, "too many events clients", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: events ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	initial := s.CurrentEventsInfo()
	if initialJSON, err := initial.ToJSON(); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(initialJSON))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Ch {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	<-done
}

// CurrentEventsInfo snapshots client counts across receivers without
// draining the pending signal-change diffs.
func (s *Server) CurrentEventsInfo() EventsInfo {
	var waterfallClients, audioClients int
	s.dispatch.mu.RLock()
	for _, rx := range s.dispatch.receivers {
		waterfallClients += rx.WaterfallClientCount()
		audioClients += rx.AudioClientCount()
	}
	s.dispatch.mu.RUnlock()
	return EventsInfo{WaterfallClients: waterfallClients, SignalClients: audioClients}
}

// ToJSON renders the events payload sent on /events.
func (e *EventsInfo) ToJSON() (string, error) {
	buf, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal events info: %w", err)
	}
	return string(buf), nil
}
