package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Global debug flag
var DebugMode bool

// Global stats flag
var StatsMode bool

// Global start time for process uptime tracking
var StartTime time.Time

// receiverDescription is one entry of /receivers.json.
type receiverDescription struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Frequency      int64  `json:"frequency"`
	SPS            int64  `json:"sps"`
	Signal         string `json:"signal"`
	FFTSize        int    `json:"fft_size"`
	FFTResultSize  int    `json:"fft_result_size"`
	AudioMaxSPS    int64  `json:"audio_max_sps"`
	Basefreq       int64  `json:"basefreq"`
	TotalBandwidth int64  `json:"total_bandwidth"`
	Active         bool   `json:"active"`
}

func receiverDescriptions(cfg *Config, dispatch *DispatchEngine) []receiverDescription {
	out := make([]receiverDescription, 0, len(cfg.Receivers))
	for i := range cfg.Receivers {
		rc := &cfg.Receivers[i]
		state, ok := dispatch.Get(rc.ID)
		if !ok {
			continue
		}
		rt := state.Rt
		out = append(out, receiverDescription{
			ID:             rc.ID,
			Name:           rc.Name,
			Frequency:      rc.Frequency,
			SPS:            rc.SPS,
			Signal:         string(rc.Signal),
			FFTSize:        rt.FFTSize,
			FFTResultSize:  rt.FFTResultSize,
			AudioMaxSPS:    rt.AudioMaxSPS,
			Basefreq:       rt.Basefreq,
			TotalBandwidth: rt.TotalBandwidth,
			Active:         rc.ID == cfg.ActiveReceiverID,
		})
	}
	return out
}

func handleServerInfo(w http.ResponseWriter, r *http.Request, cfg *Config, dispatch *DispatchEngine) {
	if proto := r.URL.Query().Get("protocol"); !ProtocolSupported(proto) {
		http.Error(w, "client protocol version no longer supported", http.StatusUpgradeRequired)
		return
	}
	info := map[string]interface{}{
		"name":         cfg.WebSDR.Name,
		"version":      ServerVersion,
		"protocol_min": minProtocolVersion,
		"grid_locator": cfg.WebSDR.GridLocator,
		"receivers":    receiverDescriptions(cfg, dispatch),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func handleReceivers(w http.ResponseWriter, r *http.Request, cfg *Config, dispatch *DispatchEngine) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(receiverDescriptions(cfg, dispatch))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(StartTime).Seconds()),
	})
}

// openSampleSource opens a receiver's byte source. "-" or empty selects
// stdin; anything else is a path (a file or FIFO fed by an external driver
// — the drivers themselves are out of scope).
func openSampleSource(rc *ReceiverConfig) (*os.File, error) {
	if rc.InputPath == "" || rc.InputPath == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(rc.InputPath)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: open input %q: %w", rc.ID, rc.InputPath, err)
	}
	return f, nil
}

// startEventsTicker broadcasts activity summaries on /events once per
// second: client counts, outbound bitrates (delta over the tick), and any
// accumulated signal changes when otherusers is enabled.
func startEventsTicker(ctx context.Context, srv *Server, dispatch *DispatchEngine) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		lastWaterfall := make(map[string]uint64)
		lastAudio := make(map[string]uint64)
		lastTick := time.Now()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				elapsed := now.Sub(lastTick).Seconds()
				lastTick = now
				if elapsed <= 0 {
					continue
				}

				info := srv.CurrentEventsInfo()
				var wfBits, auBits uint64
				dispatch.mu.RLock()
				for id, rx := range dispatch.receivers {
					wf, au := rx.TotalBits()
					wfDelta := wf - lastWaterfall[id]
					auDelta := au - lastAudio[id]
					wfBits += wfDelta
					auBits += auDelta
					lastWaterfall[id] = wf
					lastAudio[id] = au
					if srv.metrics != nil {
						srv.metrics.waterfallKbits.WithLabelValues(id).Set(float64(wfDelta) / 1000.0 / elapsed)
						srv.metrics.audioKbits.WithLabelValues(id).Set(float64(auDelta) / 1000.0 / elapsed)
					}
				}
				dispatch.mu.RUnlock()
				info.WaterfallKbits = float64(wfBits) / 1000.0 / elapsed
				info.AudioKbits = float64(auBits) / 1000.0 / elapsed
				info.SignalChanges = srv.changes.Drain()

				if payload, err := info.ToJSON(); err == nil {
					srv.events.Broadcast([]byte(payload))
				}
			}
		}
	}()
}

func startMetricsTicker(ctx context.Context, metrics *PrometheusMetrics, srv *Server, dispatch *DispatchEngine) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateReceiverGauges(dispatch)
				metrics.UpdateHostGauges()
				metrics.eventsClients.Set(float64(srv.events.ClientCount()))
				srv.connLimiter.Sweep()
			}
		}
	}()
}

func main() {
	// Record start time for uptime tracking
	StartTime = time.Now()

	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	stats := flag.Bool("stats", false, "Enable WebSocket statistics logging")
	flag.Parse()

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	StatsMode = *stats
	if statsEnv := os.Getenv("STATS"); statsEnv != "" {
		StatsMode = statsEnv == "true" || statsEnv == "1" || statsEnv == "yes"
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	metrics := NewPrometheusMetrics()
	dispatch := NewDispatchEngine(config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := range config.Receivers {
		rc := &config.Receivers[i]
		rt, err := rc.Runtime(config)
		if err != nil {
			log.Fatalf("Invalid receiver %s: %v", rc.ID, err)
		}

		if rc.Accelerator == AcceleratorGPU {
			// No accelerator backend is linked into this build; the engine
			// contract it would satisfy is AccelBackend in spectrum.go.
			if rc.AcceleratorRequired {
				log.Fatalf("Receiver %s: GPU accelerator required but unavailable", rc.ID)
			}
			log.Printf("WARNING: receiver %s: GPU accelerator unavailable, falling back to CPU FFT", rc.ID)
		}

		state, err := NewReceiverState(rc, rt)
		if err != nil {
			log.Fatalf("Failed to initialise receiver %s: %v", rc.ID, err)
		}
		dispatch.Register(state)

		src, err := openSampleSource(rc)
		if err != nil {
			log.Fatalf("%v", err)
		}

		log.Printf("INFO: receiver %s: %s input at %d sps, fft %d (%d bins, %d pyramid levels), audio %d sps",
			rc.ID, rc.Signal, rc.SPS, rt.FFTSize, rt.FFTResultSize, rt.DownsampleLevels, rt.AudioMaxSPS)

		go func(st *ReceiverState, r *os.File) {
			if err := dispatch.Run(ctx, st, r); err != nil {
				log.Printf("ERROR: receiver %s: %v", st.Config.ID, err)
			}
		}(state, src)
	}

	srv := NewServer(config, dispatch, metrics)

	if StatsMode {
		log.Println("WebSocket statistics logging enabled")
		startStatsLogger()
	}
	startEventsTicker(ctx, srv, dispatch)
	startMetricsTicker(ctx, metrics, srv, dispatch)

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPub, err = NewMQTTPublisher(&config.MQTT)
		if err != nil {
			log.Printf("WARNING: MQTT publisher disabled: %v", err)
			mqttPub = nil
		} else {
			mqttPub.StartPublisher(ctx, srv)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/server-info.json", func(w http.ResponseWriter, r *http.Request) {
		handleServerInfo(w, r, config, dispatch)
	})
	mux.HandleFunc("/receivers.json", func(w http.ResponseWriter, r *http.Request) {
		handleReceivers(w, r, config, dispatch)
	})
	mux.HandleFunc("/audio", srv.HandleAudioWS)
	mux.HandleFunc("/waterfall", srv.HandleWaterfallWS)
	mux.HandleFunc("/events", srv.HandleEventsWS)
	mux.HandleFunc("/healthz", handleHealth)
	if config.Prometheus.Enabled {
		path := config.Prometheus.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
	}

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Graceful shutdown: stop sample ingest, give outbound queues a short
	// drain grace, then close sockets.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("INFO: shutdown signal received")
		cancel()
		time.Sleep(150 * time.Millisecond)
		if mqttPub != nil {
			mqttPub.Disconnect()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: %s v%s listening on %s", config.WebSDR.Name, ServerVersion, addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	log.Println("INFO: shutdown complete")
}
