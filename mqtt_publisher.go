package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher pushes the periodic activity summary (the same EventsInfo
// JSON broadcast on /events) to a broker topic, for operators who want
// station activity in their wider telemetry stack.
type MQTTPublisher struct {
	client mqtt.Client
	config *MQTTConfig
}

// activityPayload is the message envelope published to the broker.
type activityPayload struct {
	Timestamp int64      `json:"timestamp"`
	Server    string     `json:"server"`
	Activity  EventsInfo `json:"activity"`
}

// generateClientID creates a random client ID for the MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "novasdr_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(config *MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	tlsCfg, err := loadTLSConfig(config.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("INFO: MQTT connected to %s", config.Broker)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("WARNING: MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &MQTTPublisher{client: client, config: config}, nil
}

// StartPublisher publishes the activity summary at the configured period
// (default 30s) until ctx is cancelled.
func (mp *MQTTPublisher) StartPublisher(ctx context.Context, srv *Server) {
	period := time.Duration(mp.config.PublishPeriodSec) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mp.publishActivity(srv)
			}
		}
	}()
}

func (mp *MQTTPublisher) publishActivity(srv *Server) {
	if !mp.client.IsConnected() {
		return
	}
	payload := activityPayload{
		Timestamp: time.Now().Unix(),
		Server:    srv.cfg.WebSDR.Name,
		Activity:  srv.CurrentEventsInfo(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: MQTT payload marshal: %v", err)
		return
	}
	topic := mp.config.Topic
	if topic == "" {
		topic = "novasdr/activity"
	}
	token := mp.client.Publish(topic, 0, false, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("ERROR: MQTT publish: %v", token.Error())
	}
}

// Disconnect closes the broker connection.
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
	}
}
