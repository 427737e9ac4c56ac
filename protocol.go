package main

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// BasicInfoDefaults is the receiver's default tuning/demodulation/window
// sent to a client on connect or receiver switch.
type BasicInfoDefaults struct {
	Frequency      int64  `json:"frequency"`
	Modulation     string `json:"modulation"`
	L              int32  `json:"l"`
	M              float64 `json:"m"`
	R              int32  `json:"r"`
	SSBLowcutHz    *int64 `json:"ssb_lowcut_hz,omitempty"`
	SSBHighcutHz   *int64 `json:"ssb_highcut_hz,omitempty"`
	SquelchEnabled *bool  `json:"squelch_enabled,omitempty"`
}

// BasicInfo is the JSON settings payload sent as the first text message on
// the audio and waterfall sockets, and again after a receiver switch.
type BasicInfo struct {
	SPS                 int64             `json:"sps"`
	AudioMaxSPS         int64             `json:"audio_max_sps"`
	AudioMaxFFT         int               `json:"audio_max_fft"`
	FFTSize             int               `json:"fft_size"`
	FFTResultSize       int               `json:"fft_result_size"`
	WaterfallSize       int               `json:"waterfall_size"`
	Basefreq            int64             `json:"basefreq"`
	TotalBandwidth      int64             `json:"total_bandwidth"`
	Defaults            BasicInfoDefaults `json:"defaults"`
	WaterfallCompression string           `json:"waterfall_compression"`
	AudioCompression    string            `json:"audio_compression"`
	GridLocator         string            `json:"grid_locator"`
	SMeterOffset        int32             `json:"smeter_offset"`
	Markers             string            `json:"markers"`
}

// ToJSON renders the settings payload exactly as sent on the wire.
func (b *BasicInfo) ToJSON() (string, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal basic info: %w", err)
	}
	return string(buf), nil
}

// ClientCommand is the tagged union of inbound WS control messages,
// discriminated by the cmd field. Fields unused by a given variant are
// left zero.
type ClientCommand struct {
	Cmd string `json:"cmd"`

	// Receiver
	ReceiverID string `json:"receiver_id,omitempty"`

	// Window
	L     int32    `json:"l,omitempty"`
	R     int32    `json:"r,omitempty"`
	M     *float64 `json:"m,omitempty"`
	Level *int32   `json:"level,omitempty"`

	// Demodulation
	Demodulation string `json:"demodulation,omitempty"`

	// Userid
	UserID string `json:"userid,omitempty"`

	// Mute
	Mute bool `json:"mute,omitempty"`

	// Squelch
	SquelchEnabled bool `json:"enabled,omitempty"`

	// Agc
	AgcSpeedName string   `json:"speed,omitempty"`
	Attack       *float32 `json:"attack,omitempty"`
	Release      *float32 `json:"release,omitempty"`

	// Buffer
	Size string `json:"size,omitempty"`
}

// ParseClientCommand decodes a raw WS text frame into a ClientCommand.
// The WS handlers bound message size to 1024 bytes before calling this.
func ParseClientCommand(raw []byte) (*ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode client command: %w", err)
	}
	return &cmd, nil
}

// EventsInfo is the periodic activity summary broadcast on the /events WS
// and (optionally) published to MQTT.
type EventsInfo struct {
	WaterfallClients int                         `json:"waterfall_clients"`
	SignalClients    int                         `json:"signal_clients"`
	SignalChanges    map[string][3]float64       `json:"signal_changes,omitempty"`
	WaterfallKbits   float64                     `json:"waterfall_kbits"`
	AudioKbits       float64                     `json:"audio_kbits"`
}

// AudioPacket is the CBOR envelope for one audio block. Data is the FLAC
// frame payload.
type AudioPacket struct {
	FrameNum uint64  `cbor:"frame_num"`
	L        int32   `cbor:"l"`
	M        float64 `cbor:"m"`
	R        int32   `cbor:"r"`
	Pwr      float32 `cbor:"pwr"`
	Data     []byte  `cbor:"data"`
}

// EncodeCBOR serialises the audio packet envelope.
func (p *AudioPacket) EncodeCBOR() ([]byte, error) {
	buf, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("cbor encode audio packet: %w", err)
	}
	return buf, nil
}

// WaterfallPacket is the CBOR envelope for one waterfall tile. L and R
// are already shifted back to full-resolution bin coordinates
// (`<< level`) before encoding.
type WaterfallPacket struct {
	FrameNum uint64 `cbor:"frame_num"`
	L        int32  `cbor:"l"`
	R        int32  `cbor:"r"`
	Data     []byte `cbor:"data"`
}

// EncodeCBOR serialises the waterfall packet envelope.
func (p *WaterfallPacket) EncodeCBOR() ([]byte, error) {
	buf, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("cbor encode waterfall packet: %w", err)
	}
	return buf, nil
}
