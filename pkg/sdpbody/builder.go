package sdpbody

import (
	"strconv"

	"github.com/pion/sdp/v3"
)

// AudioConfig параметры простого аудио описания.
type AudioConfig struct {
	SessionID   uint64
	Version     uint64
	Host        string
	Port        int
	PayloadType uint8
	Codec       string
	ClockRate   int
	Direction   string // sendrecv, sendonly, recvonly, inactive
}

// NewAudio строит описание с одним аудио потоком RTP/AVP.
func NewAudio(cfg AudioConfig) (*Description, error) {
	if cfg.Codec == "" {
		cfg.Codec = "PCMU"
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 8000
	}
	if cfg.Direction == "" {
		cfg.Direction = "sendrecv"
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      cfg.SessionID,
			SessionVersion: cfg.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.Host,
		},
		SessionName: sdp.SessionName("-"),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	pt := strconv.Itoa(int(cfg.PayloadType))
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: cfg.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("rtpmap", pt+" "+cfg.Codec+"/"+strconv.Itoa(cfg.ClockRate)),
		sdp.NewPropertyAttribute(cfg.Direction),
	)
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	return New(sd)
}
