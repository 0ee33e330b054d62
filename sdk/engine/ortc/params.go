package ortc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
	"github.com/pion/webrtc/v4"
)

var errNoEncodings = errors.New("rtp parameters carry no encodings")

type (
	// iceCandidate is a server transport candidate as sent by the SFU.
	iceCandidate struct {
		Foundation string `json:"foundation"`
		Priority   uint32 `json:"priority"`
		IP         string `json:"ip"`
		Address    string `json:"address"`
		Protocol   string `json:"protocol"`
		Port       uint16 `json:"port"`
		Type       string `json:"type"`
		TCPType    string `json:"tcpType,omitempty"`
	}

	rtpParameters struct {
		Codecs []struct {
			MimeType    string `json:"mimeType"`
			PayloadType uint8  `json:"payloadType"`
		} `json:"codecs"`
		Encodings []struct {
			SSRC uint32 `json:"ssrc"`
			RTX  *struct {
				SSRC uint32 `json:"ssrc"`
			} `json:"rtx,omitempty"`
		} `json:"encodings"`
	}
)

func remoteCandidates(raw json.RawMessage) ([]webrtc.ICECandidate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []iceCandidate
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		addr := c.Address
		if addr == "" {
			addr = c.IP
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    addr,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func iceParameters(p engine.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

// serverDTLS converts the server DTLS parameters. The server always takes the
// DTLS server role since the local side announces itself as client.
func serverDTLS(p engine.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return out
}

func localDTLS(p webrtc.DTLSParameters) engine.DTLSParameters {
	out := engine.DTLSParameters{Role: webrtc.DTLSRoleClient.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.Fingerprint{
			Algorithm: f.Algorithm,
			Value:     f.Value,
		})
	}
	return out
}

func receiveParameters(raw json.RawMessage) (webrtc.RTPReceiveParameters, error) {
	var (
		p   rtpParameters
		out webrtc.RTPReceiveParameters
	)
	if len(raw) == 0 {
		return out, errNoEncodings
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return out, fmt.Errorf("rtp parameters: %w", err)
	}
	if len(p.Encodings) == 0 {
		return out, errNoEncodings
	}
	var pt webrtc.PayloadType
	if len(p.Codecs) > 0 {
		pt = webrtc.PayloadType(p.Codecs[0].PayloadType)
	}
	for _, enc := range p.Encodings {
		d := webrtc.RTPDecodingParameters{RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(enc.SSRC),
			PayloadType: pt,
		}}
		if enc.RTX != nil {
			d.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(enc.RTX.SSRC)}
		}
		out.Encodings = append(out.Encodings, d)
	}
	return out, nil
}
