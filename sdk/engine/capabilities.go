package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
)

// VideoOrientationURI is stripped from router capabilities before loading,
// some native engines reject it.
const VideoOrientationURI = "urn:3gpp:video-orientation"

type (
	// Capabilities mirrors the router RTP capabilities as sent by the SFU.
	Capabilities struct {
		Codecs           []Codec           `json:"codecs"`
		HeaderExtensions []HeaderExtension `json:"headerExtensions"`
		FECMechanisms    []string          `json:"fecMechanisms,omitempty"`
	}

	Codec struct {
		Kind                 string         `json:"kind"`
		MimeType             string         `json:"mimeType"`
		ClockRate            uint32         `json:"clockRate"`
		Channels             uint16         `json:"channels,omitempty"`
		PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
		Parameters           map[string]any `json:"parameters,omitempty"`
		RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
	}

	RTCPFeedback struct {
		Type      string `json:"type"`
		Parameter string `json:"parameter,omitempty"`
	}

	HeaderExtension struct {
		Kind             string `json:"kind,omitempty"`
		URI              string `json:"uri"`
		PreferredID      int    `json:"preferredId"`
		PreferredEncrypt bool   `json:"preferredEncrypt,omitempty"`
		Direction        string `json:"direction,omitempty"`
	}
)

// Empty reports whether the capabilities carry nothing to negotiate.
func (c Capabilities) Empty() bool {
	return len(c.Codecs) == 0 && len(c.HeaderExtensions) == 0
}

// WithoutHeaderExtension returns a copy of c with every header extension for uri removed.
func (c Capabilities) WithoutHeaderExtension(uri string) Capabilities {
	out := Capabilities{
		Codecs:           append([]Codec(nil), c.Codecs...),
		HeaderExtensions: make([]HeaderExtension, 0, len(c.HeaderExtensions)),
		FECMechanisms:    append([]string(nil), c.FECMechanisms...),
	}
	for _, ext := range c.HeaderExtensions {
		if ext.URI != uri {
			out.HeaderExtensions = append(out.HeaderExtensions, ext)
		}
	}
	return out
}

// ForDevice prepares router capabilities for loading into the engine.
func ForDevice(c Capabilities) Capabilities {
	return c.WithoutHeaderExtension(VideoOrientationURI)
}

// CodecCapabilities returns pion codec capabilities of the given kind.
func (c Capabilities) CodecCapabilities(kind webrtc.RTPCodecType) []webrtc.RTPCodecCapability {
	var out []webrtc.RTPCodecCapability
	for _, codec := range c.Codecs {
		if codec.CodecType() == kind {
			out = append(out, codec.Capability())
		}
	}
	return out
}

// HeaderExtensionCapabilities returns pion header extension capabilities of the given kind.
// Extensions without a kind apply to both.
func (c Capabilities) HeaderExtensionCapabilities(kind webrtc.RTPCodecType) []webrtc.RTPHeaderExtensionCapability {
	var out []webrtc.RTPHeaderExtensionCapability
	for _, ext := range c.HeaderExtensions {
		if ext.Kind == "" || webrtc.NewRTPCodecType(ext.Kind) == kind {
			out = append(out, webrtc.RTPHeaderExtensionCapability{URI: ext.URI})
		}
	}
	return out
}

func (c Codec) CodecType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(c.Kind)
}

func (c Codec) Capability() webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

// NormalizeKind maps a track kind onto "audio" or "video", anything else yields "".
func NormalizeKind(kind string) string {
	switch webrtc.NewRTPCodecType(strings.ToLower(kind)) {
	case webrtc.RTPCodecTypeAudio:
		return webrtc.RTPCodecTypeAudio.String()
	case webrtc.RTPCodecTypeVideo:
		return webrtc.RTPCodecTypeVideo.String()
	default:
		return ""
	}
}

func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}
