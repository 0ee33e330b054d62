package model

import (
	"encoding/json"

	"github.com/adwski/webrtc-roomclient/sdk/engine"
)

// LevelHost is the participant level of the room host.
const LevelHost = "2"

// Signaling events exchanged with the SFU.
const (
	EventJoinConRoom                     = "joinConRoom"
	EventNewPipeProducer                 = "new pipe producer"
	EventProducerClosed                  = "producer closed"
	EventBreakoutRoomUpdated             = "breakout room updated"
	EventPollUpdated                     = "pollUpdated"
	EventDisconnectUser                  = "disconnectUser"
	EventCreateReceiveAllTransportsPiped = "createReceiveAllTransportsPiped"
	EventCreateReceiveAllTransports      = "createReceiveAllTransports"
	EventGetProducersPipedAlt            = "getProducersPipedAlt"
	EventGetProducersAlt                 = "getProducersAlt"
	EventCreateWebRtcTransport           = "createWebRtcTransport"
	EventConsume                         = "consume"
	EventConsumerResume                  = "consumer-resume"
	EventTransportRecvConnect            = "transport-recv-connect"
)

// Media kinds as seen by the layout layer.
const (
	KindAudio       = "audio"
	KindVideo       = "video"
	KindScreenshare = "screenshare"
)

const (
	StatusStarted = "started"
	StatusEnded   = "ended"

	// DisplayTypeAll shows every participant regardless of media state.
	DisplayTypeAll = "all"
)

// Channel origins of registry entries.
const (
	OriginPrimary = "primary"
	OriginLocal   = "local"
)

type Identity struct {
	APIUserName string `yaml:"api_user_name"`
	APIToken    string `yaml:"api_token"`
	DisplayName string `yaml:"display_name"`
	RoomName    string `yaml:"room_name"`
	Level       string `yaml:"level"`
}

func (id Identity) IsHost() bool {
	return id.Level == LevelHost
}

// ConsumerTransportInfo binds one remote producer to the local receive transport consuming it.
type ConsumerTransportInfo struct {
	ProducerID        string
	ServerTransportID string
	Kind              string
	// Origin names the signaling channel the transport was negotiated on.
	Origin    string
	Transport engine.Transport
	Consumer  engine.Consumer
}

type Participant struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	AudioID   string `json:"audioID"`
	VideoID   string `json:"videoID"`
	Level     string `json:"islevel,omitempty"`
	IsBanned  bool   `json:"isBanned"`
	BreakRoom *int   `json:"breakRoom,omitempty"`
}

type BreakoutParticipant struct {
	Name      string `json:"name"`
	BreakRoom *int   `json:"breakRoom,omitempty"`
}

type BreakoutState struct {
	Started       bool
	Ended         bool
	Rooms         [][]BreakoutParticipant
	HostRoomIndex *int
}

// DisplayState is the layout projection the UI layer reads.
type DisplayState struct {
	FirstRound      bool
	Landscape       bool
	DisplayType     string
	PrevDisplayType string

	ScreenID           string
	ShareScreenStarted bool
	Shared             bool
	WideScreen         bool
}

// Sharing reports whether a screen share is on, remote or local.
func (d DisplayState) Sharing() bool {
	return d.ShareScreenStarted || d.Shared
}

type Poll struct {
	ID       string         `json:"id"`
	Question string         `json:"question"`
	Type     string         `json:"type"`
	Options  []string       `json:"options"`
	Votes    []int          `json:"votes"`
	Status   string         `json:"status"`
	Voters   map[string]int `json:"voters"`
}

type (
	JoinRequest struct {
		RoomName    string `json:"roomName"`
		Level       string `json:"islevel"`
		Member      string `json:"member"`
		Sec         string `json:"sec"`
		APIUserName string `json:"apiUserName"`
	}

	JoinResponse struct {
		Success         bool                 `json:"success"`
		RTPCapabilities *engine.Capabilities `json:"rtpCapabilities,omitempty"`
		Reason          string               `json:"reason,omitempty"`
	}

	NewPipeProducer struct {
		ProducerID string `json:"producerId"`
		Level      string `json:"islevel"`
	}

	ProducerClosed struct {
		RemoteProducerID string `json:"remoteProducerId"`
	}

	BreakoutRoomUpdate struct {
		ForHost       bool                    `json:"forHost,omitempty"`
		NewRoom       *int                    `json:"newRoom,omitempty"`
		Members       []Participant           `json:"members,omitempty"`
		BreakoutRooms [][]BreakoutParticipant `json:"breakoutRooms"`
		Status        string                  `json:"status"`
	}

	PollUpdate struct {
		Polls  []Poll `json:"polls,omitempty"`
		Poll   Poll   `json:"poll"`
		Status string `json:"status"`
	}

	DisconnectUser struct {
		Member   string `json:"member"`
		RoomName string `json:"roomName"`
		Ban      bool   `json:"ban"`
	}

	ReceiveAllTransportsRequest struct {
		RoomName string `json:"roomName,omitempty"`
		Member   string `json:"member,omitempty"`
		Level    string `json:"islevel,omitempty"`
	}

	ReceiveAllTransportsResponse struct {
		ProducersExist bool `json:"producersExist"`
	}

	GetProducersRequest struct {
		Level  string `json:"islevel"`
		Member string `json:"member"`
	}

	CreateTransportRequest struct {
		Consumer bool   `json:"consumer"`
		Level    string `json:"islevel"`
	}

	CreateTransportResponse struct {
		Params *TransportParamsReply `json:"params"`
	}

	TransportParamsReply struct {
		engine.TransportParams
		Error json.RawMessage `json:"error,omitempty"`
	}

	ConsumeRequest struct {
		RTPCapabilities           engine.Capabilities `json:"rtpCapabilities"`
		RemoteProducerID          string              `json:"remoteProducerId"`
		ServerConsumerTransportID string              `json:"serverConsumerTransportId"`
	}

	ConsumeResponse struct {
		Params *ConsumeReply `json:"params"`
	}

	ConsumeReply struct {
		ID               string          `json:"id"`
		ProducerID       string          `json:"producerId"`
		Kind             string          `json:"kind"`
		RTPParameters    json.RawMessage `json:"rtpParameters"`
		ServerConsumerID string          `json:"serverConsumerId"`
		Error            json.RawMessage `json:"error,omitempty"`
	}

	ConsumerResumeRequest struct {
		ServerConsumerID string `json:"serverConsumerId"`
	}

	ConsumerResumeResponse struct {
		Resumed bool `json:"resumed"`
	}

	TransportRecvConnect struct {
		DTLSParameters            engine.DTLSParameters `json:"dtlsParameters"`
		ServerConsumerTransportID string                `json:"serverConsumerTransportId"`
	}
)
