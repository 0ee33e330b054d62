// Package roomapi creates and joins rooms through the SFU's REST API.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://mediasfu.com/v1/rooms"

	apiKeyLength          = 64
	defaultRequestTimeout = 15 * time.Second
)

var (
	ErrInvalidRequest = errors.New("invalid room request")
	ErrRequest        = errors.New("room request failed")
	ErrRejected       = errors.New("room request rejected")
	ErrDecode         = errors.New("unable to decode room response")
)

type (
	Credentials struct {
		APIUserName string
		APIKey      string
	}

	JoinRoomRequest struct {
		Action        string `json:"action"`
		MeetingID     string `json:"meetingID"`
		UserName      string `json:"userName"`
		AdminPasscode string `json:"adminPasscode,omitempty"`
		Level         string `json:"islevel"`
	}

	CreateRoomRequest struct {
		Action            string `json:"action"`
		Duration          int    `json:"duration"`
		Capacity          int    `json:"capacity"`
		UserName          string `json:"userName"`
		ScheduledDate     int64  `json:"scheduledDate,omitempty"`
		SecureCode        string `json:"secureCode,omitempty"`
		EventType         string `json:"eventType,omitempty"`
		RoomName          string `json:"roomName,omitempty"`
		AdminPasscode     string `json:"adminPasscode,omitempty"`
		Level             string `json:"islevel,omitempty"`
		RecordOnly        bool   `json:"recordOnly"`
		SafeRoom          bool   `json:"safeRoom"`
		AutoStartSafeRoom bool   `json:"autoStartSafeRoom"`
		SafeRoomAction    string `json:"safeRoomAction,omitempty"`
		DataBuffer        bool   `json:"dataBuffer"`
		BufferType        string `json:"bufferType,omitempty"`
	}

	// RoomResponse is returned by both create and join.
	RoomResponse struct {
		Message    string `json:"message"`
		RoomName   string `json:"roomName"`
		SecureCode string `json:"secureCode,omitempty"`
		PublicURL  string `json:"publicURL"`
		Link       string `json:"link"`
		Secret     string `json:"secret"`
		Success    bool   `json:"success"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}

	Config struct {
		Logger *zerolog.Logger
		// LocalLink points at a community-edition server. Empty uses BaseURL.
		LocalLink  string
		BaseURL    string
		HTTPClient *http.Client
	}

	Client struct {
		logger    zerolog.Logger
		localLink string
		baseURL   string
		hc        *http.Client
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:    cfg.Logger.With().Str("component", "room-api").Logger(),
		localLink: strings.TrimRight(cfg.LocalLink, "/"),
		baseURL:   cfg.BaseURL,
		hc:        cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return c
}

func (c *Client) JoinRoom(ctx context.Context, creds Credentials, req JoinRoomRequest) (*RoomResponse, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	switch {
	case strings.TrimSpace(req.MeetingID) == "":
		return nil, errors.Join(ErrInvalidRequest, errors.New("meeting id cannot be empty"))
	case strings.TrimSpace(req.UserName) == "":
		return nil, errors.Join(ErrInvalidRequest, errors.New("user name cannot be empty"))
	}
	if req.Action == "" {
		req.Action = "join"
	}
	if req.Level == "" {
		req.Level = "0"
	}
	endpoint := c.baseURL
	if c.localLink != "" {
		endpoint = c.localLink + "/joinRoom"
	}
	return c.post(ctx, endpoint, creds, &req)
}

func (c *Client) CreateRoom(ctx context.Context, creds Credentials, req CreateRoomRequest) (*RoomResponse, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserName) == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("user name cannot be empty"))
	}
	if req.Action == "" {
		req.Action = "create"
	}
	endpoint := c.baseURL + "/"
	if c.localLink != "" {
		endpoint = c.localLink + "/createRoom"
	}
	return c.post(ctx, endpoint, creds, &req)
}

func (cr Credentials) validate() error {
	if len(cr.APIKey) != apiKeyLength {
		return errors.Join(ErrInvalidRequest, fmt.Errorf("api key must be exactly %d characters", apiKeyLength))
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, creds Credentials, payload any) (*RoomResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIUserName+":"+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Trace().Str("endpoint", endpoint).RawJSON("request", body).Msg("sending room request")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("room request rejected")
		return nil, errors.Join(ErrRejected, errors.New(errorMessage(respBody)))
	}

	var room RoomResponse
	if err = json.Unmarshal(respBody, &room); err != nil {
		return nil, errors.Join(ErrDecode, err)
	}
	return &room, nil
}

// errorMessage extracts the error of a rejected request, falling back to the raw body.
func errorMessage(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return "unknown error"
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return string(body)
}
