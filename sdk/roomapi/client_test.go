package roomapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = Credentials{APIUserName: "user", APIKey: strings.Repeat("k", apiKeyLength)}

type recorded struct {
	path   string
	auth   string
	ctype  string
	fields map[string]any
}

// stubAPI answers room requests; rooms named "full" are rejected.
func stubAPI(t *testing.T) (*httptest.Server, <-chan recorded) {
	t.Helper()
	reqs := make(chan recorded, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		defer func() {
			_ = r.Body.Close()
		}()
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reqs <- recorded{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
			fields: fields,
		}
		switch {
		case fields["meetingID"] == "full":
			writeJSON(w, http.StatusConflict, map[string]any{"error": "room is full", "success": false})
		case fields["meetingID"] == "broken":
			writeJSON(w, http.StatusInternalServerError, "upstream down")
		case fields["meetingID"] == "garbled":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("{"))
		default:
			writeJSON(w, http.StatusOK, RoomResponse{
				Message:  "OK",
				RoomName: "room-1",
				Link:     "https://sfu.test",
				Secret:   "s3cr3t",
				Success:  true,
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, _ := json.Marshal(v)
	if s, ok := v.(string); ok {
		b = []byte(s)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func newClient(baseURL, localLink string) *Client {
	logger := zerolog.Nop()
	return NewClient(Config{Logger: &logger, BaseURL: baseURL, LocalLink: localLink})
}

func TestClient_JoinRoom(t *testing.T) {
	srv, reqs := stubAPI(t)
	c := newClient(srv.URL+"/v1/rooms", "")

	room, err := c.JoinRoom(context.Background(), creds, JoinRoomRequest{MeetingID: "m1", UserName: "alice"})
	require.NoError(t, err)
	assert.True(t, room.Success)
	assert.Equal(t, "room-1", room.RoomName)
	assert.Equal(t, "s3cr3t", room.Secret)

	got := <-reqs
	assert.Equal(t, "/v1/rooms", got.path)
	assert.Equal(t, "Bearer user:"+creds.APIKey, got.auth)
	assert.Equal(t, "application/json", got.ctype)
	assert.Equal(t, "join", got.fields["action"])
	assert.Equal(t, "0", got.fields["islevel"])
	assert.Equal(t, "alice", got.fields["userName"])
}

func TestClient_LocalLink(t *testing.T) {
	srv, reqs := stubAPI(t)
	c := newClient("", srv.URL+"/")

	_, err := c.JoinRoom(context.Background(), creds, JoinRoomRequest{MeetingID: "m1", UserName: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "/joinRoom", (<-reqs).path)

	_, err = c.CreateRoom(context.Background(), creds, CreateRoomRequest{UserName: "alice", Duration: 30, Capacity: 5})
	require.NoError(t, err)
	got := <-reqs
	assert.Equal(t, "/createRoom", got.path)
	assert.Equal(t, "create", got.fields["action"])
	assert.EqualValues(t, 5, got.fields["capacity"])
}

func TestClient_CreateRoomEndpoint(t *testing.T) {
	srv, reqs := stubAPI(t)
	c := newClient(srv.URL+"/v1/rooms", "")

	_, err := c.CreateRoom(context.Background(), creds, CreateRoomRequest{UserName: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/rooms/", (<-reqs).path)
}

func TestClient_Validation(t *testing.T) {
	c := newClient("http://127.0.0.1:1", "")
	tests := []struct {
		name string
		call func() error
	}{
		{"short api key", func() error {
			_, err := c.JoinRoom(context.Background(), Credentials{APIKey: "short"},
				JoinRoomRequest{MeetingID: "m1", UserName: "alice"})
			return err
		}},
		{"blank meeting id", func() error {
			_, err := c.JoinRoom(context.Background(), creds, JoinRoomRequest{MeetingID: " ", UserName: "alice"})
			return err
		}},
		{"blank user name", func() error {
			_, err := c.JoinRoom(context.Background(), creds, JoinRoomRequest{MeetingID: "m1"})
			return err
		}},
		{"create without user name", func() error {
			_, err := c.CreateRoom(context.Background(), creds, CreateRoomRequest{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrInvalidRequest)
		})
	}
}

func TestClient_Errors(t *testing.T) {
	srv, _ := stubAPI(t)
	c := newClient(srv.URL, "")
	join := func(meeting string) error {
		_, err := c.JoinRoom(context.Background(), creds, JoinRoomRequest{MeetingID: meeting, UserName: "alice"})
		return err
	}

	err := join("full")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "room is full")

	err = join("broken")
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "upstream down")

	assert.ErrorIs(t, join("garbled"), ErrDecode)

	srv.Close()
	assert.ErrorIs(t, join("m1"), ErrRequest)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "unknown error", errorMessage(nil))
	assert.Equal(t, "nope", errorMessage([]byte(`{"error":"nope"}`)))
	assert.Equal(t, "plain", errorMessage([]byte("plain")))
}
