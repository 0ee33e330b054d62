package session

import (
	"context"
	"testing"

	"github.com/adwski/webrtc-roomclient/sdk/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poll(id, status string, voters ...string) model.Poll {
	p := model.Poll{
		ID:       id,
		Question: "lunch?",
		Type:     "yesNo",
		Options:  []string{"Yes", "No"},
		Votes:    []int{0, 0},
		Status:   status,
		Voters:   map[string]int{},
	}
	for _, v := range voters {
		p.Voters[v] = 0
	}
	return p
}

func pollIDs(polls []model.Poll) []string {
	out := make([]string, 0, len(polls))
	for _, p := range polls {
		out = append(out, p.ID)
	}
	return out
}

func TestPolls_StartedAlertsParticipant(t *testing.T) {
	h := newHarness(t)
	primary := h.join()

	primary.Push(model.EventPollUpdated, model.PollUpdate{Poll: poll("q1", "active"), Status: model.StatusStarted})

	assert.Equal(t, []string{"New poll started"}, h.alertsSeen())
	assert.Equal(t, []bool{true}, h.modal)
	assert.Equal(t, []string{"q1"}, pollIDs(h.sess.Polls()))
	current, ok := h.sess.CurrentPoll()
	require.True(t, ok)
	assert.Equal(t, "q1", current.ID)
}

func TestPolls_StartedSkipsVotersAndHost(t *testing.T) {
	t.Run("already voted", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sess.HandlePollUpdated(context.Background(),
			model.PollUpdate{Poll: poll("q1", "active", "alice"), Status: model.StatusStarted}))
		assert.Empty(t, h.alertsSeen())
		assert.Empty(t, h.modal)
	})

	t.Run("host", func(t *testing.T) {
		h := newHarness(t, asHost)
		require.NoError(t, h.sess.HandlePollUpdated(context.Background(),
			model.PollUpdate{Poll: poll("q1", "active"), Status: model.StatusStarted}))
		assert.Empty(t, h.alertsSeen())
	})
}

func TestPolls_UpsertAndReplace(t *testing.T) {
	h := newHarness(t, asHost)
	ctx := context.Background()

	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: poll("q1", "active")}))
	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: poll("q2", "active")}))
	updated := poll("q1", "active")
	updated.Votes = []int{3, 1}
	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: updated}))

	polls := h.sess.Polls()
	assert.Equal(t, []string{"q1", "q2"}, pollIDs(polls))
	assert.Equal(t, []int{3, 1}, polls[0].Votes)

	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{
		Polls: []model.Poll{poll("q7", "inactive"), poll("q8", "active")},
		Poll:  poll("q8", "active"),
	}))
	assert.Equal(t, []string{"q7", "q8"}, pollIDs(h.sess.Polls()))
	current, ok := h.sess.CurrentPoll()
	require.True(t, ok)
	assert.Equal(t, "q8", current.ID)
}

func TestPolls_Ended(t *testing.T) {
	h := newHarness(t, asHost)
	ctx := context.Background()
	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: poll("q1", "active"), Status: model.StatusStarted}))

	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: poll("q0", "inactive"), Status: model.StatusEnded}))
	current, _ := h.sess.CurrentPoll()
	assert.Equal(t, "q1", current.ID)
	assert.Empty(t, h.alertsSeen())

	require.NoError(t, h.sess.HandlePollUpdated(ctx, model.PollUpdate{Poll: poll("q1", "inactive"), Status: model.StatusEnded}))
	current, _ = h.sess.CurrentPoll()
	assert.Equal(t, "inactive", current.Status)
	assert.Equal(t, []string{"Poll ended"}, h.alertsSeen())
}

func TestPolls_EmptyUpdate(t *testing.T) {
	h := newHarness(t)

	err := h.sess.HandlePollUpdated(context.Background(), model.PollUpdate{Status: model.StatusStarted})

	assert.ErrorIs(t, err, ErrReconcile)
	assert.Empty(t, h.sess.Polls())
	_, ok := h.sess.CurrentPoll()
	assert.False(t, ok)
}
