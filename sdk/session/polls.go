package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-roomclient/sdk/model"
)

const pollAlertDuration = 3 * time.Second

var errNoPoll = errors.New("poll update carries no poll")

type pollReconciler struct {
	member string
	host   bool
	hooks  Hooks

	mx      *sync.RWMutex
	polls   []model.Poll
	current *model.Poll
}

// HandlePollUpdated merges a poll push into the local poll list.
func (s *Session) HandlePollUpdated(ctx context.Context, u model.PollUpdate) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.polls.apply(ctx, u); err != nil {
		return errors.Join(ErrReconcile, err)
	}
	return nil
}

func (pr *pollReconciler) apply(_ context.Context, u model.PollUpdate) error {
	if len(u.Polls) == 0 && u.Poll.ID == "" {
		return errNoPoll
	}

	pr.mx.Lock()
	if len(u.Polls) > 0 {
		pr.polls = append([]model.Poll(nil), u.Polls...)
	} else {
		pr.polls = upsertPoll(pr.polls, u.Poll)
	}
	previous := pr.current
	if u.Status != model.StatusEnded || (previous != nil && previous.ID == u.Poll.ID) {
		p := u.Poll
		pr.current = &p
	}
	pr.mx.Unlock()

	switch u.Status {
	case model.StatusStarted:
		if pr.host {
			return nil
		}
		if _, voted := u.Poll.Voters[pr.member]; voted {
			return nil
		}
		pr.hooks.alert("New poll started", AlertSuccess, pollAlertDuration)
		if pr.hooks.OnPollModal != nil {
			pr.hooks.OnPollModal(true)
		}
	case model.StatusEnded:
		if previous != nil && previous.ID == u.Poll.ID {
			pr.hooks.alert("Poll ended", AlertDanger, pollAlertDuration)
		}
	}
	return nil
}

// upsertPoll returns a new list with p replacing the poll of the same id or appended.
func upsertPoll(polls []model.Poll, p model.Poll) []model.Poll {
	out := make([]model.Poll, 0, len(polls)+1)
	found := false
	for _, existing := range polls {
		if existing.ID == p.ID {
			out = append(out, p)
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, p)
	}
	return out
}

func (pr *pollReconciler) list() []model.Poll {
	pr.mx.RLock()
	defer pr.mx.RUnlock()
	return append([]model.Poll(nil), pr.polls...)
}

func (pr *pollReconciler) currentPoll() (model.Poll, bool) {
	pr.mx.RLock()
	defer pr.mx.RUnlock()
	if pr.current == nil {
		return model.Poll{}, false
	}
	return *pr.current, true
}
