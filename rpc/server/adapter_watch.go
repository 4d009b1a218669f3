package server

import (
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/rpc/common"
)

const (
	// DefaultPollLimit is the number of events of a poll without limit
	DefaultPollLimit = 100
	// MaxPollLimit bounds the events of a single poll
	MaxPollLimit = 10000
)

// NewWatchServerAdapter creates the adapter of the watch service. A poll
// waits at most maxWait for the first event.
func NewWatchServerAdapter(registry *event.Registry, maxWait time.Duration) IRPCServerAdapter {
	return &watchServerAdapter{registry: registry, maxWait: maxWait}
}

type watchServerAdapter struct {
	registry *event.Registry
	maxWait  time.Duration
}

func (adapter *watchServerAdapter) Handle(req *common.Message) *common.Message {
	if adapter.registry == nil {
		return common.NewErrorResponse(errs.New(errs.RetCInternal, "handler: watch registry is nil"))
	}

	switch req.MsgType {
	case common.MsgTWatchOpen:
		s, err := adapter.registry.Open(event.WatchOptions{
			Filter:        req.Filter,
			SinceRevision: req.USN,
			FromNow:       req.Ok,
		})
		if err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		return &common.Message{MsgType: req.MsgType, ID: s.ID, USN: s.StartRevision()}
	case common.MsgTWatchPoll:
		return adapter.poll(req)
	case common.MsgTWatchClose:
		return common.NewResponse(req.MsgType, adapter.registry.Close(req.ID))
	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCInvalidParameter, "RPC WatchAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// poll returns the next events of a session. If none is ready it waits up
// to the requested time for the first one. The usn of the response is the
// revision the session has reached.
func (adapter *watchServerAdapter) poll(req *common.Message) *common.Message {
	s, err := adapter.registry.Get(req.ID)
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}

	limit := int(req.Limit)
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	limit = min(limit, MaxPollLimit)
	wait := min(time.Duration(req.WaitMS)*time.Millisecond, adapter.maxWait)

	events := make([]common.WatchEvent, 0)
	collect := event.SenderFunc(func(ev *event.Event) error {
		we := common.NewWatchEvent(ev)
		if we.Entry != nil {
			we.Entry = we.Entry.Clone()
		}
		events = append(events, we)
		return nil
	})

	deadline := time.Now().Add(wait)
	for {
		if _, err := s.SendEvents(collect, limit-len(events)); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		remaining := time.Until(deadline)
		if len(events) > 0 || remaining <= 0 || !s.Wait(remaining) {
			break
		}
	}

	resp := common.NewValueResponse(req.MsgType, events, nil)
	resp.ID = s.ID
	resp.USN = s.Revision()
	return resp
}
