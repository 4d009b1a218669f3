package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/google/uuid"
)

// Matcher decides whether an entry matches a watch filter. Malformed filters
// fail with errs.ErrPreConditionFailed.
type Matcher interface {
	MatchEntryWithFilter(e *entry.Entry, filter string) (bool, error)
}

// Sender delivers events to the watching client
type Sender interface {
	Send(ev *Event) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ev *Event) error

func (f SenderFunc) Send(ev *Event) error { return f(ev) }

// WatchOptions selects where a session starts and which events it receives
type WatchOptions struct {
	Filter        string
	SinceRevision uint64 // deliver events with a revision > SinceRevision
	FromNow       bool   // ignore SinceRevision and only deliver future events
}

// WatchSession is an independent cursor into the ready list of a Repo.
// Each advance acquires the next event and releases the previous one.
type WatchSession struct {
	ID            string
	repo          *Repo
	matcher       Matcher
	filter        string
	startRevision uint64

	mu       sync.Mutex
	cookie   *Event
	closed   bool
	lastSent uint64
}

// NewWatchSession positions a new session. It fails with
// errs.ErrPreConditionFailed for a malformed filter and with
// errs.ErrEndOfList if the requested revision was already pruned.
func NewWatchSession(repo *Repo, opts WatchOptions, matcher Matcher) (*WatchSession, error) {
	if repo == nil {
		return nil, errs.New(errs.RetCInvalidParameter, "watch session without repository")
	}
	if matcher == nil {
		matcher = entry.FilterMatcher{}
	}
	if _, err := matcher.MatchEntryWithFilter(entry.New(""), opts.Filter); err != nil {
		return nil, err
	}

	cookie, err := repo.Position(opts.SinceRevision, opts.FromNow)
	if err != nil {
		return nil, err
	}

	start := opts.SinceRevision
	if opts.FromNow {
		start = cookie.Revision
	}

	return &WatchSession{
		ID:            uuid.NewString(),
		repo:          repo,
		matcher:       matcher,
		filter:        opts.Filter,
		startRevision: start,
		cookie:        cookie,
		lastSent:      start,
	}, nil
}

// StartRevision returns the revision the session started after
func (s *WatchSession) StartRevision() uint64 { return s.startRevision }

// Filter returns the session filter
func (s *WatchSession) Filter() string { return s.filter }

// Revision returns the revision of the last event the cursor passed
func (s *WatchSession) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookie == nil || s.repo.IsSentinel(s.cookie) {
		return s.lastSent
	}
	return s.cookie.Revision
}

// SendEvents delivers up to count matching events through sender and returns
// how many were sent. Non-matching events are passed without counting.
// Reaching the newest event is not an error. A filtered session that reaches
// an undecodable event ends with errs.ErrEndOfList once the events before it
// are delivered.
//
// If sender fails the cursor stays on the last delivered event, so the failed
// event is delivered again by the next call.
func (s *WatchSession) SendEvents(sender Sender, count int) (int, error) {
	if count <= 0 {
		return 0, errs.Newf(errs.RetCInvalidParameter, "invalid event count %d", count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errs.New(errs.RetCEndOfList, "watch session closed")
	}

	sent := 0
	for sent < count {
		next, err := s.peekNext()
		if errors.Is(err, errs.ErrEndOfList) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		if next.Revision > s.startRevision && next.DecodeErr != nil && s.filter != "" {
			// the filter cannot be evaluated, deliver what precedes first
			s.repo.Release(next)
			if sent > 0 {
				return sent, nil
			}
			s.closeLocked()
			return 0, errs.Newf(errs.RetCEndOfList, "watch %s: revision %d cannot be decoded, reopen after it: %v",
				s.ID, next.Revision, next.DecodeErr)
		}
		if next.Revision > s.startRevision {
			match, err := s.matches(next)
			if err != nil {
				s.repo.Release(next)
				return sent, fmt.Errorf("watch %s: %w", s.ID, err)
			}
			if match {
				if err := sender.Send(next); err != nil {
					s.repo.Release(next)
					return sent, fmt.Errorf("watch %s: send revision %d: %w", s.ID, next.Revision, err)
				}
				sent++
			}
		}
		s.advance(next)
	}
	return sent, nil
}

// Wait blocks until an event after the cursor is ready or the timeout expires
func (s *WatchSession) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	cookie, closed := s.cookie, s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.repo.WaitNext(cookie, timeout)
}

// Close releases the cursor. Further calls to SendEvents fail with EndOfList.
func (s *WatchSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *WatchSession) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.repo.Release(s.cookie)
	s.cookie = nil
}

// peekNext acquires the event after the cursor without releasing the cursor,
// the caller either advances onto it or releases it again.
func (s *WatchSession) peekNext() (*Event, error) {
	s.repo.listMu.Lock()
	defer s.repo.listMu.Unlock()

	if !s.repo.ready.Contains(s.cookie.node) {
		return nil, errs.Newf(errs.RetCInvalidParameter, "cursor of watch %s is not in the ready list", s.ID)
	}
	nextID, err := s.repo.ready.Next(s.cookie.node)
	if err != nil {
		return nil, err
	}
	next, err := s.repo.ready.Value(nextID)
	if err != nil {
		return nil, err
	}
	next.refCount.Add(1)
	return next, nil
}

// advance moves the cursor onto next, which the caller already acquired
func (s *WatchSession) advance(next *Event) {
	prev := s.cookie
	s.cookie = next
	s.lastSent = next.Revision
	s.repo.Release(prev)
}

func (s *WatchSession) matches(ev *Event) (bool, error) {
	if s.filter == "" {
		return true, nil
	}
	for _, d := range ev.Data {
		for _, img := range []*entry.Entry{d.New, d.Old} {
			if img == nil {
				continue
			}
			ok, err := s.matcher.MatchEntryWithFilter(img, s.filter)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}
