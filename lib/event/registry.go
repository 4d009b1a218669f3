package event

import (
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks the open watch sessions of a repository by id
type Registry struct {
	repo     *Repo
	matcher  Matcher
	sessions *xsync.MapOf[string, *WatchSession]
}

// NewRegistry creates a session registry for repo
func NewRegistry(repo *Repo, matcher Matcher) *Registry {
	return &Registry{
		repo:     repo,
		matcher:  matcher,
		sessions: xsync.NewMapOf[string, *WatchSession](),
	}
}

// Open creates and registers a new session
func (g *Registry) Open(opts WatchOptions) (*WatchSession, error) {
	s, err := NewWatchSession(g.repo, opts, g.matcher)
	if err != nil {
		return nil, err
	}
	g.sessions.Store(s.ID, s)
	log.Debugf("watch %s opened (filter %q, since %d)", s.ID, s.filter, s.startRevision)
	return s, nil
}

// Get returns a registered session
func (g *Registry) Get(id string) (*WatchSession, error) {
	s, ok := g.sessions.Load(id)
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "watch session %s not found", id)
	}
	return s, nil
}

// Close closes and unregisters a session
func (g *Registry) Close(id string) error {
	s, ok := g.sessions.LoadAndDelete(id)
	if !ok {
		return errs.Newf(errs.RetCNotFound, "watch session %s not found", id)
	}
	s.Close()
	log.Debugf("watch %s closed", id)
	return nil
}

// CloseAll closes every registered session
func (g *Registry) CloseAll() {
	g.sessions.Range(func(id string, s *WatchSession) bool {
		g.sessions.Delete(id)
		s.Close()
		return true
	})
}

// Size returns the number of open sessions
func (g *Registry) Size() int {
	return g.sessions.Size()
}
