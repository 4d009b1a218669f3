package replication

import (
	"context"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
)

// Update is one replicated change pulled from a partner: the full image of an
// entry on the supplier together with its attribute metadata.
type Update struct {
	Partner    string       `json:"partner"`
	PartnerUSN uint64       `json:"partnerUsn"` // usn of the change on the supplier
	Op         event.Op     `json:"op"`
	Entry      *entry.Entry `json:"entry"`
	MetaData   MetaDataMap  `json:"metadata"`
}

// NewUpdate turns a stored entry of the supplier into an update for a
// consumer that has seen all changes up to since.
func NewUpdate(partner string, e *entry.Entry, since uint64) (*Update, error) {
	if e == nil {
		return nil, errs.New(errs.RetCInvalidEntry, "update without entry")
	}
	changed, err := strconv.ParseUint(e.First(entry.AttrUSNChanged), 10, 64)
	if err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "entry %s without %s", e.DN, entry.AttrUSNChanged)
	}
	created, _ := strconv.ParseUint(e.First(entry.AttrUSNCreated), 10, 64)

	u := &Update{
		Partner:    partner,
		PartnerUSN: changed,
		Op:         event.OpModify,
		Entry:      e.Clone(),
		MetaData:   NewMetaDataMap(e),
	}
	switch {
	case e.IsDeleted():
		u.Op = event.OpDelete
	case created > since:
		u.Op = event.OpAdd
	}

	// usn attributes are local bookkeeping of the supplier
	for _, t := range []string{entry.AttrUSNChanged, entry.AttrUSNCreated} {
		u.Entry.Remove(t)
		delete(u.MetaData, strings.ToLower(t))
	}
	return u, nil
}

func (u *Update) validate() error {
	if u == nil || u.Entry == nil || strings.TrimSpace(u.Entry.DN) == "" {
		return errs.New(errs.RetCInvalidEntry, "update without entry")
	}
	if u.MetaData == nil {
		return errs.Newf(errs.RetCInvalidEntry, "update of %s without metadata", u.Entry.DN)
	}
	return nil
}

// ChangeSource lists the changes of a store, see store.IStore.ChangesSince
type ChangeSource interface {
	ChangesSince(usn uint64, limit int) ([]*entry.Entry, error)
}

// Supplier serves the changes of a local store as updates
type Supplier struct {
	name string
	src  ChangeSource
}

// NewSupplier creates a supplier named after the local node
func NewSupplier(name string, src ChangeSource) *Supplier {
	return &Supplier{name: name, src: src}
}

// Name returns the node name of the supplier
func (s *Supplier) Name() string { return s.name }

// Pull returns up to limit updates with a supplier usn > sinceUSN
func (s *Supplier) Pull(ctx context.Context, sinceUSN uint64, limit int) ([]*Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	changes, err := s.src.ChangesSince(sinceUSN, limit)
	if err != nil {
		return nil, err
	}
	updates := make([]*Update, 0, len(changes))
	for _, e := range changes {
		u, err := NewUpdate(s.name, e, sinceUSN)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}
