package raft

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/store"
)

// Well known entries of the node local raft context
const (
	ContextDN      = "cn=raftcontext"
	PersistStateDN = "cn=persiststate," + ContextDN
	MembersDN      = "cn=members," + ContextDN
	ServerDN       = "cn=server," + ContextDN
)

const (
	attrCurrentTerm  = "currentTerm"
	attrVotedForTerm = "votedForTerm"
	attrVotedFor     = "votedFor"
	attrCommitIndex  = "commitIndex"
	attrEndpoint     = "endpoint"
	attrInvocationID = "invocationId"
)

// persistentState is what survives a restart
type persistentState struct {
	currentTerm  uint64
	votedForTerm uint64
	votedFor     string
	commitIndex  uint64
}

func (p persistentState) toEntry() *entry.Entry {
	e := entry.New(PersistStateDN)
	e.Set(entry.AttrObjectClass, "raftPersistState")
	e.Set("cn", "persiststate")
	e.Set(attrCurrentTerm, strconv.FormatUint(p.currentTerm, 10))
	e.Set(attrVotedForTerm, strconv.FormatUint(p.votedForTerm, 10))
	if p.votedFor != "" {
		e.Set(attrVotedFor, p.votedFor)
	}
	e.Set(attrCommitIndex, strconv.FormatUint(p.commitIndex, 10))
	return e
}

func parseUintAttr(e *entry.Entry, attrType string) (uint64, error) {
	v := e.First(attrType)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errs.Newf(errs.RetCInvalidEntry, "%s of %s: %v", attrType, e.DN, err)
	}
	return n, nil
}

// loadPersistentState reads the persisted state, zero values if there is none
func loadPersistentState(s store.IStore) (persistentState, error) {
	e, err := s.GetLocal(PersistStateDN)
	if errors.Is(err, errs.ErrNotFound) {
		return persistentState{}, nil
	}
	if err != nil {
		return persistentState{}, err
	}
	var p persistentState
	if p.currentTerm, err = parseUintAttr(e, attrCurrentTerm); err != nil {
		return p, err
	}
	if p.votedForTerm, err = parseUintAttr(e, attrVotedForTerm); err != nil {
		return p, err
	}
	if p.commitIndex, err = parseUintAttr(e, attrCommitIndex); err != nil {
		return p, err
	}
	p.votedFor = e.First(attrVotedFor)
	return p, nil
}

// stageLocal writes a node local entry inside txn
func stageLocal(txn db.Txn, e *entry.Entry) error {
	raw, err := entry.Encode(e)
	if err != nil {
		return err
	}
	return txn.Set(store.EntryKey(e.DN), raw)
}

// --------------------------------------------------------------------------
// Members
// --------------------------------------------------------------------------

// Member is a node of the cluster
type Member struct {
	Name     string `json:"name" yaml:"name"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

func memberDN(name string) string {
	return "cn=" + name + "," + MembersDN
}

func saveMember(s store.IStore, m Member) error {
	e := entry.New(memberDN(m.Name))
	e.Set(entry.AttrObjectClass, "raftMember")
	e.Set("cn", m.Name)
	e.Set(attrEndpoint, m.Endpoint)
	return s.PutLocal(e)
}

// loadMembers returns the persisted members ordered by name
func loadMembers(s store.IStore) ([]Member, error) {
	children, err := s.Children(MembersDN)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(children))
	for _, e := range children {
		members = append(members, Member{Name: e.First("cn"), Endpoint: e.First(attrEndpoint)})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

// removeMembersExcept deletes every member entry but the one of keep
func removeMembersExcept(s store.IStore, keep string) (int, error) {
	members, err := loadMembers(s)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range members {
		if strings.EqualFold(m.Name, keep) {
			continue
		}
		if err := s.DeleteLocal(memberDN(m.Name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// --------------------------------------------------------------------------
// Invocation id
// --------------------------------------------------------------------------

func loadInvocationID(s store.IStore) (string, error) {
	e, err := s.GetLocal(ServerDN)
	if errors.Is(err, errs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.First(attrInvocationID), nil
}

func saveInvocationID(s store.IStore, id string) error {
	e := entry.New(ServerDN)
	e.Set(entry.AttrObjectClass, "raftServer")
	e.Set("cn", "server")
	e.Set(attrInvocationID, id)
	return s.PutLocal(e)
}
