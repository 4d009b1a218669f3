package common

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/lib/store"
)

// --------------------------------------------------------------------------
// Services
// --------------------------------------------------------------------------

// Every request is routed to one service of a node
const (
	ServiceDirectory   uint64 = 1 // entries, raft state, elections and restore
	ServiceRaft        uint64 = 2 // raft RPCs between members
	ServiceWatch       uint64 = 3 // watch sessions
	ServiceReplication uint64 = 4 // changes pulled by replication partners
)

// ServiceName returns the name of a service id
func ServiceName(id uint64) string {
	switch id {
	case ServiceDirectory:
		return "directory"
	case ServiceRaft:
		return "raft"
	case ServiceWatch:
		return "watch"
	case ServiceReplication:
		return "replication"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	DN     string `json:"dn,omitempty"`     // Used for: Add, Modify, Delete, Get, Search (base)
	Filter string `json:"filter,omitempty"` // Used for: Search, WatchOpen
	ID     string `json:"id,omitempty"`     // Used for: watch session id, node names in responses
	USN    uint64 `json:"usn,omitempty"`    // Used for: written usn, since revision, pull watermark
	Limit  uint64 `json:"limit,omitempty"`  // Used for: Search, WatchPoll, ReplPull
	WaitMS uint64 `json:"waitMs,omitempty"` // Used for: WatchPoll
	Value  []byte `json:"value,omitempty"`  // Encoded body, see the factory functions

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`
	Code uint64 `json:"code,omitempty"` // errs.RetCode of a failed request
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
}

// ResponseError returns the error carried by a response or nil
func (m *Message) ResponseError() error {
	if m.MsgType != MsgTError && m.Err == "" {
		return nil
	}
	code := errs.RetCode(m.Code)
	if code == errs.RetCSuccess {
		code = errs.RetCInternal
	}
	return errs.New(code, strings.TrimPrefix(m.Err, code.String()+": "))
}

// EncodeValue encodes a message body
func EncodeValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeValue decodes the body of a message into v
func (m *Message) DecodeValue(v any) error {
	if len(m.Value) == 0 {
		return errs.Newf(errs.RetCInvalidParameter, "%s message without body", m.MsgType)
	}
	if err := json.Unmarshal(m.Value, v); err != nil {
		return errs.Newf(errs.RetCInvalidParameter, "decode %s body: %v", m.MsgType, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Bodies
// --------------------------------------------------------------------------

// WatchEvent is an event delivered to a watching client
type WatchEvent struct {
	Op       event.Op     `json:"op"`
	DN       string       `json:"dn"`
	Revision uint64       `json:"revision"`
	Entry    *entry.Entry `json:"entry,omitempty"` // new image, old image for deletes
}

// NewWatchEvent converts a ready event
func NewWatchEvent(ev *event.Event) WatchEvent {
	return WatchEvent{
		Op:       ev.Op,
		DN:       ev.DN,
		Revision: ev.Revision,
		Entry:    ev.Primary(),
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewResponse creates a response of type t that carries err
func NewResponse(t MessageType, err error) *Message {
	msg := &Message{MsgType: t}
	if err != nil {
		msg.Code = uint64(errs.CodeOf(err))
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err error) *Message {
	msg := NewResponse(MsgTError, err)
	if err == nil {
		msg.Code = uint64(errs.RetCInternal)
		msg.Err = "unknown error"
	}
	return msg
}

// NewValueResponse creates a response of type t with v as body
func NewValueResponse(t MessageType, v any, err error) *Message {
	if err != nil {
		return NewResponse(t, err)
	}
	value, err := EncodeValue(v)
	if err != nil {
		return NewResponse(t, errs.Newf(errs.RetCInternal, "encode %s body: %v", t, err))
	}
	return &Message{MsgType: t, Value: value}
}

// NewAddRequest creates a new Add request
func NewAddRequest(e *entry.Entry) (*Message, error) {
	value, err := entry.Encode(e)
	if err != nil {
		return nil, err
	}
	return &Message{MsgType: MsgTDirAdd, DN: e.DN, Value: value}, nil
}

// NewModifyRequest creates a new Modify request
func NewModifyRequest(dn string, mods []store.Modification) (*Message, error) {
	value, err := EncodeValue(mods)
	if err != nil {
		return nil, err
	}
	return &Message{MsgType: MsgTDirModify, DN: dn, Value: value}, nil
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(dn string) *Message {
	return &Message{MsgType: MsgTDirDelete, DN: dn}
}

// NewWriteResponse creates the response of Add, Modify and Delete
func NewWriteResponse(t MessageType, usn uint64, err error) *Message {
	msg := NewResponse(t, err)
	msg.USN = usn
	return msg
}

// NewGetRequest creates a new Get request
func NewGetRequest(dn string) *Message {
	return &Message{MsgType: MsgTDirGet, DN: dn}
}

// NewGetResponse creates a new Get response
func NewGetResponse(e *entry.Entry, err error) *Message {
	if err != nil {
		return NewResponse(MsgTDirGet, err)
	}
	value, err := entry.Encode(e)
	if err != nil {
		return NewResponse(MsgTDirGet, err)
	}
	return &Message{MsgType: MsgTDirGet, DN: e.DN, Value: value, Ok: true}
}

// NewSearchRequest creates a new Search request
func NewSearchRequest(base, filter string, limit uint64) *Message {
	return &Message{MsgType: MsgTDirSearch, DN: base, Filter: filter, Limit: limit}
}

// NewStateRequest creates a request for the raft state of a node
func NewStateRequest() *Message {
	return &Message{MsgType: MsgTDirState}
}

// NewVoteRequest asks a node to start an election
func NewVoteRequest() *Message {
	return &Message{MsgType: MsgTDirVote}
}

// NewRestoreRequest asks a node to restore from a snapshot file on the node
func NewRestoreRequest(path string) *Message {
	return &Message{MsgType: MsgTDirRestore, Value: []byte(path)}
}

// NewRequestVoteRequest wraps a raft vote request
func NewRequestVoteRequest(req *raft.VoteRequest) (*Message, error) {
	value, err := EncodeValue(req)
	if err != nil {
		return nil, err
	}
	return &Message{MsgType: MsgTRaftRequestVote, Value: value}, nil
}

// NewAppendEntriesRequest wraps a raft append request
func NewAppendEntriesRequest(req *raft.AppendRequest) (*Message, error) {
	value, err := EncodeValue(req)
	if err != nil {
		return nil, err
	}
	return &Message{MsgType: MsgTRaftAppendEntries, Value: value}, nil
}

// NewStartVoteRequest asks a member to start an election right away
func NewStartVoteRequest() *Message {
	return &Message{MsgType: MsgTRaftStartVote}
}

// NewWatchOpenRequest opens a watch session
func NewWatchOpenRequest(filter string, since uint64, fromNow bool) *Message {
	return &Message{MsgType: MsgTWatchOpen, Filter: filter, USN: since, Ok: fromNow}
}

// NewWatchPollRequest fetches up to limit events of a session, waiting up to
// waitMS for the first one
func NewWatchPollRequest(id string, limit, waitMS uint64) *Message {
	return &Message{MsgType: MsgTWatchPoll, ID: id, Limit: limit, WaitMS: waitMS}
}

// NewWatchCloseRequest closes a watch session
func NewWatchCloseRequest(id string) *Message {
	return &Message{MsgType: MsgTWatchClose, ID: id}
}

// NewPullRequest pulls the changes after since from a replication partner
func NewPullRequest(since, limit uint64) *Message {
	return &Message{MsgType: MsgTReplPull, USN: since, Limit: limit}
}

// --------------------------------------------------------------------------
// Message Type
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Directory operations

	MsgTDirAdd     // Add an entry
	MsgTDirModify  // Modify an entry
	MsgTDirDelete  // Delete an entry
	MsgTDirGet     // Get an entry by dn
	MsgTDirSearch  // Search entries below a base
	MsgTDirState   // Raft state of the node
	MsgTDirVote    // Start an election
	MsgTDirRestore // Restore the node from a snapshot

	// Raft operations

	MsgTRaftRequestVote   // Vote request of a candidate
	MsgTRaftAppendEntries // Ping or log entry of the leader
	MsgTRaftStartVote     // Leader asks a follower to take over

	// Watch operations

	MsgTWatchOpen  // Open a watch session
	MsgTWatchPoll  // Fetch events of a session
	MsgTWatchClose // Close a watch session

	// Replication operations

	MsgTReplPull // Pull changes since a usn
)

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:           "unknown",
	MsgTSuccess:           "success",
	MsgTError:             "error",
	MsgTDirAdd:            "add",
	MsgTDirModify:         "modify",
	MsgTDirDelete:         "delete",
	MsgTDirGet:            "get",
	MsgTDirSearch:         "search",
	MsgTDirState:          "state",
	MsgTDirVote:           "vote",
	MsgTDirRestore:        "restore",
	MsgTRaftRequestVote:   "requestVote",
	MsgTRaftAppendEntries: "appendEntries",
	MsgTRaftStartVote:     "startVote",
	MsgTWatchOpen:         "watchOpen",
	MsgTWatchPoll:         "watchPoll",
	MsgTWatchClose:        "watchClose",
	MsgTReplPull:          "pull",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	for mt, name := range messageTypeNames {
		if name == s {
			*t = mt
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
