package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers every request with the next scripted response
type scriptedTransport struct {
	ser       serializer.IRPCSerializer
	mu        sync.Mutex
	responses []*common.Message
	requests  []common.Message
	sendErr   error
}

func (s *scriptedTransport) Connect(common.ClientConfig) error { return nil }
func (s *scriptedTransport) Close() error                      { return nil }

func (s *scriptedTransport) Send(_ uint64, req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	var msg common.Message
	if err := s.ser.Deserialize(req, &msg); err != nil {
		return nil, err
	}
	s.requests = append(s.requests, msg)
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return s.ser.Serialize(*resp)
}

func newScripted(t *testing.T, endpoints int, responses ...*common.Message) (*DirectoryClient, *scriptedTransport) {
	t.Helper()
	eps := make([]string, endpoints)
	for i := range eps {
		eps[i] = "node"
	}
	st := &scriptedTransport{ser: serializer.NewJSONSerializer(), responses: responses}
	c, err := NewDirectoryClient(common.ClientConfig{
		TimeoutSecond: 2,
		Transport:     common.ClientTransportConfig{Endpoints: eps},
	}, st, st.ser)
	require.NoError(t, err)
	return c, st
}

func TestWriteMovesOnFromFollower(t *testing.T) {
	unwilling := common.NewResponse(common.MsgTDirAdd, errs.New(errs.RetCUnwillingToPerform, "not the leader"))
	c, st := newScripted(t, 2, unwilling, common.NewWriteResponse(common.MsgTDirAdd, 7, nil))

	e := entry.New("cn=alice,dc=example")
	e.Set("cn", "alice")
	usn, err := c.Add(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), usn)
	assert.Len(t, st.requests, 2)
}

func TestWriteGivesUpOnUnwilling(t *testing.T) {
	unwilling := common.NewResponse(common.MsgTDirDelete, errs.New(errs.RetCUnwillingToPerform, "not the leader"))
	c, st := newScripted(t, 1, unwilling, unwilling, unwilling)

	_, err := c.Delete("cn=alice,dc=example")
	assert.ErrorIs(t, err, errs.ErrUnwillingToPerform)
	assert.Len(t, st.requests, 2)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	exists := common.NewResponse(common.MsgTDirAdd, errs.New(errs.RetCAlreadyExists, "exists"))
	c, st := newScripted(t, 3, exists)

	_, err := c.Add(entry.New("cn=alice,dc=example"))
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	assert.Len(t, st.requests, 1)
}

func TestPollWaitIsCapped(t *testing.T) {
	resp := common.NewValueResponse(common.MsgTWatchPoll, []common.WatchEvent{}, nil)
	resp.USN = 12
	c, st := newScripted(t, 1, resp)

	events, revision, err := c.PollWatch("session", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, uint64(12), revision)
	require.Len(t, st.requests, 1)
	assert.Equal(t, uint64(1000), st.requests[0].WaitMS)
}

func TestTransportErrorsAreReturned(t *testing.T) {
	c, st := newScripted(t, 1)
	st.sendErr = errors.New("connection refused")

	_, err := c.Get("cn=alice,dc=example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
