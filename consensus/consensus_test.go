package consensus

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/ledgerpool/fault"
)

var (
	t0       = time.Unix(1491566332, 0)
	deadline = t0.Add(20 * time.Second)
	four     = []string{"A", "B", "C", "D"}
)

func reply(t *testing.T, reqID uint64, body string) (*Message, []byte) {
	t.Helper()
	raw := withReqID(t, []byte(fmt.Sprintf(`{"op":"REPLY","result":%s}`, body)), reqID)
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	return msg, raw
}

func withReqID(t *testing.T, raw []byte, reqID uint64) []byte {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	m["reqId"] = reqID
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func nack(t *testing.T, reqID uint64, reason string) (*Message, []byte) {
	raw := NewNack(reqID, reason)
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	return msg, raw
}

func writeRequest(nodes []string) *Request {
	p := DefaultPolicy()
	return NewRequest(1, nil, false, nodes, nodes, p.Threshold(len(nodes), false), t0, deadline)
}

func TestThresholds(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		n, f, write, read, subset int
	}{
		{1, 0, 1, 1, 1},
		{2, 0, 2, 1, 2},
		{3, 0, 3, 1, 2},
		{4, 1, 3, 2, 3},
		{7, 2, 5, 3, 4},
		{10, 3, 7, 4, 6},
	}
	for _, c := range cases {
		require.Equal(t, c.f, FaultyTolerance(c.n), "n=%d", c.n)
		require.Equal(t, c.write, p.Threshold(c.n, false), "n=%d", c.n)
		require.Equal(t, c.read, p.Threshold(c.n, true), "n=%d", c.n)
		require.Equal(t, c.subset, p.ReadSubsetSize(c.n), "n=%d", c.n)
	}

	small := &BFTPolicy{ReadSubset: 1}
	require.Equal(t, 3, small.ReadSubsetSize(7)) // clamped up to f+1
	big := &BFTPolicy{ReadSubset: 100}
	require.Equal(t, 4, big.ReadSubsetSize(4))
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte(`{"seq": 42, "result":"ok", "nested": {"b":1,"a":[1, 2]}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"nested":{"a":[1,2],"b":1},"result":"ok","seq":42}`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"nested":{"a":[1,2],"b":1},"result":"ok","seq":42}`, string(a))

	// large integers keep their digits
	c, err := Canonicalize([]byte(`{"reqId":1491566332010860123}`))
	require.NoError(t, err)
	require.Equal(t, `{"reqId":1491566332010860123}`, string(c))

	_, err = Canonicalize([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
	_, err = Canonicalize([]byte(`{`))
	require.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"op":"REPLY","result":{"reqId":1491566332010860,"txnId":"55"}}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1491566332010860), msg.ReqID)

	msg, err = DecodeMessage([]byte(`{"op":"REQNACK","reqId":7,"reason":"bad signature"}`))
	require.NoError(t, err)
	require.True(t, msg.Op.IsError())
	require.Equal(t, "bad signature", msg.Reason)

	msg, err = DecodeMessage(NewAck(9))
	require.NoError(t, err)
	require.Equal(t, OpReqAck, msg.Op)

	for _, bad := range []string{
		`not json`,
		`{"op":"HELLO","reqId":1}`,
		`{"op":"REPLY","reqId":1}`,
		`{"op":"REPLY","result":{"data":1}}`,
		`{"op":"REJECT","reason":"x"}`,
	} {
		_, err := DecodeMessage([]byte(bad))
		require.Error(t, err, bad)
	}
}

func TestWriteConsensusAnyOrder(t *testing.T) {
	good := `{"result":"ok","seq":42}`
	stale := `{"result":"ok","seq":41}`

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		req := writeRequest(four)
		order := rng.Perm(4)
		var matched int
		for _, idx := range order {
			node := four[idx]
			body := good
			if node == "D" {
				body = stale
			}
			msg, raw := reply(t, 1, body)
			out := req.AddReply(node, msg, raw)
			if node != "D" {
				matched++
			}
			if matched < 3 {
				require.Equal(t, Collecting, out, "order %v", order)
				continue
			}
			require.Equal(t, Consensus, out, "order %v", order)
			break
		}
		require.Equal(t, Consensus, req.Outcome())
		require.NoError(t, req.Err())

		var m struct {
			Result json.RawMessage `json:"result"`
		}
		require.NoError(t, json.Unmarshal(req.Result(), &m))
		canon, err := Canonicalize(m.Result)
		require.NoError(t, err)
		require.Equal(t, good, string(canon))

		// consensus is final: timeout never follows
		require.Equal(t, Consensus, req.Expire(deadline.Add(time.Hour)))
	}
}

func TestSilentNodeNoEffect(t *testing.T) {
	req := writeRequest(four)
	for _, n := range []string{"C", "A", "B"} {
		msg, raw := reply(t, 1, `{"result":"ok","seq":42}`)
		req.AddReply(n, msg, raw)
	}
	require.Equal(t, Consensus, req.Outcome())
}

func TestDuplicateRepliesCountOnce(t *testing.T) {
	req := writeRequest(four)
	for i := 0; i < 5; i++ {
		msg, raw := reply(t, 1, `{"result":"ok"}`)
		require.Equal(t, Collecting, req.AddReply("A", msg, raw))
	}
	require.Equal(t, []int{1}, req.Counts())

	msg, raw := reply(t, 1, `{"result":"ok"}`)
	require.Equal(t, Collecting, req.AddReply("B", msg, raw))
	require.Equal(t, []int{2}, req.Counts())

	// a node changing its mind is still a duplicate
	msg, raw = reply(t, 1, `{"result":"other"}`)
	req.AddReply("B", msg, raw)
	require.Equal(t, []int{2}, req.Counts())
}

func TestSplitPoolRejected(t *testing.T) {
	req := writeRequest(four)
	msg, raw := reply(t, 1, `{"result":"ok"}`)
	req.AddReply("A", msg, raw)
	msg, raw = reply(t, 1, `{"result":"ok"}`)
	req.AddReply("B", msg, raw)
	msg, raw = nack(t, 1, "bad signature")
	require.Equal(t, Collecting, req.AddReply("C", msg, raw))
	msg, raw = nack(t, 1, "bad signature")
	require.Equal(t, Rejected, req.AddReply("D", msg, raw))

	err := req.Err()
	require.True(t, fault.IsErrRejected(err))
	require.Contains(t, err.Error(), "bad signature")
	require.Equal(t, fault.LedgerInvalidTransaction, fault.CodeOf(err))
}

func TestSplitPoolTimesOutWithoutAllReplies(t *testing.T) {
	req := writeRequest(four)
	msg, raw := reply(t, 1, `{"result":"ok"}`)
	req.AddReply("A", msg, raw)
	msg, raw = nack(t, 1, "bad signature")
	req.AddReply("C", msg, raw)
	require.Equal(t, Collecting, req.Outcome())

	require.Equal(t, Collecting, req.Expire(deadline.Add(-time.Millisecond)))
	require.Equal(t, TimedOut, req.Expire(deadline))
	require.True(t, fault.IsErrTimeout(req.Err()))
	// later events do not change a terminal state
	msg, raw = reply(t, 1, `{"result":"ok"}`)
	require.Equal(t, TimedOut, req.AddReply("B", msg, raw))
}

func TestPoolAgreesOnRefusal(t *testing.T) {
	req := writeRequest(four)
	for _, n := range []string{"A", "B"} {
		msg, raw := nack(t, 1, "client request invalid")
		require.Equal(t, Collecting, req.AddReply(n, msg, raw))
	}
	raw := NewReject(1, "client request invalid")
	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, Rejected, req.AddReply("D", msg, raw))
	require.Equal(t, "client request invalid", req.Reason())
}

func TestMalformedAndUnreachable(t *testing.T) {
	req := writeRequest(four)
	require.Equal(t, Collecting, req.AddMalformed("A"))
	// best 0 + outstanding 2 < 3
	require.Equal(t, Unreachable, req.MarkUnreachable("B"))
	require.Equal(t, fault.CommonIOError, fault.CodeOf(req.Err()))

	req = writeRequest(four)
	msg, raw := reply(t, 1, `{"result":"ok"}`)
	req.AddReply("A", msg, raw)
	require.Equal(t, Collecting, req.MarkUnreachable("B"))
	require.Equal(t, Rejected, req.MarkUnreachable("C"))
	require.Contains(t, req.Reason(), "no consensus")
}

func TestUnknownNodeIgnored(t *testing.T) {
	req := writeRequest(four)
	msg, raw := reply(t, 1, `{"result":"ok"}`)
	req.AddReply("Z", msg, raw)
	require.Empty(t, req.Counts())
	req.MarkUnreachable("Z")
	require.Equal(t, Collecting, req.Outcome())
}

func TestReadFallback(t *testing.T) {
	p := DefaultPolicy()
	nodes := []string{"A", "B", "C", "D"}
	req := NewRequest(5, nil, true, nodes, []string{"A", "B", "C"}, p.Threshold(4, true), t0, deadline)
	require.Equal(t, 2, req.Threshold)
	require.False(t, req.Targets("D"))

	msg, raw := reply(t, 5, `{"data":1}`)
	req.AddReply("A", msg, raw)
	req.MarkUnreachable("B")
	require.False(t, req.NeedsFallback())

	msg, raw = reply(t, 5, `{"data":2}`)
	require.Equal(t, Collecting, req.AddReply("C", msg, raw))
	require.True(t, req.NeedsFallback())
	require.Equal(t, []string{"D"}, req.FallbackTargets())

	req.Extend(req.FallbackTargets())
	require.False(t, req.NeedsFallback())
	msg, raw = reply(t, 5, `{"data":1}`)
	require.Equal(t, Consensus, req.AddReply("D", msg, raw))
}

func TestTerminate(t *testing.T) {
	req := writeRequest(four)
	req.Terminate()
	require.Equal(t, Terminated, req.Outcome())
	require.True(t, fault.IsErrTerminate(req.Err()))
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	a := NewRequest(1, nil, false, four, four, 3, t0, t0.Add(3*time.Second))
	b := NewRequest(2, nil, true, four, []string{"A", "B", "C"}, 2, t0, t0.Add(time.Second))
	require.NoError(t, tr.Add(a))
	require.NoError(t, tr.Add(b))

	dup := NewRequest(1, nil, false, four, four, 3, t0, deadline)
	err := tr.Add(dup)
	require.Equal(t, fault.CommonInvalidState, fault.CodeOf(err))

	next, ok := tr.NextDeadline()
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Second), next)

	require.Len(t, tr.Awaiting("D"), 1)
	require.True(t, tr.References("D"))
	require.False(t, tr.References("E"))

	expired := tr.Expire(t0.Add(2 * time.Second))
	require.Len(t, expired, 1)
	require.Equal(t, uint64(2), expired[0].ID)
	tr.Remove(2)
	tr.Remove(1)
	require.Zero(t, tr.Len())
	_, ok = tr.NextDeadline()
	require.False(t, ok)
}
