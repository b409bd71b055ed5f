package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushAck(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 30*time.Second)

	pkt := &Packet{PacketID: 1, Topic: "a/b", QoS: 1, State: AwaitingAck}
	require.NoError(t, q.Push(pkt, now))
	assert.Equal(t, 1, q.Len())

	got, err := q.Ack(1, AckPuback)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueueAckUnknownPacketID(t *testing.T) {
	q := New(20, 5, 30*time.Second)
	_, err := q.Ack(99, AckPuback)
	assert.ErrorIs(t, err, ErrUnknownPacketID)
}

func TestQueueQoS2Sequence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 30*time.Second)

	pkt := &Packet{PacketID: 7, Topic: "x", QoS: 2, State: AwaitingRec}
	require.NoError(t, q.Push(pkt, now))

	transitioned, err := q.Ack(7, AckPubrec)
	require.NoError(t, err)
	require.NotNil(t, transitioned)
	assert.Equal(t, AwaitingComp, transitioned.State)

	// After PUBREC the entry is AwaitingComp, so a second PUBREC is invalid.
	_, err = q.Ack(7, AckPubrec)
	assert.ErrorIs(t, err, ErrWrongAckState)

	done, err := q.Ack(7, AckPubcomp)
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, 0, q.Len())
}

func TestQueuePushBeyondCapacityFails(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(1, 1, 30*time.Second)

	require.NoError(t, q.Push(&Packet{PacketID: 1, State: AwaitingAck}, now))
	require.NoError(t, q.Push(&Packet{PacketID: 2, State: AwaitingAck}, now))

	err := q.Push(&Packet{PacketID: 3, State: AwaitingAck}, now)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueuePushDuplicatePacketIDFails(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 30*time.Second)

	require.NoError(t, q.Push(&Packet{PacketID: 1, State: AwaitingAck}, now))
	err := q.Push(&Packet{PacketID: 1, State: AwaitingAck}, now)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueExpireReturnsInsertionOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 10*time.Second)

	require.NoError(t, q.Push(&Packet{PacketID: 1, State: AwaitingAck}, start))
	require.NoError(t, q.Push(&Packet{PacketID: 2, State: AwaitingAck}, start))
	require.NoError(t, q.Push(&Packet{PacketID: 3, State: AwaitingAck}, start))

	// Not yet expired.
	assert.Empty(t, q.Expire(start.Add(5*time.Second)))

	expired := q.Expire(start.Add(11 * time.Second))
	require.Len(t, expired, 3)
	assert.Equal(t, uint16(1), expired[0].PacketID)
	assert.Equal(t, uint16(2), expired[1].PacketID)
	assert.Equal(t, uint16(3), expired[2].PacketID)
	for _, pkt := range expired {
		assert.True(t, pkt.DUP)
		assert.Equal(t, 1, pkt.Retries)
	}
}

func TestQueueCleanIncompleteMarksDup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 30*time.Second)
	require.NoError(t, q.Push(&Packet{PacketID: 5, State: AwaitingAck}, now))

	resend := q.CleanIncomplete(now)
	require.Len(t, resend, 1)
	assert.True(t, resend[0].DUP)
}

func TestQueueSnapshotRestore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := New(20, 5, 30*time.Second)
	require.NoError(t, q.Push(&Packet{PacketID: 1, Topic: "a", State: AwaitingAck}, now))
	require.NoError(t, q.Push(&Packet{PacketID: 2, Topic: "b", State: AwaitingRec}, now))

	snap := q.Snapshot()
	require.Len(t, snap, 2)

	other := New(20, 5, 30*time.Second)
	other.Restore(snap)
	assert.Equal(t, 2, other.Len())

	_, err := other.Ack(1, AckPuback)
	assert.NoError(t, err)
}

func TestInboundDedupSeenAndComplete(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewInboundDedup(2)

	assert.False(t, d.Seen(1, now))
	assert.True(t, d.Seen(1, now))

	d.Complete(1)
	assert.False(t, d.Seen(1, now))
}

func TestInboundDedupEvictsOldest(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	d := NewInboundDedup(2)

	d.Seen(1, base)
	d.Seen(2, base.Add(time.Second))
	d.Seen(3, base.Add(2*time.Second))

	// pid 1 should have been evicted to make room for pid 3.
	assert.False(t, d.Seen(1, base.Add(3*time.Second)))
}
