package signaling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/media/mediatest"
	"github.com/arzzra/callcore/pkg/signaling"
)

type inbox struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (i *inbox) handle(_ context.Context, m signaling.Message) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m)
	i.mu.Unlock()
}

func (i *inbox) all() []signaling.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]signaling.Message(nil), i.msgs...)
}

func TestPipe_DeliversInOrder(t *testing.T) {
	pipe := signaling.NewPipe()
	defer pipe.Close()

	alice := pipe.Endpoint("alice")
	bob := pipe.Endpoint("bob")
	var got inbox
	bob.OnMessage(got.handle)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, signaling.NewOffer("call-1", "alice", "bob", offerDesc(), nil)))
	for port := 5000; port < 5010; port++ {
		require.NoError(t, alice.Send(ctx, signaling.NewIceCandidate("call-1", "alice", "bob", mediatest.Candidate(port))))
	}

	require.Eventually(t, func() bool { return len(got.all()) == 11 }, 2*time.Second, 10*time.Millisecond)

	msgs := got.all()
	assert.Equal(t, signaling.TypeOffer, msgs[0].Type)
	for i, m := range msgs[1:] {
		assert.Equal(t, mediatest.Candidate(5000+i).Candidate, m.Candidate.Candidate)
	}
}

func TestPipe_SendErrors(t *testing.T) {
	pipe := signaling.NewPipe()
	alice := pipe.Endpoint("alice")
	ctx := context.Background()

	err := alice.Send(ctx, signaling.NewBye("call-1", "alice", "nobody"))
	assert.ErrorIs(t, err, signaling.ErrUnknownTarget)

	err = alice.Send(ctx, signaling.Message{Type: signaling.TypeBye})
	assert.ErrorIs(t, err, signaling.ErrInvalidMessage)

	pipe.Endpoint("bob")
	pipe.Close()
	err = alice.Send(ctx, signaling.NewBye("call-1", "alice", "bob"))
	assert.ErrorIs(t, err, signaling.ErrClosed)
}

func TestPipe_DropFilter(t *testing.T) {
	pipe := signaling.NewPipe()
	defer pipe.Close()

	alice := pipe.Endpoint("alice")
	bob := pipe.Endpoint("bob")
	var got inbox
	bob.OnMessage(got.handle)

	alice.SetDropFilter(func(m signaling.Message) bool { return m.Type == signaling.TypeIceCandidate })

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, signaling.NewIceCandidate("call-1", "alice", "bob", mediatest.Candidate(1))))
	require.NoError(t, alice.Send(ctx, signaling.NewBye("call-1", "alice", "bob")))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, signaling.TypeBye, got.all()[0].Type)
}
