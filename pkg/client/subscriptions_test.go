package client

import (
	"context"
	"errors"
	"testing"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func connectedRegistry(t *testing.T) (*SubscriptionRegistry, *MockConnection) {
	t.Helper()
	conn := NewMockConnection("ws://test")
	require.NoError(t, conn.Connect(context.Background()))
	r := NewSubscriptionRegistry(conn)
	r.OnReconnected("epoch-1")
	return r, conn
}

func TestSubscriptionsAddTwiceSendsOnce(t *testing.T) {
	r, conn := connectedRegistry(t)

	assert.True(t, r.Add("c1"))
	assert.False(t, r.Add("c1"))
	r.SetDesiredChannels([]string{"c1", "c1"})

	assert.Equal(t, []string{"c1"}, conn.SentOfType(protocol.TypeSubscribe))
	assert.Empty(t, conn.SentOfType(protocol.TypeUnsubscribe))
}

func TestSubscriptionsSetDesiredDiff(t *testing.T) {
	r, conn := connectedRegistry(t)
	r.SetDesiredChannels([]string{"a", "b", "c"})
	conn.ClearSentMessages()

	added, removed := r.SetDesiredChannels([]string{"c", "d", "a", "e"})

	assert.Equal(t, []string{"d", "e"}, added)
	assert.Equal(t, []string{"b"}, removed)

	sent := conn.SentMessages()
	require.Len(t, sent, 3)
	assert.Equal(t, protocol.TypeUnsubscribe, sent[0].Type)
	assert.Equal(t, "b", sent[0].ChannelID)
	assert.Equal(t, protocol.TypeSubscribe, sent[1].Type)
	assert.Equal(t, "d", sent[1].ChannelID)
	assert.Equal(t, "e", sent[2].ChannelID)

	assert.Equal(t, []string{"a", "c", "d", "e"}, r.Desired())
}

func TestSubscriptionsSetDesiredKeepsSurvivorOrder(t *testing.T) {
	r, conn := connectedRegistry(t)
	r.SetDesiredChannels([]string{"c1", "c2"})

	r.SetDesiredChannels([]string{"c2", "c1", "c3"})
	assert.Equal(t, []string{"c1", "c2", "c3"}, r.Desired())

	conn.Disconnect()
	r.OnDisconnected()
	conn.ClearSentMessages()
	require.NoError(t, conn.Connect(context.Background()))
	r.OnReconnected("epoch-2")

	assert.Equal(t, []string{"c1", "c2", "c3"}, conn.SentOfType(protocol.TypeSubscribe))
}

func TestSubscriptionsStaleEpochSendsNothing(t *testing.T) {
	conn := NewMockConnection("ws://test")
	r := NewSubscriptionRegistry(conn)
	r.SetDesiredChannels([]string{"c1"})

	conn.SimulateConnected("epoch-2")

	r.OnReconnected("epoch-1")
	assert.Equal(t, 0, conn.GetSentMessageCount())
	assert.False(t, r.IsDeclared("c1"))

	r.OnReconnected("epoch-2")
	assert.Equal(t, []string{"c1"}, conn.SentOfType(protocol.TypeSubscribe))
	assert.True(t, r.IsDeclared("c1"))
}

func TestSubscriptionsRemovalsPreserveOrder(t *testing.T) {
	r, conn := connectedRegistry(t)
	r.SetDesiredChannels([]string{"a", "b", "c"})
	conn.ClearSentMessages()

	r.SetDesiredChannels(nil)

	assert.Equal(t, []string{"a", "b", "c"}, conn.SentOfType(protocol.TypeUnsubscribe))
	assert.Empty(t, r.Desired())
}

func TestSubscriptionsReconnectRedeclaresInOrder(t *testing.T) {
	r, conn := connectedRegistry(t)
	r.SetDesiredChannels([]string{"c1", "c2"})

	conn.Disconnect()
	r.OnDisconnected()
	conn.ClearSentMessages()

	require.NoError(t, conn.Connect(context.Background()))
	r.OnReconnected("epoch-2")

	assert.Equal(t, []string{"c1", "c2"}, conn.SentOfType(protocol.TypeSubscribe))
	assert.Equal(t, 2, conn.GetSentMessageCount())
}

func TestSubscriptionsChangesWhileDisconnectedAreQueued(t *testing.T) {
	conn := NewMockConnection("ws://test")
	r := NewSubscriptionRegistry(conn)

	r.SetDesiredChannels([]string{"c1", "c2"})
	r.Remove("c1")
	r.Add("c3")
	assert.Equal(t, 0, conn.GetSentMessageCount())

	require.NoError(t, conn.Connect(context.Background()))
	r.OnReconnected("epoch-1")

	assert.Equal(t, []string{"c2", "c3"}, conn.SentOfType(protocol.TypeSubscribe))
	assert.Empty(t, conn.SentOfType(protocol.TypeUnsubscribe))
}

func TestSubscriptionsFailedSendRetriedNextEpoch(t *testing.T) {
	r, conn := connectedRegistry(t)
	conn.SetSendError(errors.New("queue full"))

	r.Add("c1")
	assert.False(t, r.IsDeclared("c1"))
	assert.True(t, r.IsDesired("c1"))

	conn.SetSendError(nil)
	r.OnReconnected("epoch-2")

	assert.True(t, r.IsDeclared("c1"))
	assert.Equal(t, []string{"c1"}, conn.SentOfType(protocol.TypeSubscribe))
}

func TestSubscriptionsRemoveUnknown(t *testing.T) {
	r, conn := connectedRegistry(t)
	assert.False(t, r.Remove("ghost"))
	assert.Equal(t, 0, conn.GetSentMessageCount())
}

// TestSubscriptionsAtMostOneSubscribePerEpoch checks that, whatever the
// sequence of changes within one connection epoch, no channel receives two
// subscribe frames without an unsubscribe in between, and that a reconnect
// declares exactly the desired set.
func TestSubscriptionsAtMostOneSubscribePerEpoch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		conn := NewMockConnection("ws://test")
		_ = conn.Connect(context.Background())
		r := NewSubscriptionRegistry(conn)
		r.OnReconnected("e1")

		channel := rapid.SampledFrom([]string{"a", "b", "c", "d"})
		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.Add(channel.Draw(t, "add"))
			case 1:
				r.Remove(channel.Draw(t, "remove"))
			case 2:
				ids := rapid.SliceOfN(channel, 0, 4).Draw(t, "set")
				r.SetDesiredChannels(ids)
			}
		}

		active := map[string]bool{}
		for _, msg := range conn.SentMessages() {
			switch msg.Type {
			case protocol.TypeSubscribe:
				if active[msg.ChannelID] {
					t.Fatalf("duplicate subscribe for %s", msg.ChannelID)
				}
				active[msg.ChannelID] = true
			case protocol.TypeUnsubscribe:
				if !active[msg.ChannelID] {
					t.Fatalf("unsubscribe for undeclared %s", msg.ChannelID)
				}
				delete(active, msg.ChannelID)
			}
		}
		for _, id := range r.Desired() {
			if !active[id] {
				t.Fatalf("desired channel %s never declared", id)
			}
		}
		if len(active) != len(r.Desired()) {
			t.Fatalf("declared %v but desired %v", active, r.Desired())
		}

		conn.ClearSentMessages()
		r.OnDisconnected()
		r.OnReconnected("e2")
		subs := conn.SentOfType(protocol.TypeSubscribe)
		if len(subs) != len(r.Desired()) {
			t.Fatalf("reconnect sent %v, want %v", subs, r.Desired())
		}
		for i, id := range r.Desired() {
			if subs[i] != id {
				t.Fatalf("reconnect order %v, want %v", subs, r.Desired())
			}
		}
	})
}
