package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.published = append(f.published, string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	panic("not used in unit tests")
}

func TestRelay_PublishesLocallyAndRemotely(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Subscribe()
	<-sub.Frames()

	rc := &fakeRedis{}
	relay := NewRelay(hub, rc, testLogger())
	relay.PublishLive(context.Background(), testEvent("e1"))

	f := readFrame(t, <-sub.Frames())
	require.NotNil(t, f.Event)
	assert.Equal(t, "e1", f.Event.ID)

	require.Len(t, rc.published, 1)
	var env relayEnvelope
	require.NoError(t, json.Unmarshal([]byte(rc.published[0]), &env))
	assert.Equal(t, relay.origin, env.Origin)
	assert.Equal(t, "e1", env.Event.ID)
}

func TestRelay_RedisFailureDoesNotAffectLocal(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Subscribe()
	<-sub.Frames()

	relay := NewRelay(hub, &fakeRedis{err: errors.New("connection refused")}, testLogger())
	relay.PublishLive(context.Background(), testEvent("e2"))

	f := readFrame(t, <-sub.Frames())
	require.NotNil(t, f.Event)
	assert.Equal(t, "e2", f.Event.ID)
}

func TestRelay_DeliverSkipsOwnOrigin(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Subscribe()
	<-sub.Frames()
	relay := NewRelay(hub, &fakeRedis{}, testLogger())

	own, err := json.Marshal(relayEnvelope{Origin: relay.origin, Event: testEvent("mine")})
	require.NoError(t, err)
	other, err := json.Marshal(relayEnvelope{Origin: "other-instance", Event: testEvent("theirs")})
	require.NoError(t, err)

	relay.deliver(context.Background(), string(own))
	relay.deliver(context.Background(), "not json")
	relay.deliver(context.Background(), string(other))

	f := readFrame(t, <-sub.Frames())
	require.NotNil(t, f.Event)
	assert.Equal(t, "theirs", f.Event.ID)
	assert.Empty(t, sub.Frames())
}
