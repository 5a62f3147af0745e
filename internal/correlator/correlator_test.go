package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/proto"
)

func TestSendResolveRoundTrip(t *testing.T) {
	var sent proto.Envelope
	c := New(func(env proto.Envelope) error {
		sent = env
		return nil
	}, 10*time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		ok := c.Resolve(sent.MessageID, proto.NewAttributeEvent(asset.AttributeEvent{Value: 1}))
		require.True(t, ok)
	}()

	resp, err := c.Send(proto.NewReadAssetsEvent(asset.Query{}), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Attribute)
	assert.Equal(t, 1, resp.Attribute.Value)
}

func TestSendTimeout(t *testing.T) {
	c := New(func(env proto.Envelope) error { return nil }, 5*time.Millisecond)
	_, err := c.Send(proto.NewReadAssetsEvent(asset.Query{}), 10*time.Millisecond)
	require.Error(t, err)
	gwErr, ok := err.(*gwerrors.Error)
	require.True(t, ok)
	assert.Equal(t, gwerrors.Timeout, gwErr.Kind)
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	c := New(func(env proto.Envelope) error { return nil }, time.Second)
	ok := c.Resolve("never-sent", proto.SharedEvent{})
	assert.False(t, ok)
}

func TestCancelAllFailsPendingWithDisconnected(t *testing.T) {
	c := New(func(env proto.Envelope) error { return nil }, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(proto.NewReadAssetsEvent(asset.Query{}), time.Minute)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.CancelAll()

	err := <-errCh
	require.Error(t, err)
	gwErr, ok := err.(*gwerrors.Error)
	require.True(t, ok)
	assert.Equal(t, gwerrors.Disconnected, gwErr.Kind)
}

func TestSendReservedUsesGivenID(t *testing.T) {
	var sent proto.Envelope
	c := New(func(env proto.Envelope) error {
		sent = env
		return nil
	}, time.Second)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Resolve(proto.MessageIDGatewayAssetRead, proto.SharedEvent{})
	}()

	_, err := c.SendReserved(proto.MessageIDGatewayAssetRead, proto.NewReadAssetsEvent(asset.Query{Recursive: true}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, proto.MessageIDGatewayAssetRead, sent.MessageID)
}
