package gateway_test

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/gateway/paper"
	"copybot/internal/models"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeCapabilities(t *testing.T) {
	caps := gateway.Probe(paper.New("A", 100))
	assert.NotNil(t, caps.Connect)
	assert.NotNil(t, caps.Close)
	assert.NotNil(t, caps.Ping)
}

func TestDirectoryAddRemove(t *testing.T) {
	ctx := context.Background()
	d := gateway.NewDirectory()
	a := paper.New("A", 100)
	b := paper.New("B", 100)

	require.NoError(t, d.Add(ctx, "A", a))
	require.NoError(t, d.Add(ctx, "B", b))
	assert.Equal(t, []string{"A", "B"}, d.IDs())
	assert.Equal(t, 1, a.Calls("connect"))

	gw, ok := d.Get("A")
	require.True(t, ok)
	assert.Same(t, a, gw)

	require.NoError(t, d.Remove("A"))
	assert.False(t, d.Has("A"))

	err := d.Remove("A")
	assert.True(t, models.IsConfigError(err))
	assert.True(t, errors.Is(err, models.ErrUnknownAccount))

	assert.Error(t, d.Add(ctx, "", b))
}

func TestDirectoryConnectFailure(t *testing.T) {
	g := paper.New("A", 100)
	g.FailNext("connect", 1, errors.New("refused"))

	d := gateway.NewDirectory()
	assert.Error(t, d.Add(context.Background(), "A", g))
	assert.False(t, d.Has("A"))
}

func TestDirectoryPing(t *testing.T) {
	ctx := context.Background()
	d := gateway.NewDirectory()
	a := paper.New("A", 100)
	b := paper.New("B", 100)
	require.NoError(t, d.Add(ctx, "A", a))
	require.NoError(t, d.Add(ctx, "B", b))

	b.SetOffline(true)
	failed := d.Ping(ctx)
	require.Len(t, failed, 1)
	assert.True(t, models.IsTransient(failed["B"]))
}
