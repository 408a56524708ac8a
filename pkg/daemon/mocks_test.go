package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/signond/pkg/accesscontrol"
	"github.com/stacklok/signond/pkg/authsession"
	"github.com/stacklok/signond/pkg/config"
	"github.com/stacklok/signond/pkg/daemon/mocks"
	"github.com/stacklok/signond/pkg/identity"
	"github.com/stacklok/signond/pkg/wire"
)

func TestDaemon_QueryIdentitiesDelegatesToStore(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockcredentialsLister(ctrl)

	gate := accesscontrol.NewGate(fakePolicy{widget: "widget-peer"})
	st := newFakeStore()
	identities := identity.NewManager(st, gate, fakeUI{}, time.Hour, nil)
	sessions := authsession.NewManager(t.TempDir(), st, gate, fakeUI{}, time.Hour, nil)
	cfg := &config.Config{PluginsDir: t.TempDir()}
	d := New(cfg, nil, gate, identities, sessions)
	d.store = mockStore

	want := []*wire.Identity{{ID: 7, Username: "alice"}}
	mockStore.EXPECT().CredentialsList(gomock.Any(), gomock.Any()).Return(want, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go d.Run(ctx)

	reply, err := d.Call(ctx, "widget-peer", "query_identities", nil)
	require.NoError(t, err)
	assert.Equal(t, want, reply)
}

func TestDaemon_ClearDelegatesToStore(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockcredentialsLister(ctrl)

	gate := accesscontrol.NewGate(fakePolicy{widget: "widget-peer"})
	st := newFakeStore()
	identities := identity.NewManager(st, gate, fakeUI{}, time.Hour, nil)
	sessions := authsession.NewManager(t.TempDir(), st, gate, fakeUI{}, time.Hour, nil)
	cfg := &config.Config{PluginsDir: t.TempDir()}
	d := New(cfg, nil, gate, identities, sessions)
	d.store = mockStore

	mockStore.EXPECT().Clear(gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go d.Run(ctx)

	_, err := d.Call(ctx, "widget-peer", "clear", nil)
	require.NoError(t, err)
}
