package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtest "github.com/teranos/gridwms/internal/testing"
)

func newTestStore(t *testing.T, requestLifetime time.Duration) *Store {
	t.Helper()
	return NewStore(qtest.CreateTestDB(t), requestLifetime, nil)
}

func TestDelegationRequestLifecycle(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	id, err := store.CreateRequest(ctx, "/my/DN", "myGroup", "-----BEGIN REQUEST-----")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	pem, err := store.RetrieveRequest(ctx, id, "/my/DN", "myGroup")
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN REQUEST-----", pem)

	// Another identity cannot read the request
	_, err = store.RetrieveRequest(ctx, id, "/other/DN", "myGroup")
	require.Error(t, err)

	require.NoError(t, store.DeleteRequest(ctx, id))
	_, err = store.RetrieveRequest(ctx, id, "/my/DN", "myGroup")
	require.Error(t, err)
}

func TestExpiredRequestIsNotRetrievable(t *testing.T) {
	store := newTestStore(t, -time.Minute) // already expired at creation
	ctx := context.Background()

	id, err := store.CreateRequest(ctx, "/my/DN", "myGroup", "pem")
	require.NoError(t, err)

	_, err = store.RetrieveRequest(ctx, id, "/my/DN", "myGroup")
	require.Error(t, err)
}

func TestStoreAndGetProxy(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN:     "/my/DN",
		UserGroup:  "myGroup",
		PEM:        "pem-1",
		Expiration: time.Now().Add(12 * time.Hour),
	}))

	p, err := store.GetProxy(ctx, "/my/DN", "myGroup", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "pem-1", p.PEM)
	assert.False(t, p.Persistent)

	// Upsert replaces the stored credential
	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN:     "/my/DN",
		UserGroup:  "myGroup",
		PEM:        "pem-2",
		Expiration: time.Now().Add(24 * time.Hour),
		Persistent: true,
	}))

	p, err = store.GetProxy(ctx, "/my/DN", "myGroup", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "pem-2", p.PEM)
	assert.True(t, p.Persistent)
}

func TestGetProxyHonoursRequiredLifetime(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN:     "/my/DN",
		UserGroup:  "myGroup",
		PEM:        "pem",
		Expiration: time.Now().Add(2 * time.Hour),
	}))

	_, err := store.GetProxy(ctx, "/my/DN", "myGroup", time.Hour)
	require.NoError(t, err)

	_, err = store.GetProxy(ctx, "/my/DN", "myGroup", 3*time.Hour)
	require.Error(t, err)
}

func TestSetPersistencyFlag(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	err := store.SetPersistencyFlag(ctx, "/my/DN", "myGroup", true)
	require.Error(t, err) // nothing stored yet

	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN:     "/my/DN",
		UserGroup:  "myGroup",
		PEM:        "pem",
		Expiration: time.Now().Add(time.Hour),
	}))

	require.NoError(t, store.SetPersistencyFlag(ctx, "/my/DN", "myGroup", true))

	p, err := store.GetProxy(ctx, "/my/DN", "myGroup", 0)
	require.NoError(t, err)
	assert.True(t, p.Persistent)
}

func TestUsersWithValidProxies(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN: "/a/DN", UserGroup: "g1", PEM: "pem",
		Expiration: time.Now().Add(12 * time.Hour),
	}))
	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN: "/b/DN", UserGroup: "g2", PEM: "pem",
		Expiration: time.Now().Add(30 * time.Minute),
	}))

	users, err := store.UsersWithValidProxies(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "/a/DN", users[0].UserDN)

	users, err = store.UsersWithValidProxies(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestPurgeExpiredKeepsPersistentProxies(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN: "/gone/DN", UserGroup: "g", PEM: "pem",
		Expiration: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.StoreProxy(ctx, &Proxy{
		UserDN: "/kept/DN", UserGroup: "g", PEM: "pem",
		Expiration: time.Now().Add(-time.Hour),
		Persistent: true,
	}))

	purged, err := store.PurgeExpiredProxies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// The persistent proxy survives for renewal even though it is expired
	require.NoError(t, store.SetPersistencyFlag(ctx, "/kept/DN", "g", true))

	err = store.SetPersistencyFlag(ctx, "/gone/DN", "g", true)
	require.Error(t, err)
}

func TestPurgeExpiredRequests(t *testing.T) {
	store := newTestStore(t, -time.Minute)
	ctx := context.Background()

	_, err := store.CreateRequest(ctx, "/my/DN", "myGroup", "pem")
	require.NoError(t, err)

	purged, err := store.PurgeExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	purged, err = store.PurgeExpiredRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}
