package daily

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Hour), mr
}

func TestRedisCacheStoresFinalizedSnapshots(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()
	closedAt := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Date:      today,
		Rows:      []Row{{IngredientID: 1, Name: "Flour", Unit: units.Gram, OpenQty: 50, UsageQty: 5, CloseQty: 45}},
		Finalized: true,
		CloseTime: &closedAt,
	}
	require.NoError(t, cache.Set(ctx, snap))
	require.True(t, mr.Exists("daily:snapshot:2026-03-14"))
	require.Equal(t, time.Hour, mr.TTL("daily:snapshot:2026-03-14"))

	got, ok, err := cache.Get(ctx, today)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.Rows, got.Rows)
	require.Equal(t, "2026-03-14", got.Label())
	require.True(t, got.CloseTime.Equal(closedAt))

	_, ok, err = cache.Get(ctx, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheSkipsOpenSnapshots(t *testing.T) {
	cache, mr := newRedisCache(t)
	require.NoError(t, cache.Set(context.Background(), Snapshot{Date: today}))
	require.False(t, mr.Exists("daily:snapshot:2026-03-14"))
}

func TestGetDailyServesFinalizedFromCache(t *testing.T) {
	cache, _ := newRedisCache(t)
	inv := &memoryInventory{ingredients: []inventory.Ingredient{flour(40)}}
	store := newMemoryStore()
	day, err := NewServiceDay(2, time.UTC)
	require.NoError(t, err)
	svc := NewService(store, inv, day, cache, nil)
	svc.WithNow(func() time.Time { return fixedNow })
	ctx := context.Background()

	first, err := svc.GetDaily(ctx, today.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.True(t, first.Finalized)

	reads := store.reads
	second, err := svc.GetDaily(ctx, today.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, reads, store.reads)
	require.Equal(t, first.Rows, second.Rows)
}

func TestHandlerRoutes(t *testing.T) {
	inv := &memoryInventory{ingredients: []inventory.Ingredient{flour(50)}}
	svc, _ := newTestService(t, inv, newMemoryStore())
	router := chi.NewRouter()
	NewHandler(nil, svc, rbac.Middleware{}).MountRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/daily?date=14-03-2026", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/open", strings.NewReader(`{"date":"2026-03-14"}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/inventory/open", strings.NewReader(`{"date":"2026-03-14"}`))
	req.Header.Set(rbac.RoleHeader, "manager")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"openQty":50`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/daily", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"date":"2026-03-14T00:00:00Z"`)
}
