package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/inventory"
	"github.com/kitchenledger/kitchenledger/internal/rbac"
	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

var fixedNow = time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

type memoryRepo struct {
	mu        sync.Mutex
	purchases map[string]Purchase
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{purchases: make(map[string]Purchase)}
}

func (m *memoryRepo) Insert(_ context.Context, p Purchase) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.ID] = p
	return p, nil
}

func (m *memoryRepo) Get(_ context.Context, id string) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *memoryRepo) List(_ context.Context, from, to time.Time) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Purchase
	for _, p := range m.purchases {
		if !p.PaidOn.Before(from) && p.PaidOn.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidOn.After(out[j].PaidOn) })
	return out, nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id string, status Status) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrPaymentNotFound
	}
	p.Status = status
	m.purchases[id] = p
	return p, nil
}

type fakeLedger struct {
	ingredients map[int64]inventory.Ingredient
	booked      []inventory.PurchaseInput
	failOn      int64
}

func (f *fakeLedger) GetIngredient(_ context.Context, id int64) (inventory.Ingredient, error) {
	ing, ok := f.ingredients[id]
	if !ok {
		return inventory.Ingredient{}, inventory.ErrIngredientNotFound
	}
	return ing, nil
}

func (f *fakeLedger) RecordPurchase(_ context.Context, input inventory.PurchaseInput) (inventory.Ingredient, error) {
	if input.IngredientID == f.failOn {
		return inventory.Ingredient{}, errors.New("connection reset")
	}
	f.booked = append(f.booked, input)
	return f.ingredients[input.IngredientID], nil
}

func newLedger() *fakeLedger {
	return &fakeLedger{ingredients: map[int64]inventory.Ingredient{
		1: {ID: 1, Name: "Flour", Unit: units.Kilogram},
		2: {ID: 2, Name: "Milk", Unit: units.Liter},
	}}
}

func newTestService(repo Repository, ledger Ledger) *Service {
	svc := NewService(repo, ledger, nil)
	svc.WithNow(func() time.Time { return fixedNow })
	return svc
}

func TestCreatePurchaseBooksEveryLine(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newLedger()
	svc := newTestService(repo, ledger)
	ctx := shared.ContextWithCaller(context.Background(), shared.Caller{Name: "ana", Role: "manager"})

	purchase, err := svc.CreatePurchase(ctx, CreatePurchaseInput{
		Lines: []LineInput{
			{IngredientID: 1, Quantity: 2, UnitPrice: decimal.NewFromInt(3)},
			{IngredientID: 2, Quantity: 0.5, UnitPrice: decimal.RequireFromString("10.50")},
		},
		Notes: " weekly order ",
	})
	require.NoError(t, err)
	_, err = uuid.Parse(purchase.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, purchase.Status)
	require.True(t, purchase.Amount.Equal(decimal.RequireFromString("11.25")), purchase.Amount.String())
	require.Equal(t, "weekly order", purchase.Notes)
	require.Equal(t, "ana (manager)", purchase.CreatedBy)
	require.True(t, purchase.PaidOn.Equal(fixedNow))
	require.Equal(t, "Milk", purchase.Lines[1].Name)
	require.Equal(t, units.Liter, purchase.Lines[1].Unit)

	require.Len(t, ledger.booked, 2)
	for _, booked := range ledger.booked {
		require.Equal(t, purchase.ID, booked.PaymentID)
	}
	require.Equal(t, int64(2), ledger.booked[1].IngredientID)

	stored, err := svc.GetPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
}

func TestCreatePurchaseValidatesBeforeWriting(t *testing.T) {
	cases := map[string]struct {
		lines []LineInput
		want  error
	}{
		"no lines": {want: shared.ErrValidation},
		"zero quantity": {
			lines: []LineInput{{IngredientID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}, {IngredientID: 2, UnitPrice: decimal.NewFromInt(1)}},
			want:  shared.ErrValidation,
		},
		"missing price": {
			lines: []LineInput{{IngredientID: 1, Quantity: 1}},
			want:  shared.ErrValidation,
		},
		"missing id": {
			lines: []LineInput{{Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
			want:  shared.ErrValidation,
		},
		"unknown ingredient": {
			lines: []LineInput{{IngredientID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}, {IngredientID: 9, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
			want:  shared.ErrNotFound,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			repo := newMemoryRepo()
			ledger := newLedger()
			svc := newTestService(repo, ledger)

			_, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{Lines: tc.lines})
			require.ErrorIs(t, err, tc.want)
			require.Empty(t, repo.purchases)
			require.Empty(t, ledger.booked)
		})
	}
}

func TestCreatePurchaseRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(newMemoryRepo(), newLedger())
	_, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{
		Lines:  []LineInput{{IngredientID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
		Status: "refunded",
	})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCreatePurchaseReportsBookingFailure(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newLedger()
	ledger.failOn = 2
	svc := newTestService(repo, ledger)

	purchase, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{
		Lines: []LineInput{
			{IngredientID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(2)},
			{IngredientID: 2, Quantity: 1, UnitPrice: decimal.NewFromInt(2)},
		},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "book line 2")
	require.NotEmpty(t, purchase.ID)
	require.Len(t, ledger.booked, 1)
	require.Contains(t, repo.purchases, purchase.ID)
}

func TestListPurchasesDefaultsToCurrentMonth(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, newLedger())
	ctx := context.Background()
	for _, p := range []Purchase{
		{ID: uuid.NewString(), Amount: decimal.NewFromInt(10), PaidOn: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{ID: uuid.NewString(), Amount: decimal.RequireFromString("4.5"), PaidOn: time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC)},
		{ID: uuid.NewString(), Amount: decimal.NewFromInt(99), PaidOn: time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)},
	} {
		_, err := repo.Insert(ctx, p)
		require.NoError(t, err)
	}

	summary, err := svc.ListPurchases(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count)
	require.True(t, summary.Total.Equal(decimal.RequireFromString("14.5")))
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), summary.From)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), summary.To)

	_, err = svc.ListPurchases(ctx, summary.To, summary.From)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, newLedger())
	ctx := context.Background()
	id := uuid.NewString()
	_, err := repo.Insert(ctx, Purchase{ID: id, Status: StatusPending})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, "42", StatusPaid)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = svc.UpdateStatus(ctx, id, "void")
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = svc.UpdateStatus(ctx, uuid.NewString(), StatusPaid)
	require.ErrorIs(t, err, shared.ErrNotFound)

	updated, err := svc.UpdateStatus(ctx, id, StatusPaid)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, updated.Status)
}

func TestHandlerCreatePurchase(t *testing.T) {
	ledger := newLedger()
	svc := newTestService(newMemoryRepo(), ledger)
	router := chi.NewRouter()
	NewHandler(nil, svc, rbac.Middleware{}).MountRoutes(router)
	body := `{"ingredients":[{"ingredientId":1,"quantity":2,"unitPrice":"3"}],"notes":"restock"}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/purchases", strings.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/payments/purchases", strings.NewReader(body))
	req.Header.Set(rbac.RoleHeader, "accountant")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"amount":"6"`)
	require.Len(t, ledger.booked, 1)

	req = httptest.NewRequest(http.MethodPost, "/payments/purchases", strings.NewReader(`{"ingredients":[]}`))
	req.Header.Set(rbac.RoleHeader, "admin")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/purchases", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)
}
