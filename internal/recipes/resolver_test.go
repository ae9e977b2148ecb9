package recipes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kitchenledger/kitchenledger/internal/shared"
	"github.com/kitchenledger/kitchenledger/internal/units"
)

type memoryItems struct {
	items []MenuItem
	err   error
}

func (m *memoryItems) GetItem(_ context.Context, id int64) (MenuItem, error) {
	if m.err != nil {
		return MenuItem{}, m.err
	}
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return MenuItem{}, ErrItemNotFound
}

func (m *memoryItems) FindItemByName(_ context.Context, name string) (MenuItem, error) {
	var best *MenuItem
	for i := range m.items {
		switch shared.MatchName(m.items[i].Name, name) {
		case shared.NameExact:
			return m.items[i], nil
		case shared.NameSubstring:
			if best == nil {
				best = &m.items[i]
			}
		}
	}
	if best == nil {
		return MenuItem{}, ErrItemNotFound
	}
	return *best, nil
}

func newTestResolver() *Resolver {
	items := &memoryItems{items: []MenuItem{
		{ID: 1, Name: "Bread", Ingredients: []Line{{IngredientID: 10, Name: "Flour", Quantity: 500, Unit: units.Gram}}},
		{ID: 2, Name: "Cheeseburger Deluxe"},
		{ID: 3, Name: "Soup of the day"},
	}}
	return NewResolver(items, DefaultFallback())
}

func TestResolveUsesEmbeddedRecipe(t *testing.T) {
	res, err := newTestResolver().Resolve(context.Background(), ItemRef{ID: 1})
	require.NoError(t, err)
	require.Equal(t, SourceRecipe, res.Source)
	require.Len(t, res.Requirements, 1)
	require.Equal(t, int64(10), res.Requirements[0].IngredientID)
	require.Equal(t, "Bread", res.Item.Name)
}

func TestResolveByNameWhenIDMissing(t *testing.T) {
	res, err := newTestResolver().Resolve(context.Background(), ItemRef{ID: 99, Name: "bread"})
	require.NoError(t, err)
	require.Equal(t, SourceRecipe, res.Source)
	require.Equal(t, int64(1), res.Item.ID)
}

func TestResolveFallsBackToDishTable(t *testing.T) {
	res, err := newTestResolver().Resolve(context.Background(), ItemRef{ID: 2})
	require.NoError(t, err)
	require.Equal(t, SourceFallback, res.Source)
	require.Len(t, res.Requirements, 3)
	require.Equal(t, "Beef Patty", res.Requirements[0].Name)

	// Pattern containing the query also matches.
	res, err = newTestResolver().Resolve(context.Background(), ItemRef{Name: "Margherita"})
	require.NoError(t, err)
	require.Equal(t, SourceFallback, res.Source)
	require.Nil(t, res.Item)
	require.Equal(t, "Tomato Sauce", res.Requirements[0].Name)
}

func TestResolveFirstFallbackEntryWins(t *testing.T) {
	res, err := NewResolver(nil, DefaultFallback()).Resolve(context.Background(), ItemRef{Name: "BURGER"})
	require.NoError(t, err)
	require.Len(t, res.Requirements, 3, "cheeseburger is listed first")
}

func TestResolveNoRecipe(t *testing.T) {
	res, err := newTestResolver().Resolve(context.Background(), ItemRef{ID: 3})
	require.ErrorIs(t, err, ErrNoRecipeDefined)
	require.ErrorIs(t, err, shared.ErrUnprocessable)
	require.NotNil(t, res.Item)

	_, err = NewResolver(nil, nil).Resolve(context.Background(), ItemRef{Name: "Cheeseburger"})
	require.ErrorIs(t, err, ErrNoRecipeDefined)
}

func TestResolveRejectsEmptyRef(t *testing.T) {
	_, err := newTestResolver().Resolve(context.Background(), ItemRef{Name: "  "})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestResolvePropagatesStoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewResolver(&memoryItems{err: boom}, DefaultFallback()).Resolve(context.Background(), ItemRef{ID: 1})
	require.ErrorIs(t, err, boom)
}

func TestResolveReturnsCopyOfFallback(t *testing.T) {
	r := NewResolver(nil, DefaultFallback())
	res, err := r.Resolve(context.Background(), ItemRef{Name: "hamburger"})
	require.NoError(t, err)
	res.Requirements[0].Quantity = 42
	again, err := r.Resolve(context.Background(), ItemRef{Name: "hamburger"})
	require.NoError(t, err)
	require.Equal(t, 1.0, again.Requirements[0].Quantity)
}
