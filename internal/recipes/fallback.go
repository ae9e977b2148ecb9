package recipes

import "github.com/kitchenledger/kitchenledger/internal/units"

// DefaultFallback returns the built-in dish table. Entries are matched in
// order, so more generic patterns must come first to keep lookups stable.
func DefaultFallback() []FallbackEntry {
	beef := Line{Name: "Beef Patty", Quantity: 1, Unit: units.Kilogram}
	sauce := Line{Name: "Tomato Sauce", Quantity: 200, Unit: units.Milliliter}
	pizzaCheese := Line{Name: "Cheese", Quantity: 150, Unit: units.Gram}
	burgerCheese := Line{Name: "Cheese", Quantity: 100, Unit: units.Gram}
	burgerTomato := Line{Name: "Tomato", Quantity: 0.1, Unit: units.Kilogram}
	pizzaTomato := Line{Name: "Tomato", Quantity: 0.2, Unit: units.Kilogram}

	return []FallbackEntry{
		{Pattern: "cheeseburger", Requirements: []Line{beef, burgerCheese, burgerTomato}},
		{Pattern: "hamburger", Requirements: []Line{beef, burgerTomato}},
		{Pattern: "pizza margherita", Requirements: []Line{sauce, pizzaCheese, pizzaTomato}},
		{Pattern: "pepperoni pizza", Requirements: []Line{sauce, pizzaCheese, {Name: "pepperonni", Quantity: 100, Unit: units.Gram}, pizzaTomato}},
		{Pattern: "sausage pizza", Requirements: []Line{sauce, pizzaCheese, {Name: "sausage", Quantity: 100, Unit: units.Gram}, pizzaTomato}},
		{Pattern: "mushroom pizza", Requirements: []Line{sauce, pizzaCheese, {Name: "mushrooms", Quantity: 100, Unit: units.Gram}, pizzaTomato}},
		{Pattern: "bacon burger", Requirements: []Line{beef, {Name: "smoked bacon", Quantity: 100, Unit: units.Gram}, burgerCheese, burgerTomato}},
	}
}
