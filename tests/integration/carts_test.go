package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/store"
)

func TestGetCartCreatesEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-new@example.com")

	cart, err := store.GetCart(ctx, db, consumer.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if cart.ConsumerID != consumer.ID {
		t.Errorf("Expected consumer %d, got %d", consumer.ID, cart.ConsumerID)
	}
	if len(cart.Items) != 0 {
		t.Errorf("New cart should be empty, has %d items", len(cart.Items))
	}

	// Second access returns the same cart.
	again, err := store.GetCart(ctx, db, consumer.ID)
	if err != nil {
		t.Fatalf("Get cart again: %v", err)
	}
	if again.ID != cart.ID {
		t.Errorf("Expected same cart %d, got %d", cart.ID, again.ID)
	}
}

func TestAddCartItemMergesDuplicate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-merge@example.com")
	farmer := createFarmer(t, db, "farmer-merge@example.com")
	product := createProduct(t, db, farmer.ID, "MERGE-001", decimal.NewFromInt(2), 10)

	if _, err := store.AddCartItem(ctx, db, consumer.ID, product.ID, 2); err != nil {
		t.Fatalf("First add: %v", err)
	}

	cart, err := store.AddCartItem(ctx, db, consumer.ID, product.ID, 3)
	if err != nil {
		t.Fatalf("Second add: %v", err)
	}

	if len(cart.Items) != 1 {
		t.Fatalf("Expected 1 merged line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 5 {
		t.Errorf("Expected merged quantity 5, got %d", cart.Items[0].Quantity)
	}
}

func TestAddCartItemUnavailable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-unavail@example.com")
	farmer := createFarmer(t, db, "farmer-unavail@example.com")

	// Missing product.
	_, err := store.AddCartItem(ctx, db, consumer.ID, 99999, 1)
	if !errors.Is(err, database.ErrProductUnavailable) {
		t.Errorf("Expected product unavailable for missing product, got: %v", err)
	}

	// Out of stock.
	soldOut := createProduct(t, db, farmer.ID, "UNAVAIL-001", decimal.NewFromInt(2), 0)
	_, err = store.AddCartItem(ctx, db, consumer.ID, soldOut.ID, 1)
	if !errors.Is(err, database.ErrProductUnavailable) {
		t.Errorf("Expected product unavailable for sold-out product, got: %v", err)
	}

	// More than available.
	scarce := createProduct(t, db, farmer.ID, "UNAVAIL-002", decimal.NewFromInt(2), 3)
	_, err = store.AddCartItem(ctx, db, consumer.ID, scarce.ID, 4)
	if !errors.Is(err, database.ErrProductUnavailable) {
		t.Errorf("Expected product unavailable for oversized request, got: %v", err)
	}

	// Zero quantity.
	_, err = store.AddCartItem(ctx, db, consumer.ID, scarce.ID, 0)
	if !errors.Is(err, database.ErrInvalidQuantity) {
		t.Errorf("Expected invalid quantity, got: %v", err)
	}
}

func TestAddCartItemMergeExceedsStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-overflow@example.com")
	farmer := createFarmer(t, db, "farmer-overflow@example.com")
	product := createProduct(t, db, farmer.ID, "OVER-001", decimal.NewFromInt(2), 5)

	if _, err := store.AddCartItem(ctx, db, consumer.ID, product.ID, 3); err != nil {
		t.Fatalf("First add: %v", err)
	}

	_, err := store.AddCartItem(ctx, db, consumer.ID, product.ID, 3)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock on merge, got: %v", err)
	}

	// The failed merge must not have grown the existing line.
	cart, err := store.GetCart(ctx, db, consumer.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 3 {
		t.Errorf("Cart line should remain at 3, got %+v", cart.Items)
	}
}

func TestUpdateCartItem(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-update@example.com")
	farmer := createFarmer(t, db, "farmer-update@example.com")
	product := createProduct(t, db, farmer.ID, "UPD-001", decimal.NewFromInt(2), 10)

	// No cart yet.
	_, err := store.UpdateCartItem(ctx, db, consumer.ID, product.ID, 2)
	if !errors.Is(err, database.ErrCartNotFound) {
		t.Errorf("Expected cart not found, got: %v", err)
	}

	addToCart(t, db, consumer.ID, product.ID, 2)

	cart, err := store.UpdateCartItem(ctx, db, consumer.ID, product.ID, 7)
	if err != nil {
		t.Fatalf("Update cart item: %v", err)
	}
	if cart.Items[0].Quantity != 7 {
		t.Errorf("Expected quantity 7, got %d", cart.Items[0].Quantity)
	}

	// Beyond stock.
	_, err = store.UpdateCartItem(ctx, db, consumer.ID, product.ID, 11)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Errorf("Expected insufficient stock, got: %v", err)
	}

	// Zero removes the line.
	cart, err = store.UpdateCartItem(ctx, db, consumer.ID, product.ID, 0)
	if err != nil {
		t.Fatalf("Update to zero: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Errorf("Expected empty cart, got %d items", len(cart.Items))
	}
}

func TestRemoveCartItemIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	consumer := createConsumer(t, db, "cart-remove@example.com")
	farmer := createFarmer(t, db, "farmer-remove@example.com")
	product := createProduct(t, db, farmer.ID, "REM-001", decimal.NewFromInt(2), 10)
	other := createProduct(t, db, farmer.ID, "REM-002", decimal.NewFromInt(3), 10)

	addToCart(t, db, consumer.ID, product.ID, 2)

	// Removing a line that was never added succeeds and changes nothing.
	cart, err := store.RemoveCartItem(ctx, db, consumer.ID, other.ID)
	if err != nil {
		t.Fatalf("Remove absent item: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ProductID != product.ID {
		t.Errorf("Cart should be unchanged, got %+v", cart.Items)
	}

	cart, err = store.RemoveCartItem(ctx, db, consumer.ID, product.ID)
	if err != nil {
		t.Fatalf("Remove item: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Errorf("Expected empty cart, got %d items", len(cart.Items))
	}

	// Removing again is still fine.
	if _, err := store.RemoveCartItem(ctx, db, consumer.ID, product.ID); err != nil {
		t.Fatalf("Second remove: %v", err)
	}
}
