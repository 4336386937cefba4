package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/models"
)

// GetCart returns the consumer's cart, creating an empty one on first
// access. Line items carry a live product snapshot for display.
func GetCart(ctx context.Context, db *sql.DB, consumerID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	query := `
		INSERT INTO carts (consumer_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (consumer_id) DO UPDATE SET consumer_id = EXCLUDED.consumer_id
		RETURNING id, consumer_id, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, consumerID).Scan(
		&cart.ID,
		&cart.ConsumerID,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get or create cart: %w", err)
	}

	items, err := getCartItems(ctx, db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items

	return cart, nil
}

// AddCartItem merges the requested quantity into any existing line for the
// same product. The merge is a single upsert statement and the combined
// quantity is re-checked against stock while the product row is locked, so
// a duplicate-add race cannot overshoot availability.
func AddCartItem(ctx context.Context, db *sql.DB, consumerID, productID int64, quantity int) (*models.Cart, error) {
	if quantity < 1 {
		return nil, database.ErrInvalidQuantity
	}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var stock int
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE`,
			productID).Scan(&stock)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductUnavailable
			}
			return fmt.Errorf("lock product %d: %w", productID, err)
		}

		if stock < quantity {
			return database.ErrProductUnavailable
		}

		var cartID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO carts (consumer_id, created_at, updated_at)
			 VALUES ($1, NOW(), NOW())
			 ON CONFLICT (consumer_id) DO UPDATE SET consumer_id = EXCLUDED.consumer_id
			 RETURNING id`,
			consumerID).Scan(&cartID)
		if err != nil {
			return fmt.Errorf("get or create cart: %w", err)
		}

		var merged int
		err = tx.QueryRowContext(ctx,
			`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (cart_id, product_id)
			 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()
			 RETURNING quantity`,
			cartID, productID, quantity).Scan(&merged)
		if err != nil {
			return fmt.Errorf("add cart item: %w", err)
		}

		if merged > stock {
			return database.ErrInsufficientStock
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, consumerID)
}

// UpdateCartItem sets a line's quantity. Zero removes the line. Non-zero
// quantities are re-validated against current stock; the authoritative
// check still happens at checkout.
func UpdateCartItem(ctx context.Context, db *sql.DB, consumerID, productID int64, quantity int) (*models.Cart, error) {
	if quantity < 0 {
		return nil, database.ErrInvalidQuantity
	}

	var cartID int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM carts WHERE consumer_id = $1`, consumerID).Scan(&cartID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	if quantity == 0 {
		_, err := db.ExecContext(ctx,
			`DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
			cartID, productID)
		if err != nil {
			return nil, fmt.Errorf("remove cart item: %w", err)
		}
		return GetCart(ctx, db, consumerID)
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var stock int
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE`,
			productID).Scan(&stock)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrProductNotFound
			}
			return fmt.Errorf("lock product %d: %w", productID, err)
		}

		if stock < quantity {
			return database.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (cart_id, product_id)
			 DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
			cartID, productID, quantity)
		if err != nil {
			return fmt.Errorf("update cart item: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, consumerID)
}

// RemoveCartItem is idempotent: removing an absent line is not an error.
func RemoveCartItem(ctx context.Context, db *sql.DB, consumerID, productID int64) (*models.Cart, error) {
	_, err := db.ExecContext(ctx,
		`DELETE FROM cart_items
		 USING carts
		 WHERE cart_items.cart_id = carts.id
		   AND carts.consumer_id = $1
		   AND cart_items.product_id = $2`,
		consumerID, productID)
	if err != nil {
		return nil, fmt.Errorf("remove cart item: %w", err)
	}

	return GetCart(ctx, db, consumerID)
}

func getCartItems(ctx context.Context, db *sql.DB, cartID int64) ([]models.CartItem, error) {
	query := `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity,
		       p.name, p.unit, p.price, p.stock_quantity, p.farmer_id,
		       ci.created_at, ci.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.created_at, ci.id`

	rows, err := db.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.ProductName,
			&item.ProductUnit,
			&item.ProductPrice,
			&item.ProductStock,
			&item.FarmerID,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}
