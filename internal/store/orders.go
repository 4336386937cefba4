package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/models"
	"github.com/shopspring/decimal"
)

func generateOrderNumber() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}

type checkoutLine struct {
	ProductID   int64
	ProductName string
	Unit        string
	Quantity    int
	UnitPrice   decimal.Decimal
	FarmerID    int64
}

// PlaceOrder converts the consumer's cart into an immutable order. The
// whole conversion runs in one serializable transaction: stock is
// re-validated against the locked product rows, order items snapshot the
// current price and supplying farmer, stock is decremented conditionally,
// each distinct farmer gets one notification, and the cart is drained.
// Any failure rolls back every effect.
func PlaceOrder(ctx context.Context, db *sql.DB, consumerID int64) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		MaxRetries:     3,
	}, func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM carts WHERE consumer_id = $1`, consumerID).Scan(&cartID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrEmptyCart
			}
			return fmt.Errorf("get cart: %w", err)
		}

		// Product rows are locked in id order so concurrent checkouts
		// sharing products cannot deadlock.
		rows, err := tx.QueryContext(ctx,
			`SELECT ci.product_id, ci.quantity, p.name, p.unit, p.price, p.stock_quantity, p.farmer_id
			 FROM cart_items ci
			 JOIN products p ON p.id = ci.product_id
			 WHERE ci.cart_id = $1
			 ORDER BY ci.product_id
			 FOR UPDATE OF p`,
			cartID)
		if err != nil {
			return fmt.Errorf("lock cart products: %w", err)
		}

		var lines []checkoutLine
		for rows.Next() {
			var line checkoutLine
			var stock int
			if err := rows.Scan(&line.ProductID, &line.Quantity, &line.ProductName,
				&line.Unit, &line.UnitPrice, &stock, &line.FarmerID); err != nil {
				rows.Close()
				return fmt.Errorf("scan cart line: %w", err)
			}
			if stock < line.Quantity {
				rows.Close()
				return fmt.Errorf("%w: product %q has %d left, %d requested",
					database.ErrInsufficientStock, line.ProductName, stock, line.Quantity)
			}
			lines = append(lines, line)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		if len(lines) == 0 {
			return database.ErrEmptyCart
		}

		var totalAmount decimal.Decimal
		for _, line := range lines {
			totalAmount = totalAmount.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}

		orderNumber := generateOrderNumber()
		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (consumer_id, order_number, status, total_amount, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
			 RETURNING id`,
			consumerID, orderNumber, models.OrderStatusPending, totalAmount).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, line := range lines {
			subtotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, line.ProductID, line.FarmerID, line.Quantity, line.UnitPrice, subtotal)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for _, line := range lines {
			result, err := tx.ExecContext(ctx,
				`UPDATE products
				 SET stock_quantity = stock_quantity - $1,
				     updated_at = NOW()
				 WHERE id = $2
				   AND stock_quantity >= $1`,
				line.Quantity, line.ProductID)
			if err != nil {
				return fmt.Errorf("update stock: %w", err)
			}

			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}

			if rowsAffected == 0 {
				return fmt.Errorf("%w: product %q", database.ErrInsufficientStock, line.ProductName)
			}
		}

		farmerLines := make(map[int64]int)
		for _, line := range lines {
			farmerLines[line.FarmerID]++
		}
		for farmerID, count := range farmerLines {
			message := fmt.Sprintf("Order %s contains %d of your product(s) awaiting fulfillment.", orderNumber, count)
			err := createNotification(ctx, tx, farmerID, models.NotificationTypeNewOrder,
				"New order received", message, sql.NullInt64{Int64: orderID, Valid: true})
			if err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
			return fmt.Errorf("drain cart: %w", err)
		}

		order = &models.Order{ID: orderID}
		err = tx.QueryRowContext(ctx,
			`SELECT consumer_id, order_number, status, total_amount, created_at, updated_at, version
			 FROM orders WHERE id = $1`,
			orderID).Scan(
			&order.ConsumerID,
			&order.OrderNumber,
			&order.Status,
			&order.TotalAmount,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}

		items, err := getOrderItemsTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order.Items = items

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT id, consumer_id, order_number, status, total_amount, created_at, updated_at, version
		FROM orders
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.ConsumerID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	itemsQuery := `
		SELECT id, order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`

	rows, err := db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	items, err := scanOrderItems(rows)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// ListConsumerOrders pages through a consumer's orders newest-first, each
// with its full item list.
func ListConsumerOrders(ctx context.Context, db *sql.DB, consumerID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT id, consumer_id, order_number, status, total_amount, created_at, updated_at, version
		FROM orders
		WHERE consumer_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, consumerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	if err := attachOrderItems(ctx, db, orders, 0); err != nil {
		return nil, err
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ListFarmerOrders pages through orders containing at least one of the
// farmer's lines. Only that farmer's own items are attached to each order.
func ListFarmerOrders(ctx context.Context, db *sql.DB, farmerID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT DISTINCT o.id, o.consumer_id, o.order_number, o.status, o.total_amount, o.created_at, o.updated_at, o.version
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.farmer_id = $1
		  AND (o.created_at, o.id) < ($2, $3)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, farmerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list farmer orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	if err := attachOrderItems(ctx, db, orders, farmerID); err != nil {
		return nil, err
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var order models.Order
		err := rows.Scan(
			&order.ID,
			&order.ConsumerID,
			&order.OrderNumber,
			&order.Status,
			&order.TotalAmount,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

func scanOrderItems(rows *sql.Rows) ([]models.OrderItem, error) {
	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.FarmerID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func getOrderItemsTx(ctx context.Context, tx *sql.Tx, orderID int64) ([]models.OrderItem, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	return scanOrderItems(rows)
}

// attachOrderItems loads items for a batch of orders in one query. A
// non-zero farmerID restricts each order's items to that farmer's lines.
func attachOrderItems(ctx context.Context, db *sql.DB, orders []models.Order, farmerID int64) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
	}

	query := `
		SELECT id, order_id, product_id, farmer_id, quantity, unit_price, subtotal, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		  AND ($2 = 0 OR farmer_id = $2)
		ORDER BY order_id, id`

	rows, err := db.QueryContext(ctx, query, pq.Array(ids), farmerID)
	if err != nil {
		return fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	items, err := scanOrderItems(rows)
	if err != nil {
		return err
	}

	byOrder := make(map[int64][]models.OrderItem)
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}

	return nil
}
