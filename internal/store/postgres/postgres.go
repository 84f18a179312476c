package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store"
	"kasircabang/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if strings.TrimSpace(branch.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, address, created_at)
		VALUES ($1,$2,$3,$4)
	`, branch.ID, branch.Name, branch.Address, branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := branch
	return &created, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, created_at
		FROM branches
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 16)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, created_at
		FROM branches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Address, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.Price < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, sku, category, price, base_unit_id, base_unit_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, product.ID, product.Name, product.SKU, product.Category, product.Price,
		product.BaseUnitID, product.BaseUnitName, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sku, category, price, base_unit_id, base_unit_name, created_at
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	index := make(map[string]int, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Category, &p.Price, &p.BaseUnitID, &p.BaseUnitName, &p.CreatedAt); err != nil {
			return nil, err
		}
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, unit_id, unit_name, conversion_value
		FROM product_units
		ORDER BY product_id, unit_id
	`)
	if err != nil {
		return nil, err
	}
	defer convRows.Close()

	for convRows.Next() {
		var c domain.UnitConversion
		if err := convRows.Scan(&c.ProductID, &c.UnitID, &c.UnitName, &c.ConversionValue); err != nil {
			return nil, err
		}
		if i, ok := index[c.ProductID]; ok {
			products[i].Conversions = append(products[i].Conversions, c)
		}
	}
	return products, convRows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, sku, category, price, base_unit_id, base_unit_name, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.SKU, &p.Category, &p.Price, &p.BaseUnitID, &p.BaseUnitName, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, unit_id, unit_name, conversion_value
		FROM product_units
		WHERE product_id = $1
		ORDER BY unit_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.UnitConversion
		if err := rows.Scan(&c.ProductID, &c.UnitID, &c.UnitName, &c.ConversionValue); err != nil {
			return nil, err
		}
		p.Conversions = append(p.Conversions, c)
	}
	return &p, rows.Err()
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sku, category, price, base_unit_id, base_unit_name, created_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Category, &p.Price, &p.BaseUnitID, &p.BaseUnitName, &p.CreatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) CreateUnitConversion(ctx context.Context, conv domain.UnitConversion) error {
	if conv.ProductID == "" || conv.UnitID == "" || conv.ConversionValue <= 0 {
		return store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_units (product_id, unit_id, unit_name, conversion_value)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id, unit_id)
		DO UPDATE SET unit_name = EXCLUDED.unit_name, conversion_value = EXCLUDED.conversion_value
	`, conv.ProductID, conv.UnitID, conv.UnitName, conv.ConversionValue)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetUnitConversion(ctx context.Context, productID string, unitID string) (*domain.UnitConversion, error) {
	var c domain.UnitConversion
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, unit_id, unit_name, conversion_value
		FROM product_units
		WHERE product_id = $1 AND unit_id = $2
	`, productID, unitID).Scan(&c.ProductID, &c.UnitID, &c.UnitName, &c.ConversionValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConversionNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateMenu(ctx context.Context, menu domain.Menu) (*domain.Menu, error) {
	if strings.TrimSpace(menu.Name) == "" || menu.Price < 0 || menu.DefaultQuantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if menu.ID == "" {
		menu.ID = xid.New("menu")
	}
	if menu.CreatedAt.IsZero() {
		menu.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO menus (id, name, price, category, is_flexible, default_quantity, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, menu.ID, menu.Name, menu.Price, menu.Category, menu.IsFlexible, menu.DefaultQuantity, menu.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	for i, line := range menu.RecipeLines {
		name := line.ProductName
		if name == "" {
			if err := tx.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, line.ProductID).Scan(&name); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, store.ErrNotFound
				}
				return nil, err
			}
			menu.RecipeLines[i].ProductName = name
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO menu_recipe_lines (menu_id, position, product_id, product_name, quantity)
			VALUES ($1,$2,$3,$4,$5)
		`, menu.ID, i, line.ProductID, name, line.Quantity)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := menu
	return &created, nil
}

func (s *Store) ListMenus(ctx context.Context) ([]domain.Menu, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, category, is_flexible, default_quantity, created_at
		FROM menus
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	menus := make([]domain.Menu, 0, 32)
	index := make(map[string]int, 32)
	for rows.Next() {
		var m domain.Menu
		if err := rows.Scan(&m.ID, &m.Name, &m.Price, &m.Category, &m.IsFlexible, &m.DefaultQuantity, &m.CreatedAt); err != nil {
			return nil, err
		}
		index[m.ID] = len(menus)
		menus = append(menus, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT menu_id, product_id, product_name, quantity
		FROM menu_recipe_lines
		ORDER BY menu_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var menuID string
		var line domain.RecipeLine
		if err := lineRows.Scan(&menuID, &line.ProductID, &line.ProductName, &line.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[menuID]; ok {
			menus[i].RecipeLines = append(menus[i].RecipeLines, line)
		}
	}
	return menus, lineRows.Err()
}

func (s *Store) GetMenu(ctx context.Context, id string) (*domain.Menu, error) {
	var m domain.Menu
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, price, category, is_flexible, default_quantity, created_at
		FROM menus
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Price, &m.Category, &m.IsFlexible, &m.DefaultQuantity, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMenuNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, quantity
		FROM menu_recipe_lines
		WHERE menu_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.RecipeLine
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.Quantity); err != nil {
			return nil, err
		}
		m.RecipeLines = append(m.RecipeLines, line)
	}
	return &m, rows.Err()
}

func (s *Store) GetStock(ctx context.Context, branchID string, productID string) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `
		SELECT stock
		FROM inventories
		WHERE branch_id = $1 AND product_id = $2
	`, branchID, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stock, nil
}

func (s *Store) GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = 0
	}
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, stock
		FROM inventories
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var stock int
		if err := rows.Scan(&productID, &stock); err != nil {
			return nil, err
		}
		result[productID] = stock
	}
	return result, rows.Err()
}

func (s *Store) AdjustStock(ctx context.Context, branchID string, productID string, quantity int, direction string) (int, error) {
	if quantity < 0 {
		quantity = -quantity
	}

	var query string
	switch direction {
	case domain.DirectionIn:
		query = `
			INSERT INTO inventories (branch_id, product_id, stock, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (branch_id, product_id)
			DO UPDATE SET stock = inventories.stock + EXCLUDED.stock, updated_at = now()
			RETURNING stock
		`
	case domain.DirectionOut:
		// Clamped at zero: manual corrections never fail on underflow.
		query = `
			INSERT INTO inventories (branch_id, product_id, stock, updated_at)
			VALUES ($1, $2, 0, now())
			ON CONFLICT (branch_id, product_id)
			DO UPDATE SET stock = GREATEST(inventories.stock - $3, 0), updated_at = now()
			RETURNING stock
		`
	default:
		return 0, store.ErrInvalidInput
	}

	var stock int
	if err := s.db.QueryRowContext(ctx, query, branchID, productID, quantity).Scan(&stock); err != nil {
		if isForeignKeyViolation(err) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return stock, nil
}

func (s *Store) SetDailyStock(ctx context.Context, branchID string, items []domain.RestockItem) error {
	if len(items) == 0 {
		return store.ErrInvalidInput
	}
	for _, item := range items {
		if item.Stock < 0 {
			return store.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventories (branch_id, product_id, stock, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (branch_id, product_id)
			DO UPDATE SET stock = EXCLUDED.stock, updated_at = now()
		`, branchID, item.ProductID, item.Stock)
		if err != nil {
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListInventory(ctx context.Context, branchID string) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.branch_id, i.product_id, p.name, i.stock, i.updated_at
		FROM inventories i
		JOIN products p ON p.id = i.product_id
		WHERE i.branch_id = $1
		ORDER BY p.name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 64)
	for rows.Next() {
		var r domain.InventoryRecord
		if err := rows.Scan(&r.BranchID, &r.ProductID, &r.ProductName, &r.Stock, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// errInvoiceTaken marks a commit attempt that lost the daily-sequence race;
// CreateSale retries the whole transaction on it.
var errInvoiceTaken = errors.New("invoice number taken")

const createSaleAttempts = 5

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, demand map[string]int) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || len(demand) == 0 {
		return nil, store.ErrInvalidInput
	}
	if sale.AmountPaid < sale.Total {
		return nil, store.ErrInsufficientPayment
	}

	// Serialization failures and invoice-sequence races are both transient
	// under contention; the whole transaction is retried from scratch.
	for attempt := 0; attempt < createSaleAttempts; attempt++ {
		created, err := s.tryCreateSale(ctx, sale, demand)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, errInvoiceTaken) || isSerializationFailure(err) {
			continue
		}
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) tryCreateSale(ctx context.Context, sale domain.Sale, demand map[string]int) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Deterministic lock order avoids deadlocks between concurrent checkouts
	// touching overlapping product sets.
	productIDs := make([]string, 0, len(demand))
	for productID := range demand {
		productIDs = append(productIDs, productID)
	}
	sort.Strings(productIDs)

	stockRows, err := tx.QueryContext(ctx, `
		SELECT product_id, stock
		FROM inventories
		WHERE branch_id = $1 AND product_id = ANY($2)
		ORDER BY product_id
		FOR UPDATE
	`, sale.BranchID, productIDs)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(productIDs))
	for stockRows.Next() {
		var productID string
		var stock int
		if err := stockRows.Scan(&productID, &stock); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[productID] = stock
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	// The authoritative guard: re-validate aggregated demand against the
	// locked rows. The service's earlier read was only a fail-fast pass.
	for _, productID := range productIDs {
		needed := demand[productID]
		available := stockMap[productID]
		if available < needed {
			return nil, s.insufficientStock(ctx, productID, available, needed)
		}
	}

	now := time.Now().UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}

	// Global daily sequence, computed inside the transaction. The unique
	// constraint on invoice_number is the real guard; a collision under
	// concurrency surfaces as errInvoiceTaken and retries the commit.
	day := sale.CreatedAt.Truncate(24 * time.Hour)
	var todayCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
	`, day, day.Add(24*time.Hour)).Scan(&todayCount)
	if err != nil {
		return nil, err
	}
	sale.InvoiceNumber = fmt.Sprintf("INV-%s-%04d", sale.CreatedAt.Format("20060102"), todayCount+1)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, branch_id, cashier_id, cashier_name,
			total, payment_method, amount_paid, change, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.InvoiceNumber, sale.BranchID, sale.CashierID, sale.CashierName,
		sale.Total, sale.PaymentMethod, sale.AmountPaid, sale.Change, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errInvoiceTaken
		}
		return nil, err
	}

	for i, line := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, position, menu_id, menu_name, price, quantity, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, i, line.MenuID, line.MenuName, line.Price, line.Quantity, line.Subtotal)
		if err != nil {
			return nil, err
		}

		for _, usage := range line.Usages {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sale_line_usages (sale_id, line_position, product_id, product_name, unit_id, unit_name, quantity)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, sale.ID, i, usage.ProductID, usage.ProductName, usage.UnitID, usage.UnitName, usage.Quantity)
			if err != nil {
				return nil, err
			}

			// Conditional decrement: stock >= n in the WHERE clause keeps the
			// floor check at the row even if the earlier lock read went stale.
			result, err := tx.ExecContext(ctx, `
				UPDATE inventories
				SET stock = stock - $1, updated_at = now()
				WHERE branch_id = $2 AND product_id = $3 AND stock >= $1
			`, usage.Quantity, sale.BranchID, usage.ProductID)
			if err != nil {
				return nil, err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected != 1 {
				return nil, s.insufficientStock(ctx, usage.ProductID, stockMap[usage.ProductID], demand[usage.ProductID])
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_flows (id, branch_id, user_id, type, category, amount, description, transaction_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, xid.New("cf"), sale.BranchID, sale.CashierID, domain.CashFlowIncome, domain.CategoryPOSSale,
		sale.Total, fmt.Sprintf("Otomatis dari Kasir (Invoice: %s)", sale.InvoiceNumber),
		sale.CreatedAt.Format("2006-01-02"), now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) insufficientStock(ctx context.Context, productID string, available int, needed int) error {
	name := productID
	_ = s.db.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
	return &store.InsufficientStockError{
		ProductID:   productID,
		ProductName: name,
		Available:   available,
		Needed:      needed,
	}
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := s.loadSales(ctx, `WHERE s.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.BranchID != "" {
		args = append(args, filter.BranchID)
		conditions = append(conditions, fmt.Sprintf("s.branch_id = $%d", len(args)))
	}
	if filter.Date != "" {
		args = append(args, filter.Date)
		conditions = append(conditions, fmt.Sprintf("s.created_at::date = $%d::date", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	where += fmt.Sprintf(" ORDER BY s.created_at DESC LIMIT $%d", len(args))

	return s.loadSales(ctx, where, args...)
}

func (s *Store) loadSales(ctx context.Context, clause string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.invoice_number, s.branch_id, s.cashier_id, s.cashier_name,
		       s.total, s.payment_method, s.amount_paid, s.change, s.created_at
		FROM sales s
		`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	index := make(map[string]int, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.CashierID, &sale.CashierName,
			&sale.Total, &sale.PaymentMethod, &sale.AmountPaid, &sale.Change, &sale.CreatedAt); err != nil {
			return nil, err
		}
		index[sale.ID] = len(sales)
		ids = append(ids, sale.ID)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, position, menu_id, menu_name, price, quantity, subtotal
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	linePosition := make(map[string]map[int]int, len(sales))
	for lineRows.Next() {
		var saleID string
		var position int
		var line domain.SaleLine
		if err := lineRows.Scan(&saleID, &position, &line.MenuID, &line.MenuName, &line.Price, &line.Quantity, &line.Subtotal); err != nil {
			return nil, err
		}
		i, ok := index[saleID]
		if !ok {
			continue
		}
		if linePosition[saleID] == nil {
			linePosition[saleID] = map[int]int{}
		}
		linePosition[saleID][position] = len(sales[i].Lines)
		sales[i].Lines = append(sales[i].Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	usageRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, line_position, product_id, product_name, unit_id, unit_name, quantity
		FROM sale_line_usages
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer usageRows.Close()

	for usageRows.Next() {
		var saleID string
		var position int
		var usage domain.IngredientUsage
		if err := usageRows.Scan(&saleID, &position, &usage.ProductID, &usage.ProductName, &usage.UnitID, &usage.UnitName, &usage.Quantity); err != nil {
			return nil, err
		}
		i, ok := index[saleID]
		if !ok {
			continue
		}
		li, ok := linePosition[saleID][position]
		if !ok {
			continue
		}
		sales[i].Lines[li].Usages = append(sales[i].Lines[li].Usages, usage)
	}
	return sales, usageRows.Err()
}

func (s *Store) AppendCashFlow(ctx context.Context, entry domain.CashFlowEntry) (*domain.CashFlowEntry, error) {
	if entry.Type != domain.CashFlowIncome && entry.Type != domain.CashFlowExpense {
		return nil, store.ErrInvalidInput
	}
	if strings.TrimSpace(entry.Category) == "" || entry.Amount < 0 {
		return nil, store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("cf")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.TransactionDate.IsZero() {
		entry.TransactionDate = entry.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_flows (id, branch_id, user_id, type, category, amount, description, transaction_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.BranchID), nullIfEmpty(entry.UserID), entry.Type, entry.Category,
		entry.Amount, entry.Description, entry.TransactionDate.Format("2006-01-02"), entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := entry
	return &created, nil
}

func cashFlowConditions(filter domain.CashFlowFilter) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 5)
	if filter.BranchID != "" {
		args = append(args, filter.BranchID)
		conditions = append(conditions, fmt.Sprintf("branch_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.StartDate != "" {
		args = append(args, filter.StartDate)
		conditions = append(conditions, fmt.Sprintf("transaction_date >= $%d::date", len(args)))
	}
	if filter.EndDate != "" {
		args = append(args, filter.EndDate)
		conditions = append(conditions, fmt.Sprintf("transaction_date <= $%d::date", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (s *Store) ListCashFlows(ctx context.Context, filter domain.CashFlowFilter) ([]domain.CashFlowEntry, error) {
	where, args := cashFlowConditions(filter)
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(branch_id, ''), COALESCE(user_id, ''), type, category, amount, description, transaction_date, created_at
		FROM cash_flows
		%s
		ORDER BY transaction_date DESC, created_at DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashFlowEntry, 0, 64)
	for rows.Next() {
		var e domain.CashFlowEntry
		if err := rows.Scan(&e.ID, &e.BranchID, &e.UserID, &e.Type, &e.Category, &e.Amount, &e.Description, &e.TransactionDate, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SumCashFlows(ctx context.Context, filter domain.CashFlowFilter) (domain.CashFlowSummary, error) {
	where, args := cashFlowConditions(filter)

	var summary domain.CashFlowSummary
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(amount) FILTER (WHERE type = 'income'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE type = 'expense'), 0)
		FROM cash_flows
		%s
	`, where), args...).Scan(&summary.TotalIncome, &summary.TotalExpense)
	if err != nil {
		return domain.CashFlowSummary{}, err
	}
	summary.NetFlow = summary.TotalIncome - summary.TotalExpense
	return summary, nil
}

func (s *Store) DeleteCashFlow(ctx context.Context, id string) error {
	var category string
	err := s.db.QueryRowContext(ctx, `
		SELECT category FROM cash_flows WHERE id = $1
	`, id).Scan(&category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if category == domain.CategoryPOSSale {
		return store.ErrProtectedEntry
	}

	// Guarded delete: the category is re-checked in the statement so a row
	// cannot be swapped under us between the read and the delete.
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cash_flows WHERE id = $1 AND category <> $2
	`, id, domain.CategoryPOSSale)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, name, role, branch_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, username, user.Password, user.Name, user.Role, user.BranchID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, name, role, branch_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Name, &u.Role, &u.BranchID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}
