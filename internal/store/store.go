package store

import (
	"context"
	"errors"
	"fmt"

	"kasircabang/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrMenuNotFound        = errors.New("menu not found")
	ErrInvalidComposition  = errors.New("invalid ingredient composition")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrProtectedEntry      = errors.New("protected ledger entry")
	ErrConversionNotFound  = errors.New("unit conversion not found")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrConflict signals a lost race (serialization failure or exhausted
	// invoice-number retries). The caller may retry the whole operation.
	ErrConflict = errors.New("conflict, retry")
)

// InsufficientStockError reports exactly which product is short and by how
// much, so the cashier sees an actionable message. It is returned both by the
// fail-fast validation read and by the authoritative in-transaction guard.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Needed      int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("stok %s tidak mencukupi (tersedia: %d, butuh: %d)", name, e.Available, e.Needed)
}

// Repository is implemented by the Postgres store and the in-memory store.
// CreateSale carries the whole checkout commit phase: the implementation must
// persist the sale, its lines and ingredient usages, decrement inventory with
// a stock-floor guard, and append the penjualan_kasir cash-flow entry, all
// atomically. demand is the aggregated per-product quantity already validated
// by the caller; implementations re-validate it against locked rows.
type Repository interface {
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateUnitConversion(ctx context.Context, conv domain.UnitConversion) error
	GetUnitConversion(ctx context.Context, productID string, unitID string) (*domain.UnitConversion, error)

	CreateMenu(ctx context.Context, menu domain.Menu) (*domain.Menu, error)
	ListMenus(ctx context.Context) ([]domain.Menu, error)
	GetMenu(ctx context.Context, id string) (*domain.Menu, error)

	GetStock(ctx context.Context, branchID string, productID string) (int, error)
	GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error)
	AdjustStock(ctx context.Context, branchID string, productID string, quantity int, direction string) (int, error)
	SetDailyStock(ctx context.Context, branchID string, items []domain.RestockItem) error
	ListInventory(ctx context.Context, branchID string) ([]domain.InventoryRecord, error)

	CreateSale(ctx context.Context, sale domain.Sale, demand map[string]int) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	AppendCashFlow(ctx context.Context, entry domain.CashFlowEntry) (*domain.CashFlowEntry, error)
	ListCashFlows(ctx context.Context, filter domain.CashFlowFilter) ([]domain.CashFlowEntry, error)
	SumCashFlows(ctx context.Context, filter domain.CashFlowFilter) (domain.CashFlowSummary, error)
	DeleteCashFlow(ctx context.Context, id string) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
