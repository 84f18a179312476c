package domain

import "time"

type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BranchCreateRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// UnitConversion maps a purchasing/handling unit of a product to its base
// unit: 1 of this unit equals ConversionValue base units.
type UnitConversion struct {
	ProductID       string `json:"product_id"`
	UnitID          string `json:"unit_id"`
	UnitName        string `json:"unit_name"`
	ConversionValue int    `json:"conversion_value"`
}

type Product struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	SKU          string           `json:"sku,omitempty"`
	Category     string           `json:"category,omitempty"`
	Price        int64            `json:"price"`
	BaseUnitID   string           `json:"base_unit_id,omitempty"`
	BaseUnitName string           `json:"base_unit_name,omitempty"`
	Conversions  []UnitConversion `json:"conversions,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string                        `json:"name"`
	SKU          string                        `json:"sku,omitempty"`
	Category     string                        `json:"category,omitempty"`
	Price        int64                         `json:"price"`
	BaseUnitID   string                        `json:"base_unit_id,omitempty"`
	BaseUnitName string                        `json:"base_unit_name,omitempty"`
	Conversions  []UnitConversionCreateRequest `json:"conversions,omitempty"`
}

type UnitConversionCreateRequest struct {
	UnitID          string `json:"unit_id"`
	UnitName        string `json:"unit_name"`
	ConversionValue int    `json:"conversion_value"`
}

// RecipeLine is one ingredient of a menu's default composition, expressed in
// base units per single sale of the menu.
type RecipeLine struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}

type Menu struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Category string `json:"category,omitempty"`
	// IsFlexible lets the cashier pick the ingredient composition per sale,
	// as long as the quantities sum to DefaultQuantity.
	IsFlexible      bool         `json:"is_flexible"`
	DefaultQuantity int          `json:"default_quantity"`
	RecipeLines     []RecipeLine `json:"recipe_lines"`
	CreatedAt       time.Time    `json:"created_at"`
}

type MenuCreateRequest struct {
	Name            string       `json:"name"`
	Price           int64        `json:"price"`
	Category        string       `json:"category,omitempty"`
	IsFlexible      bool         `json:"is_flexible"`
	DefaultQuantity int          `json:"default_quantity"`
	RecipeLines     []RecipeLine `json:"recipe_lines"`
}

// InventoryRecord tracks on-hand stock of one product at one branch, in the
// product's base unit. There is at most one record per (branch, product);
// absent records read as zero stock.
type InventoryRecord struct {
	BranchID    string    `json:"branch_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"`
	Stock       int       `json:"stock"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type InventoryAdjustRequest struct {
	BranchID  string `json:"branch_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitID    string `json:"unit_id,omitempty"`
	Direction string `json:"direction"`
}

type RestockItem struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
}

type DailyRestockRequest struct {
	BranchID string        `json:"branch_id,omitempty"`
	Items    []RestockItem `json:"items"`
}

// IngredientLine is a cashier-supplied ingredient pick for a flexible menu,
// in base units per single sale of the menu.
type IngredientLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CartLine struct {
	MenuID          string           `json:"menu_id"`
	Quantity        int              `json:"quantity"`
	IngredientLines []IngredientLine `json:"ingredient_lines,omitempty"`
}

type CheckoutRequest struct {
	BranchID      string     `json:"branch_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	AmountPaid    int64      `json:"amount_paid"`
	Items         []CartLine `json:"items"`
}

// IngredientUsage is a frozen snapshot of one raw material actually deducted
// for a sale line. Quantity is in base units and already multiplied by the
// ordered menu quantity.
type IngredientUsage struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitID      string `json:"unit_id,omitempty"`
	UnitName    string `json:"unit_name,omitempty"`
	Quantity    int    `json:"quantity"`
}

// SaleLine snapshots the menu name and price at the time of sale so later
// menu edits never alter historical receipts.
type SaleLine struct {
	MenuID   string            `json:"menu_id"`
	MenuName string            `json:"menu_name"`
	Price    int64             `json:"price"`
	Quantity int               `json:"quantity"`
	Subtotal int64             `json:"subtotal"`
	Usages   []IngredientUsage `json:"usages"`
}

type Sale struct {
	ID            string     `json:"id"`
	InvoiceNumber string     `json:"invoice_number"`
	BranchID      string     `json:"branch_id"`
	CashierID     string     `json:"cashier_id"`
	CashierName   string     `json:"cashier_name,omitempty"`
	Total         int64      `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	AmountPaid    int64      `json:"amount_paid"`
	Change        int64      `json:"change"`
	CreatedAt     time.Time  `json:"created_at"`
	Lines         []SaleLine `json:"lines"`
}

type SaleFilter struct {
	BranchID string
	Date     string
	Limit    int
}

type CashFlowEntry struct {
	ID              string    `json:"id"`
	BranchID        string    `json:"branch_id,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	Type            string    `json:"type"`
	Category        string    `json:"category"`
	Amount          int64     `json:"amount"`
	Description     string    `json:"description,omitempty"`
	TransactionDate time.Time `json:"transaction_date"`
	CreatedAt       time.Time `json:"created_at"`
}

type CashFlowCreateRequest struct {
	BranchID        string `json:"branch_id,omitempty"`
	Type            string `json:"type"`
	Category        string `json:"category"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	TransactionDate string `json:"transaction_date"`
}

type CashFlowFilter struct {
	BranchID  string
	Type      string
	Category  string
	StartDate string
	EndDate   string
	Limit     int
}

type CashFlowSummary struct {
	TotalIncome  int64 `json:"total_income"`
	TotalExpense int64 `json:"total_expense"`
	NetFlow      int64 `json:"net_flow"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Name     string
	Role     string
	BranchID string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	BranchID string `json:"branch_id"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Name      string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin = "admin"
	RoleKasir = "kasir"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
)

const (
	CashFlowIncome  = "income"
	CashFlowExpense = "expense"

	// CategoryPOSSale marks ledger entries auto-generated by checkout.
	// They mirror a sale and cannot be deleted through the ledger.
	CategoryPOSSale = "penjualan_kasir"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)
