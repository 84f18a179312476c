package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store"
	"kasircabang/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	branchesByID    map[string]domain.Branch
	productsByID    map[string]domain.Product
	conversions     map[string]map[string]domain.UnitConversion
	menusByID       map[string]domain.Menu
	inventory       map[string]map[string]domain.InventoryRecord
	salesByID       map[string]*domain.Sale
	saleOrder       []string
	cashFlowsByID   map[string]domain.CashFlowEntry
	cashFlowOrder   []string
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		branchesByID:    make(map[string]domain.Branch),
		productsByID:    make(map[string]domain.Product),
		conversions:     make(map[string]map[string]domain.UnitConversion),
		menusByID:       make(map[string]domain.Menu),
		inventory:       make(map[string]map[string]domain.InventoryRecord),
		salesByID:       make(map[string]*domain.Sale),
		cashFlowsByID:   make(map[string]domain.CashFlowEntry),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded builds a store pre-populated with a small two-branch demo dataset
// for dev mode and tests.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	s.branchesByID["branch-pusat"] = domain.Branch{ID: "branch-pusat", Name: "Cabang Pusat", Address: "Jl. Merdeka 1", CreatedAt: now}
	s.branchesByID["branch-timur"] = domain.Branch{ID: "branch-timur", Name: "Cabang Timur", Address: "Jl. Pahlawan 12", CreatedAt: now}

	products := []domain.Product{
		{ID: "prod-ayam", Name: "Ayam Goreng", SKU: "AYM-01", Category: "protein", Price: 8000, BaseUnitID: "unit-pcs", BaseUnitName: "pcs", CreatedAt: now},
		{ID: "prod-tahu", Name: "Tahu", SKU: "THU-01", Category: "protein", Price: 1500, BaseUnitID: "unit-pcs", BaseUnitName: "pcs", CreatedAt: now},
		{ID: "prod-tempe", Name: "Tempe", SKU: "TMP-01", Category: "protein", Price: 1500, BaseUnitID: "unit-pcs", BaseUnitName: "pcs", CreatedAt: now},
		{ID: "prod-nasi", Name: "Nasi Putih", SKU: "NSI-01", Category: "pokok", Price: 3000, BaseUnitID: "unit-porsi", BaseUnitName: "porsi", CreatedAt: now},
	}
	for _, p := range products {
		s.productsByID[p.ID] = p
	}
	s.conversions["prod-tahu"] = map[string]domain.UnitConversion{
		"unit-papan": {ProductID: "prod-tahu", UnitID: "unit-papan", UnitName: "papan", ConversionValue: 10},
	}

	s.menusByID["menu-paket-ayam"] = domain.Menu{
		ID: "menu-paket-ayam", Name: "Paket Nasi Ayam", Price: 15000,
		Category: "paket", IsFlexible: false, DefaultQuantity: 2,
		RecipeLines: []domain.RecipeLine{
			{ProductID: "prod-nasi", ProductName: "Nasi Putih", Quantity: 1},
			{ProductID: "prod-ayam", ProductName: "Ayam Goreng", Quantity: 1},
		},
		CreatedAt: now,
	}
	s.menusByID["menu-gorengan-mix"] = domain.Menu{
		ID: "menu-gorengan-mix", Name: "Gorengan Mix 3", Price: 5000,
		Category: "gorengan", IsFlexible: true, DefaultQuantity: 3,
		RecipeLines: []domain.RecipeLine{
			{ProductID: "prod-tahu", ProductName: "Tahu", Quantity: 2},
			{ProductID: "prod-tempe", ProductName: "Tempe", Quantity: 1},
		},
		CreatedAt: now,
	}

	for _, branchID := range []string{"branch-pusat", "branch-timur"} {
		s.inventory[branchID] = map[string]domain.InventoryRecord{}
		for productID, stock := range map[string]int{
			"prod-ayam": 40, "prod-tahu": 60, "prod-tempe": 60, "prod-nasi": 80,
		} {
			s.inventory[branchID][productID] = domain.InventoryRecord{
				BranchID: branchID, ProductID: productID, Stock: stock, UpdatedAt: now,
			}
		}
	}

	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_KASIR_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. These are never
// used in production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	kasirPwd := envOr("SEED_KASIR_PASSWORD", "kasir123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_KASIR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_KASIR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		name     string
		role     string
		branchID string
	}{
		{"admin", adminPwd, "Admin Pusat", domain.RoleAdmin, ""},
		{"kasir", kasirPwd, "Kasir Satu", domain.RoleKasir, "branch-pusat"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Name:      u.name,
			Role:      u.role,
			BranchID:  u.branchID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	if strings.TrimSpace(branch.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchesByID[branch.ID] = branch
	created := branch
	return &created, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := make([]domain.Branch, 0, len(s.branchesByID))
	for _, b := range s.branchesByID {
		branches = append(branches, b)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branchesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := branch
	return &found, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.Price < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.productsByID[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		p.Conversions = s.conversionsOf(p.ID)
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

// conversionsOf must be called with the lock held.
func (s *Store) conversionsOf(productID string) []domain.UnitConversion {
	byUnit, ok := s.conversions[productID]
	if !ok || len(byUnit) == 0 {
		return nil
	}
	convs := make([]domain.UnitConversion, 0, len(byUnit))
	for _, c := range byUnit {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UnitID < convs[j].UnitID })
	return convs
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.Conversions = s.conversionsOf(id)
	found := product
	return &found, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.productsByID[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) CreateUnitConversion(_ context.Context, conv domain.UnitConversion) error {
	if conv.ProductID == "" || conv.UnitID == "" || conv.ConversionValue <= 0 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.productsByID[conv.ProductID]; !ok {
		return store.ErrNotFound
	}
	if s.conversions[conv.ProductID] == nil {
		s.conversions[conv.ProductID] = map[string]domain.UnitConversion{}
	}
	s.conversions[conv.ProductID][conv.UnitID] = conv
	return nil
}

func (s *Store) GetUnitConversion(_ context.Context, productID string, unitID string) (*domain.UnitConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversions[productID][unitID]
	if !ok {
		return nil, store.ErrConversionNotFound
	}
	found := conv
	return &found, nil
}

func (s *Store) CreateMenu(_ context.Context, menu domain.Menu) (*domain.Menu, error) {
	if strings.TrimSpace(menu.Name) == "" || menu.Price < 0 || menu.DefaultQuantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if menu.ID == "" {
		menu.ID = xid.New("menu")
	}
	if menu.CreatedAt.IsZero() {
		menu.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, line := range menu.RecipeLines {
		product, ok := s.productsByID[line.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if line.ProductName == "" {
			menu.RecipeLines[i].ProductName = product.Name
		}
	}
	s.menusByID[menu.ID] = menu
	created := menu
	return &created, nil
}

func (s *Store) ListMenus(_ context.Context) ([]domain.Menu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	menus := make([]domain.Menu, 0, len(s.menusByID))
	for _, m := range s.menusByID {
		menus = append(menus, m)
	}
	sort.Slice(menus, func(i, j int) bool { return menus[i].Name < menus[j].Name })
	return menus, nil
}

func (s *Store) GetMenu(_ context.Context, id string) (*domain.Menu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	menu, ok := s.menusByID[id]
	if !ok {
		return nil, store.ErrMenuNotFound
	}
	found := menu
	return &found, nil
}

func (s *Store) GetStock(_ context.Context, branchID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inventory[branchID][productID].Stock, nil
}

func (s *Store) GetStockMap(_ context.Context, branchID string, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]int, len(productIDs))
	for _, productID := range productIDs {
		result[productID] = s.inventory[branchID][productID].Stock
	}
	return result, nil
}

func (s *Store) AdjustStock(_ context.Context, branchID string, productID string, quantity int, direction string) (int, error) {
	if quantity < 0 {
		quantity = -quantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.productsByID[productID]; !ok {
		return 0, store.ErrNotFound
	}
	if s.inventory[branchID] == nil {
		s.inventory[branchID] = map[string]domain.InventoryRecord{}
	}

	record := s.inventory[branchID][productID]
	record.BranchID = branchID
	record.ProductID = productID
	switch direction {
	case domain.DirectionIn:
		record.Stock += quantity
	case domain.DirectionOut:
		// Manual corrections clamp at zero instead of failing; the strict
		// floor-checked path is reserved for checkout.
		if quantity > record.Stock {
			quantity = record.Stock
		}
		record.Stock -= quantity
	default:
		return 0, store.ErrInvalidInput
	}
	record.UpdatedAt = time.Now().UTC()
	s.inventory[branchID][productID] = record
	return record.Stock, nil
}

func (s *Store) SetDailyStock(_ context.Context, branchID string, items []domain.RestockItem) error {
	if len(items) == 0 {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching any record.
	for _, item := range items {
		if item.Stock < 0 {
			return store.ErrInvalidInput
		}
		if _, ok := s.productsByID[item.ProductID]; !ok {
			return store.ErrNotFound
		}
	}

	if s.inventory[branchID] == nil {
		s.inventory[branchID] = map[string]domain.InventoryRecord{}
	}
	now := time.Now().UTC()
	for _, item := range items {
		record := s.inventory[branchID][item.ProductID]
		record.BranchID = branchID
		record.ProductID = item.ProductID
		record.Stock = item.Stock
		record.UpdatedAt = now
		s.inventory[branchID][item.ProductID] = record
	}
	return nil
}

func (s *Store) ListInventory(_ context.Context, branchID string) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.InventoryRecord, 0, len(s.inventory[branchID]))
	for _, record := range s.inventory[branchID] {
		if product, ok := s.productsByID[record.ProductID]; ok {
			record.ProductName = product.Name
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ProductName < records[j].ProductName })
	return records, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, demand map[string]int) (*domain.Sale, error) {
	if len(sale.Lines) == 0 || len(demand) == 0 {
		return nil, store.ErrInvalidInput
	}
	if sale.AmountPaid < sale.Total {
		return nil, store.ErrInsufficientPayment
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Authoritative stock guard against the aggregated demand; under one
	// mutex this is equivalent to the row locks the Postgres store takes.
	for productID, needed := range demand {
		available := s.inventory[sale.BranchID][productID].Stock
		if available < needed {
			name := productID
			if product, ok := s.productsByID[productID]; ok {
				name = product.Name
			}
			return nil, &store.InsufficientStockError{
				ProductID:   productID,
				ProductName: name,
				Available:   available,
				Needed:      needed,
			}
		}
	}

	now := time.Now().UTC()
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.InvoiceNumber = s.nextInvoiceNumber(sale.CreatedAt)

	// Per-line decrement; the per-product sum equals the validated demand.
	if s.inventory[sale.BranchID] == nil {
		s.inventory[sale.BranchID] = map[string]domain.InventoryRecord{}
	}
	for _, line := range sale.Lines {
		for _, usage := range line.Usages {
			record := s.inventory[sale.BranchID][usage.ProductID]
			record.BranchID = sale.BranchID
			record.ProductID = usage.ProductID
			record.Stock -= usage.Quantity
			record.UpdatedAt = now
			s.inventory[sale.BranchID][usage.ProductID] = record
		}
	}

	entry := domain.CashFlowEntry{
		ID:              xid.New("cf"),
		BranchID:        sale.BranchID,
		UserID:          sale.CashierID,
		Type:            domain.CashFlowIncome,
		Category:        domain.CategoryPOSSale,
		Amount:          sale.Total,
		Description:     fmt.Sprintf("Otomatis dari Kasir (Invoice: %s)", sale.InvoiceNumber),
		TransactionDate: dateOnly(sale.CreatedAt),
		CreatedAt:       now,
	}
	s.cashFlowsByID[entry.ID] = entry
	s.cashFlowOrder = append(s.cashFlowOrder, entry.ID)

	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored
	s.saleOrder = append(s.saleOrder, sale.ID)

	created := cloneSale(sale)
	return &created, nil
}

// nextInvoiceNumber must be called with the lock held. The sequence counts
// all sales of the day across branches, matching the legacy numbering.
func (s *Store) nextInvoiceNumber(at time.Time) string {
	day := dateOnly(at)
	count := 0
	for _, id := range s.saleOrder {
		if dateOnly(s.salesByID[id].CreatedAt).Equal(day) {
			count++
		}
	}
	return fmt.Sprintf("INV-%s-%04d", at.Format("20060102"), count+1)
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneSale(*sale)
	return &found, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.saleOrder))
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		if filter.BranchID != "" && sale.BranchID != filter.BranchID {
			continue
		}
		if filter.Date != "" && sale.CreatedAt.UTC().Format("2006-01-02") != filter.Date {
			continue
		}
		sales = append(sales, cloneSale(*sale))
		if filter.Limit > 0 && len(sales) >= filter.Limit {
			break
		}
	}
	return sales, nil
}

func (s *Store) AppendCashFlow(_ context.Context, entry domain.CashFlowEntry) (*domain.CashFlowEntry, error) {
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
		entry.TransactionDate = dateOnly(entry.CreatedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashFlowsByID[entry.ID] = entry
	s.cashFlowOrder = append(s.cashFlowOrder, entry.ID)
	created := entry
	return &created, nil
}

func (s *Store) ListCashFlows(_ context.Context, filter domain.CashFlowFilter) ([]domain.CashFlowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CashFlowEntry, 0, len(s.cashFlowOrder))
	for i := len(s.cashFlowOrder) - 1; i >= 0; i-- {
		entry := s.cashFlowsByID[s.cashFlowOrder[i]]
		if !cashFlowMatches(entry, filter) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) SumCashFlows(_ context.Context, filter domain.CashFlowFilter) (domain.CashFlowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summary domain.CashFlowSummary
	for _, entry := range s.cashFlowsByID {
		if !cashFlowMatches(entry, filter) {
			continue
		}
		switch entry.Type {
		case domain.CashFlowIncome:
			summary.TotalIncome += entry.Amount
		case domain.CashFlowExpense:
			summary.TotalExpense += entry.Amount
		}
	}
	summary.NetFlow = summary.TotalIncome - summary.TotalExpense
	return summary, nil
}

func cashFlowMatches(entry domain.CashFlowEntry, filter domain.CashFlowFilter) bool {
	if filter.BranchID != "" && entry.BranchID != filter.BranchID {
		return false
	}
	if filter.Type != "" && entry.Type != filter.Type {
		return false
	}
	if filter.Category != "" && entry.Category != filter.Category {
		return false
	}
	day := entry.TransactionDate.UTC().Format("2006-01-02")
	if filter.StartDate != "" && day < filter.StartDate {
		return false
	}
	if filter.EndDate != "" && day > filter.EndDate {
		return false
	}
	return true
}

func (s *Store) DeleteCashFlow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cashFlowsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if entry.Category == domain.CategoryPOSSale {
		return store.ErrProtectedEntry
	}

	delete(s.cashFlowsByID, id)
	for i, orderedID := range s.cashFlowOrder {
		if orderedID == id {
			s.cashFlowOrder = append(s.cashFlowOrder[:i], s.cashFlowOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		usages := make([]domain.IngredientUsage, len(line.Usages))
		copy(usages, line.Usages)
		line.Usages = usages
		lines[i] = line
	}
	sale.Lines = lines
	return sale
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
