package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kasircabang/backend/internal/cache"
	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store"
	"kasircabang/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const summaryCacheTTL = 30 * time.Second

type Service struct {
	repo         store.Repository
	summaryCache cache.SummaryCache
}

func New(repo store.Repository, summaryCache cache.SummaryCache) *Service {
	if summaryCache == nil {
		summaryCache = cache.NoopSummaryCache{}
	}

	return &Service{
		repo:         repo,
		summaryCache: summaryCache,
	}
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) CreateBranch(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Branch{}, fmt.Errorf("admin role required")
	}

	branch.Name = strings.TrimSpace(branch.Name)
	branch.Address = strings.TrimSpace(branch.Address)
	if branch.Name == "" {
		return domain.Branch{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateBranch(ctx, branch)
	if err != nil {
		return domain.Branch{}, err
	}
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Price < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.BaseUnitID == "" {
		req.BaseUnitID = "pcs"
	}
	if req.BaseUnitName == "" {
		req.BaseUnitName = req.BaseUnitID
	}

	product := domain.Product{
		Name:         req.Name,
		SKU:          req.SKU,
		Category:     req.Category,
		Price:        req.Price,
		BaseUnitID:   req.BaseUnitID,
		BaseUnitName: req.BaseUnitName,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	for _, c := range req.Conversions {
		conv := domain.UnitConversion{
			ProductID:       created.ID,
			UnitID:          strings.TrimSpace(c.UnitID),
			UnitName:        c.UnitName,
			ConversionValue: c.ConversionValue,
		}
		if conv.UnitID == "" || conv.ConversionValue <= 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		if err := s.repo.CreateUnitConversion(ctx, conv); err != nil {
			return domain.Product{}, err
		}
		created.Conversions = append(created.Conversions, conv)
	}

	return *created, nil
}

func (s *Service) CreateUnitConversion(ctx context.Context, conv domain.UnitConversion) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	conv.UnitID = strings.TrimSpace(conv.UnitID)
	if conv.ProductID == "" || conv.UnitID == "" || conv.ConversionValue <= 0 {
		return store.ErrInvalidInput
	}
	if _, err := s.repo.GetProduct(ctx, conv.ProductID); err != nil {
		return err
	}

	return s.repo.CreateUnitConversion(ctx, conv)
}

func (s *Service) ListMenus(ctx context.Context) ([]domain.Menu, error) {
	return s.repo.ListMenus(ctx)
}

func (s *Service) CreateMenu(ctx context.Context, menu domain.Menu) (domain.Menu, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Menu{}, fmt.Errorf("admin role required")
	}

	menu.Name = strings.TrimSpace(menu.Name)
	menu.Category = strings.TrimSpace(menu.Category)
	if menu.Name == "" || menu.Price < 0 {
		return domain.Menu{}, store.ErrInvalidInput
	}
	if len(menu.RecipeLines) == 0 && !menu.IsFlexible {
		return domain.Menu{}, store.ErrInvalidInput
	}

	recipeTotal := 0
	for _, line := range menu.RecipeLines {
		if line.ProductID == "" || line.Quantity < 1 {
			return domain.Menu{}, store.ErrInvalidInput
		}
		if _, err := s.repo.GetProduct(ctx, line.ProductID); err != nil {
			return domain.Menu{}, err
		}
		recipeTotal += line.Quantity
	}

	// DefaultQuantity is the total ingredient units one sale consumes. For a
	// fixed menu it always equals the recipe sum; flexible menus may declare
	// it independently of their suggested recipe.
	if !menu.IsFlexible || menu.DefaultQuantity < 1 {
		menu.DefaultQuantity = recipeTotal
	}
	if menu.DefaultQuantity < 1 {
		return domain.Menu{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateMenu(ctx, menu)
	if err != nil {
		return domain.Menu{}, err
	}
	return *created, nil
}

// ToBaseUnits converts an operator-entered quantity into the product's base
// unit. An empty or base unit id passes the quantity through unchanged. An
// unmapped non-base unit returns ErrConversionNotFound so the caller can
// decide whether to fall back to the raw quantity.
func (s *Service) ToBaseUnits(ctx context.Context, product domain.Product, unitID string, quantity int) (int, error) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" || unitID == product.BaseUnitID {
		return quantity, nil
	}

	conv, err := s.repo.GetUnitConversion(ctx, product.ID, unitID)
	if err != nil {
		return 0, err
	}
	return quantity * conv.ConversionValue, nil
}

func (s *Service) ListInventory(ctx context.Context, branchID string) ([]domain.InventoryRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	branchID, err := s.authorizeBranch(actor, branchID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInventory(ctx, branchID)
}

// AdjustInventory is the soft manual-correction path: direction=out clamps at
// zero and never fails on underflow. Checkout decrements do not go through
// here.
func (s *Service) AdjustInventory(ctx context.Context, req domain.InventoryAdjustRequest) (domain.InventoryRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.InventoryRecord{}, fmt.Errorf("authentication required")
	}
	branchID, err := s.authorizeBranch(actor, req.BranchID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if req.Direction != domain.DirectionIn && req.Direction != domain.DirectionOut {
		return domain.InventoryRecord{}, store.ErrInvalidInput
	}
	if req.Quantity < 1 {
		return domain.InventoryRecord{}, store.ErrInvalidInput
	}

	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	quantity, err := s.ToBaseUnits(ctx, *product, req.UnitID, req.Quantity)
	if errors.Is(err, store.ErrConversionNotFound) {
		// Legacy fallback: an unmapped unit is applied as a raw base-unit
		// quantity. Logged because it usually means master data is missing.
		log.Printf("[service] WARN: no conversion for product=%s unit=%s, applying raw quantity %d", product.ID, req.UnitID, req.Quantity)
		quantity = req.Quantity
	} else if err != nil {
		return domain.InventoryRecord{}, err
	}

	stock, err := s.repo.AdjustStock(ctx, branchID, product.ID, quantity, req.Direction)
	if err != nil {
		return domain.InventoryRecord{}, err
	}

	return domain.InventoryRecord{
		BranchID:    branchID,
		ProductID:   product.ID,
		ProductName: product.Name,
		Stock:       stock,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// ImportDailyStock overwrites the branch's stock levels from the morning
// restock sheet. The whole batch commits or none of it does. It is meant to
// run before the shift opens; running it mid-shift races with checkouts.
func (s *Service) ImportDailyStock(ctx context.Context, req domain.DailyRestockRequest) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	branchID, err := s.authorizeBranch(actor, req.BranchID)
	if err != nil {
		return err
	}
	if len(req.Items) == 0 {
		return store.ErrInvalidInput
	}

	for _, item := range req.Items {
		if item.Stock < 0 {
			return store.ErrInvalidInput
		}
		if _, err := s.repo.GetProduct(ctx, item.ProductID); err != nil {
			return err
		}
	}

	return s.repo.SetDailyStock(ctx, branchID, req.Items)
}

// resolveRecipe produces the effective per-unit ingredient lines for one cart
// line. Fixed menus always use their stored recipe; cashier-supplied lines
// are ignored for them. Flexible menus require supplied lines whose
// quantities sum to the menu's DefaultQuantity.
func resolveRecipe(menu *domain.Menu, supplied []domain.IngredientLine) ([]domain.RecipeLine, error) {
	if !menu.IsFlexible {
		return menu.RecipeLines, nil
	}

	lines := make([]domain.RecipeLine, 0, len(supplied))
	total := 0
	for _, line := range supplied {
		if line.Quantity == 0 {
			continue
		}
		if line.ProductID == "" || line.Quantity < 0 {
			return nil, store.ErrInvalidComposition
		}
		lines = append(lines, domain.RecipeLine{ProductID: line.ProductID, Quantity: line.Quantity})
		total += line.Quantity
	}
	if len(lines) == 0 || total != menu.DefaultQuantity {
		return nil, store.ErrInvalidComposition
	}
	return lines, nil
}

// Checkout runs the five-phase sale flow. Phases here are pure reads and
// computation; all writes happen inside the repository's CreateSale
// transaction, which re-validates stock under row locks.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("authentication required")
	}
	branchID, err := s.authorizeBranch(actor, req.BranchID)
	if err != nil {
		return domain.Sale{}, err
	}

	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentTransfer {
		return domain.Sale{}, store.ErrInvalidInput
	}
	if req.AmountPaid < 0 || len(req.Items) == 0 {
		return domain.Sale{}, store.ErrInvalidInput
	}

	type resolvedLine struct {
		menu     *domain.Menu
		quantity int
		recipe   []domain.RecipeLine
	}

	// Phase 1: pricing and recipe resolution per cart line.
	total := int64(0)
	resolved := make([]resolvedLine, 0, len(req.Items))
	for _, item := range req.Items {
		if item.MenuID == "" || item.Quantity < 1 {
			return domain.Sale{}, store.ErrInvalidInput
		}
		menu, err := s.repo.GetMenu(ctx, item.MenuID)
		if err != nil {
			return domain.Sale{}, err
		}
		recipe, err := resolveRecipe(menu, item.IngredientLines)
		if err != nil {
			return domain.Sale{}, err
		}
		total += menu.Price * int64(item.Quantity)
		resolved = append(resolved, resolvedLine{menu: menu, quantity: item.Quantity, recipe: recipe})
	}

	// Phase 2: aggregate demand across every line before any stock check so
	// two lines sharing a product cannot each pass individually while
	// jointly overselling.
	demand := make(map[string]int)
	for _, line := range resolved {
		for _, ingredient := range line.recipe {
			demand[ingredient.ProductID] += ingredient.Quantity * line.quantity
		}
	}

	productIDs := make([]string, 0, len(demand))
	for productID := range demand {
		productIDs = append(productIDs, productID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return domain.Sale{}, err
	}
	for _, productID := range productIDs {
		if _, exists := products[productID]; !exists {
			return domain.Sale{}, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
		}
	}

	// Phase 3: fail-fast stock read. The authoritative floor check is the
	// conditional decrement inside CreateSale; this pass only produces a
	// friendly error before opening a write transaction.
	stocks, err := s.repo.GetStockMap(ctx, branchID, productIDs)
	if err != nil {
		return domain.Sale{}, err
	}
	for _, productID := range productIDs {
		if stocks[productID] < demand[productID] {
			return domain.Sale{}, &store.InsufficientStockError{
				ProductID:   productID,
				ProductName: products[productID].Name,
				Available:   stocks[productID],
				Needed:      demand[productID],
			}
		}
	}

	if req.AmountPaid < total {
		return domain.Sale{}, store.ErrInsufficientPayment
	}

	// Materialize the sale with frozen snapshots. Usage quantities are per
	// line and already scaled by the ordered menu quantity.
	saleLines := make([]domain.SaleLine, 0, len(resolved))
	for _, line := range resolved {
		usages := make([]domain.IngredientUsage, 0, len(line.recipe))
		for _, ingredient := range line.recipe {
			product := products[ingredient.ProductID]
			usages = append(usages, domain.IngredientUsage{
				ProductID:   product.ID,
				ProductName: product.Name,
				UnitID:      product.BaseUnitID,
				UnitName:    product.BaseUnitName,
				Quantity:    ingredient.Quantity * line.quantity,
			})
		}
		saleLines = append(saleLines, domain.SaleLine{
			MenuID:   line.menu.ID,
			MenuName: line.menu.Name,
			Price:    line.menu.Price,
			Quantity: line.quantity,
			Subtotal: line.menu.Price * int64(line.quantity),
			Usages:   usages,
		})
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		BranchID:      branchID,
		CashierID:     actor.Username,
		CashierName:   actor.Name,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		AmountPaid:    req.AmountPaid,
		Change:        req.AmountPaid - total,
		CreatedAt:     time.Now().UTC(),
		Lines:         saleLines,
	}

	created, err := s.repo.CreateSale(ctx, sale, demand)
	if err != nil {
		return domain.Sale{}, err
	}
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, fmt.Errorf("authentication required")
	}

	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	if actor.Role != domain.RoleAdmin && sale.BranchID != actor.BranchID {
		return domain.Sale{}, store.ErrNotFound
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if actor.Role != domain.RoleAdmin {
		filter.BranchID = actor.BranchID
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) CreateCashFlow(ctx context.Context, req domain.CashFlowCreateRequest) (domain.CashFlowEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashFlowEntry{}, fmt.Errorf("authentication required")
	}
	branchID := req.BranchID
	if actor.Role != domain.RoleAdmin {
		branchID = actor.BranchID
	}

	req.Category = strings.TrimSpace(req.Category)
	if req.Type != domain.CashFlowIncome && req.Type != domain.CashFlowExpense {
		return domain.CashFlowEntry{}, store.ErrInvalidInput
	}
	if req.Category == "" || req.Amount < 1 {
		return domain.CashFlowEntry{}, store.ErrInvalidInput
	}
	// Reserved for entries generated by checkout.
	if req.Category == domain.CategoryPOSSale {
		return domain.CashFlowEntry{}, store.ErrInvalidInput
	}

	transactionDate := time.Now().UTC()
	if req.TransactionDate != "" {
		parsed, err := time.Parse("2006-01-02", req.TransactionDate)
		if err != nil {
			return domain.CashFlowEntry{}, store.ErrInvalidInput
		}
		transactionDate = parsed
	}

	entry := domain.CashFlowEntry{
		BranchID:        branchID,
		UserID:          actor.Username,
		Type:            req.Type,
		Category:        req.Category,
		Amount:          req.Amount,
		Description:     strings.TrimSpace(req.Description),
		TransactionDate: transactionDate,
	}

	created, err := s.repo.AppendCashFlow(ctx, entry)
	if err != nil {
		return domain.CashFlowEntry{}, err
	}
	return *created, nil
}

func (s *Service) ListCashFlows(ctx context.Context, filter domain.CashFlowFilter) ([]domain.CashFlowEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if actor.Role != domain.RoleAdmin {
		filter.BranchID = actor.BranchID
	}
	return s.repo.ListCashFlows(ctx, filter)
}

func (s *Service) CashFlowSummary(ctx context.Context, filter domain.CashFlowFilter) (domain.CashFlowSummary, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CashFlowSummary{}, fmt.Errorf("authentication required")
	}
	if actor.Role != domain.RoleAdmin {
		filter.BranchID = actor.BranchID
	}

	key := summaryCacheKey(filter)
	if cached, hit, err := s.summaryCache.Get(ctx, key); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: summary cache read failed: %v", err)
	}

	summary, err := s.repo.SumCashFlows(ctx, filter)
	if err != nil {
		return domain.CashFlowSummary{}, err
	}

	if err := s.summaryCache.Set(ctx, key, &summary, summaryCacheTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed: %v", err)
	}
	return summary, nil
}

func (s *Service) DeleteCashFlow(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	if id == "" {
		return store.ErrInvalidInput
	}
	return s.repo.DeleteCashFlow(ctx, id)
}

// authorizeBranch resolves the effective branch for the caller. Cashiers are
// pinned to the branch in their token; admins may act on any branch but must
// name one.
func (s *Service) authorizeBranch(actor domain.Actor, requested string) (string, error) {
	if actor.Role == domain.RoleAdmin {
		if requested == "" {
			return "", store.ErrInvalidInput
		}
		return requested, nil
	}
	if actor.BranchID == "" {
		return "", fmt.Errorf("cashier account has no branch assignment")
	}
	if requested != "" && requested != actor.BranchID {
		return "", fmt.Errorf("branch not permitted for this account")
	}
	return actor.BranchID, nil
}

func summaryCacheKey(filter domain.CashFlowFilter) string {
	return fmt.Sprintf("cashflow-summary:%s:%s:%s:%s:%s",
		filter.BranchID, filter.Type, filter.Category, filter.StartDate, filter.EndDate)
}
