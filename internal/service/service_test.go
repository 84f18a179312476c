package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"kasircabang/backend/internal/cache"
	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store"
	"kasircabang/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopSummaryCache{}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin",
		Name:     "Administrator",
		Role:     domain.RoleAdmin,
	})
}

func kasirCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "kasir",
		Name:     "Kasir Satu",
		Role:     domain.RoleKasir,
		BranchID: "branch-pusat",
	})
}

func TestCheckoutFixedMenuDecrementsRecipe(t *testing.T) {
	svc, repo := newTestService()
	ctx := kasirCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    50000,
		Items: []domain.CartLine{
			{MenuID: "menu-paket-ayam", Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if sale.Total != 45000 {
		t.Fatalf("expected total 45000, got %d", sale.Total)
	}
	if sale.Change != 5000 {
		t.Fatalf("expected change 5000, got %d", sale.Change)
	}
	if !strings.HasPrefix(sale.InvoiceNumber, "INV-") || !strings.HasSuffix(sale.InvoiceNumber, "-0001") {
		t.Fatalf("unexpected invoice number %s", sale.InvoiceNumber)
	}
	if len(sale.Lines) != 1 || len(sale.Lines[0].Usages) != 2 {
		t.Fatalf("expected one line with two ingredient usages, got %+v", sale.Lines)
	}

	nasi, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-nasi")
	ayam, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-ayam")
	if nasi != 77 || ayam != 37 {
		t.Fatalf("expected stock nasi=77 ayam=37, got nasi=%d ayam=%d", nasi, ayam)
	}

	flows, err := repo.ListCashFlows(context.Background(), domain.CashFlowFilter{
		BranchID: "branch-pusat",
		Category: domain.CategoryPOSSale,
	})
	if err != nil {
		t.Fatalf("list cash flows: %v", err)
	}
	if len(flows) != 1 || flows[0].Amount != 45000 || flows[0].Type != domain.CashFlowIncome {
		t.Fatalf("expected one income ledger entry of 45000, got %+v", flows)
	}
	if !strings.Contains(flows[0].Description, sale.InvoiceNumber) {
		t.Fatalf("ledger entry should reference invoice %s, got %q", sale.InvoiceNumber, flows[0].Description)
	}
}

func TestCheckoutFixedMenuIgnoresSuppliedIngredients(t *testing.T) {
	svc, repo := newTestService()

	sale, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    15000,
		Items: []domain.CartLine{
			{
				MenuID:   "menu-paket-ayam",
				Quantity: 1,
				// Supplied lines must not override a fixed recipe.
				IngredientLines: []domain.IngredientLine{
					{ProductID: "prod-tahu", Quantity: 2},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	for _, usage := range sale.Lines[0].Usages {
		if usage.ProductID == "prod-tahu" {
			t.Fatalf("fixed menu deducted a cashier-supplied product: %+v", sale.Lines[0].Usages)
		}
	}

	tahu, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-tahu")
	if tahu != 60 {
		t.Fatalf("tahu stock should be untouched, got %d", tahu)
	}
}

func TestCheckoutFlexibleCompositionMustMatchDefaultQuantity(t *testing.T) {
	svc, _ := newTestService()

	for _, total := range []int{2, 4} {
		lines := []domain.IngredientLine{{ProductID: "prod-tahu", Quantity: total}}
		_, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
			PaymentMethod: domain.PaymentCash,
			AmountPaid:    10000,
			Items: []domain.CartLine{
				{MenuID: "menu-gorengan-mix", Quantity: 1, IngredientLines: lines},
			},
		})
		if !errors.Is(err, store.ErrInvalidComposition) {
			t.Fatalf("sum=%d: expected invalid composition, got %v", total, err)
		}
	}

	// Exactly DefaultQuantity is accepted regardless of split; zero-quantity
	// lines are dropped silently.
	sale, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    5000,
		Items: []domain.CartLine{
			{
				MenuID:   "menu-gorengan-mix",
				Quantity: 1,
				IngredientLines: []domain.IngredientLine{
					{ProductID: "prod-tahu", Quantity: 1},
					{ProductID: "prod-tempe", Quantity: 2},
					{ProductID: "prod-ayam", Quantity: 0},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if len(sale.Lines[0].Usages) != 2 {
		t.Fatalf("zero-quantity line should be dropped, got %+v", sale.Lines[0].Usages)
	}
}

func TestCheckoutAggregatesDemandAcrossLines(t *testing.T) {
	svc, repo := newTestService()

	err := repo.SetDailyStock(context.Background(), "branch-pusat", []domain.RestockItem{
		{ProductID: "prod-tahu", Stock: 5},
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	// Each line needs 3 tahu and would fit alone against stock 5; together
	// they need 6 and must be rejected before any write.
	lines := []domain.IngredientLine{{ProductID: "prod-tahu", Quantity: 3}}
	_, err = svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    10000,
		Items: []domain.CartLine{
			{MenuID: "menu-gorengan-mix", Quantity: 1, IngredientLines: lines},
			{MenuID: "menu-gorengan-mix", Quantity: 1, IngredientLines: lines},
		},
	})
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.ProductID != "prod-tahu" || stockErr.Available != 5 || stockErr.Needed != 6 {
		t.Fatalf("unexpected error detail: %+v", stockErr)
	}

	tahu, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-tahu")
	if tahu != 5 {
		t.Fatalf("failed checkout must not move stock, got %d", tahu)
	}
	sales, _ := repo.ListSales(context.Background(), domain.SaleFilter{BranchID: "branch-pusat"})
	if len(sales) != 0 {
		t.Fatalf("failed checkout must not persist a sale, got %d", len(sales))
	}
}

func TestCheckoutInsufficientPayment(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    14000,
		Items: []domain.CartLine{
			{MenuID: "menu-paket-ayam", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment, got %v", err)
	}

	nasi, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-nasi")
	if nasi != 80 {
		t.Fatalf("failed checkout must not move stock, got %d", nasi)
	}
}

func TestCheckoutUnknownMenu(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    10000,
		Items: []domain.CartLine{
			{MenuID: "menu-tidak-ada", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrMenuNotFound) {
		t.Fatalf("expected menu not found, got %v", err)
	}
}

func TestCheckoutInvoiceSequenceIncrements(t *testing.T) {
	svc, _ := newTestService()

	for i, want := range []string{"-0001", "-0002", "-0003"} {
		sale, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
			PaymentMethod: domain.PaymentCash,
			AmountPaid:    15000,
			Items: []domain.CartLine{
				{MenuID: "menu-paket-ayam", Quantity: 1},
			},
		})
		if err != nil {
			t.Fatalf("checkout %d failed: %v", i+1, err)
		}
		if !strings.HasSuffix(sale.InvoiceNumber, want) {
			t.Fatalf("checkout %d: expected invoice suffix %s, got %s", i+1, want, sale.InvoiceNumber)
		}
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc, repo := newTestService()

	err := repo.SetDailyStock(context.Background(), "branch-pusat", []domain.RestockItem{
		{ProductID: "prod-nasi", Stock: 5},
		{ProductID: "prod-ayam", Stock: 5},
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Checkout(kasirCtx(), domain.CheckoutRequest{
				PaymentMethod: domain.PaymentCash,
				AmountPaid:    15000,
				Items: []domain.CartLine{
					{MenuID: "menu-paket-ayam", Quantity: 1},
				},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *store.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Fatalf("expected exactly 5 checkouts to succeed, got %d", succeeded)
	}

	nasi, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-nasi")
	ayam, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-ayam")
	if nasi != 0 || ayam != 0 {
		t.Fatalf("expected zero stock after concurrent checkouts, got nasi=%d ayam=%d", nasi, ayam)
	}

	sales, _ := repo.ListSales(context.Background(), domain.SaleFilter{BranchID: "branch-pusat"})
	if len(sales) != 5 {
		t.Fatalf("expected 5 persisted sales, got %d", len(sales))
	}
	seen := map[string]bool{}
	for _, sale := range sales {
		if seen[sale.InvoiceNumber] {
			t.Fatalf("duplicate invoice number %s", sale.InvoiceNumber)
		}
		seen[sale.InvoiceNumber] = true
	}
}

func TestKasirPinnedToOwnBranch(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		BranchID:      "branch-timur",
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    15000,
		Items: []domain.CartLine{
			{MenuID: "menu-paket-ayam", Quantity: 1},
		},
	})
	if err == nil {
		t.Fatalf("expected checkout against another branch to be rejected")
	}

	// Admin must name a branch explicitly.
	_, err = svc.Checkout(adminCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    15000,
		Items: []domain.CartLine{
			{MenuID: "menu-paket-ayam", Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for admin without branch, got %v", err)
	}
}

func TestAdjustInventoryClampsAtZero(t *testing.T) {
	svc, repo := newTestService()

	record, err := svc.AdjustInventory(kasirCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-ayam",
		Quantity:  999,
		Direction: domain.DirectionOut,
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if record.Stock != 0 {
		t.Fatalf("expected clamped stock 0, got %d", record.Stock)
	}

	ayam, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-ayam")
	if ayam != 0 {
		t.Fatalf("expected stock 0, got %d", ayam)
	}
}

func TestAdjustInventoryAppliesUnitConversion(t *testing.T) {
	svc, _ := newTestService()

	// 2 papan of tahu = 20 pcs on top of the seeded 60.
	record, err := svc.AdjustInventory(kasirCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-tahu",
		Quantity:  2,
		UnitID:    "unit-papan",
		Direction: domain.DirectionIn,
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if record.Stock != 80 {
		t.Fatalf("expected stock 80 after converted adjustment, got %d", record.Stock)
	}
}

func TestAdjustInventoryUnmappedUnitFallsBackToRawQuantity(t *testing.T) {
	svc, _ := newTestService()

	record, err := svc.AdjustInventory(kasirCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-tahu",
		Quantity:  4,
		UnitID:    "unit-karung",
		Direction: domain.DirectionIn,
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if record.Stock != 64 {
		t.Fatalf("expected raw-quantity fallback to yield 64, got %d", record.Stock)
	}
}

func TestImportDailyStockOverwritesWholeBatchOrNothing(t *testing.T) {
	svc, repo := newTestService()
	ctx := kasirCtx()

	err := svc.ImportDailyStock(ctx, domain.DailyRestockRequest{
		Items: []domain.RestockItem{
			{ProductID: "prod-ayam", Stock: 100},
			{ProductID: "prod-nasi", Stock: 120},
		},
	})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	ayam, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-ayam")
	nasi, _ := repo.GetStock(context.Background(), "branch-pusat", "prod-nasi")
	if ayam != 100 || nasi != 120 {
		t.Fatalf("expected absolute overwrite to 100/120, got %d/%d", ayam, nasi)
	}

	err = svc.ImportDailyStock(ctx, domain.DailyRestockRequest{
		Items: []domain.RestockItem{
			{ProductID: "prod-ayam", Stock: 7},
			{ProductID: "prod-nasi", Stock: -1},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative stock, got %v", err)
	}
	ayam, _ = repo.GetStock(context.Background(), "branch-pusat", "prod-ayam")
	if ayam != 100 {
		t.Fatalf("rejected batch must not apply partially, got %d", ayam)
	}
}

func TestManualCashFlowRejectsReservedCategory(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateCashFlow(kasirCtx(), domain.CashFlowCreateRequest{
		Type:     domain.CashFlowIncome,
		Category: domain.CategoryPOSSale,
		Amount:   10000,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected reserved category to be rejected, got %v", err)
	}
}

func TestDeleteCashFlowProtectsLedgerEntries(t *testing.T) {
	svc, repo := newTestService()

	if _, err := svc.Checkout(kasirCtx(), domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    15000,
		Items: []domain.CartLine{
			{MenuID: "menu-paket-ayam", Quantity: 1},
		},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	flows, err := repo.ListCashFlows(context.Background(), domain.CashFlowFilter{Category: domain.CategoryPOSSale})
	if err != nil || len(flows) != 1 {
		t.Fatalf("expected one pos ledger entry, got %d (%v)", len(flows), err)
	}
	if err := svc.DeleteCashFlow(adminCtx(), flows[0].ID); !errors.Is(err, store.ErrProtectedEntry) {
		t.Fatalf("expected protected entry, got %v", err)
	}

	manual, err := svc.CreateCashFlow(adminCtx(), domain.CashFlowCreateRequest{
		BranchID: "branch-pusat",
		Type:     domain.CashFlowExpense,
		Category: "belanja_bahan",
		Amount:   25000,
	})
	if err != nil {
		t.Fatalf("create cash flow failed: %v", err)
	}
	if err := svc.DeleteCashFlow(adminCtx(), manual.ID); err != nil {
		t.Fatalf("deleting a manual entry should succeed, got %v", err)
	}
	if err := svc.DeleteCashFlow(kasirCtx(), manual.ID); err == nil {
		t.Fatalf("kasir must not be allowed to delete ledger entries")
	}
}

func TestCashFlowSummary(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	if _, err := svc.CreateCashFlow(ctx, domain.CashFlowCreateRequest{
		BranchID: "branch-pusat",
		Type:     domain.CashFlowIncome,
		Category: "lain_lain",
		Amount:   30000,
	}); err != nil {
		t.Fatalf("create income failed: %v", err)
	}
	if _, err := svc.CreateCashFlow(ctx, domain.CashFlowCreateRequest{
		BranchID: "branch-pusat",
		Type:     domain.CashFlowExpense,
		Category: "belanja_bahan",
		Amount:   12000,
	}); err != nil {
		t.Fatalf("create expense failed: %v", err)
	}

	summary, err := svc.CashFlowSummary(ctx, domain.CashFlowFilter{BranchID: "branch-pusat"})
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalIncome != 30000 || summary.TotalExpense != 12000 || summary.NetFlow != 18000 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestCreateMenuRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateMenu(kasirCtx(), domain.Menu{
		Name:  "Paket Baru",
		Price: 10000,
		RecipeLines: []domain.RecipeLine{
			{ProductID: "prod-nasi", Quantity: 1},
		},
	})
	if err == nil {
		t.Fatalf("expected kasir menu creation to be rejected")
	}

	menu, err := svc.CreateMenu(adminCtx(), domain.Menu{
		Name:  "Paket Baru",
		Price: 10000,
		RecipeLines: []domain.RecipeLine{
			{ProductID: "prod-nasi", Quantity: 1},
			{ProductID: "prod-tempe", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("admin menu creation failed: %v", err)
	}
	if menu.DefaultQuantity != 3 {
		t.Fatalf("fixed menu default quantity should equal recipe sum, got %d", menu.DefaultQuantity)
	}
}
