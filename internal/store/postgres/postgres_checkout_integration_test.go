package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/store"
)

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	databaseURL := os.Getenv("KASIRCABANG_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRCABANG_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	branchID := fmt.Sprintf("branch-it-%d", stamp)
	productID := fmt.Sprintf("prod-it-%d", stamp)
	menuID := fmt.Sprintf("menu-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cash_flows WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_line_usages WHERE sale_id IN (SELECT id FROM sales WHERE branch_id = $1)`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id IN (SELECT id FROM sales WHERE branch_id = $1)`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventories WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM menu_recipe_lines WHERE menu_id = $1`, menuID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM menus WHERE id = $1`, menuID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM branches WHERE id = $1`, branchID)
	})

	if _, err := s.CreateBranch(ctx, domain.Branch{ID: branchID, Name: "Cabang IT " + branchID}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Ayam Goreng IT", Price: 0, BaseUnitID: "potong", BaseUnitName: "Potong"}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.CreateMenu(ctx, domain.Menu{
		ID:              menuID,
		Name:            "Paket IT",
		Price:           15000,
		DefaultQuantity: 1,
		RecipeLines: []domain.RecipeLine{
			{ProductID: productID, ProductName: "Ayam Goreng IT", Quantity: 1},
		},
	}); err != nil {
		t.Fatalf("create menu: %v", err)
	}
	if err := s.SetDailyStock(ctx, branchID, []domain.RestockItem{{ProductID: productID, Stock: 5}}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	// 5 units on hand, 8 checkouts of 1 unit each. Exactly 5 must succeed.
	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sale := domain.Sale{
				BranchID:      branchID,
				CashierID:     "kasir-it",
				CashierName:   "Kasir IT",
				Total:         15000,
				PaymentMethod: domain.PaymentCash,
				AmountPaid:    20000,
				Change:        5000,
				Lines: []domain.SaleLine{
					{
						MenuID:   menuID,
						MenuName: "Paket IT",
						Price:    15000,
						Quantity: 1,
						Subtotal: 15000,
						Usages: []domain.IngredientUsage{
							{ProductID: productID, ProductName: "Ayam Goreng IT", Quantity: 1},
						},
					},
				},
			}
			_, results[i] = s.CreateSale(ctx, sale, map[string]int{productID: 1})
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
		if !errors.As(err, &stockErr) && !errors.Is(err, store.ErrConflict) {
			t.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if succeeded > 5 {
		t.Fatalf("oversold: %d checkouts succeeded with only 5 units on hand", succeeded)
	}

	stock, err := s.GetStock(ctx, branchID, productID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock != 5-succeeded {
		t.Fatalf("stock conservation broken: %d succeeded but %d units remain", succeeded, stock)
	}

	sales, err := s.ListSales(ctx, domain.SaleFilter{BranchID: branchID, Limit: 20})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != succeeded {
		t.Fatalf("expected %d persisted sales, got %d", succeeded, len(sales))
	}
	seen := make(map[string]bool, len(sales))
	for _, sale := range sales {
		if seen[sale.InvoiceNumber] {
			t.Fatalf("duplicate invoice number %s", sale.InvoiceNumber)
		}
		seen[sale.InvoiceNumber] = true
	}

	flows, err := s.ListCashFlows(ctx, domain.CashFlowFilter{BranchID: branchID, Category: domain.CategoryPOSSale, Limit: 20})
	if err != nil {
		t.Fatalf("list cash flows: %v", err)
	}
	if len(flows) != succeeded {
		t.Fatalf("expected %d pos cash-flow entries, got %d", succeeded, len(flows))
	}
	for _, flow := range flows {
		if err := s.DeleteCashFlow(ctx, flow.ID); !errors.Is(err, store.ErrProtectedEntry) {
			t.Fatalf("expected protected entry error deleting pos cash flow, got %v", err)
		}
	}
}
