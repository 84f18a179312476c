package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kasircabang/backend/internal/domain"
	"kasircabang/backend/internal/service"
	"kasircabang/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/branches", a.requireAuth(a.handleBranches, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/menus", a.requireAuth(a.handleMenus, domain.RoleKasir, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/pos/checkout", a.requireAuth(a.handleCheckout, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleDetail, domain.RoleKasir, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/adjust", a.requireAuth(a.handleInventoryAdjust, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/daily-restock", a.requireAuth(a.handleDailyRestock, domain.RoleKasir, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/cash-flows", a.requireAuth(a.handleCashFlows, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/cash-flows/summary", a.requireAuth(a.handleCashFlowSummary, domain.RoleKasir, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/cash-flows/", a.requireAuth(a.handleCashFlowActions, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleBranches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		branches, err := a.service.ListBranches(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
	case http.MethodPost:
		var req domain.BranchCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		branch, err := a.service.CreateBranch(r.Context(), domain.Branch{Name: req.Name, Address: req.Address})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"branch": branch})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductActions covers /api/v1/products/{id}/units, the unit
// conversion registration endpoint.
func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/products/"
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	productID, action, _ := strings.Cut(tail, "/")
	if action != "units" {
		writeError(w, http.StatusNotFound, errors.New("unknown product action"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.UnitConversionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conv := domain.UnitConversion{
		ProductID:       productID,
		UnitID:          req.UnitID,
		UnitName:        req.UnitName,
		ConversionValue: req.ConversionValue,
	}
	if err := a.service.CreateUnitConversion(r.Context(), conv); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversion": conv})
}

func (a *API) handleMenus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		menus, err := a.service.ListMenus(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"menus": menus})
	case http.MethodPost:
		var req domain.MenuCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		menu, err := a.service.CreateMenu(r.Context(), domain.Menu{
			Name:            req.Name,
			Price:           req.Price,
			Category:        req.Category,
			IsFlexible:      req.IsFlexible,
			DefaultQuantity: req.DefaultQuantity,
			RecipeLines:     req.RecipeLines,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"menu": menu})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	filter := domain.SaleFilter{
		BranchID: strings.TrimSpace(r.URL.Query().Get("branch_id")),
		Date:     strings.TrimSpace(r.URL.Query().Get("date")),
		Limit:    parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500),
	}
	sales, err := a.service.ListSales(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleSaleDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	sale, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	records, err := a.service.ListInventory(r.Context(), branchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": records})
}

func (a *API) handleInventoryAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.InventoryAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := a.service.AdjustInventory(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": record})
}

func (a *API) handleDailyRestock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.DailyRestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.ImportDailyStock(r.Context(), req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": len(req.Items)})
}

func (a *API) handleCashFlows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := domain.CashFlowFilter{
			BranchID:  strings.TrimSpace(r.URL.Query().Get("branch_id")),
			Type:      strings.TrimSpace(r.URL.Query().Get("type")),
			Category:  strings.TrimSpace(r.URL.Query().Get("category")),
			StartDate: strings.TrimSpace(r.URL.Query().Get("start_date")),
			EndDate:   strings.TrimSpace(r.URL.Query().Get("end_date")),
			Limit:     parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500),
		}
		entries, err := a.service.ListCashFlows(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cash_flows": entries})
	case http.MethodPost:
		var req domain.CashFlowCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := a.service.CreateCashFlow(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cash_flow": entry})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCashFlowSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	filter := domain.CashFlowFilter{
		BranchID:  strings.TrimSpace(r.URL.Query().Get("branch_id")),
		Category:  strings.TrimSpace(r.URL.Query().Get("category")),
		StartDate: strings.TrimSpace(r.URL.Query().Get("start_date")),
		EndDate:   strings.TrimSpace(r.URL.Query().Get("end_date")),
	}
	summary, err := a.service.CashFlowSummary(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (a *API) handleCashFlowActions(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/cash-flows/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("cash flow id required"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	if err := a.service.DeleteCashFlow(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers()})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(req)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeServiceError maps domain errors onto transport codes: missing entities
// are 404, malformed input is 400, business-rule failures that need a
// corrected resubmission are 422, and write contention is 409. Anything
// unmatched is treated as an infrastructure failure.
func writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *store.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": stockErr.Error(),
			"code":  "insufficient_stock",
			"detail": map[string]any{
				"product_id":   stockErr.ProductID,
				"product_name": stockErr.ProductName,
				"available":    stockErr.Available,
				"needed":       stockErr.Needed,
			},
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, store.ErrMenuNotFound):
		status, code = http.StatusNotFound, "menu_not_found"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, store.ErrConversionNotFound):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, store.ErrInvalidComposition):
		status, code = http.StatusUnprocessableEntity, "invalid_composition"
	case errors.Is(err, store.ErrInsufficientPayment):
		status, code = http.StatusUnprocessableEntity, "insufficient_payment"
	case errors.Is(err, store.ErrProtectedEntry):
		status, code = http.StatusUnprocessableEntity, "protected_entry"
	case errors.Is(err, store.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	default:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "role required") || strings.Contains(msg, "not permitted") {
			status, code = http.StatusForbidden, "forbidden"
		} else if strings.Contains(msg, "authentication required") {
			status, code = http.StatusUnauthorized, "unauthorized"
		}
	}

	if status >= 500 {
		writeError(w, status, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  code,
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses carry a generic message so storage errors and file paths
	// never reach the client. 4xx messages are user-facing as-is.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
