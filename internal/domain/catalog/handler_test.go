package catalog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo, *mockRepo) {
	repo := newMockRepo(cbc())
	svc, _ := newTestService(repo, newMapStore())
	e := echo.New()
	return NewHandler(svc), e, repo
}

func asRole(req *http.Request, role string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{UserID: "u1", Roles: []string{role}}))
}

func TestHandler_Get(t *testing.T) {
	h, e, _ := newTestHandler()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("code")
	c.SetParamValues("LAB-CBC")
	if err := h.Get(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"code":"LAB-CBC"`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("code")
	c.SetParamValues("NOPE")
	err := h.Get(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_Put(t *testing.T) {
	h, e, repo := newTestHandler()

	body := `{"display":"Lipid panel","category":"lab","unit_price":"95.50"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("LAB-LIPID")

	if err := h.Put(c); err != nil {
		t.Fatal(err)
	}
	saved := repo.items["LAB-LIPID"]
	if saved == nil || !saved.Active || saved.Category != "LAB" {
		t.Fatalf("unexpected saved entry %+v", saved)
	}
}

func TestHandler_PutValidation(t *testing.T) {
	h, e, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"category":"lab","unit_price":"1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("code")
	c.SetParamValues("LAB-X")

	err := h.Put(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestRoutes_WriteRequiresAdmin(t *testing.T) {
	h, e, _ := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := asRole(httptest.NewRequest(http.MethodPut, "/api/v1/catalog/LAB-CBC", strings.NewReader(`{}`)), auth.RoleBilling)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for billing clerk, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, asRole(httptest.NewRequest(http.MethodGet, "/api/v1/catalog/LAB-CBC", nil), auth.RolePharmacy))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for pharmacist read, got %d", rec.Code)
	}
}
