package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/internal/runtime"
	"github.com/mohammad-safakhou/recall/internal/store"
)

const testSessionKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newSessionHandler(t *testing.T) (*SessionHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cipher, err := runtime.NewSessionCipher(testSessionKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return &SessionHandler{Store: &store.Store{DB: db}, Cipher: cipher}, mock
}

func TestPutSessionSealsAndStores(t *testing.T) {
	e := echo.New()
	handler, mock := newSessionHandler(t)

	mock.ExpectQuery(tenantLookupQuery).WithArgs("tg:42").WillReturnRows(tenantRows(7, "tg:42"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tenants SET session_blob=$2, updated_at=NOW() WHERE id=$1`)).
		WithArgs(int64(7), sqlmock.AnyArg()). // sealed blob carries a random nonce
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, rec := apiContext(e, http.MethodPut, "/api/session", `{"session":"1BVtsOHYBu4..."}`)
	if err := handler.putSession(ctx); err != nil {
		t.Fatalf("putSession: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "1BVtsOHYBu4") {
		t.Fatalf("session must never echo back")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPutSessionRequiresValue(t *testing.T) {
	e := echo.New()
	handler, mock := newSessionHandler(t)

	mock.ExpectQuery(tenantLookupQuery).WithArgs("tg:42").WillReturnRows(tenantRows(7, "tg:42"))

	ctx, _ := apiContext(e, http.MethodPut, "/api/session", `{"session":"   "}`)
	err := handler.putSession(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestSessionStatus(t *testing.T) {
	e := echo.New()
	handler, mock := newSessionHandler(t)

	mock.ExpectQuery(tenantLookupQuery).WithArgs("tg:42").WillReturnRows(tenantRows(7, "tg:42"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT session_blob FROM tenants WHERE id=$1`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"session_blob"}).AddRow("sealed-bytes"))

	ctx, rec := apiContext(e, http.MethodGet, "/api/session", "")
	if err := handler.sessionStatus(ctx); err != nil {
		t.Fatalf("sessionStatus: %v", err)
	}
	var resp SessionStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Present {
		t.Fatalf("expected present session")
	}
}

func TestEnsureTenantProvisionsOnFirstContact(t *testing.T) {
	e := echo.New()
	handler, mock := newSessionHandler(t)

	mock.ExpectQuery(tenantLookupQuery).WithArgs("tg:42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "display_name", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tenants (external_id, display_name)`)).
		WithArgs("tg:42", "Alice").
		WillReturnRows(tenantRows(9, "tg:42"))

	ctx, rec := apiContext(e, http.MethodGet, "/api/me", "")
	if err := handler.me(ctx); err != nil {
		t.Fatalf("me: %v", err)
	}
	var resp MeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TenantID != "tg:42" {
		t.Fatalf("unexpected tenant: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureTenantRejectsAnonymous(t *testing.T) {
	e := echo.New()
	handler, _ := newSessionHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec) // no identity attached

	err := handler.me(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %#v", err)
	}
}
