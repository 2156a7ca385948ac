package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/brightbeamsuk/inteLMS-sub002/internal/audit"
	"github.com/brightbeamsuk/inteLMS-sub002/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLite) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(Options{
		Verifier: audit.NewVerifier(db),
		Store:    db,
	})
	s.SetAppender(audit.NewAppender(audit.AppenderOptions{
		Store:    db,
		OnAppend: s.BroadcastEntry,
	}))
	return s, db
}

func postAppend(t *testing.T, h http.Handler, req audit.Request) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/append", bytes.NewReader(body)))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}
}

func TestAppendAndHead(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := postAppend(t, h, audit.Request{
		OrganisationID: "org-1",
		Action:         "data.export",
		Resource:       "user_data",
		Category:       audit.CategoryDataProcessing,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	var receipt audit.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("parsing receipt: %v", err)
	}
	if receipt.ChainLength != 1 || receipt.EntryID == "" {
		t.Errorf("receipt mismatch: %+v", receipt)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/head?org=org-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("head: expected 200, got %d", rec.Code)
	}
	var head audit.ChainHead
	if err := json.Unmarshal(rec.Body.Bytes(), &head); err != nil {
		t.Fatal(err)
	}
	if head.LastEntryID != receipt.EntryID {
		t.Errorf("head does not point at the appended entry: %+v", head)
	}
}

func TestHead_UnknownOrganisation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/head?org=org-none", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHead_MissingOrgParameter(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/head", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAppend_InvalidRequest(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// Missing required fields.
	rec := postAppend(t, h, audit.Request{OrganisationID: "org-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid request, got %d", rec.Code)
	}

	// Malformed body.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/append", bytes.NewReader([]byte("not json"))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}

	// Wrong method.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/append", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestEntries_FilteredQuery(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for i, category := range []audit.Category{
		audit.CategoryConsent, audit.CategoryDataProcessing, audit.CategoryConsent,
	} {
		rec := postAppend(t, h, audit.Request{
			OrganisationID: "org-1",
			Action:         fmt.Sprintf("action.%d", i),
			Resource:       "consent_record",
			Category:       category,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed append %d failed: %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entries?org=org-1&category=consent", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("entries: expected 200, got %d", rec.Code)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 consent entries, got %d", len(entries))
	}
	// Newest first.
	if len(entries) == 2 && entries[0].Action != "action.2" {
		t.Errorf("expected newest first, got %s", entries[0].Action)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		rec := postAppend(t, h, audit.Request{
			OrganisationID: "org-1",
			Action:         "data.read",
			Resource:       "user_data",
			Category:       audit.CategoryDataProcessing,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed append failed: %d", rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/verify?org=org-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var report audit.ChainReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.EntriesChecked != 3 {
		t.Errorf("expected clean report over 3 entries: %+v", report)
	}
}
