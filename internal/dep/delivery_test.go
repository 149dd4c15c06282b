package dep

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rksv-fiscal-service/internal/ledger"
)

func newTestDelivery(t *testing.T, handler http.HandlerFunc) (*DeliveryClient, *ledger.MemoryStore, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := ledger.NewMemoryStore(false)
	client := NewDeliveryClient(true, "participant-1", "user-1", "pass-1", store, false)
	client.endpoint = server.URL + "/"

	return client, store, server
}

func TestSubmitSuccess(t *testing.T) {
	var received depUploadRequest

	client, _, _ := newTestDelivery(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rkws/depUpload" {
			t.Errorf("Expected path /rkws/depUpload, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode upload request: %v", err)
		}
		w.Write([]byte(`{"status":"accepted"}`))
	})

	document := []byte(`<?xml version="1.0"?><Datenerfassungsprotokoll/>`)
	result, err := client.Submit(context.Background(), "tenant-a", "2026-08-27", document)
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	if result.Status != "success" {
		t.Errorf("Expected status success, got %s", result.Status)
	}
	if received.TeilnehmerID != "participant-1" || received.BenutzerID != "user-1" {
		t.Errorf("Credentials not forwarded: %+v", received)
	}
	if received.Typ != "RKSV-DEP-EXPORT" {
		t.Errorf("Expected Typ RKSV-DEP-EXPORT, got %s", received.Typ)
	}
	if received.Datum != "2026-08-27" {
		t.Errorf("Expected Datum 2026-08-27, got %s", received.Datum)
	}
	if received.DEP != string(document) {
		t.Error("DEP document not forwarded verbatim")
	}
}

func TestSubmitRejectionIsLoggedNotFatal(t *testing.T) {
	client, store, _ := newTestDelivery(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"invalid DEP"}`))
	})

	result, err := client.Submit(context.Background(), "tenant-a", "2026-08-27", []byte("<x/>"))
	if err != nil {
		t.Fatalf("A rejected upload is an outcome, not a transport failure: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("Expected status error, got %s", result.Status)
	}

	// The rejection was persisted to the delivery log.
	logged := store.Deliveries("tenant-a")
	if len(logged) != 1 {
		t.Fatalf("Expected 1 delivery log entry, got %d", len(logged))
	}
	if logged[0].Status != "error" {
		t.Errorf("Expected logged status error, got %s", logged[0].Status)
	}
}

func TestSubmitTransportFailure(t *testing.T) {
	client, _, server := newTestDelivery(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.Submit(context.Background(), "tenant-a", "2026-08-27", []byte("<x/>"))
	if err == nil {
		t.Fatal("Expected a transport error after the server went away")
	}
}
