package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

var handle = models.ResourceHandle{Service: "ec2", LimitID: "L-1", Region: "us-east-1", Kind: models.KindInstances}

func TestHTTPQuerier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got models.ResourceHandle
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got.LimitID != "L-1" {
			t.Errorf("handle = %+v", got)
		}
		json.NewEncoder(w).Encode(map[string]float64{"usage": 42, "limit": 100})
	}))
	defer srv.Close()

	q := NewHTTPQuerier(NewClient(""), srv.URL)
	reading, err := q.GetCapacity(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetCapacity: %v", err)
	}
	if reading.Usage != 42 || reading.Limit != 100 {
		t.Errorf("reading = %+v", reading)
	}
}

func TestHTTPIncreaserClassifiesClientErrorsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authorization denied", http.StatusForbidden)
	}))
	defer srv.Close()

	i := NewHTTPIncreaser(NewClient("tok"), srv.URL)
	_, err := i.RequestIncrease(context.Background(), handle, 150)
	var perm *contracts.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("4xx must be permanent, got %v", err)
	}
}

func TestHTTPIncreaserServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	i := NewHTTPIncreaser(NewClient(""), srv.URL)
	_, err := i.RequestIncrease(context.Background(), handle, 150)
	if err == nil {
		t.Fatal("expected error")
	}
	var perm *contracts.PermanentError
	if errors.As(err, &perm) {
		t.Fatal("5xx must stay retryable")
	}
}

func TestHTTPIncreaserSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "request_id": "req-9"})
	}))
	defer srv.Close()

	i := NewHTTPIncreaser(NewClient("sekrit"), srv.URL)
	res, err := i.RequestIncrease(context.Background(), handle, 150)
	if err != nil {
		t.Fatalf("RequestIncrease: %v", err)
	}
	if !res.Accepted || res.RequestID != "req-9" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPTicketCreatorRequiresTicketID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewHTTPTicketCreator(NewClient(""), srv.URL)
	if _, err := c.CreateTicket(context.Background(), handle, "because", 150); err == nil {
		t.Fatal("empty ticket_id must be an error")
	}
}

func TestLocalFallbacks(t *testing.T) {
	if _, err := (UnconfiguredQuerier{}).GetCapacity(context.Background(), handle); err == nil {
		t.Error("unconfigured querier must fail")
	}

	_, err := (UnconfiguredIncreaser{}).RequestIncrease(context.Background(), handle, 150)
	var perm *contracts.PermanentError
	if !errors.As(err, &perm) {
		t.Error("unconfigured increaser must fail permanently")
	}

	id, err := (LogTicketCreator{}).CreateTicket(context.Background(), handle, "because", 150)
	if err != nil || id == "" {
		t.Errorf("log ticket creator: id=%q err=%v", id, err)
	}

	wf, err := (CallbackApprovalStarter{}).StartApproval(context.Background(), &models.Action{ID: "a1", Handle: handle})
	if err != nil || wf != "a1" {
		t.Errorf("callback approval starter: wf=%q err=%v", wf, err)
	}
}
