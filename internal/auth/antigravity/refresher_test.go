package antigravity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nghyane/antigravity-pool/internal/account"
)

func TestRefreshExchangesToken(t *testing.T) {
	var gotGrant, gotRefresh string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotGrant = r.FormValue("grant_type")
		gotRefresh = r.FormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewRefresher(WithTokenURL(srv.URL), WithHTTPClient(srv.Client()))
	res, err := r.Refresh(context.Background(), account.RefreshParts{Token: "rt-1", ProjectID: "p"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotGrant != "refresh_token" || gotRefresh != "rt-1" {
		t.Errorf("exchange sent grant=%q refresh=%q", gotGrant, gotRefresh)
	}
	if res.AccessSecret != "at-new" {
		t.Errorf("access secret = %q, want at-new", res.AccessSecret)
	}
	if res.RotatedSecret != "" {
		t.Errorf("rotated secret = %q, want empty when provider kept the token", res.RotatedSecret)
	}
	if until := time.Until(res.Expiry); until < 55*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v not ~1h out", res.Expiry)
	}
}

func TestRefreshReportsRotatedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-rotated"}`))
	}))
	defer srv.Close()

	r := NewRefresher(WithTokenURL(srv.URL), WithHTTPClient(srv.Client()))
	res, err := r.Refresh(context.Background(), account.RefreshParts{Token: "rt-old"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.RotatedSecret != "rt-rotated" {
		t.Errorf("rotated secret = %q, want rt-rotated", res.RotatedSecret)
	}
}

func TestRefreshInvalidGrantIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	r := NewRefresher(WithTokenURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := r.Refresh(context.Background(), account.RefreshParts{Token: "rt-revoked"})

	var re *account.RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RefreshError", err)
	}
	if !re.Permanent {
		t.Error("invalid_grant must be classified permanent")
	}
	if re.Code != "invalid_grant" {
		t.Errorf("code = %q, want invalid_grant", re.Code)
	}
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRefresher(WithTokenURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := r.Refresh(context.Background(), account.RefreshParts{Token: "rt"})

	var re *account.RefreshError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RefreshError", err)
	}
	if re.Permanent {
		t.Error("5xx from the token endpoint must stay transient")
	}
}
