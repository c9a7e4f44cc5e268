package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestSPIFFSProxyDoForwardsRequest(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"files":["a.txt"]}`))
	}))
	defer ts.Close()

	proxy := NewSPIFFSProxy()
	deviceAddr := strings.TrimPrefix(ts.URL, "http://")

	query := url.Values{"dir": []string{"/"}}
	env, err := proxy.Do(context.Background(), deviceAddr, SPIFFSList, http.MethodGet, query, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !env.OK {
		t.Fatalf("expected OK envelope, got %+v", env)
	}
	if gotPath != "/spiffs/list" {
		t.Fatalf("path = %q, want /spiffs/list", gotPath)
	}
	if gotQuery != "dir=%2F" {
		t.Fatalf("query = %q, want dir=%%2F", gotQuery)
	}
}

func TestSPIFFSProxyDetectsFailureEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":false,"error":"no such file"}`))
	}))
	defer ts.Close()

	proxy := NewSPIFFSProxy()
	deviceAddr := strings.TrimPrefix(ts.URL, "http://")

	env, err := proxy.Do(context.Background(), deviceAddr, SPIFFSRead, http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if env.OK {
		t.Fatalf("expected OK=false for a failure-shaped 200 body, got %+v", env)
	}
}

func TestSPIFFSProxyUnknownOperation(t *testing.T) {
	proxy := NewSPIFFSProxy()
	if _, err := proxy.Do(context.Background(), "127.0.0.1:1234", "not-a-real-op", http.MethodGet, nil, nil); err == nil {
		t.Fatal("expected an error for an unknown operation")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"localhost":    false, // not an IP literal; DNS resolution is out of scope here
		"10.0.0.5":     false,
		"::1":          true,
	}
	for addr, want := range cases {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
