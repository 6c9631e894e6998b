package tls

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadClientTLSConfigNoFiles(t *testing.T) {
	cfg, err := LoadClientTLSConfig("https://jobs.test", Files{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config and nil error, got %v, %v", cfg, err)
	}
}

func TestLoadClientTLSConfigTrustsCA(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw}
	if err := os.WriteFile(caPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write CA: %v", err)
	}

	cfg, err := LoadClientTLSConfig(server.URL, Files{CA: caPath})
	if err != nil {
		t.Fatalf("LoadClientTLSConfig: %v", err)
	}
	if cfg.ServerName != "127.0.0.1" {
		t.Errorf("ServerName = %q, want 127.0.0.1", cfg.ServerName)
	}

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request with loaded CA failed: %v", err)
	}
	resp.Body.Close()
}

func TestLoadClientTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a cert"), 0600); err != nil {
		t.Fatal(err)
	}

	const api = "https://jobs.test:8443"
	tests := []struct {
		name   string
		apiURL string
		files  Files
	}{
		{"missing CA file", api, Files{CA: filepath.Join(dir, "missing.pem")}},
		{"unparsable CA file", api, Files{CA: garbage}},
		{"bad key pair", api, Files{Cert: garbage, Key: garbage}},
		{"cert without key", api, Files{Cert: garbage}},
		{"no host in api url", "/relative", Files{CA: garbage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadClientTLSConfig(tt.apiURL, tt.files); err == nil {
				t.Errorf("expected error for %+v", tt.files)
			}
		})
	}
}

func TestLoadClientTLSConfigServerNameFromAPIURL(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	server := httptest.NewTLSServer(http.NotFoundHandler())
	defer server.Close()
	block := &pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw}
	if err := os.WriteFile(ca, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadClientTLSConfig("https://render.example.com:8443/api", Files{CA: ca})
	if err != nil {
		t.Fatalf("LoadClientTLSConfig: %v", err)
	}
	if cfg.ServerName != "render.example.com" {
		t.Errorf("ServerName = %q, want render.example.com", cfg.ServerName)
	}
	if cfg.MinVersion != 0x0303 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
}
