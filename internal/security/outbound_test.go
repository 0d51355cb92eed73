package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewProviderClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewProviderClientTimeout(t *testing.T) {
	client := NewOutboundGuard(false).NewProviderClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout %v, got %v", 5*time.Second, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewProviderClientBlocksLoopback はループバックのプロバイダへの接続が拒否されることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewProviderClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewOutboundGuard(false).NewProviderClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestNewProviderClientAllowPrivate は開発用設定ではローカルに接続できることをテストする。
func TestNewProviderClientAllowPrivate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewOutboundGuard(true).NewProviderClient(5 * time.Second)
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewOutboundGuard(false)

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"LINEのプロフィール画像", "https://profile.line-scdn.net/0hAbCdEf", false},
		{"httpも許可", "http://obs.line-apps.com/image", false},
		{"空文字列", "", true},
		{"javascriptスキーム", "javascript:alert(1)", true},
		{"dataスキーム", "data:image/png;base64,AAAA", true},
		{"ホストなし", "https://", true},
		{"プライベートIP", "http://192.168.1.10/a.png", true},
		{"ループバック", "http://127.0.0.1/a.png", true},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data", true},
		{"IPv6ループバック", "http://[::1]/a.png", true},
		{"localhost", "http://LOCALHOST/a.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL_AllowPrivate(t *testing.T) {
	guard := NewOutboundGuard(true)
	if err := guard.ValidateURL("http://127.0.0.1:9000/a.png"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := guard.ValidateURL("javascript:alert(1)"); err == nil {
		t.Error("scheme check should still apply")
	}
}
