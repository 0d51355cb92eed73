// Package security はプロバイダへの外向き通信と、外部から受け取ったURLを制限する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は外向きHTTP通信と外部URLの安全性を検証する。
type OutboundGuard interface {
	// NewProviderClient はプロバイダ呼び出し用のHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続はsafeurlが拒否する。
	NewProviderClient(timeout time.Duration) *http.Client

	// ValidateURL はプロフィール画像などプロバイダから受け取ったURLを静的に検証する。
	ValidateURL(rawURL string) error
}

// providerSchemes はプロバイダ呼び出しで許可するスキーム。
var providerSchemes = []string{"https"}

// imageSchemes はプロバイダから受け取る画像URLで許可するスキーム。
var imageSchemes = []string{"http", "https"}

var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

type outboundGuard struct {
	allowPrivate bool
}

// NewOutboundGuard はOutboundGuardを生成する。
// allowPrivateはローカルのモックプロバイダに接続する開発環境でのみtrueにする。
func NewOutboundGuard(allowPrivate bool) OutboundGuard {
	return &outboundGuard{allowPrivate: allowPrivate}
}

// NewProviderClient はプロバイダ呼び出し用のHTTPクライアントを生成する。
// safeurlはDNS解決後のIPアドレスもDialerで検証するため、DNS再バインディングも防げる。
func (g *outboundGuard) NewProviderClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(providerSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLを静的に検証する。DNS解決は行わない。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, imageSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range imageSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
