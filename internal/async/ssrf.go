package async

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
)

// ErrDisallowedAddress is returned by the safe dialer for blocked addresses.
var ErrDisallowedAddress = errors.New("address is not allowed for webhook delivery")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// IsDisallowedIP reports whether addr must never receive a webhook.
func IsDisallowedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// URLValidator checks webhook URLs before delivery.
type URLValidator struct {
	resolver Resolver
}

// NewURLValidator creates a validator. A nil resolver uses net.DefaultResolver.
func NewURLValidator(resolver Resolver) *URLValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &URLValidator{resolver: resolver}
}

// Validate returns an E9701 error unless raw is an https URL whose host
// resolves only to public addresses.
func (v *URLValidator) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalidURL("malformed url")
	}
	if u.Scheme != "https" {
		return invalidURL("scheme must be https")
	}
	if u.User != nil {
		return invalidURL("credentials in url are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return invalidURL("missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return invalidURL("localhost is not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsDisallowedIP(addr) {
			return invalidURL("address is not public").WithDetail("address", addr.String())
		}
		return nil
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return apierror.Wrap(apierror.CodeInvalidWebhookURL, "host does not resolve", err)
	}
	if len(addrs) == 0 {
		return invalidURL("host does not resolve")
	}
	for _, addr := range addrs {
		if IsDisallowedIP(addr) {
			return invalidURL("host resolves to a non-public address").WithDetail("address", addr.Unmap().String())
		}
	}
	return nil
}

func invalidURL(reason string) *apierror.GatewayError {
	return apierror.New(apierror.CodeInvalidWebhookURL, "invalid webhook url").WithDetail("reason", reason)
}

// SafeDialer returns a dialer that refuses to connect to non-public
// addresses, whatever DNS returned at validation time.
func SafeDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrDisallowedAddress, host)
			}
			if IsDisallowedIP(addr) {
				return fmt.Errorf("%w: %s", ErrDisallowedAddress, addr)
			}
			return nil
		},
	}
}
