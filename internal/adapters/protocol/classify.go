package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strings"
	"syscall"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

// Markers match whole words only, so "eof" does not fire inside "thereof".
var networkMarkers = regexp.MustCompile(`\b(timeout|timed out|deadline exceeded|connection refused|connection reset|` +
	`no such host|network is unreachable|broken pipe|eof|aborted|canceled|dns|tls handshake)\b`)

var gatewayPathSegments = []string{"/lookup", "/vlookup", "/subscribe", "/register"}

var gatewayMarkers = regexp.MustCompile(`\b(registry|gateway|directory|lookup)\b`)

// ClassifyErrorSource attributes a failure to one party. Precedence: network
// signature without a response, then an error status from the remote, then a
// directory/gateway target, then local. It returns exactly one source for any input.
func ClassifyErrorSource(err error, resp *Response, rawURL string) domain.ErrorSource {
	if resp == nil && isNetworkError(err) {
		return domain.ErrorSourceNetwork
	}
	if resp != nil && resp.StatusCode >= 400 {
		return domain.ErrorSourceCounterparty
	}
	if isGatewayTarget(rawURL) || mentionsGateway(err) {
		return domain.ErrorSourceGateway
	}
	return domain.ErrorSourceLocal
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return networkMarkers.MatchString(strings.ToLower(err.Error()))
}

func isGatewayTarget(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, seg := range gatewayPathSegments {
		if strings.Contains(path, seg) {
			return true
		}
	}
	return false
}

func mentionsGateway(err error) bool {
	if err == nil {
		return false
	}
	return gatewayMarkers.MatchString(strings.ToLower(err.Error()))
}
