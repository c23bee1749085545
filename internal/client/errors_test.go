package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "https://example.com", Err: timeoutErr{}}, KindTimeout},
		{"dns", &url.Error{Op: "Get", URL: "https://nx.invalid", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nx.invalid"}}}, KindUnreachable},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindUnreachable},
		{"unknown authority", &url.Error{Op: "Get", URL: "https://example.com", Err: x509.UnknownAuthorityError{}}, KindTLS},
		{"hostname mismatch", x509.HostnameError{Host: "example.com", Certificate: &x509.Certificate{}}, KindTLS},
		{"read reset", &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, KindProtocol},
		{"malformed", errors.New("malformed HTTP response"), KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	err := fmt.Errorf("forward: %w", newDispatchError(context.DeadlineExceeded))

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(DeadlineExceeded) = false")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindTimeout)
	}
}
