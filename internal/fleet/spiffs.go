package fleet

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SPIFFS operations proxied straight through to the device.
const (
	SPIFFSList   = "list"
	SPIFFSRead   = "read"
	SPIFFSWrite  = "write"
	SPIFFSDelete = "delete"
	SPIFFSInfo   = "info"
	SPIFFSFormat = "format"
)

var spiffsPaths = map[string]string{
	SPIFFSList:   "/spiffs/list",
	SPIFFSRead:   "/spiffs/read",
	SPIFFSWrite:  "/spiffs/write",
	SPIFFSDelete: "/spiffs/delete",
	SPIFFSInfo:   "/spiffs/info",
	SPIFFSFormat: "/spiffs/format",
}

// SPIFFSProxy passes file operations through to a device's own HTTP
// endpoints, rate-limiting outbound calls per device so a runaway agent
// loop can't hammer a single ESP32's HTTP server.
type SPIFFSProxy struct {
	// VerifyTLS gates whether outbound calls to a non-loopback device IP
	// verify the server certificate. Loopback addresses always skip
	// verification; a bench device on 127.0.0.1 has no certificate to
	// present.
	VerifyTLS bool

	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSPIFFSProxy builds a proxy that verifies TLS on non-loopback
// addresses by default.
func NewSPIFFSProxy() *SPIFFSProxy {
	return &SPIFFSProxy{
		VerifyTLS: true,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (p *SPIFFSProxy) limiterFor(deviceIP string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[deviceIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(5), 10) // 5 req/s sustained, burst 10
		p.limiters[deviceIP] = lim
	}
	return lim
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		if h, _, err := net.SplitHostPort(host); err == nil {
			ip = net.ParseIP(h)
		}
	}
	return ip != nil && ip.IsLoopback()
}

func (p *SPIFFSProxy) transportFor(deviceIP string) http.RoundTripper {
	if !p.VerifyTLS || isLoopback(deviceIP) {
		return &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return http.DefaultTransport
}

// Envelope normalizes a device response's success flag: some firmware
// versions answer with "ok", others with "success".
type Envelope struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Body   []byte          `json:"-"`
	Header http.Header     `json:"-"`
}

// Do issues a request for operation against deviceIP, forwarding path,
// query parameters, and body as given.
func (p *SPIFFSProxy) Do(ctx context.Context, deviceIP, operation, method string, query url.Values, body io.Reader) (Envelope, error) {
	base, ok := spiffsPaths[operation]
	if !ok {
		return Envelope{}, &unknownOperationError{operation}
	}

	if err := p.limiterFor(deviceIP).Wait(ctx); err != nil {
		return Envelope{}, err
	}

	target := &url.URL{Scheme: "http", Host: deviceIP, Path: base}
	if query != nil {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Envelope{}, err
	}

	client := &http.Client{Timeout: p.client.Timeout, Transport: p.transportFor(deviceIP)}
	resp, err := client.Do(req)
	if err != nil {
		return Envelope{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		OK:     resp.StatusCode < 400 && !looksLikeFailureBody(data),
		Status: resp.StatusCode,
		Body:   data,
		Header: resp.Header,
	}, nil
}

// looksLikeFailureBody is a cheap heuristic for the "ok":false /
// "success":false envelope variance, used only when the HTTP status
// itself doesn't already signal failure.
func looksLikeFailureBody(body []byte) bool {
	s := string(body)
	return strings.Contains(s, `"ok":false`) || strings.Contains(s, `"success":false`)
}

type unknownOperationError struct{ op string }

func (e *unknownOperationError) Error() string { return "spiffs: unknown operation " + e.op }
