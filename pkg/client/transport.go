package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Format is the requested SDMX response format.
type Format string

const (
	// FormatCSV requests SDMX-CSV.
	FormatCSV Format = "csv"

	// FormatXML requests SDMX-ML generic data.
	FormatXML Format = "xml"
)

// Accept headers sent per format.
const (
	AcceptCSV = "application/vnd.sdmx.data+csv; charset=utf-8"
	AcceptXML = "application/vnd.sdmx.genericdata+xml; charset=utf-8; version=2.1"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXML:
		return FormatXML, nil
	default:
		return "", fmt.Errorf("unsupported response format %q (want csv or xml)", s)
	}
}

// Accept returns the Accept header for the format.
func (f Format) Accept() string {
	if f == FormatXML {
		return AcceptXML
	}
	return AcceptCSV
}

// QueryValue returns the value of the format query parameter understood by
// the OECD SDMX endpoint.
func (f Format) QueryValue() string {
	switch f {
	case FormatCSV:
		return "csvfile"
	case FormatXML:
		return "genericdata"
	default:
		return ""
	}
}

// Transport performs one synchronous GET. It returns the status code and raw
// body; err is non-nil when no complete HTTP response was received. A body
// over the size limit is reported as ErrBodyTooLarge.
type Transport interface {
	Get(ctx context.Context, url, accept string) (status int, body []byte, err error)
}

// maxBodyBytes bounds a single response body.
const maxBodyBytes = 64 << 20

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	httpClient *http.Client
	userAgent  string
	maxBody    int64
}

// NewHTTPTransport creates a transport with a per-request timeout.
func NewHTTPTransport(timeout time.Duration, userAgent string) *HTTPTransport {
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		maxBody:    maxBodyBytes,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, url, accept string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > t.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, t.maxBody)
	}
	return resp.StatusCode, body, nil
}
