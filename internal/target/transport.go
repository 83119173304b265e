package target

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
)

// DebugTransport wraps an http.RoundTripper and logs every exchange. Error
// response bodies are logged in full and restored for the caller.
type DebugTransport struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (d *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("target request", "method", req.Method, "url", req.URL.String())

	resp, err := d.Transport.RoundTrip(req)
	if err != nil {
		logger.Debug("target request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return resp, err
	}

	if resp.StatusCode >= 400 {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			logger.Debug("target error body unreadable", "status", resp.StatusCode, "error", readErr)
		} else {
			logger.Debug("target error response", "status", resp.StatusCode, "body", string(body))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	logger.Debug("target response", "status", resp.StatusCode)
	return resp, nil
}

// EnableDebugLogging wraps client's transport with a DebugTransport.
func EnableDebugLogging(client *http.Client, logger *slog.Logger) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}
	client.Transport = &DebugTransport{Transport: client.Transport, Logger: logger}
	return client
}
