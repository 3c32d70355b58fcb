// Package webhook delivers notifications as JSON posts to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Payload is the JSON body posted for each notification.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html"`
}

// Sender posts to a single endpoint. Retries are left to the caller.
type Sender struct {
	url          string
	allowPrivate bool
	client       *http.Client
	logger       *slog.Logger
}

// New returns a Sender for rawURL. Unless allowPrivate is set, the host is
// resolved on every send and private/internal addresses are refused.
func New(rawURL string, allowPrivate bool, logger *slog.Logger) (*Sender, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		url:          rawURL,
		allowPrivate: allowPrivate,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}, nil
}

func (s *Sender) Send(ctx context.Context, to, subject, body string, html bool) error {
	if !s.allowPrivate {
		if err := validateURL(s.url); err != nil {
			return fmt.Errorf("webhook: rejected URL: %w", err)
		}
	}
	payload, err := json.Marshal(Payload{To: to, Subject: subject, Body: body, HTML: html})
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	if err := post(ctx, s.client, s.url, payload); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	s.logger.Debug("webhook delivered", "to", to)
	return nil
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func post(ctx context.Context, client *http.Client, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
