// Package device is the HTTP client for a device's management endpoints:
// package upload with installer-outcome classification, and system log
// retrieval. Authentication is preemptive basic with a single digest
// retry, which covers every firmware generation in the field.
package device

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/bundle"
)

// DefaultTimeout bounds one management request round trip, upload
// included.
const DefaultTimeout = 30 * time.Second

// Client talks to one device's management endpoints.
type Client struct {
	target Target
	http   *http.Client
	log    *slog.Logger
}

// Config configures a Client.
type Config struct {
	Target Target

	// Timeout per management request. Zero means DefaultTimeout.
	Timeout time.Duration

	// InsecureTLS skips certificate verification for https management
	// endpoints. Devices in the field ship self-signed certificates.
	InsecureTLS bool

	Log *slog.Logger
}

// NewClient builds a management client for one target.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		target: cfg.Target,
		http:   &http.Client{Timeout: timeout, Transport: transport},
		log:    log.With("target", cfg.Target.Redacted()),
	}
}

// Target returns the client's target, credentials included.
func (c *Client) Target() Target { return c.target }

// InstallPackage uploads the bundle and classifies the installer's
// verdict. See BootstrapOutcome for the classification contract; in
// particular a reported validation failure is the expected success
// signal, and a clean install means the throwaway package left a record
// behind.
func (c *Client) InstallPackage(ctx context.Context, b *bundle.Bundle) (BootstrapOutcome, error) {
	c.log.Debug("uploading package", "filename", b.Filename(), "size", b.Size())

	resp, err := c.doAuthenticated(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.uploadRequest(ctx, b)
	})
	if err != nil {
		return OutcomeTransferFailed, &TransferError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return OutcomeAuthFailed, ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return OutcomeTransferFailed, &TransferError{Cause: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return OutcomeTransferFailed, &TransferError{Cause: err}
	}
	status, err := api.ParseUploadResponse(body)
	if err != nil {
		return OutcomeTransferFailed, &TransferError{Cause: err}
	}

	switch {
	case status.OK:
		c.log.Warn("device reported a clean install; an installation record may persist",
			"filename", b.Filename())
		return OutcomePayloadLikelyRunning, nil
	case status.Code == api.CodeValidationFailed:
		c.log.Debug("installer reported validation failure, payload presumed running")
		return OutcomePayloadLikelyRunning, nil
	default:
		return OutcomeRejected, &RejectionError{Code: status.Code, Reason: rejectionReason(status.Code)}
	}
}

// RemovePackage uploads a cleanup bundle on the same contract as
// InstallPackage. Callers treat a failure as a warning: the device may
// already have dropped the session on its own.
func (c *Client) RemovePackage(ctx context.Context, b *bundle.Bundle) error {
	_, err := c.InstallPackage(ctx, b)
	return err
}

func (c *Client) uploadRequest(ctx context.Context, b *bundle.Bundle) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField(api.ActionField, api.ActionInstall); err != nil {
		return nil, fmt.Errorf("encoding upload form: %w", err)
	}
	part, err := w.CreateFormFile(api.PackageField, b.Filename())
	if err != nil {
		return nil, fmt.Errorf("encoding upload form: %w", err)
	}
	if _, err := part.Write(b.Bytes()); err != nil {
		return nil, fmt.Errorf("encoding upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encoding upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target.endpointURL(api.UploadPath), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// SystemLog fetches the device system log in the order the endpoint
// serves it (newest entry first). Unstructured lines come back as bare
// messages rather than being dropped.
func (c *Client) SystemLog(ctx context.Context) ([]api.SyslogEntry, error) {
	resp, err := c.doAuthenticated(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.target.endpointURL(api.SystemLogPath), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching system log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching system log: unexpected status %s", resp.Status)
	}

	var entries []api.SyslogEntry
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, _ := api.ParseSyslogLine(line)
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading system log: %w", err)
	}
	return entries, nil
}
