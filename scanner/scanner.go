// Package scanner submits artifacts to the external vulnerability
// scanning service, polls for completion and turns severity counts into
// a security score.
package scanner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"depvet/config"
	"depvet/orm"
)

const maxScore = 100.0

// Result is one completed scan.
type Result struct {
	Counts         orm.SeverityCounts
	RawPayload     []byte
	ScannerVersion string
	Duration       time.Duration
	CompletedAt    time.Time
}

// Client talks to the scanning service over its HTTP API.
type Client struct {
	client       *http.Client
	endpoint     string
	timeout      time.Duration
	pollInterval time.Duration
	weights      config.SeverityWeights
}

// New creates a scanner client from configuration.
func New(cfg config.ScannerConfig) *Client {
	return &Client{
		client:       &http.Client{},
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		weights:      cfg.Weights,
	}
}

type submitRequest struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Artifact string `json:"artifact"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type scanStatus struct {
	Status         string             `json:"status"`
	Error          string             `json:"error"`
	ScannerVersion string             `json:"scanner_version"`
	Severities     orm.SeverityCounts `json:"severities"`
}

// Scan submits the artifact and polls until the scan completes, fails,
// or the configured timeout elapses. A timeout or unreachable scanner is
// an error; callers must never treat it as a passing scan.
func (c *Client) Scan(
	ctx context.Context,
	name string,
	version string,
	content []byte,
) (*Result, error) {
	started := time.Now()

	// The deadline covers the HTTP calls themselves, not just the poll
	// loop: a scanner that accepts a connection and never answers is a
	// timeout, not a hang.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	scanID, err := c.submit(ctx, name, version, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TimeoutError{Elapsed: time.Since(started)}
		}

		return nil, err
	}

	log.Debug().
		Str("package", name).
		Str("version", version).
		Str("scan_id", scanID).
		Msg("scan submitted")

	deadline := started.Add(c.timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, raw, err := c.poll(ctx, scanID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &TimeoutError{ScanID: scanID, Elapsed: time.Since(started)}
			}

			return nil, err
		}

		switch status.Status {
		case "completed":
			return &Result{
				Counts:         status.Severities,
				RawPayload:     raw,
				ScannerVersion: status.ScannerVersion,
				Duration:       time.Since(started),
				CompletedAt:    time.Now(),
			}, nil
		case "failed":
			return nil, &FailedError{ScanID: scanID, Reason: status.Error}
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{ScanID: scanID, Elapsed: time.Since(started)}
		}

		select {
		case <-ctx.Done():
			return nil, &TimeoutError{ScanID: scanID, Elapsed: time.Since(started)}
		case <-ticker.C:
		}
	}
}

// Score turns severity counts into a score between 0 and 100 by
// subtracting the configured weight per finding, floored at zero.
func (c *Client) Score(counts orm.SeverityCounts) float64 {
	penalty := c.weights.Critical*float64(counts.Critical) +
		c.weights.High*float64(counts.High) +
		c.weights.Medium*float64(counts.Medium) +
		c.weights.Low*float64(counts.Low) +
		c.weights.Info*float64(counts.Info)

	score := maxScore - penalty
	if score < 0 {
		score = 0
	}

	return score
}

func (c *Client) submit(
	ctx context.Context,
	name string,
	version string,
	content []byte,
) (string, error) {
	payload, err := json.Marshal(submitRequest{
		Name:     name,
		Version:  version,
		Artifact: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.endpoint+"/api/v1/scans",
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", &UnavailableError{Inner: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &UnavailableError{Inner: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted &&
		resp.StatusCode != http.StatusCreated {
		return "", &UnavailableError{
			Inner: fmt.Errorf("scan submission returned status %d", resp.StatusCode),
		}
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", &UnavailableError{
			Inner: fmt.Errorf("failed to decode scan submission response: %w", err),
		}
	}
	if submitted.ID == "" {
		return "", &UnavailableError{
			Inner: fmt.Errorf("scan submission response carried no id"),
		}
	}

	return submitted.ID, nil
}

func (c *Client) poll(ctx context.Context, scanID string) (*scanStatus, []byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.endpoint+"/api/v1/scans/"+scanID,
		nil,
	)
	if err != nil {
		return nil, nil, &UnavailableError{Inner: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, &UnavailableError{Inner: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, &UnavailableError{
			Inner: fmt.Errorf("scan poll returned status %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &UnavailableError{Inner: err}
	}

	var status scanStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, nil, &UnavailableError{
			Inner: fmt.Errorf("failed to decode scan status: %w", err),
		}
	}

	return &status, raw, nil
}
