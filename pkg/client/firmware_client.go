// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type (
	// Sink receives a streamed response. Returning false from OnReceiveBegin or
	// OnReceiveData stops the transfer; OnReceiveEnd is called exactly once after
	// OnReceiveBegin, whether the body was fully read or not.
	Sink interface {
		OnReceiveBegin(statusCode int, hasLength bool, length int64) bool
		OnReceiveData(p []byte) bool
		OnReceiveEnd() bool
	}

	FirmwareClient struct {
		HttpClient *http.Client
		Headers    map[string]string
		BufferSize int
	}
)

const (
	UserAgentPrefix   = "fwota/"
	DefaultBufferSize = 4096
)

func NewFirmwareClient(httpClient *http.Client, version string) *FirmwareClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FirmwareClient{
		HttpClient: httpClient,
		Headers: map[string]string{
			"user-agent": UserAgentPrefix + version,
		},
		BufferSize: DefaultBufferSize,
	}
}

// Fetch issues a GET for url and pushes the response into sink chunk by chunk.
// It returns the HTTP status code, or 0 if no response was received, and any
// transport error. A transfer stopped by the sink is not an error.
func (c *FirmwareClient) Fetch(ctx context.Context, url string, sink Sink) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	hasLength := resp.ContentLength >= 0
	slog.Debug("firmware response received", "status", resp.StatusCode, "length", resp.ContentLength)
	if !sink.OnReceiveBegin(resp.StatusCode, hasLength, resp.ContentLength) {
		sink.OnReceiveEnd()
		return resp.StatusCode, nil
	}

	size := c.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	buf := make([]byte, size)
	var readErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 && !sink.OnReceiveData(buf[:n]) {
			slog.Debug("transfer stopped by receiver")
			break
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("failed to read response body: %w", err)
			break
		}
	}
	sink.OnReceiveEnd()
	return resp.StatusCode, readErr
}
