package providers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/peoplecore/llmgateway/llm"
)

// MapHTTPError normalizes an upstream HTTP failure into a typed error.
// 429 and 5xx are retryable; auth and validation failures are not.
func MapHTTPError(provider string, status int, body string) *llm.Error {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var e *llm.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = llm.NewError(llm.ErrCodeAuthentication, msg)
	case status == http.StatusNotFound:
		e = llm.NewError(llm.ErrCodeModelNotFound, msg)
	case status == http.StatusTooManyRequests:
		e = llm.NewError(llm.ErrCodeRateLimited, msg).AsRetryable()
	case status >= 500:
		e = llm.NewError(llm.ErrCodeUpstream, msg).AsRetryable()
	case status >= 400:
		e = llm.NewError(llm.ErrCodeInvalidRequest, msg)
	default:
		e = llm.NewError(llm.ErrCodeUpstream, fmt.Sprintf("unexpected status %d: %s", status, msg))
	}
	return e.WithStatus(status).WithProvider(provider)
}

// SSEDone is the OpenAI-style end-of-stream sentinel.
const SSEDone = "[DONE]"

// ScanSSE reads server-sent events from r and invokes fn with each data
// payload. The [DONE] sentinel ends the scan without being delivered.
// fn returning an error aborts the stream; context cancellation is
// checked between events.
func ScanSSE(ctx context.Context, r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == SSEDone {
			return nil
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ScanLines reads newline-delimited JSON (Ollama streams this way) and
// invokes fn per non-empty line.
func ScanLines(ctx context.Context, r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadBody drains a response body for error reporting, capped to keep
// log lines bounded.
func ReadBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(data)
}
