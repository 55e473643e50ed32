package gateway

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/gateway")

// maxSSELine bounds a single SSE line.
const maxSSELine = 4 << 20

// hopHeaders are never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ForwardParams groups parameters for forwarding a request upstream.
type ForwardParams struct {
	Context       context.Context
	Client        *http.Client
	Provider      string
	UpstreamURL   string
	Method        string
	Body          io.Reader
	ContentLength int64
	Header        http.Header
	// assembler, when set, rebuilds the assistant message from the response.
	assembler *assembler
	// guard, when set, refuses denied tool calls before they are relayed.
	guard *responseGuard
}

// Forward sends the request upstream and relays the response to w. SSE
// responses are written and flushed event by event. It returns the upstream
// status; an *UpstreamError means nothing was written to w.
func Forward(w http.ResponseWriter, p ForwardParams) (int, error) {
	ctx, span := tracer.Start(p.Context, "gateway.forward",
		trace.WithAttributes(
			attribute.String("gateway.provider", p.Provider),
			attribute.String("http.method", p.Method),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, p.Method, p.UpstreamURL, p.Body)
	if err != nil {
		return 0, &UpstreamError{Provider: p.Provider, Err: err}
	}
	req.ContentLength = p.ContentLength
	req.Header = upstreamHeader(p.Header)

	resp, err := p.Client.Do(req)
	if err != nil {
		span.RecordError(err)
		return 0, &UpstreamError{Provider: p.Provider, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	// Error responses are relayed as one body even when labelled as a stream.
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if success && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		copyResponseHeaders(w, resp.Header)
		w.WriteHeader(resp.StatusCode)
		return resp.StatusCode, streamCopy(ctx, w, resp.Body, p.assembler, p.guard)
	}
	if p.assembler == nil || !success {
		copyResponseHeaders(w, resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, err = io.Copy(w, resp.Body)
		return resp.StatusCode, err
	}

	// A complete body is inspected before anything is written.
	all, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return 0, &UpstreamError{Provider: p.Provider, Err: err}
	}
	p.assembler.body(all)
	if p.guard != nil {
		all, err = p.guard.body(all, p.assembler.result().ToolCalls)
		if err != nil {
			span.RecordError(err)
			WriteProviderError(w, p.Provider, http.StatusBadGateway, "Response blocked: unable to verify requested tool calls")
			return http.StatusBadGateway, nil
		}
	}
	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(all)
	return resp.StatusCode, err
}

// upstreamHeader copies inbound headers for the upstream request. Provider
// credentials pass through unmodified; transport-level and gateway-only
// headers are dropped.
func upstreamHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	// Go's transport negotiates compression itself; forwarding the client's
	// value would hand us compressed bytes.
	out.Del("Accept-Encoding")
	out.Del("Content-Length")
	out.Del(ConversationHeader)
	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	return out
}

func copyResponseHeaders(w http.ResponseWriter, from http.Header) {
	for k, vs := range from {
		skip := strings.EqualFold(k, "Content-Length")
		for _, h := range hopHeaders {
			if strings.EqualFold(k, h) {
				skip = true
			}
		}
		if skip {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

// streamCopy copies the SSE stream to w, flushing after each event. Complete
// events are fed to asm and, when guard is set, relayed through it.
func streamCopy(ctx context.Context, w http.ResponseWriter, r io.Reader, asm *assembler, guard *responseGuard) error {
	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxSSELine)

	write := func(events [][]byte) error {
		for _, ev := range events {
			if _, err := w.Write(ev); err != nil {
				return err
			}
		}
		if len(events) > 0 && flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	var buf []byte
	emit := func() error {
		if len(buf) == 0 {
			return nil
		}
		if asm != nil {
			asm.event(buf)
		}
		out := [][]byte{buf}
		if guard != nil {
			out = guard.event(buf)
		}
		if err := write(out); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		buf = append(buf, line...)
		buf = append(buf, '\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err := emit(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := emit(); err != nil {
		return err
	}
	if guard != nil {
		return write(guard.finish())
	}
	return nil
}

// NewHTTPClient returns the client used for upstream calls.
func NewHTTPClient(timeouts ParsedTimeouts) *http.Client {
	return &http.Client{
		Timeout: timeouts.RequestTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeouts.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: timeouts.RequestTimeout,
			TLSHandshakeTimeout:   timeouts.ConnectTimeout,
			MaxIdleConnsPerHost:   32,
		},
	}
}
