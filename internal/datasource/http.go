package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

const maxHTTPBody = 10 << 20

// HTTPDriver calls a JSON API. A pattern's first line is "METHOD /path?query";
// anything after the first blank line is a JSON request body.
type HTTPDriver struct {
	baseURL *url.URL
	client  *http.Client
	headers http.Header
}

func OpenHTTP(ctx context.Context, spec Spec) (Driver, error) {
	raw := spec.Param("base_url", "")
	if raw == "" {
		return nil, fmt.Errorf("http datasource requires base_url")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url %q: %w", raw, err)
	}

	headers := make(http.Header)
	for k, v := range spec.Params {
		if name, ok := strings.CutPrefix(k, "header_"); ok {
			headers.Set(name, v)
		}
	}
	if token := spec.Param("token", ""); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	return &HTTPDriver{
		baseURL: base,
		headers: headers,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (d *HTTPDriver) Kind() string { return KindHTTP }

func (d *HTTPDriver) Execute(ctx context.Context, q BoundQuery) (*ResultSet, error) {
	head, body, _ := strings.Cut(strings.TrimSpace(q.Pattern), "\n\n")

	line, err := BoundQuery{TemplateID: q.TemplateID, Pattern: head, Values: q.Values}.Inline(urlValue)
	if err != nil {
		return nil, errs.Permanent(KindHTTP, err)
	}
	method, target, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		method, target = http.MethodGet, method
	}

	ref, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, errs.Permanent(KindHTTP, fmt.Errorf("invalid request target: %w", err))
	}

	var reqBody io.Reader
	if strings.TrimSpace(body) != "" {
		rendered, err := BoundQuery{TemplateID: q.TemplateID, Pattern: body, Values: q.Values}.Inline(jsonValue)
		if err != nil {
			return nil, errs.Permanent(KindHTTP, err)
		}
		reqBody = bytes.NewBufferString(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), d.baseURL.ResolveReference(ref).String(), reqBody)
	if err != nil {
		return nil, errs.Permanent(KindHTTP, err)
	}
	for k, v := range d.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classify(KindHTTP, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, classify(KindHTTP, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.Transient(KindHTTP, fmt.Errorf("backend returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, errs.Permanent(KindHTTP, fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	rows, err := decodeRows(payload)
	if err != nil {
		return nil, errs.Permanent(KindHTTP, err)
	}
	return &ResultSet{Columns: columnsOf(rows), Rows: rows, Source: KindHTTP, Duration: time.Since(start)}, nil
}

func (d *HTTPDriver) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (d *HTTPDriver) Close(context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}

func urlValue(v any) (string, error) {
	if items, ok := listItems(v); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		v = strings.Join(parts, ",")
	}
	return strings.ReplaceAll(url.QueryEscape(fmt.Sprint(v)), "+", "%20"), nil
}

// decodeRows accepts a JSON array, an object wrapping an array under a
// common key, or a single object.
func decodeRows(payload []byte) ([]map[string]any, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if obj, ok := doc.(map[string]any); ok {
		for _, key := range []string{"data", "results", "items", "rows"} {
			if arr, ok := obj[key].([]any); ok {
				doc = arr
				break
			}
		}
	}

	switch t := doc.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			} else {
				rows = append(rows, map[string]any{"value": item})
			}
		}
		return rows, nil
	case map[string]any:
		return []map[string]any{t}, nil
	}
	return []map[string]any{{"value": doc}}, nil
}
