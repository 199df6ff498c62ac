package porygon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dedupeRetention  = 5 * time.Minute
	dedupeSweepEvery = time.Minute
)

// RequestConfig narrows one request enough to key de-duplication on it.
type RequestConfig struct {
	Headers map[string]string
	Query   map[string]string
	Body    interface{}
}

type pendingRequest struct {
	done        chan struct{}
	result      []byte
	err         error
	completedAt time.Time
}

// SyncClient is the client-side counterpart of the push protocol: it
// de-duplicates concurrent identical requests, reassembles chunked
// streaming responses and batches outgoing mutations.
type SyncClient struct {
	baseURL string
	http    *http.Client
	codec   MessageCodec

	mu       sync.Mutex
	requests map[string]*pendingRequest
	doneCh   chan struct{}
}

func NewSyncClient(baseURL string) *SyncClient {
	c := &SyncClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		codec:    NewDefaultCodec(),
		requests: make(map[string]*pendingRequest),
		doneCh:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *SyncClient) Close() {
	close(c.doneCh)
}

// Do performs one request. A concurrent or recent call with an identical
// (url, method, config) key shares the same underlying network request and
// result; completed entries age out after the retention window.
func (c *SyncClient) Do(method, path string, cfg *RequestConfig) ([]byte, error) {
	key, err := requestKey(method, path, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p, found := c.requests[key]; found {
		c.mu.Unlock()
		<-p.done
		return p.result, p.err
	}
	p := &pendingRequest{done: make(chan struct{})}
	c.requests[key] = p
	c.mu.Unlock()

	p.result, p.err = c.perform(method, path, cfg)
	c.mu.Lock()
	p.completedAt = time.Now()
	c.mu.Unlock()
	close(p.done)
	return p.result, p.err
}

func (c *SyncClient) perform(method, path string, cfg *RequestConfig) ([]byte, error) {
	req, err := c.newRequest(method, path, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

func (c *SyncClient) newRequest(method, path string, cfg *RequestConfig) (*http.Request, error) {
	var body io.Reader
	if cfg != nil && cfg.Body != nil {
		raw, err := c.codec.Encode(cfg.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		q := req.URL.Query()
		for k, v := range cfg.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Stream issues the request and delivers each newline-delimited chunk in
// order. The terminal marker ends the sequence and releases the transport.
func (c *SyncClient) Stream(method, path string, cfg *RequestConfig, onChunk func(interface{})) error {
	req, err := c.newRequest(method, path, cfg)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk interface{}
			if decodeErr := c.codec.Decode(bytes.TrimSpace(line), &chunk); decodeErr != nil {
				log.Warnf("malformed stream chunk dropped: %v", decodeErr)
			} else if s, ok := chunk.(string); ok && s == streamEndEvent {
				return nil
			} else {
				onChunk(chunk)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *SyncClient) sweepLoop() {
	ticker := time.NewTicker(dedupeSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *SyncClient) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.requests {
		if !p.completedAt.IsZero() && now.Sub(p.completedAt) > dedupeRetention {
			delete(c.requests, key)
		}
	}
}

// requestKey canonicalizes the config so that logically identical requests
// share one key regardless of map iteration order.
func requestKey(method, path string, cfg *RequestConfig) (string, error) {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(path)
	if cfg == nil {
		return b.String(), nil
	}

	writeSorted := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("|")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(m[k])
		}
	}
	writeSorted(cfg.Headers)
	writeSorted(cfg.Query)

	if cfg.Body != nil {
		// json.Marshal writes map keys in sorted order, so the body part
		// is canonical too.
		raw, err := json.Marshal(cfg.Body)
		if err != nil {
			return "", err
		}
		b.WriteString("|")
		b.Write(raw)
	}
	return b.String(), nil
}

// BatchCollector queues client-originated mutations and flushes them as a
// single submission, reducing request count. Results come back in input
// order.
type BatchCollector struct {
	client *SyncClient

	mu      sync.Mutex
	updates []BatchUpdate
}

func NewBatchCollector(client *SyncClient) *BatchCollector {
	return &BatchCollector{client: client}
}

func (bc *BatchCollector) Add(u BatchUpdate) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.updates = append(bc.updates, u)
}

func (bc *BatchCollector) Clear() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.updates = nil
}

func (bc *BatchCollector) Size() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.updates)
}

// Send flushes the queued updates without clearing them.
func (bc *BatchCollector) Send() ([]BatchResult, error) {
	bc.mu.Lock()
	updates := make([]BatchUpdate, len(bc.updates))
	copy(updates, bc.updates)
	bc.mu.Unlock()

	raw, err := bc.client.perform(http.MethodPost, "/batch", &RequestConfig{Body: updates})
	if err != nil {
		return nil, err
	}
	var results []BatchResult
	if err := bc.client.codec.Decode(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// SendAndClear flushes and, on success, empties the collector.
func (bc *BatchCollector) SendAndClear() ([]BatchResult, error) {
	results, err := bc.Send()
	if err != nil {
		return nil, err
	}
	bc.Clear()
	return results, nil
}
