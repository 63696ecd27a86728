// Package ipfs is a thin client for the content-addressed store's HTTP RPC
// (the Kubo /api/v0 surface). It covers exactly the operations the radio
// pipeline needs: add-with-pin, pin management, repo maintenance, key
// management, IPNS publishing, and pubsub.
package ipfs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sleetbubble/sleetbubble/internal/httpclient"
)

// Error taxonomy. Callers branch on these three kinds; everything the store
// can do wrong collapses into one of them.
var (
	// ErrNetwork wraps transport-level failures (store unreachable, timeouts).
	ErrNetwork = errors.New("ipfs: network error")

	// ErrDecode wraps malformed responses and payloads.
	ErrDecode = errors.New("ipfs: decode error")
)

// RemoteError is a non-200 response from the store.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipfs: remote error: status %d: %s", e.Status, e.Body)
}

// Per-operation timeouts.
const (
	identityTimeout  = 5 * time.Second
	addTimeout       = 30 * time.Second
	pinTimeout       = 30 * time.Second
	keyTimeout       = 10 * time.Second
	publishTimeout   = 30 * time.Second
	repoStatTimeout  = 10 * time.Second
	repoGCTimeout    = 120 * time.Second
	pubsubPubTimeout = 5 * time.Second
)

// Identity describes the store node.
type Identity struct {
	ID           string   `json:"ID"`
	AgentVersion string   `json:"AgentVersion"`
	Addresses    []string `json:"Addresses"`
}

// Key is a named IPNS key.
type Key struct {
	Name string `json:"Name"`
	ID   string `json:"Id"`
}

// RepoStat reports repository storage usage.
type RepoStat struct {
	RepoSize   uint64 `json:"RepoSize"`
	StorageMax uint64 `json:"StorageMax"`
	NumObjects uint64 `json:"NumObjects"`
}

// PublishOptions tune an IPNS record.
type PublishOptions struct {
	Lifetime     string
	TTL          string
	AllowOffline bool
}

// Message is one raw pubsub delivery. Data is still multibase-encoded; use
// MultibaseDecode (or DecodeData) to interpret it.
type Message struct {
	From     string   `json:"from"`
	Data     string   `json:"data"`
	Seqno    string   `json:"seqno"`
	TopicIDs []string `json:"topicIDs"`
}

// DecodeData returns the decoded payload of the message.
func (m Message) DecodeData() ([]byte, error) {
	return MultibaseDecode(m.Data)
}

// Client talks to one store node.
type Client struct {
	apiURL string
	http   *httpclient.Client
	logger *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient swaps the underlying resilient HTTP client.
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the store RPC at apiURL
// (for example "http://127.0.0.1:5001").
func NewClient(apiURL string, opts ...Option) *Client {
	c := &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		cfg := httpclient.DefaultConfig()
		cfg.Logger = c.logger
		c.http = httpclient.New(cfg)
	}
	return c
}

// endpoint builds the RPC URL for an action plus query parameters.
func (c *Client) endpoint(action string, params url.Values) string {
	u := c.apiURL + "/api/v0/" + action
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// post issues a plain POST and decodes the JSON response into out (if non-nil).
func (c *Client) post(ctx context.Context, action string, params url.Values, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(action, params), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetwork, action, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// decodeResponse maps non-200 statuses to RemoteError and unmarshals the body.
func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// Identity fetches the node identity. Doubles as a readiness probe.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.post(ctx, "id", nil, identityTimeout, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// WaitReady polls the store identity until it answers or the context ends.
func (c *Client) WaitReady(ctx context.Context, pollInterval time.Duration) (*Identity, error) {
	for {
		id, err := c.Identity(ctx)
		if err == nil {
			return id, nil
		}
		c.logger.Debug("store not ready", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add uploads one blob and returns its CID. The blob is pinned recursively
// unless pin is false.
func (c *Client) Add(ctx context.Context, filename string, data []byte, pin bool) (string, error) {
	return c.add(ctx, filename, pin, func() (io.Reader, func(), error) {
		return bytes.NewReader(data), func() {}, nil
	})
}

// AddFile uploads a file from disk and returns its CID. The file is reopened
// on each retry attempt.
func (c *Client) AddFile(ctx context.Context, path string, pin bool) (string, error) {
	return c.add(ctx, filepath.Base(path), pin, func() (io.Reader, func(), error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	})
}

func (c *Client) add(ctx context.Context, filename string, pin bool, open func() (io.Reader, func(), error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, addTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("pin", fmt.Sprintf("%t", pin))
	params.Set("quiet", "true")

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		src, closeSrc, err := open()
		if err != nil {
			return nil, err
		}
		defer closeSrc()

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, src); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("add", params), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: add %s: %v", ErrNetwork, filename, err)
	}
	defer resp.Body.Close()

	var added addResponse
	if err := decodeResponse(resp, &added); err != nil {
		return "", err
	}
	if added.Hash == "" {
		return "", fmt.Errorf("%w: add response missing hash", ErrDecode)
	}
	return added.Hash, nil
}

// PinAdd pins an existing CID recursively.
func (c *Client) PinAdd(ctx context.Context, cid string) error {
	params := url.Values{}
	params.Set("arg", cid)
	return c.post(ctx, "pin/add", params, pinTimeout, nil)
}

// PinRm unpins a CID.
func (c *Client) PinRm(ctx context.Context, cid string) error {
	params := url.Values{}
	params.Set("arg", cid)
	return c.post(ctx, "pin/rm", params, pinTimeout, nil)
}

type pinListResponse struct {
	Keys map[string]struct {
		Type string `json:"Type"`
	} `json:"Keys"`
}

// PinList returns the set of recursively pinned CIDs.
func (c *Client) PinList(ctx context.Context) (map[string]struct{}, error) {
	params := url.Values{}
	params.Set("type", "recursive")

	var listed pinListResponse
	if err := c.post(ctx, "pin/ls", params, pinTimeout, &listed); err != nil {
		return nil, err
	}
	pins := make(map[string]struct{}, len(listed.Keys))
	for cid := range listed.Keys {
		pins[cid] = struct{}{}
	}
	return pins, nil
}

// RepoStat reports repository storage usage.
func (c *Client) RepoStat(ctx context.Context) (*RepoStat, error) {
	var stat RepoStat
	if err := c.post(ctx, "repo/stat", nil, repoStatTimeout, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

// RepoGC triggers a repo garbage collection and drains the event stream.
// Per-object errors reported by the store are surfaced as warnings, not
// failures.
func (c *Client) RepoGC(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, repoGCTimeout)
	defer cancel()

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("repo/gc", nil), nil)
	})
	if err != nil {
		return fmt.Errorf("%w: repo/gc: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event struct {
			Key   map[string]string `json:"Key"`
			Error string            `json:"Error"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != "" {
			c.logger.Warn("repo gc error", slog.String("error", event.Error))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading gc stream: %v", ErrNetwork, err)
	}
	return nil
}

type keyListResponse struct {
	Keys []Key `json:"Keys"`
}

// KeyList returns all IPNS keys known to the node.
func (c *Client) KeyList(ctx context.Context) ([]Key, error) {
	var listed keyListResponse
	if err := c.post(ctx, "key/list", nil, keyTimeout, &listed); err != nil {
		return nil, err
	}
	return listed.Keys, nil
}

// KeyGen creates a new ed25519 IPNS key and returns its id.
func (c *Client) KeyGen(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	params.Set("arg", name)
	params.Set("type", "ed25519")

	var key Key
	if err := c.post(ctx, "key/gen", params, keyTimeout, &key); err != nil {
		return "", err
	}
	if key.ID == "" {
		return "", fmt.Errorf("%w: key/gen response missing id", ErrDecode)
	}
	return key.ID, nil
}

// KeyRename renames an IPNS key.
func (c *Client) KeyRename(ctx context.Context, oldName, newName string) error {
	params := url.Values{}
	params.Set("arg", oldName)
	params.Set("arg2", newName)
	return c.post(ctx, "key/rename", params, keyTimeout, nil)
}

type namePublishResponse struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// NamePublish binds the key's mutable name to the CID and returns the
// published name. The name is stable across calls for a given key.
func (c *Client) NamePublish(ctx context.Context, keyName, cid string, opts PublishOptions) (string, error) {
	params := url.Values{}
	params.Set("arg", cid)
	params.Set("key", keyName)
	params.Set("resolve", "true")
	if opts.Lifetime != "" {
		params.Set("lifetime", opts.Lifetime)
	}
	if opts.TTL != "" {
		params.Set("ttl", opts.TTL)
	}
	if opts.AllowOffline {
		params.Set("allow-offline", "true")
	}

	var published namePublishResponse
	if err := c.post(ctx, "name/publish", params, publishTimeout, &published); err != nil {
		return "", err
	}
	if published.Name == "" {
		return "", fmt.Errorf("%w: name/publish response missing name", ErrDecode)
	}
	return published.Name, nil
}

// PubsubPublish sends a payload on the topic. The topic name travels
// multibase-encoded; the payload rides as a multipart form field.
func (c *Client) PubsubPublish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, pubsubPubTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("arg", EncodeTopic(topic))

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("data", "data")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(payload); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("pubsub/pub", params), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("%w: pubsub/pub: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, nil)
}

// PubsubSubscribe opens a long-lived subscription to the topic. Messages are
// delivered on the returned channel until the stream ends or the context is
// cancelled; the channel is then closed. The subscription has no read
// deadline. The caller drains with its own backpressure; when the channel
// buffer fills, further deliveries are dropped.
func (c *Client) PubsubSubscribe(ctx context.Context, topic string) (<-chan Message, error) {
	params := url.Values{}
	params.Set("arg", EncodeTopic(topic))

	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("pubsub/sub", params), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pubsub/sub: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	out := make(chan Message, 64)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		// Unblock the scanner when the context ends.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-done:
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				c.logger.Warn("dropping undecodable pubsub frame",
					slog.String("error", err.Error()))
				continue
			}
			select {
			case out <- msg:
			default:
				c.logger.Warn("pubsub consumer lagging, dropping message",
					slog.String("topic", topic))
			}
		}
	}()

	return out, nil
}
