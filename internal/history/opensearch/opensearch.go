package opensearch

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

	"github.com/loykin/watchdog/internal/history"
)

const DefaultIndex = "watchdog-history"

// Options configure a Sink. Username enables basic auth.
type Options struct {
	URL      string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes each event as one document through the _doc endpoint.
type Sink struct {
	client   *http.Client
	endpoint string
	user     string
	pass     string
}

func New(opts Options) *Sink {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	endpoint, err := url.JoinPath(strings.TrimRight(opts.URL, "/"), opts.Index, "_doc")
	if err != nil {
		endpoint = strings.TrimRight(opts.URL, "/") + "/" + opts.Index + "/_doc"
	}
	return &Sink{
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: endpoint,
		user:     opts.Username,
		pass:     opts.Password,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
