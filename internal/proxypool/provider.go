package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/types"
)

const maxProviderPages = 50

// Provider lists proxies from an external source.
type Provider interface {
	Fetch(ctx context.Context) ([]types.Proxy, error)
}

// HTTPProvider reads a paged JSON listing: GET <url>?page=N returning
// {"data":[{"ip":"1.2.3.4","port":8080}],"next_page":2}.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{baseURL: baseURL, httpClient: client}
}

// port accepts both 8080 and "8080".
type port int

func (p *port) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q", s)
	}
	*p = port(n)
	return nil
}

type providerPage struct {
	Data []struct {
		IP   string `json:"ip"`
		Port port   `json:"port"`
	} `json:"data"`
	NextPage *int `json:"next_page"`
}

func (p *HTTPProvider) Fetch(ctx context.Context) ([]types.Proxy, error) {
	var out []types.Proxy
	page := 1
	for i := 0; i < maxProviderPages; i++ {
		body, err := p.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			if d.IP == "" || d.Port <= 0 {
				continue
			}
			out = append(out, types.Proxy{Address: d.IP, Port: int(d.Port)})
		}
		if body.NextPage == nil || *body.NextPage <= page {
			break
		}
		page = *body.NextPage
	}
	return out, nil
}

func (p *HTTPProvider) fetchPage(ctx context.Context, page int) (*providerPage, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy provider: %v", custom_errors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: proxy provider: status %d", custom_errors.ErrUpstream, resp.StatusCode)
	}
	var body providerPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode proxy listing: %w", err)
	}
	return &body, nil
}
