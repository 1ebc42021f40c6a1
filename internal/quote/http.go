package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/soyeahso/tradesim/internal/version"
)

// noRouteCodes are aggregator error codes that mean the pair cannot be routed.
var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

// HTTPSource prices trades against a swap aggregator exposing a
// GET /quote?inputMint=&outputMint=&amount=&slippageBps= endpoint.
type HTTPSource struct {
	baseURL     string
	slippageBps int
	decimals    Decimals
	client      *http.Client
	limiter     *rate.Limiter
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	BaseURL            string
	Timeout            time.Duration
	RateLimitPerMinute int // 0 disables limiting
	SlippageBps        int
	Decimals           Decimals
	Client             *http.Client // optional; overrides Timeout
}

// NewHTTPSource creates an aggregator-backed quote source.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	// Shared by every agent, so the fleet as a whole respects the upstream quota.
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitPerMinute > 0 {
		burst := max(opts.RateLimitPerMinute/60, 1)
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RateLimitPerMinute)/60.0), burst)
	}

	return &HTTPSource{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		slippageBps: opts.SlippageBps,
		decimals:    opts.Decimals,
		client:      client,
		limiter:     limiter,
	}
}

type quoteResponse struct {
	InAmount  string `json:"inAmount"`
	OutAmount string `json:"outAmount"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// Quote implements Source.
func (h *HTTPSource) Quote(ctx context.Context, req Request) (Quote, error) {
	inDec := h.decimals.Of(req.InputMint)
	outDec := h.decimals.Of(req.OutputMint)
	amount, err := toBaseUnits(req.Amount, inDec)
	if err != nil {
		return Quote{}, err
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("waiting for quote rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(h.slippageBps))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Quote{}, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && (noRouteCodes[e.ErrorCode] || strings.Contains(strings.ToLower(e.Error), "route")) {
			return Quote{}, ErrNoRoute
		}
		return Quote{}, fmt.Errorf("quote API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return Quote{}, fmt.Errorf("failed to parse response: %w", err)
	}
	inAmount, err1 := strconv.ParseUint(qr.InAmount, 10, 64)
	outAmount, err2 := strconv.ParseUint(qr.OutAmount, 10, 64)
	if err1 != nil || err2 != nil {
		return Quote{}, fmt.Errorf("malformed quote amounts in=%q out=%q", qr.InAmount, qr.OutAmount)
	}
	if inAmount == 0 || outAmount == 0 {
		return Quote{}, ErrNoRoute
	}

	return Quote{
		InAmount:    inAmount,
		InDecimals:  inDec,
		OutAmount:   outAmount,
		OutDecimals: outDec,
	}, nil
}
