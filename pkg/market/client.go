package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/types"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// Client is the typed wrapper over the market gateway HTTP API. Methods
// that submit signed transactions serialize nonce bookkeeping behind a
// single mutex held across the request and response.
type Client interface {
	Status(ctx context.Context) (*ChainStatus, error)
	Parameters(ctx context.Context) (*Parameters, error)
	GetBounty(ctx context.Context, guid string) (*types.BountyEvent, error)
	PendingBounties(ctx context.Context) ([]types.BountyEvent, error)
	Assertions(ctx context.Context, guid string) ([]types.Assertion, error)
	Vote(ctx context.Context, guid string, votes []bool) error
	Settle(ctx context.Context, guid string) error
	Balance(ctx context.Context, kind, chain string) (string, error)
	StakingBalance(ctx context.Context, kind string) (string, error)
	StakeDeposit(ctx context.Context, amount string) error
	RelayDeposit(ctx context.Context, amount string) error
	RelayWithdraw(ctx context.Context, amount string) error
}

// ChainStatus mirrors GET /status.
type ChainStatus struct {
	Side struct {
		Block uint64 `json:"block"`
	} `json:"side"`
	Home struct {
		Block uint64 `json:"block"`
	} `json:"home"`
}

// Parameters mirrors GET /bounties/parameters.
type Parameters struct {
	AssertionRevealWindow uint64 `json:"assertion_reveal_window"`
	ArbiterVoteWindow     uint64 `json:"arbiter_vote_window"`
}

// envelope is the gateway's JSON response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Errors json.RawMessage `json:"errors"`
}

// HTTPClient talks to the market gateway over HTTP.
type HTTPClient struct {
	host    string
	account string
	chain   string
	client  *http.Client

	// nonceMu serializes signed transactions; the gateway hands out
	// nonces and two interleaved signed calls would race on them.
	nonceMu sync.Mutex
}

// NewClient creates a gateway client for the given host, account address,
// and chain (home or side).
func NewClient(host, account, chain string) *HTTPClient {
	return &HTTPClient{
		host:    host,
		account: account,
		chain:   chain,
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (c *HTTPClient) url(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: c.host, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *HTTPClient) chainQuery(chain string) url.Values {
	q := url.Values{}
	q.Set("chain", chain)
	q.Set("account", c.account)
	return q
}

// call issues one request and decodes the envelope into out (when non-nil).
func (c *HTTPClient) call(ctx context.Context, method, rawurl string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("market request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode != http.StatusOK {
		msg := env.Status
		if msg == "" {
			msg = resp.Status
		}
		if len(env.Errors) > 0 {
			msg = string(env.Errors)
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("market response decode failed: %w", decodeErr)
	}
	if env.Status != "OK" {
		return &Error{Status: resp.StatusCode, Message: env.Status}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("market result decode failed: %w", err)
		}
	}
	return nil
}

// Status fetches the current block on both chains.
func (c *HTTPClient) Status(ctx context.Context) (*ChainStatus, error) {
	var status ChainStatus
	if err := c.call(ctx, http.MethodGet, c.url("/status", nil), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Parameters fetches the market's reveal and vote windows. Read once at
// startup; deadlines are computed from these.
func (c *HTTPClient) Parameters(ctx context.Context) (*Parameters, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	var params Parameters
	if err := c.call(ctx, http.MethodGet, c.url("/bounties/parameters", q), nil, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// GetBounty fetches one bounty descriptor.
func (c *HTTPClient) GetBounty(ctx context.Context, guid string) (*types.BountyEvent, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	var bounty types.BountyEvent
	if err := c.call(ctx, http.MethodGet, c.url("/bounties/"+guid, q), nil, &bounty); err != nil {
		return nil, err
	}
	return &bounty, nil
}

// PendingBounties lists bounties that are still awaiting arbiter action,
// used to catch up after a stream reconnect.
func (c *HTTPClient) PendingBounties(ctx context.Context) ([]types.BountyEvent, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	var pending []types.BountyEvent
	if err := c.call(ctx, http.MethodGet, c.url("/bounties/pending", q), nil, &pending); err != nil {
		return nil, err
	}
	var active []types.BountyEvent
	if err := c.call(ctx, http.MethodGet, c.url("/bounties/active", q), nil, &active); err != nil {
		return nil, err
	}
	return append(pending, active...), nil
}

// Assertions fetches the expert assertions for a bounty.
func (c *HTTPClient) Assertions(ctx context.Context, guid string) ([]types.Assertion, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	var assertions []types.Assertion
	err := c.call(ctx, http.MethodGet, c.url("/bounties/"+guid+"/assertions", q), nil, &assertions)
	if err != nil {
		return nil, err
	}
	return assertions, nil
}

// nonce fetches the next transaction nonce for our account. Callers must
// hold nonceMu.
func (c *HTTPClient) nonce(ctx context.Context, chain string) (uint64, error) {
	q := url.Values{}
	q.Set("chain", chain)
	q.Set("account", c.account)
	var value json.Number
	if err := c.call(ctx, http.MethodGet, c.url("/nonce", q), nil, &value); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(value.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad nonce %q: %w", value, err)
	}
	return n, nil
}

// txEnvelope is the signed-transaction response of vote/settle/relay
// endpoints.
type txEnvelope struct {
	Transactions []string `json:"transactions"`
}

// signedPost performs a signed gateway call: fetch nonce, issue the call,
// forward the returned raw transactions. The nonce mutex is held across
// the whole exchange.
func (c *HTTPClient) signedPost(ctx context.Context, chain, path string, body interface{}) error {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.nonce(ctx, chain)
	if err != nil {
		return err
	}

	q := c.chainQuery(chain)
	q.Set("base_nonce", strconv.FormatUint(nonce, 10))

	var env txEnvelope
	if err := c.call(ctx, http.MethodPost, c.url(path, q), body, &env); err != nil {
		return err
	}
	if len(env.Transactions) == 0 {
		return nil
	}

	var result struct {
		Errors []string `json:"errors"`
	}
	err = c.call(ctx, http.MethodPost, c.url("/transactions", c.chainQuery(chain)),
		map[string]interface{}{"transactions": env.Transactions}, &result)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return &Error{Status: http.StatusBadRequest, Message: result.Errors[0]}
	}
	return nil
}

// Vote submits our ground truth for the bounty.
func (c *HTTPClient) Vote(ctx context.Context, guid string, votes []bool) error {
	logger := log.WithGUID(guid)
	logger.Debug().Interface("votes", votes).Msg("Submitting vote")
	return c.signedPost(ctx, c.chain, "/bounties/"+guid+"/vote", map[string]interface{}{
		"votes":       votes,
		"valid_bloom": false,
	})
}

// Settle collects payout for a bounty we voted on.
func (c *HTTPClient) Settle(ctx context.Context, guid string) error {
	logger := log.WithGUID(guid)
	logger.Debug().Msg("Settling bounty")
	return c.signedPost(ctx, c.chain, "/bounties/"+guid+"/settle", nil)
}

// Balance fetches an account balance as a big-integer string.
func (c *HTTPClient) Balance(ctx context.Context, kind, chain string) (string, error) {
	q := url.Values{}
	q.Set("chain", chain)
	var value json.Number
	err := c.call(ctx, http.MethodGet,
		c.url("/balances/"+c.account+"/"+kind, q), nil, &value)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StakingBalance fetches our staking balance of the given kind
// (total or withdrawable).
func (c *HTTPClient) StakingBalance(ctx context.Context, kind string) (string, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	var value json.Number
	err := c.call(ctx, http.MethodGet,
		c.url("/balances/"+c.account+"/staking/"+kind, q), nil, &value)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StakeDeposit stakes the given amount so the market accepts our votes.
func (c *HTTPClient) StakeDeposit(ctx context.Context, amount string) error {
	return c.signedPost(ctx, c.chain, "/staking/deposit", map[string]interface{}{
		"amount": amount,
	})
}

// RelayDeposit moves funds from the home chain to the side chain.
func (c *HTTPClient) RelayDeposit(ctx context.Context, amount string) error {
	return c.signedPost(ctx, "home", "/relay/deposit", map[string]interface{}{
		"amount": amount,
	})
}

// RelayWithdraw moves funds from the side chain back home.
func (c *HTTPClient) RelayWithdraw(ctx context.Context, amount string) error {
	return c.signedPost(ctx, "side", "/relay/withdraw", map[string]interface{}{
		"amount": amount,
	})
}
