// Package directory fetches the trading accounts eligible for
// regulation from the account directory service.
package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cipherflows/regulator/pkg/logger"
)

const (
	// Programme and broker values a record must carry to be eligible.
	programmeBouncestream = "bouncestream"

	// Minimum balances per risk tier. Accounts under the floor are
	// funded too thinly to regulate and get skipped.
	uniqueBalanceFloor  = 12
	regularBalanceFloor = 100
)

var validBrokers = map[string]bool{"deriv": true, "forex": true}

var validTimeframeModes = map[string]bool{
	"priority_timeframe": true,
	"alltimeframes":      true,
}

// Account is one validated directory record.
type Account struct {
	ID           string
	SubaccountID string
	Broker       string
	Server       string
	LoginID      string
	Password     string
	RiskTier     string
	Timeframe    string
}

// Key names the account's ledger file prefix.
func (a Account) Key() string {
	if a.SubaccountID != "" {
		return fmt.Sprintf("user_%s_sub_%s", a.ID, a.SubaccountID)
	}
	return "user_" + a.ID
}

// Config points the client at the directory service. BackupURL is
// tried when the primary is unreachable.
type Config struct {
	BaseURL   string
	BackupURL string
	Token     string
	Timeout   time.Duration
}

// Client talks to the directory service over its JSON API.
type Client struct {
	primary *resty.Client
	backup  *resty.Client
}

// NewClient builds a directory client; a backup transport is only set
// up when a backup URL is configured.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{primary: newTransport(cfg.BaseURL, cfg.Token, timeout)}
	if cfg.BackupURL != "" {
		c.backup = newTransport(cfg.BackupURL, cfg.Token, timeout)
	}
	return c
}

func newTransport(baseURL, token string, timeout time.Duration) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return client
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Results []accountRecord `json:"results"`
}

type accountRecord struct {
	UserID         string  `json:"user_id"`
	AccountStatus  string  `json:"account_status"`
	SubaccountID   string  `json:"subaccount_id"`
	Programme      string  `json:"programme"`
	Broker         string  `json:"broker"`
	BrokerServer   string  `json:"broker_server"`
	BrokerLoginID  string  `json:"broker_loginid"`
	BrokerPassword string  `json:"broker_password"`
	TimeframeMode  string  `json:"programme_timeframe"`
	Rank           string  `json:"rank"`
	Balance        float64 `json:"current_balance"`
}

// ActiveAccounts fetches and validates the directory records. Records
// with inconsistent fields are skipped with a warning rather than
// failing the whole fetch.
func (c *Client) ActiveAccounts(ctx context.Context) ([]Account, error) {
	env, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	accounts := make([]Account, 0, len(env.Results))
	for _, rec := range env.Results {
		acct, ok := validate(rec)
		if !ok {
			continue
		}
		if seen[acct.Key()] {
			logger.Warnf("directory: duplicate record for %s, keeping first", acct.Key())
			continue
		}
		seen[acct.Key()] = true
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Client) fetch(ctx context.Context) (*envelope, error) {
	env, err := fetchFrom(ctx, c.primary)
	if err == nil {
		return env, nil
	}
	if c.backup == nil {
		return nil, fmt.Errorf("directory fetch: %w", err)
	}
	logger.Warnf("directory: primary unreachable (%v), trying backup", err)
	env, berr := fetchFrom(ctx, c.backup)
	if berr != nil {
		return nil, fmt.Errorf("directory fetch: primary: %v, backup: %w", err, berr)
	}
	return env, nil
}

func fetchFrom(ctx context.Context, client *resty.Client) (*envelope, error) {
	var env envelope
	resp, err := client.R().
		SetContext(ctx).
		SetResult(&env).
		Get("/api/accounts")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("directory returned %s", resp.Status())
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("directory query failed: %s", env.Message)
	}
	return &env, nil
}

// validate screens one record for regulation eligibility. Every skip
// is logged; an operator can tell from the log alone why an account
// did not run.
func validate(rec accountRecord) (Account, bool) {
	who := "user_id=" + rec.UserID
	if rec.AccountStatus != "active" {
		logger.Debugf("directory: skipping %s: account not active", who)
		return Account{}, false
	}
	if rec.Programme != programmeBouncestream {
		logger.Debugf("directory: skipping %s: programme %q", who, rec.Programme)
		return Account{}, false
	}
	if !validBrokers[rec.Broker] {
		logger.Warnf("directory: skipping %s: unknown broker %q", who, rec.Broker)
		return Account{}, false
	}
	if !validTimeframeModes[rec.TimeframeMode] {
		logger.Warnf("directory: skipping %s: bad timeframe mode %q", who, rec.TimeframeMode)
		return Account{}, false
	}
	if rec.BrokerLoginID == "" || rec.BrokerPassword == "" || rec.BrokerServer == "" {
		logger.Warnf("directory: skipping %s: incomplete broker credentials", who)
		return Account{}, false
	}

	tier, ok := riskTier(rec.Rank, rec.Balance)
	if !ok {
		logger.Warnf("directory: skipping %s: rank=%q balance=%.2f under floor", who, rec.Rank, rec.Balance)
		return Account{}, false
	}

	sub := rec.SubaccountID
	if strings.EqualFold(sub, "null") {
		sub = ""
	}
	return Account{
		ID:           rec.UserID,
		SubaccountID: sub,
		Broker:       rec.Broker,
		Server:       rec.BrokerServer,
		LoginID:      rec.BrokerLoginID,
		Password:     rec.BrokerPassword,
		RiskTier:     tier,
		Timeframe:    rec.TimeframeMode,
	}, true
}

func riskTier(rank string, balance float64) (string, bool) {
	switch rank {
	case "unique":
		return rank, balance >= uniqueBalanceFloor
	case "regular":
		return rank, balance >= regularBalanceFloor
	default:
		// Unranked accounts regulate at the regular floor.
		return "regular", balance >= regularBalanceFloor
	}
}
