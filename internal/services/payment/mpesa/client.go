package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
)

const (
	// API hosts
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	tokenEndpoint    = "/oauth/v1/generate"
	stkPushEndpoint  = "/mpesa/stkpush/v1/processrequest"
	stkQueryEndpoint = "/mpesa/stkpushquery/v1/query"

	// DefaultTransactionType is used for paybill short codes
	DefaultTransactionType = "CustomerPayBillOnline"

	// errorCode returned by the query endpoint while the payer has not answered yet
	stillProcessingCode = "500.001.1001"

	defaultTokenLifetime = time.Hour

	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 13
)

// Config holds everything the gateway client needs to talk to Daraja
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PartyB          string // defaults to ShortCode; differs for till numbers
	PassKey         string
	TransactionType string
	CallbackURL     string
	PushTimeout     time.Duration
	QueryTimeout    time.Duration
	TokenTimeout    time.Duration
}

// Client is the single M-Pesa gateway client: token acquisition, STK push and status query
type Client struct {
	cfg    Config
	http   *resty.Client
	tokens *TokenCache
	now    func() time.Time
}

// Option customizes a Client
type Option func(*Client)

// WithClock replaces time.Now, used for timestamps and token expiry
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithHTTPClient sets the underlying *http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = resty.NewWithClient(hc)
	}
}

// NewClient creates a new M-Pesa gateway client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = DefaultTransactionType
	}
	if cfg.PartyB == "" {
		cfg.PartyB = cfg.ShortCode
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 15 * time.Second
	}

	c := &Client{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = resty.New()
	}
	c.http.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	c.http.SetHeader("Accept", "application/json")

	c.tokens = NewTokenCache(c.fetchToken, func() time.Time { return c.now() })
	return c
}

// tokenResponse represents the OAuth token response
type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   flexString `json:"expires_in"`
}

// AcquireToken returns a valid access token, exchanging credentials only when the
// cached one is missing or expired.
func (c *Client) AcquireToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

func (c *Client) fetchToken(ctx context.Context) (*oauth2.Token, error) {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("%w: consumer key and secret are required", ErrCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()

	issuedAt := c.now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		Get(tokenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %w", ErrConnectivity, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrCredentials, resp.StatusCode())
	case resp.IsError():
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrUnexpectedResponse, resp.StatusCode())
	}

	var body tokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %v", ErrUnexpectedResponse, err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", ErrUnexpectedResponse)
	}

	lifetime := defaultTokenLifetime
	if secs, err := strconv.Atoi(string(body.ExpiresIn)); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	valid := lifetime - TokenSafetyMargin
	if valid < 0 {
		valid = 0
	}

	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
		Expiry:      issuedAt.Add(valid),
	}, nil
}

// PushRequest is one STK push attempt
type PushRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

// PushResult is the provider's acknowledgement of a push
type PushResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	CustomerMessage     string
	ResponseDescription string
	Phone               string
	Raw                 []byte
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// InitiatePush validates the request and sends an STK push to the payer's handset.
// Validation failures return before any network call is made.
func (c *Client) InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.PartyB,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxAccountReferenceLen),
		TransactionDesc:   truncate(req.Description, maxTransactionDescLen),
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PushTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		Post(stkPushEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: stk push: %w", ErrConnectivity, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.tokens.Invalidate()
		return nil, fmt.Errorf("%w: stk push returned status 401", ErrCredentials)
	}

	var body stkPushResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: stk push status %d: %v", ErrUnexpectedResponse, resp.StatusCode(), err)
	}

	if resp.IsError() {
		if body.ErrorMessage != "" {
			return nil, &RejectedError{Code: body.ErrorCode, Message: body.ErrorMessage}
		}
		return nil, fmt.Errorf("%w: stk push returned status %d", ErrUnexpectedResponse, resp.StatusCode())
	}
	if body.ResponseCode != "0" {
		return nil, &RejectedError{Code: body.ResponseCode, Message: body.ResponseDescription}
	}
	if body.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: stk push response has no CheckoutRequestID", ErrUnexpectedResponse)
	}

	return &PushResult{
		CheckoutRequestID:   body.CheckoutRequestID,
		MerchantRequestID:   body.MerchantRequestID,
		CustomerMessage:     body.CustomerMessage,
		ResponseDescription: body.ResponseDescription,
		Phone:               phone,
		Raw:                 resp.Body(),
	}, nil
}

// Outcome is the provider-of-record state of a push as seen by a status query
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeFailed        Outcome = "failed"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// QueryResult is the mapped answer of the status-query endpoint
type QueryResult struct {
	Outcome    Outcome
	ResultCode string
	ResultDesc string
	Raw        []byte
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          *flexString `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
	ErrorCode           string      `json:"errorCode"`
	ErrorMessage        string      `json:"errorMessage"`
}

// QueryStatus asks the provider for the current state of a push.
// OutcomeIndeterminate means the payer has not answered yet; it is not a failure.
func (c *Client) QueryStatus(ctx context.Context, checkoutID string) (*QueryResult, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return nil, fmt.Errorf("%w: checkout id is required", ErrValidation)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := Timestamp(c.now())
	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutID,
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		Post(stkQueryEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: stk query: %w", ErrConnectivity, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.tokens.Invalidate()
		return nil, fmt.Errorf("%w: stk query returned status 401", ErrCredentials)
	}

	var body stkQueryResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%w: stk query status %d: %v", ErrUnexpectedResponse, resp.StatusCode(), err)
	}

	if body.ErrorCode == stillProcessingCode {
		return &QueryResult{Outcome: OutcomeIndeterminate, ResultDesc: body.ErrorMessage, Raw: resp.Body()}, nil
	}
	if resp.IsError() {
		if body.ErrorMessage != "" {
			return nil, &RejectedError{Code: body.ErrorCode, Message: body.ErrorMessage}
		}
		return nil, fmt.Errorf("%w: stk query returned status %d", ErrUnexpectedResponse, resp.StatusCode())
	}
	if body.ResultCode == nil || *body.ResultCode == "" {
		return &QueryResult{Outcome: OutcomeIndeterminate, ResultDesc: body.ResponseDescription, Raw: resp.Body()}, nil
	}

	result := &QueryResult{
		ResultCode: string(*body.ResultCode),
		ResultDesc: body.ResultDesc,
		Raw:        resp.Body(),
	}
	if result.ResultCode == "0" {
		result.Outcome = OutcomeCompleted
	} else {
		result.Outcome = OutcomeFailed
	}
	return result, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
