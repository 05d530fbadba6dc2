package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaraja is a scripted stand-in for the provider API
type fakeDaraja struct {
	t *testing.T

	tokenCalls int32
	pushCalls  int32
	queryCalls int32

	mu          sync.Mutex
	lastPush    stkPushRequest
	lastQuery   stkQueryRequest
	tokenStatus int
	pushStatus  int
	pushBody    string
	queryStatus int
	queryBody   string
}

func newFakeDaraja(t *testing.T) (*fakeDaraja, *httptest.Server) {
	f := &fakeDaraja{
		t:           t,
		tokenStatus: http.StatusOK,
		pushStatus:  http.StatusOK,
		pushBody: `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
			"ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing",
			"CustomerMessage":"Success. Request accepted for processing"}`,
		queryStatus: http.StatusOK,
		queryBody: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully",
			"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
			"ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" || r.URL.Query().Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		status := f.tokenStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"access_token":"test-token","expires_in":"3599"}`))
		}
	})
	mux.HandleFunc(stkPushEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.pushCalls, 1)
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastPush))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.pushStatus)
		_, _ = w.Write([]byte(f.pushBody))
	})
	mux.HandleFunc(stkQueryEndpoint, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.queryCalls, 1)
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastQuery))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.queryStatus)
		_, _ = w.Write([]byte(f.queryBody))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDaraja) calls() int32 {
	return atomic.LoadInt32(&f.tokenCalls) + atomic.LoadInt32(&f.pushCalls) + atomic.LoadInt32(&f.queryCalls)
}

var fixedNow = time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      sandboxShortCode,
		PassKey:        sandboxPassKey,
		CallbackURL:    "https://agripay.example/api/payments/mpesa/callback?token=abc",
	}, WithClock(func() time.Time { return fixedNow }))
}

func TestInitiatePushSuccess(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := newTestClient(srv.URL)

	res, err := client.InitiatePush(context.Background(), PushRequest{
		Phone:       "0712345678",
		Amount:      500,
		Reference:   "AGRI-ORDER-000123",
		Description: "Maize seed purchase",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)
	assert.Equal(t, "254712345678", res.Phone)
	assert.NotEmpty(t, res.Raw)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "20240315153000", fake.lastPush.Timestamp)
	assert.Equal(t, Password(sandboxShortCode, sandboxPassKey, "20240315153000"), fake.lastPush.Password)
	assert.Equal(t, int64(500), fake.lastPush.Amount)
	assert.Equal(t, "254712345678", fake.lastPush.PartyA)
	assert.Equal(t, "254712345678", fake.lastPush.PhoneNumber)
	assert.Equal(t, sandboxShortCode, fake.lastPush.PartyB)
	assert.Equal(t, DefaultTransactionType, fake.lastPush.TransactionType)
	assert.Equal(t, "AGRI-ORDER-0", fake.lastPush.AccountReference)
	assert.Equal(t, "Maize seed pu", fake.lastPush.TransactionDesc)
}

func TestInitiatePushRejectsOutOfRangeAmountWithoutNetwork(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := newTestClient(srv.URL)

	for _, amount := range []int64{-5, 0, 150001, 9999999} {
		_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: amount})
		assert.ErrorIs(t, err, ErrValidation, "amount %d", amount)
	}
	assert.Equal(t, int32(0), fake.calls())
}

func TestInitiatePushRejectsBadPhoneWithoutNetwork(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := newTestClient(srv.URL)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "12345", Amount: 100})
	assert.ErrorIs(t, err, ErrInvalidPhoneFormat)
	assert.Equal(t, int32(0), fake.calls())
}

func TestInitiatePushReusesCachedToken(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := newTestClient(srv.URL)

	for i := 0; i < 3; i++ {
		_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: 10})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.pushCalls))
}

func TestInitiatePushGatewayRejected(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	fake.pushBody = `{"MerchantRequestID":"","CheckoutRequestID":"","ResponseCode":"1","ResponseDescription":"Unable to lock subscriber"}`
	client := newTestClient(srv.URL)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayRejected)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "1", rejected.Code)
	assert.Equal(t, "Unable to lock subscriber", rejected.Message)
}

func TestInitiatePushProviderErrorBody(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	fake.pushStatus = http.StatusBadRequest
	fake.pushBody = `{"requestId":"1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`
	client := newTestClient(srv.URL)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: 10})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "400.002.02", rejected.Code)
}

func TestAcquireTokenMissingCredentials(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.AcquireToken(context.Background())
	assert.ErrorIs(t, err, ErrCredentials)
	assert.Equal(t, int32(0), fake.calls())
}

func TestAcquireTokenRejectedCredentials(t *testing.T) {
	_, srv := newFakeDaraja(t)
	client := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "wrong"})

	_, err := client.AcquireToken(context.Background())
	assert.ErrorIs(t, err, ErrCredentials)
}

func TestAcquireTokenMissingTokenField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expires_in":"3599"}`))
	}))
	defer srv.Close()
	client := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"})

	_, err := client.AcquireToken(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestAcquireTokenConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewClient(Config{BaseURL: url, ConsumerKey: "key", ConsumerSecret: "secret"})

	_, err := client.AcquireToken(context.Background())
	assert.ErrorIs(t, err, ErrConnectivity)
}

func TestQueryStatusOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
		code    string
	}{
		{
			name:    "completed",
			status:  http.StatusOK,
			body:    `{"ResponseCode":"0","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
			outcome: OutcomeCompleted,
			code:    "0",
		},
		{
			name:    "cancelled by user",
			status:  http.StatusOK,
			body:    `{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`,
			outcome: OutcomeFailed,
			code:    "1032",
		},
		{
			name:    "numeric result code",
			status:  http.StatusOK,
			body:    `{"ResponseCode":"0","ResultCode":1,"ResultDesc":"The balance is insufficient for the transaction"}`,
			outcome: OutcomeFailed,
			code:    "1",
		},
		{
			name:    "still processing",
			status:  http.StatusInternalServerError,
			body:    `{"requestId":"x","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
			outcome: OutcomeIndeterminate,
		},
		{
			name:    "no result yet",
			status:  http.StatusOK,
			body:    `{"ResponseCode":"0","ResponseDescription":"accepted"}`,
			outcome: OutcomeIndeterminate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeDaraja(t)
			fake.queryStatus = tt.status
			fake.queryBody = tt.body
			client := newTestClient(srv.URL)

			res, err := client.QueryStatus(context.Background(), "ws_CO_191220191020363925")
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.code, res.ResultCode)

			fake.mu.Lock()
			assert.Equal(t, "ws_CO_191220191020363925", fake.lastQuery.CheckoutRequestID)
			assert.Equal(t, Password(sandboxShortCode, sandboxPassKey, "20240315153000"), fake.lastQuery.Password)
			fake.mu.Unlock()
		})
	}
}

func TestQueryStatusRequiresCheckoutID(t *testing.T) {
	fake, srv := newFakeDaraja(t)
	client := newTestClient(srv.URL)

	_, err := client.QueryStatus(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int32(0), fake.calls())
}

func TestUnauthorizedPushInvalidatesToken(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenEndpoint:
			atomic.AddInt32(&tokenCalls, 1)
			_, _ = w.Write([]byte(`{"access_token":"stale","expires_in":"3599"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	client := newTestClient(srv.URL)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: 10})
	assert.ErrorIs(t, err, ErrCredentials)
	_, err = client.InitiatePush(context.Background(), PushRequest{Phone: "0712345678", Amount: 10})
	assert.ErrorIs(t, err, ErrCredentials)

	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}
