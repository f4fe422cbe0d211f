package plaid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, attempts int) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:  srv.URL,
		ClientID: "client-id",
		Secret:   "secret",
		Retry:    RetryPolicy{Attempts: attempts},
	})
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestBaseURL(t *testing.T) {
	u, err := BaseURL("Sandbox")
	require.NoError(t, err)
	require.Equal(t, "https://sandbox.plaid.com", u)

	u, err = BaseURL("production")
	require.NoError(t, err)
	require.Equal(t, "https://production.plaid.com", u)

	_, err = BaseURL("development")
	require.Error(t, err)
}

func TestGetTransactionsRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/get", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body := decodeBody(t, r)
		require.Equal(t, "client-id", body["client_id"])
		require.Equal(t, "secret", body["secret"])
		require.Equal(t, "access-1", body["access_token"])
		require.Equal(t, "2024-01-01", body["start_date"])
		require.Equal(t, "2024-03-31", body["end_date"])
		require.Equal(t, map[string]interface{}{"count": float64(500), "offset": float64(1000)}, body["options"])

		_, _ = w.Write([]byte(`{"transactions":[{"transaction_id":"t1","account_id":"a1","date":"2024-01-02","name":"Coffee","merchant_name":null,"amount":4.5,"category":["Food","Coffee"],"pending":false}],"total_transactions":1001}`))
	}, 1)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	page, err := client.GetTransactions(context.Background(), "access-1", start, end, 500, 1000)
	require.NoError(t, err)
	require.Equal(t, 1001, page.TotalTransactions)
	require.Len(t, page.Transactions, 1)
	require.Equal(t, Transaction{
		TransactionID: "t1",
		AccountID:     "a1",
		Date:          "2024-01-02",
		Name:          "Coffee",
		Amount:        4.5,
		Category:      []string{"Food", "Coffee"},
	}, page.Transactions[0])
}

func TestLinkFlowCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		switch r.URL.Path {
		case "/link/token/create":
			require.Equal(t, "Personal Finance Manager", body["client_name"])
			require.Equal(t, map[string]interface{}{"client_user_id": "user-1"}, body["user"])
			_, _ = w.Write([]byte(`{"link_token":"link-sandbox-123"}`))
		case "/item/public_token/exchange":
			require.Equal(t, "public-sandbox-1", body["public_token"])
			_, _ = w.Write([]byte(`{"access_token":"access-sandbox-1","item_id":"item-1"}`))
		case "/item/get":
			_, _ = w.Write([]byte(`{"item":{"item_id":"item-1","institution_id":"ins_109508"}}`))
		case "/institutions/get_by_id":
			require.Equal(t, "ins_109508", body["institution_id"])
			_, _ = w.Write([]byte(`{"institution":{"institution_id":"ins_109508","name":"First Platypus Bank"}}`))
		case "/accounts/get":
			_, _ = w.Write([]byte(`{"accounts":[{"account_id":"a1","name":"Checking","balances":{"available":100,"current":110.5,"iso_currency_code":"USD"}}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, 1)
	ctx := context.Background()

	token, err := client.CreateLinkToken(ctx, LinkTokenRequest{
		ClientName:   "Personal Finance Manager",
		ClientUserID: "user-1",
		Products:     []string{"transactions"},
		CountryCodes: []string{"US"},
		Language:     "en",
	})
	require.NoError(t, err)
	require.Equal(t, "link-sandbox-123", token)

	exch, err := client.ExchangePublicToken(ctx, "public-sandbox-1")
	require.NoError(t, err)
	require.Equal(t, "item-1", exch.ItemID)
	require.Equal(t, "access-sandbox-1", exch.AccessToken)

	item, err := client.GetItem(ctx, exch.AccessToken)
	require.NoError(t, err)

	inst, err := client.GetInstitution(ctx, item.InstitutionID, []string{"US"})
	require.NoError(t, err)
	require.Equal(t, "First Platypus Bank", inst.Name)

	accounts, err := client.GetAccounts(ctx, exch.AccessToken)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, 110.5, *accounts[0].Balances.Current)
	require.Nil(t, accounts[0].Balances.Limit)
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error_type":"RATE_LIMIT_EXCEEDED","error_code":"TRANSACTIONS_LIMIT"}`))
			return
		}
		_, _ = w.Write([]byte(`{"accounts":[]}`))
	}, 3)

	accounts, err := client.GetAccounts(context.Background(), "access-1")
	require.NoError(t, err)
	require.Empty(t, accounts)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryGivesUp(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error_type":"API_ERROR","error_code":"INTERNAL_SERVER_ERROR","error_message":"boom"}`))
	}, 3)

	_, err := client.GetAccounts(context.Background(), "access-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, "INTERNAL_SERVER_ERROR", apiErr.ErrorCode)
	require.Contains(t, apiErr.Error(), "boom")
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED"}`))
	}, 3)

	_, err := client.GetAccounts(context.Background(), "access-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.False(t, apiErr.Retryable())
	require.Equal(t, "ITEM_LOGIN_REQUIRED", apiErr.ErrorCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComputeBackoff(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, MinWait: 4 * time.Second, MaxWait: 30 * time.Second}

	var wait time.Duration
	var got []time.Duration
	for i := 0; i < 5; i++ {
		wait = computeBackoff(wait, policy)
		got = append(got, wait)
	}
	require.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}, got)
}
