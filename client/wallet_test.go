package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/status", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"address": "wallet123",
			"started": true,
			"last_block_height": 1000,
			"balance": 5000000000,
			"balance_sync_state": {"state": "synced"},
			"token_sync_state": {"state": "syncing", "progress": 0.25},
			"transactions_sync_state": {"state": "not_synced", "error": "no network connection", "error_kind": "no_network_connection"}
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	status, err := client.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "wallet123", status.Address)
	assert.Equal(t, uint64(1000), status.LastBlockHeight)
	assert.Equal(t, "synced", status.BalanceSyncState.String())
	assert.Equal(t, "syncing (25%)", status.TokenSyncState.String())
	assert.Equal(t, "no_network_connection", status.TransactionsSyncState.ErrorKind)
	assert.Equal(t, "not_synced: no network connection", status.TransactionsSyncState.String())
}

func TestBalance_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"address":"wallet123","lamports":1500000000,"sol":"1.5"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", nil, nil)
	bal, err := client.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), bal.Lamports)
	assert.True(t, decimal.RequireFromString("1.5").Equal(bal.SOL))
}

func TestTransactions_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "incoming", q.Get("direction"))
		assert.Equal(t, "spl", q.Get("kind"))
		assert.Equal(t, "mint1", q.Get("mint"))
		assert.Equal(t, "sig0", q.Get("from_hash"))
		assert.Equal(t, "2", q.Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"transactions": [
				{"transaction": {"hash": "sig1", "timestamp": 100, "pending": false},
				 "token_transfers": [{"token_transfer": {"transaction_hash": "sig1", "mint_address": "mint1", "amount": "2.5", "incoming": true},
				                      "mint_account": {"address": "mint1", "decimals": 6, "is_nft": false}}]},
				{"transaction": {"hash": "sig2", "timestamp": 90, "pending": true, "amount": "0.1"}, "token_transfers": []}
			],
			"count": 2,
			"next_from_hash": "sig2"
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	page, err := client.Transactions(context.Background(), TransactionQuery{
		Direction: "incoming",
		Kind:      "spl",
		Mint:      "mint1",
		FromHash:  "sig0",
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "sig2", page.NextFromHash)

	first := page.Transactions[0]
	require.Len(t, first.TokenTransfers, 1)
	assert.True(t, first.TokenTransfers[0].TokenTransfer.Incoming)
	assert.Equal(t, "2.5", first.TokenTransfers[0].TokenTransfer.Amount.String())
	assert.True(t, page.Transactions[1].Transaction.Pending)
}

func TestTransactions_NoQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		fmt.Fprint(w, `{"transactions":[],"count":0}`)
	}))
	defer server.Close()

	page, err := NewClient(server.URL, nil, nil).Transactions(context.Background(), TransactionQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
}

func TestRecordPendingTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/transactions/pending", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sig1", body["hash"])
		assert.Equal(t, "0.25", body["amount"])

		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"hash":"sig1","pending":true}`)
	}))
	defer server.Close()

	amount := decimal.RequireFromString("0.25")
	err := NewClient(server.URL, nil, nil).RecordPendingTransaction(context.Background(), PendingTransaction{
		Hash:   "sig1",
		Amount: &amount,
	})
	assert.NoError(t, err)
}

func TestTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/api/v1/tokens":
			assert.Equal(t, "nft", r.URL.Query().Get("kind"))
			fmt.Fprint(w, `{"tokens":[{"mint":"nft1","decimals":0,"is_nft":true,"balance":1,"ui_balance":"1"}],"count":1}`)
		case r.Method == "GET" && r.URL.Path == "/api/v1/tokens/mint1":
			fmt.Fprint(w, `{"mint":"mint1","decimals":6,"balance":1500000,"ui_balance":"1.5"}`)
		case r.Method == "POST" && r.URL.Path == "/api/v1/tokens":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(6), body["decimals"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"mint":"mint1","created":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"token account not found"}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	nfts, err := client.Tokens(ctx, "nft")
	require.NoError(t, err)
	require.Len(t, nfts, 1)
	assert.True(t, nfts[0].IsNFT)

	tok, err := client.Token(ctx, "mint1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", tok.UIBalance.String())

	created, err := client.AddToken(ctx, "mint1", 6)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = client.Token(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token account not found")
}

func TestRefresh_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer server.Close()

	err := NewClient(server.URL, nil, nil).Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500: boom")
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"wallet\":\"wallet123\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: block_height\ndata: {\"type\":\"block_height\",\"block_height\":77}\n\n")
		fmt.Fprint(w, "event: balance_sync_state\ndata: {\"type\":\"balance_sync_state\",\"state\":{\"state\":\"synced\"}}\n\n")
		fmt.Fprint(w, "event: balance\ndata: {\"type\":\"balance\",\"balance\":5}\n\n")
	}))
	defer server.Close()

	var got []Event
	stop := errors.New("stop")
	err := NewClient(server.URL, nil, nil).Stream(context.Background(), func(e Event) error {
		got = append(got, e)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].BlockHeight)
	assert.Equal(t, uint64(77), *got[0].BlockHeight)
	require.NotNil(t, got[1].State)
	assert.Equal(t, "synced", got[1].State.State)
}

func TestStream_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewClient(server.URL, nil, nil).Stream(ctx, func(Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
