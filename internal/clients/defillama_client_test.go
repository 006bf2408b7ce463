package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStablecoinsParsesPeggedAssets(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"peggedAssets":[
			{"id":"1","name":"Tether","symbol":"USDT","price":1.0002,"circulating":{"peggedUSD":100}},
			{"id":"2","name":"USD Coin","symbol":"usdc","price":0.9998,"circulating":{"peggedUSD":50}},
			{"id":"3","name":"Bridged USDC","symbol":"USDC","price":0.97,"circulating":{"peggedUSD":1}},
			{"id":"4","name":"NoPrice","symbol":"NOPE","price":null,"circulating":{"peggedUSD":5}}
		]}`))
	}))
	defer server.Close()

	client := NewDeFiLlamaClient(server.URL+"/stablecoins", time.Second)
	quotes, err := client.FetchStablecoins(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "includePrices=true", gotQuery)
	require.Contains(t, quotes, "USDC")
	assert.InDelta(t, 0.9998, quotes["USDC"].PriceUSD, 1e-9)
	assert.Equal(t, "USD Coin", quotes["USDC"].Name)
	assert.True(t, quotes["USDT"].HasPrice)
	assert.False(t, quotes["NOPE"].HasPrice)
}

func TestFetchStablecoinsFallsBackToStablecoinsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stablecoins":[{"symbol":"DAI","name":"Dai","price":1.001}]}`))
	}))
	defer server.Close()

	quotes, err := NewDeFiLlamaClient(server.URL, time.Second).FetchStablecoins(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.001, quotes["DAI"].PriceUSD, 1e-9)
}

func TestFetchStablecoinsReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewDeFiLlamaClient(server.URL, time.Second).FetchStablecoins(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}
