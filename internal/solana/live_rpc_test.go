package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRPCServer(t *testing.T, handler http.HandlerFunc) *LiveRPCClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewLiveRPCClient(RPCConfig{
		Endpoint:     server.URL,
		Timeout:      5 * time.Second,
		MaxRetries:   1,
		RateLimitRPS: 100,
	})
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

func TestLiveRPC_Health(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "ok")
	})

	require.NoError(t, client.Health(context.Background()))
	assert.Equal(t, int64(1), client.Stats().RequestCount)
}

func TestLiveRPC_GetTokenInfo_Token2022(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{
			"value": map[string]any{
				"owner": Token2022Program,
				"data": map[string]any{
					"parsed": map[string]any{
						"type": "mint",
						"info": map[string]any{
							"decimals":        6,
							"supply":          "1000000000000",
							"mintAuthority":   nil,
							"freezeAuthority": "FrzAuth1111111111111111111111111111111111111",
							"extensions": []map[string]any{
								{"extension": "transferHook"},
							},
						},
					},
				},
			},
		})
	})

	info, err := client.GetTokenInfo(context.Background(), "mint")
	require.NoError(t, err)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.True(t, info.IsMintRenounced())
	assert.False(t, info.IsFreezeRenounced())
	assert.True(t, info.IsToken2022())
	assert.True(t, info.HasExtension("transferHook"))
}

func TestLiveRPC_GetTopHolders(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "getTokenLargestAccounts" {
			writeResult(w, map[string]any{"value": []map[string]any{
				{"address": "holder1", "amount": "500000"},
				{"address": "holder2", "amount": "300000"},
			}})
			return
		}
		writeResult(w, map[string]any{"value": map[string]any{
			"data": map[string]any{"parsed": map[string]any{"info": map[string]any{"decimals": 6, "supply": "1000000"}}},
		}})
	})

	holders, err := client.GetTopHolders(context.Background(), "mint", 5)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "holder1", holders[0].Address)
	assert.InDelta(t, 50.0, holders[0].Percentage, 0.001)
}

func TestLiveRPC_GetBalance(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": 5_000_000_000})
	})

	bal, err := client.GetBalance(context.Background(), "wallet")
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())
}

func TestLiveRPC_GetSignaturesForAddress(t *testing.T) {
	var gotParams []any
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotParams = req.Params
		writeResult(w, []map[string]any{
			{"signature": "sigB", "slot": 2, "blockTime": 1700000100, "err": nil},
			{"signature": "sigA", "slot": 1, "blockTime": nil, "err": map[string]any{"InstructionError": []any{0, "x"}}},
		})
	})

	sigs, err := client.GetSignaturesForAddress(context.Background(), "wallet", SignatureOpts{Limit: 3, Until: "sig0"})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.NotNil(t, sigs[0].BlockTime)
	assert.Equal(t, int64(1700000100), sigs[0].BlockTime.Unix())
	assert.False(t, sigs[0].Failed)
	assert.Nil(t, sigs[1].BlockTime)
	assert.True(t, sigs[1].Failed)

	cfg := gotParams[1].(map[string]any)
	assert.Equal(t, float64(3), cfg["limit"])
	assert.Equal(t, "sig0", cfg["until"])
}

func TestLiveRPC_SendTransactionRevert(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error": map[string]any{
				"code":    -32002,
				"message": "Transaction simulation failed: Error processing Instruction 3: custom program error: 0x1771",
				"data":    map[string]any{"err": map[string]any{"InstructionError": []any{3, map[string]any{"Custom": 6001}}}},
			},
		})
	})

	_, err := client.SendTransaction(context.Background(), "dHg=")
	require.Error(t, err)
	assert.True(t, IsRevert(err))
}

func TestLiveRPC_SignatureStatus(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": []any{
			map[string]any{"confirmationStatus": "finalized", "err": nil},
		}})
	})

	st, err := client.GetSignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	assert.True(t, st.Landed())
	assert.Empty(t, st.Err)
}

func TestLiveRPC_SignatureStatusUnknown(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": []any{nil}})
	})

	st, err := client.GetSignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	assert.False(t, st.Landed())
}

func TestLiveRPC_Simulate(t *testing.T) {
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]any{"value": map[string]any{
			"err":  map[string]any{"InstructionError": []any{1, "Custom"}},
			"logs": []string{"Program log: transfer blocked"},
		}})
	})

	res, err := client.SimulateTransaction(context.Background(), "dHg=")
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Len(t, res.Logs, 1)
}

func TestLiveRPC_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(w, "ok")
	})

	require.NoError(t, client.Health(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestLiveRPC_NoRetryOnRPCError(t *testing.T) {
	var calls atomic.Int32
	client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32602, "message": "invalid params"},
		})
	})

	_, err := client.GetLatestBlockhash(context.Background())
	require.Error(t, err)
	assert.False(t, IsRevert(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestProgramIDToDEX(t *testing.T) {
	assert.Equal(t, "raydium", ProgramIDToDEX("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"))
	assert.Equal(t, "", ProgramIDToDEX("unknown"))
}
