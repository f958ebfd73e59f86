package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"bridgerelay/internal/auth"
	"bridgerelay/internal/claims"
	"bridgerelay/internal/conversion"
	"bridgerelay/internal/ledger"
	"bridgerelay/internal/lock"
	"bridgerelay/internal/log"
	"bridgerelay/internal/relay"
	"bridgerelay/internal/signer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey   = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testToken = "s3cret"
)

var (
	target    = common.HexToAddress("0x0000000000000000000000000000000000000222")
	depositor = common.HexToAddress("0x0000000000000000000000000000000000000111")
	sepoliaT  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holeskyT  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

type fixture struct {
	srv     *Server
	sepolia *ledger.FakeBackend
	holesky *ledger.FakeBackend
	deposit func(t *testing.T, i int64, value int64) string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	tokenABI, err := ledger.LoadTokenABI("")
	require.NoError(t, err)

	f := &fixture{
		sepolia: ledger.NewFakeBackend(big.NewInt(11155111)),
		holesky: ledger.NewFakeBackend(big.NewInt(17000)),
	}
	sep, err := ledger.NewEthClient(ledger.Network{
		Name: "Sepolia", ChainID: big.NewInt(11155111), GasPrice: big.NewInt(1), GasLimit: 210000,
		Token: sepoliaT, TokenABI: tokenABI,
	}, f.sepolia)
	require.NoError(t, err)
	hol, err := ledger.NewEthClient(ledger.Network{
		Name: "Holesky", ChainID: big.NewInt(17000), POA: true, GasPrice: big.NewInt(1), GasLimit: 210000,
		Token: holeskyT, TokenABI: tokenABI,
	}, f.holesky)
	require.NoError(t, err)
	registry, err := ledger.NewRegistry(sep, hol)
	require.NoError(t, err)

	one, err := conversion.ParseRate("1")
	require.NoError(t, err)
	rule, err := conversion.NewRule([]conversion.Route{{From: "Sepolia", To: "Holesky", Rate: one}}, nil)
	require.NoError(t, err)
	key, err := signer.FromHex(testKey)
	require.NoError(t, err)

	store := claims.NewMemoryStore()
	rl, err := relay.New(target, relay.Deps{
		Store: store, Ledgers: registry, Rule: rule, Signer: key,
		Locker: lock.NewLocalLocker(), Logger: log.Nop(),
	})
	require.NoError(t, err)

	f.srv = New(opts, rl, registry, store, log.Nop())
	f.deposit = func(t *testing.T, i int64, value int64) string {
		t.Helper()
		r, err := ledger.TransferReceipt(tokenABI, sepoliaT, depositor, target, big.NewInt(value))
		require.NoError(t, err)
		hash := common.BigToHash(big.NewInt(i))
		f.sepolia.AddReceipt(hash, r)
		return hash.Hex()
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func transferBody(t *testing.T, hash, to, network string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"txHash": hash, "from": depositor.Hex(), "to": to, "network": network,
	})
	require.NoError(t, err)
	return string(b)
}

var bearer = map[string]string{"Authorization": "Bearer " + testToken}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"live"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(t, http.MethodGet, "/", "", map[string]string{"X-Request-Id": "abc"})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))
}

func TestTransfer(t *testing.T) {
	f := newFixture(t, Options{AuthToken: testToken})
	hash := f.deposit(t, 0xabc, 1000)
	body := transferBody(t, hash, target.Hex(), "Sepolia")

	rec := f.do(t, http.MethodPost, "/transfer", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, f.holesky.Sent())

	rec = f.do(t, http.MethodPost, "/transfer", body, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out transferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "1000", out.SentAmount)
	assert.Equal(t, "1000", out.ReceivedAmount)
	assert.Equal(t, "Holesky", out.PayoutNetwork)
	assert.Equal(t, f.holesky.Sent()[0].Hash().Hex(), out.PayoutTxHash)

	rec = f.do(t, http.MethodPost, "/transfer", body, bearer)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyProcessed", decodeError(t, rec).ErrorKind)
	require.Len(t, f.holesky.Sent(), 1)

	rec = f.do(t, http.MethodGet, "/claims/"+hash, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c claimView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.True(t, c.Processed)
	assert.Equal(t, "1000", c.ReceivedAmount)

	rec = f.do(t, http.MethodGet, "/claims/"+common.BigToHash(big.NewInt(1)).Hex(), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferErrors(t *testing.T) {
	f := newFixture(t, Options{})
	known := f.deposit(t, 1, 10)
	unknown := common.BigToHash(big.NewInt(99)).Hex()

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{"empty body", "", http.StatusBadRequest, "InvalidArgument"},
		{"bad json", "{", http.StatusBadRequest, "InvalidArgument"},
		{"bad hash", transferBody(t, "0x12", target.Hex(), "Sepolia"), http.StatusBadRequest, "InvalidArgument"},
		{"wrong target", transferBody(t, known, depositor.Hex(), "Sepolia"), http.StatusBadRequest, "InvalidTarget"},
		{"unsupported network", transferBody(t, known, target.Hex(), "Solana"), http.StatusBadRequest, "UnsupportedNetwork"},
		{"unknown transaction", transferBody(t, unknown, target.Hex(), "Sepolia"), http.StatusNotFound, "UnknownTransaction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/transfer", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeError(t, rec).ErrorKind)
		})
	}

	f.holesky.SendErr = errors.New("replacement transaction underpriced")
	rec := f.do(t, http.MethodPost, "/transfer", transferBody(t, known, target.Hex(), "Sepolia"), nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "PayoutBroadcastFailed", decodeError(t, rec).ErrorKind)
}

func TestTransferIgnoresClientAmounts(t *testing.T) {
	f := newFixture(t, Options{})
	hash := f.deposit(t, 7, 1000)
	body, err := json.Marshal(map[string]string{
		"txHash":         hash,
		"from":           depositor.Hex(),
		"to":             target.Hex(),
		"network":        "Sepolia",
		"amount":         "999999",
		"receivedAmount": "999999",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/transfer", string(body), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out transferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "1000", out.SentAmount)
	assert.Equal(t, "1000", out.ReceivedAmount)

	tokenABI, err := ledger.LoadTokenABI("")
	require.NoError(t, err)
	sent := f.holesky.Sent()
	require.Len(t, sent, 1)
	method, err := tokenABI.MethodById(sent[0].Data()[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, depositor, args[0].(common.Address))
	assert.Equal(t, "1000", args[1].(*big.Int).String())
}

func TestTransferRequiresSignatureWhenConfigured(t *testing.T) {
	f := newFixture(t, Options{HMACSecret: "hmac", HMACClockSkew: time.Minute})
	body := transferBody(t, f.deposit(t, 1, 10), target.Hex(), "Sepolia")

	rec := f.do(t, http.MethodPost, "/transfer", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	rec = f.do(t, http.MethodPost, "/transfer", body, map[string]string{
		auth.HeaderTimestamp: ts,
		auth.HeaderSignature: auth.Sign("hmac", http.MethodPost, "/transfer", ts, []byte(body)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTransactions(t *testing.T) {
	f := newFixture(t, Options{})
	for i := int64(1); i <= 7; i++ {
		rec := f.do(t, http.MethodPost, "/transfer", transferBody(t, f.deposit(t, i, 10*i), target.Hex(), "Sepolia"), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	wallet := depositor.Hex()

	list := func(path, body string) []claimView {
		t.Helper()
		rec := f.do(t, http.MethodPost, path, body, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []claimView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	first := list("/transactions/"+wallet, "")
	require.Len(t, first, 5)
	assert.Equal(t, common.BigToHash(big.NewInt(7)).Hex(), first[0].TxHash)
	assert.Equal(t, "70", first[0].SentAmount)

	second := list("/getTxDetails/"+wallet, `{"page":"2","documentsPerPage":5}`)
	require.Len(t, second, 2)
	assert.Equal(t, common.BigToHash(big.NewInt(1)).Hex(), second[1].TxHash)

	assert.Len(t, list("/transactions/"+strings.ToLower(wallet), `{"page":1,"documentsPerPage":3}`), 3)
	assert.Empty(t, list("/transactions/0x0000000000000000000000000000000000000999", ""))

	for _, body := range []string{`{"page":0}`, `{"documentsPerPage":-1}`, `{"page":"two"}`} {
		rec := f.do(t, http.MethodPost, "/transactions/"+wallet, body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "InvalidArgument", decodeError(t, rec).ErrorKind)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Status   string                   `json:"status"`
		Networks map[string]networkHealth `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "healthy", out.Status)
	assert.True(t, out.Networks["Holesky"].POA)
	assert.Equal(t, "11155111", out.Networks["Sepolia"].ChainID)

	f.sepolia.HeadErr = errors.New("connection refused")
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "degraded", out.Status)
	assert.False(t, out.Networks["Sepolia"].Connected)
	assert.True(t, out.Networks["Holesky"].Connected)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodPost, "/transfer", transferBody(t, f.deposit(t, 1, 10), target.Hex(), "Sepolia"), nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `bridgerelay_claims_total{result="processed"} 1`)
	assert.Contains(t, body, `bridgerelay_payouts_total{network="Holesky",result="sent"} 1`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusTooEarly, statusFor(relay.KindNotFinal))
	assert.Equal(t, http.StatusBadGateway, statusFor(relay.KindNetworkUnreachable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(relay.KindRecordFailed))
	assert.Equal(t, http.StatusBadRequest, statusFor(relay.KindFromMismatch))
}

func TestFlexInt(t *testing.T) {
	var req pageRequest
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(`{"page":"3","documentsPerPage":null}`))).Decode(&req))
	assert.Equal(t, 3, req.Page.or(1))
	assert.Equal(t, 5, req.DocumentsPerPage.or(5))
}
