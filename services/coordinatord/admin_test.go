package coordinatord

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"crossloan/coordinator"
	"crossloan/ledger/ledgertest"
	"crossloan/lifecycle"
	"crossloan/loan"
	"crossloan/policy"
	"crossloan/relay"
	"crossloan/signer"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "crossloan"
	testAudience = "ops"
)

type adminHarness struct {
	server  *httptest.Server
	ledgers *ledgertest.Ledgers
	relay   *ledgertest.Relay
	account loan.Account
}

func newAdminHarness(t *testing.T, autoExecute bool) *adminHarness {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	authority, err := signer.NewKeyAuthority(key)
	require.NoError(t, err)

	ledgers := ledgertest.New()
	fakeRelay := ledgertest.NewRelay(ledgers, autoExecute)
	dispatcher, err := relay.NewDispatcher(fakeRelay)
	require.NoError(t, err)

	receiver := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	coord, err := coordinator.New(coordinator.Config{
		Domain: loan.Domain{
			Name:              "VaultLending",
			Version:           "1",
			ChainID:           84532,
			VerifyingContract: receiver,
		},
		DestinationSelector: 10344971235874465080,
		DestinationAddress:  receiver,
		Policy:              policy.Params{RatioPercent: 150, ExchangeRate: 1},
		RequestTTL:          time.Minute,
		DispatchTimeout:     time.Second,
		PollInterval:        time.Millisecond,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       4 * time.Millisecond,
	}, ledgers, signer.NewKeyring(authority), dispatcher,
		coordinator.WithWallets(walletSet{authority.Address(): ledgers.Wallet(authority.Address())}))
	require.NoError(t, err)

	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: testIssuer, Audience: testAudience}, nil)
	require.NoError(t, err)
	admin := NewAdminServer(coord, auth, nil, time.Second)
	server := httptest.NewServer(admin)
	t.Cleanup(func() {
		server.Close()
		admin.Close()
	})
	return &adminHarness{server: server, ledgers: ledgers, relay: fakeRelay, account: authority.Address()}
}

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	base := jwt.MapClaims{
		"sub":   "operator",
		"iss":   testIssuer,
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": ScopeRead + " " + ScopeWrite,
	}
	for k, v := range claims {
		base[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *adminHarness) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	decoded := map[string]interface{}{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthzIsPublic(t *testing.T) {
	h := newAdminHarness(t, true)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestV1RequiresValidToken(t *testing.T) {
	h := newAdminHarness(t, true)

	resp, _ := h.do(t, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired := mintToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
	resp, _ = h.do(t, http.MethodGet, "/v1/status", expired, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongIssuer := mintToken(t, jwt.MapClaims{"iss": "someone-else"})
	resp, _ = h.do(t, http.MethodGet, "/v1/status", wrongIssuer, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	readOnly := mintToken(t, jwt.MapClaims{"scope": ScopeRead})
	resp, _ = h.do(t, http.MethodGet, "/v1/status", readOnly, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/commands", readOnly, map[string]interface{}{
		"kind": "request_loan", "account": h.account.Hex(), "amount": "10",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCommandRequestLoanAwaitsExecution(t *testing.T) {
	h := newAdminHarness(t, true)
	h.ledgers.SetCollateral(h.account, 300)
	h.ledgers.SetDebt(h.account, 0, 5)
	token := mintToken(t, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "request_loan", "account": h.account.Hex(), "amount": "200", "await": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	request := body["request"].(map[string]interface{})
	require.Equal(t, string(lifecycle.StateExecuted), request["state"])
	require.Equal(t, float64(5), request["replayCounter"])
	require.NotEmpty(t, request["relayMessageId"])

	resp, body = h.do(t, http.MethodGet, "/v1/requests/"+request["id"].(string), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(lifecycle.StateExecuted), body["state"])

	resp, body = h.do(t, http.MethodGet, "/v1/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := body["requests"].(map[string]interface{})
	require.Equal(t, float64(1), counts[string(lifecycle.StateExecuted)])
}

func TestCommandInsufficientCollateralReportsRemediation(t *testing.T) {
	h := newAdminHarness(t, true)
	h.ledgers.SetCollateral(h.account, 300)
	token := mintToken(t, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "request_loan", "account": h.account.Hex(), "amount": "201",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	details := body["details"].(map[string]interface{})
	require.Equal(t, "200", details["maxAdmissible"])
	require.Equal(t, "2", details["shortfall"])
	require.Empty(t, h.relay.Envelopes())
}

func TestCommandValidation(t *testing.T) {
	h := newAdminHarness(t, true)
	token := mintToken(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "request_loan", "account": h.account.Hex(),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "borrow_everything", "account": h.account.Hex(), "amount": "1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "repay", "account": h.account.Hex(), "amount": "1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCommandDepositReturnsTxHash(t *testing.T) {
	h := newAdminHarness(t, true)
	token := mintToken(t, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/commands", token, map[string]interface{}{
		"kind": "deposit_collateral", "account": h.account.Hex(), "amount": "50",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["txHash"])
}

func TestAccountReportsPosition(t *testing.T) {
	h := newAdminHarness(t, true)
	h.ledgers.SetCollateral(h.account, 300)
	h.ledgers.SetDebt(h.account, 100, 7)
	token := mintToken(t, nil)

	resp, body := h.do(t, http.MethodGet, "/v1/accounts/"+h.account.Hex(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	position := body["position"].(map[string]interface{})
	require.Equal(t, "300", position["collateral"])
	require.Equal(t, "100", position["debt"])
	require.Equal(t, float64(7), position["replayCounter"])
	require.Equal(t, "100", position["maxAdmissible"])

	resp, _ = h.do(t, http.MethodGet, "/v1/accounts/not-an-address", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	h := newAdminHarness(t, true)
	resp, _ := h.do(t, http.MethodGet, "/v1/requests/does-not-exist", mintToken(t, nil), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
