package routes

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/config"
	"github.com/congo-pay/agentvault/internal/funding"
	"github.com/congo-pay/agentvault/internal/logging"
	"github.com/congo-pay/agentvault/internal/vault"
)

func devConfig() config.Config {
	return config.Config{
		AppName:        "test",
		Env:            "dev",
		IdempotencyTTL: time.Minute,
		Fees:           config.DefaultFeeSchedule(),
		SubmitRate:     10,
	}
}

func newApp(t *testing.T, cache *redis.Client) *fiber.App {
	t.Helper()
	app := fiber.New()
	if err := Setup(app, Deps{Cfg: devConfig(), Cache: cache, Logger: logging.Discard()}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app
}

func TestSetupRequiresBackendsOutsideDev(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	if err := Setup(fiber.New(), Deps{Cfg: cfg, Logger: logging.Discard()}); err == nil {
		t.Fatal("expected missing database error")
	}
}

func TestHealthAndPingOnMemoryBackends(t *testing.T) {
	app := newApp(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("unexpected ping body %v", body)
	}
}

func TestCreateThroughFullStackIsIdempotent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()
	app := newApp(t, cache)

	ownerKey, _ := crypto.GenerateKey()
	delegateKey, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	delegate := crypto.PubkeyToAddress(delegateKey.PublicKey)

	in := vault.CreateInput{Owner: owner, Delegate: delegate, Constraints: agent.Constraints{DailyLimit: 500}}
	sig, err := authz.Sign(ownerKey, vault.CreateDigest(in))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := json.Marshal(fiber.Map{
		"owner":       owner.Hex(),
		"delegate":    delegate.Hex(),
		"constraints": fiber.Map{"daily_limit": 500},
		"signature":   hexutil.Encode(sig),
	})

	send := func() (int, string, string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "create-1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body), resp.Header.Get("Idempotent-Replayed")
	}

	// The owner has no funds for the record deposit.
	status, first, _ := send()
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", status, first)
	}
	status, second, replayed := send()
	if status != http.StatusUnprocessableEntity || second != first || replayed != "true" {
		t.Fatalf("expected replayed response, got %d %q replayed=%q", status, second, replayed)
	}
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return resp.StatusCode, body
}

func getBalance(t *testing.T, app *fiber.App, addr string) float64 {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/funding/"+addr+"/balance", nil))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return body["balance"].(float64)
}

func TestCardInCreateDepositSpendOverHTTP(t *testing.T) {
	app := newApp(t, nil)
	fees := config.DefaultFeeSchedule()

	ownerKey, _ := crypto.GenerateKey()
	delegateKey, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	delegate := crypto.PubkeyToAddress(delegateKey.PublicKey)
	merchant := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	relayer := crypto.PubkeyToAddress(mustKey(t).PublicKey)

	const (
		deposit = 100_000
		spend   = 40_000
	)
	topUp := fees.RecordDeposit + deposit

	status, body := postJSON(t, app, "/api/v1/funding/"+owner.Hex()+"/card-in", fiber.Map{
		"card_number":  "4111111111111111",
		"expiry":       "12/29",
		"cvv":          "123",
		"amount":       topUp,
		"client_tx_id": "topup-1",
	})
	if status != http.StatusCreated || body["balance"] != float64(topUp) {
		t.Fatalf("card in: %d %v", status, body)
	}

	create := vault.CreateInput{Owner: owner, Delegate: delegate}
	createSig, _ := authz.Sign(ownerKey, vault.CreateDigest(create))
	status, body = postJSON(t, app, "/api/v1/agents", fiber.Map{
		"owner":     owner.Hex(),
		"delegate":  delegate.Hex(),
		"signature": hexutil.Encode(createSig),
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	agentID, _ := body["id"].(string)
	if agentID != agent.IDForDelegate(delegate) {
		t.Fatalf("unexpected agent id %q", agentID)
	}

	dep := vault.DepositInput{AgentID: agentID, Depositor: owner, Amount: deposit}
	depSig, _ := authz.Sign(ownerKey, vault.DepositDigest(dep))
	status, body = postJSON(t, app, "/api/v1/agents/"+agentID+"/deposit", fiber.Map{
		"depositor": owner.Hex(),
		"amount":    deposit,
		"signature": hexutil.Encode(depSig),
	})
	if status != http.StatusOK || body["vault_balance"] != float64(deposit) {
		t.Fatalf("deposit: %d %v", status, body)
	}

	sp := vault.SpendInput{AgentID: agentID, Amount: spend, Destination: merchant, FeePayer: relayer}
	spSig, _ := authz.Sign(delegateKey, vault.SpendDigest(sp))
	status, body = postJSON(t, app, "/api/v1/agents/"+agentID+"/spend", fiber.Map{
		"amount":      spend,
		"destination": merchant.Hex(),
		"fee_payer":   relayer.Hex(),
		"signature":   hexutil.Encode(spSig),
	})
	wantVault := float64(deposit - spend - fees.OrdinarySpend)
	if status != http.StatusOK || body["vault_balance"] != wantVault {
		t.Fatalf("spend: %d %v", status, body)
	}

	if got := getBalance(t, app, owner.Hex()); got != 0 {
		t.Fatalf("expected owner balance 0, got %v", got)
	}
	if got := getBalance(t, app, merchant.Hex()); got != spend {
		t.Fatalf("expected merchant balance %d, got %v", spend, got)
	}
	if got := getBalance(t, app, relayer.Hex()); got != float64(fees.OrdinarySpend) {
		t.Fatalf("expected relayer balance %d, got %v", fees.OrdinarySpend, got)
	}

	payoutDigest := funding.CardOutDigest(merchant, spend, "payout-1")
	merchantSig, _ := authz.Sign(ownerKey, payoutDigest)
	status, _ = postJSON(t, app, "/api/v1/funding/"+merchant.Hex()+"/card-out", fiber.Map{
		"card_number":  "4111111111111111",
		"amount":       spend,
		"client_tx_id": "payout-1",
		"signature":    hexutil.Encode(merchantSig),
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected payout signed by a non-holder to be refused, got %d", status)
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
