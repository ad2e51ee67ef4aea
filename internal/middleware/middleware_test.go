package middleware

import (
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/serial"
)

func TestSubmitRateLimitPerAgent(t *testing.T) {
	cache := newTestCache(t)
	app := fiber.New()
	app.Post("/agents/:agentId/spend", SubmitRateLimit(cache, 2), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	send := func(agentID string) int {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/agents/"+agentID+"/spend", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if status := send("a"); status != fiber.StatusNoContent {
			t.Fatalf("request %d: expected 204 got %d", i, status)
		}
	}
	if status := send("a"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
	if status := send("b"); status != fiber.StatusNoContent {
		t.Fatalf("other agents are unaffected, got %d", status)
	}
}

func TestSubmitRateLimitWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Post("/agents/:agentId/spend", SubmitRateLimit(nil, 1), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/agents/a/spend", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusNoContent {
			t.Fatalf("expected pass-through, got %d", resp.StatusCode)
		}
	}
}

func TestSerializeAgentRunsOneAtATime(t *testing.T) {
	var inFlight, peak atomic.Int32
	app := fiber.New()
	app.Post("/agents/:agentId/spend", SerializeAgent(serial.NewLocal(), time.Second), func(c *fiber.Ctx) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return c.SendStatus(fiber.StatusNoContent)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/agents/a/spend", nil), 5000)
			if err != nil {
				t.Errorf("app.Test: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("expected one request in flight per agent, saw %d", peak.Load())
	}
}

func TestRequestIDReplacesOversizedHeader(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(RequestIDFrom(c))
	})

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected a fresh uuid, got %q", got)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "client-id")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "client-id" {
		t.Fatalf("expected client id to be kept, got %q", got)
	}
}
