package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/serial"
)

// SerializeAgent runs the rest of the chain while holding the lock for the
// agent named by the agentId route parameter, so at most one operation per
// agent is in flight. wait bounds how long a request queues for the lock.
func SerializeAgent(locker serial.Locker, wait time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		agentID := c.Params("agentId")
		if agentID == "" || locker == nil {
			return c.Next()
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), wait)
		unlock, err := locker.Lock(ctx, agentID)
		cancel()
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "agent is busy, retry later")
		}
		defer unlock()
		return c.Next()
	}
}
