package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/vault"
)

// RegisterAgentRoutes mounts the agent vault operations. Mutations on an
// existing agent pass through the submit middlewares first.
func RegisterAgentRoutes(api fiber.Router, h *vault.Handler, submit ...fiber.Handler) {
	g := api.Group("/agents")
	g.Post("/", h.Create)
	g.Post("/private", h.CreatePrivate)
	g.Get("/:agentId", h.Get)

	mutate := func(path string, handler fiber.Handler) {
		chain := append(append([]fiber.Handler{}, submit...), handler)
		g.Post("/:agentId"+path, chain...)
	}
	mutate("/deposit", h.Deposit)
	mutate("/spend", h.Spend)
	mutate("/withdraw", h.Withdraw)
	mutate("/withdraw/private", h.WithdrawPrivate)
	mutate("/freeze", h.Freeze)
	mutate("/freeze/private", h.FreezePrivate)
	mutate("/unfreeze", h.Unfreeze)
	mutate("/unfreeze/private", h.UnfreezePrivate)
	mutate("/constraints", h.UpdateConstraints)
	mutate("/constraints/private", h.UpdateConstraintsPrivate)
	mutate("/close", h.Close)
	mutate("/close/private", h.ClosePrivate)
}
