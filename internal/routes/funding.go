package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/funding"
)

// RegisterFundingRoutes mounts card top-ups and payouts of address accounts.
func RegisterFundingRoutes(api fiber.Router, h *funding.Handler) {
	g := api.Group("/funding/:address")
	g.Get("/balance", h.Balance)
	g.Post("/card-in", h.CardIn)
	g.Post("/card-out", h.CardOut)
}
