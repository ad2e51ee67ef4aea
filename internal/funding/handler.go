package funding

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/ledger"
)

// Handler exposes HTTP endpoints for card funding flows.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CardInRequest carries a card top-up.
type CardInRequest struct {
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	Amount     uint64 `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
}

// CardOutRequest carries a signed payout to a card.
type CardOutRequest struct {
	CardNumber string `json:"card_number"`
	Amount     uint64 `json:"amount"`
	ClientTxID string `json:"client_tx_id"`
	Signature  string `json:"signature"`
}

// Response is the API body of a card movement.
type Response struct {
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	Balance           uint64 `json:"balance"`
	AcquirerReference string `json:"acquirer_reference"`
}

// CardIn tops up an address account from a card.
func (h *Handler) CardIn(c *fiber.Ctx) error {
	addr, err := addressParam(c)
	if err != nil {
		return err
	}
	var req CardInRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.CardIn(c.UserContext(), CardInInput{
		Address:    addr,
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		CardNumber: req.CardNumber,
		Expiry:     req.Expiry,
		CVV:        req.CVV,
	})
	return respond(c, result, err)
}

// CardOut pays an address account out to a card.
func (h *Handler) CardOut(c *fiber.Ctx) error {
	addr, err := addressParam(c)
	if err != nil {
		return err
	}
	var req CardOutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "signature: "+err.Error())
	}

	result, err := h.service.CardOut(c.UserContext(), CardOutInput{
		Address:    addr,
		Amount:     req.Amount,
		ClientTxID: req.ClientTxID,
		CardNumber: req.CardNumber,
		Signature:  authz.Signature(sig),
	})
	return respond(c, result, err)
}

// Balance reports the ledger balance of an address account.
func (h *Handler) Balance(c *fiber.Ctx) error {
	addr, err := addressParam(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		balance, err = 0, nil
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"address": addr.Hex(), "balance": balance})
}

func addressParam(c *fiber.Ctx) (common.Address, error) {
	raw := c.Params("address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fiber.NewError(http.StatusBadRequest, "address must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

func respond(c *fiber.Ctx, result Result, err error) error {
	switch {
	case err == nil:
		return c.Status(http.StatusCreated).JSON(toResponse(result))
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return c.Status(http.StatusOK).JSON(toResponse(result))
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCard), errors.Is(err, ledger.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, agent.ErrBalance), errors.Is(err, ErrDeclined):
		status = http.StatusUnprocessableEntity
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func toResponse(result Result) Response {
	return Response{
		TransactionID:     result.TransactionID,
		Status:            result.Status,
		Balance:           result.Balance,
		AcquirerReference: result.AcquirerReference,
	}
}
