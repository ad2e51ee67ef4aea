package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/ledger"
)

// Handler exposes agent HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an agent HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type constraintsBody struct {
	MaxPerTx   uint64 `json:"max_per_tx"`
	DailyLimit uint64 `json:"daily_limit"`
	TotalLimit uint64 `json:"total_limit"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (b constraintsBody) toModel() agent.Constraints {
	return agent.Constraints{MaxPerTx: b.MaxPerTx, DailyLimit: b.DailyLimit, TotalLimit: b.TotalLimit, ExpiresAt: b.ExpiresAt}
}

type updateBody struct {
	MaxPerTx   *uint64 `json:"max_per_tx"`
	DailyLimit *uint64 `json:"daily_limit"`
	TotalLimit *uint64 `json:"total_limit"`
	ExpiresAt  *int64  `json:"expires_at"`
}

func (b updateBody) toModel() agent.ConstraintUpdate {
	return agent.ConstraintUpdate{MaxPerTx: b.MaxPerTx, DailyLimit: b.DailyLimit, TotalLimit: b.TotalLimit, ExpiresAt: b.ExpiresAt}
}

type proofBody struct {
	Proof        string `json:"proof"`
	Witness      string `json:"witness"`
	FeeRecipient string `json:"fee_recipient"`
}

type createRequest struct {
	Owner       string          `json:"owner"`
	Delegate    string          `json:"delegate"`
	Constraints constraintsBody `json:"constraints"`
	Signature   string          `json:"signature"`
}

type createPrivateRequest struct {
	Commitment  string          `json:"commitment"`
	Delegate    string          `json:"delegate"`
	Constraints constraintsBody `json:"constraints"`
	Payer       string          `json:"payer"`
	Signature   string          `json:"signature"`
}

type depositRequest struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
	Signature string `json:"signature"`
}

type spendRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	FeePayer    string `json:"fee_payer"`
	Signature   string `json:"signature"`
}

type withdrawRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	Signature   string `json:"signature"`
}

type withdrawPrivateRequest struct {
	proofBody
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
}

type ownerRequest struct {
	Signature string `json:"signature"`
}

type updateRequest struct {
	Update    updateBody `json:"update"`
	Signature string     `json:"signature"`
}

type updatePrivateRequest struct {
	proofBody
	Update updateBody `json:"update"`
}

type closePrivateRequest struct {
	proofBody
	Destination string `json:"destination"`
}

type agentResponse struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode"`
	Owner       string          `json:"owner,omitempty"`
	Commitment  string          `json:"commitment,omitempty"`
	Delegate    string          `json:"delegate"`
	Constraints constraintsBody `json:"constraints"`
	Frozen      bool            `json:"frozen"`
	TotalSpent  uint64          `json:"total_spent"`
	DailySpent  uint64          `json:"daily_spent"`
	LastEpoch   int64           `json:"last_epoch"`
	CreatedAt   int64           `json:"created_at"`
	VaultCode   string          `json:"vault_account"`
}

func toResponse(a agent.Account) agentResponse {
	resp := agentResponse{
		ID:       a.ID,
		Mode:     a.Mode().String(),
		Delegate: a.Delegate.Hex(),
		Constraints: constraintsBody{
			MaxPerTx:   a.Constraints.MaxPerTx,
			DailyLimit: a.Constraints.DailyLimit,
			TotalLimit: a.Constraints.TotalLimit,
			ExpiresAt:  a.Constraints.ExpiresAt,
		},
		Frozen:     a.Frozen,
		TotalSpent: a.TotalSpent,
		DailySpent: a.DailySpent,
		LastEpoch:  a.LastEpoch,
		CreatedAt:  a.CreatedAt,
		VaultCode:  a.VaultCode(),
	}
	if owner, ok := a.Identity.Owner(); ok {
		resp.Owner = owner.Hex()
	}
	if c, ok := a.Identity.Commitment(); ok {
		resp.Commitment = c.String()
	}
	return resp
}

func resultJSON(r Result) fiber.Map {
	return fiber.Map{
		"agent":         toResponse(r.Account),
		"principal":     r.Principal,
		"fee":           r.Fee,
		"refund":        r.Refund,
		"vault_balance": r.VaultBalance,
		"completed_at":  r.CompletedAt,
	}
}

// Create registers a direct-mode agent.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := CreateInput{
		Owner:       p.address("owner", req.Owner),
		Delegate:    p.address("delegate", req.Delegate),
		Constraints: req.Constraints.toModel(),
		Signature:   p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	acct, err := h.service.CreateAgent(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(acct))
}

// CreatePrivate registers a commitment-mode agent.
func (h *Handler) CreatePrivate(c *fiber.Ctx) error {
	var req createPrivateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	commitment, err := agent.ParseCommitment(req.Commitment)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := CreatePrivateInput{
		Commitment:  commitment,
		Delegate:    p.address("delegate", req.Delegate),
		Constraints: req.Constraints.toModel(),
		Payer:       p.address("payer", req.Payer),
		Signature:   p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	acct, err := h.service.CreateAgentPrivate(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(acct))
}

// Get returns the agent and its vault balance.
func (h *Handler) Get(c *fiber.Ctx) error {
	view, err := h.service.Get(c.UserContext(), c.Params("agentId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"agent":   toResponse(view.Account),
		"balance": view.Balance,
	})
}

// Deposit credits the agent's vault.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := DepositInput{
		AgentID:   c.Params("agentId"),
		Depositor: p.address("depositor", req.Depositor),
		Amount:    req.Amount,
		Signature: p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.Deposit(c.UserContext(), in) })
}

// Spend runs a delegate spend.
func (h *Handler) Spend(c *fiber.Ctx) error {
	var req spendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := SpendInput{
		AgentID:     c.Params("agentId"),
		Amount:      req.Amount,
		Destination: p.address("destination", req.Destination),
		FeePayer:    p.address("fee_payer", req.FeePayer),
		Signature:   p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.Spend(c.UserContext(), in) })
}

// Withdraw runs an owner withdrawal.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := WithdrawInput{
		AgentID:     c.Params("agentId"),
		Amount:      req.Amount,
		Destination: p.address("destination", req.Destination),
		Signature:   p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.Withdraw(c.UserContext(), in) })
}

// WithdrawPrivate runs a proof-authorized withdrawal.
func (h *Handler) WithdrawPrivate(c *fiber.Ctx) error {
	var req withdrawPrivateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := WithdrawPrivateInput{
		PrivateInput: p.private(c.Params("agentId"), req.proofBody),
		Amount:       req.Amount,
		Destination:  p.address("destination", req.Destination),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.WithdrawPrivate(c.UserContext(), in) })
}

// Freeze freezes a direct-mode agent.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	return h.owner(c, h.service.Freeze)
}

// Unfreeze unfreezes a direct-mode agent.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	return h.owner(c, h.service.Unfreeze)
}

// Close closes a direct-mode agent.
func (h *Handler) Close(c *fiber.Ctx) error {
	return h.owner(c, h.service.Close)
}

// FreezePrivate freezes a commitment-mode agent.
func (h *Handler) FreezePrivate(c *fiber.Ctx) error {
	return h.private(c, h.service.FreezePrivate)
}

// UnfreezePrivate unfreezes a commitment-mode agent.
func (h *Handler) UnfreezePrivate(c *fiber.Ctx) error {
	return h.private(c, h.service.UnfreezePrivate)
}

// UpdateConstraints updates a direct-mode agent's constraints.
func (h *Handler) UpdateConstraints(c *fiber.Ctx) error {
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := UpdateConstraintsInput{
		AgentID:   c.Params("agentId"),
		Update:    req.Update.toModel(),
		Signature: p.signature(req.Signature),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.UpdateConstraints(c.UserContext(), in) })
}

// UpdateConstraintsPrivate updates a commitment-mode agent's constraints.
func (h *Handler) UpdateConstraintsPrivate(c *fiber.Ctx) error {
	var req updatePrivateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := UpdateConstraintsPrivateInput{
		PrivateInput: p.private(c.Params("agentId"), req.proofBody),
		Update:       req.Update.toModel(),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.UpdateConstraintsPrivate(c.UserContext(), in) })
}

// ClosePrivate closes a commitment-mode agent.
func (h *Handler) ClosePrivate(c *fiber.Ctx) error {
	var req closePrivateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := ClosePrivateInput{
		PrivateInput: p.private(c.Params("agentId"), req.proofBody),
		Destination:  p.address("destination", req.Destination),
	}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return h.service.ClosePrivate(c.UserContext(), in) })
}

func (h *Handler) owner(c *fiber.Ctx, run func(context.Context, OwnerInput) (Result, error)) error {
	var req ownerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := OwnerInput{AgentID: c.Params("agentId"), Signature: p.signature(req.Signature)}
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return run(c.UserContext(), in) })
}

func (h *Handler) private(c *fiber.Ctx, run func(context.Context, PrivateInput) (Result, error)) error {
	var req proofBody
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	var p parser
	in := p.private(c.Params("agentId"), req)
	if p.err != nil {
		return fiber.NewError(http.StatusBadRequest, p.err.Error())
	}
	return h.respond(c, func() (Result, error) { return run(c.UserContext(), in) })
}

func (h *Handler) respond(c *fiber.Ctx, run func() (Result, error)) error {
	res, err := run()
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(resultJSON(res))
}

// parser decodes request fields and keeps the first error.
type parser struct {
	err error
}

func (p *parser) address(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		p.err = fmt.Errorf("%s must be a hex address", field)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *parser) bytes(field, s string) []byte {
	if p.err != nil {
		return nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
		return nil
	}
	return b
}

func (p *parser) signature(s string) authz.Signature {
	return authz.Signature(p.bytes("signature", s))
}

func (p *parser) private(agentID string, body proofBody) PrivateInput {
	return PrivateInput{
		AgentID:      agentID,
		Proof:        authz.Proof{Proof: p.bytes("proof", body.Proof), Witness: p.bytes("witness", body.Witness)},
		FeeRecipient: p.address("fee_recipient", body.FeeRecipient),
	}
}

// writeError maps the error taxonomy onto HTTP statuses. The category is
// returned so clients can tell a limit breach from a balance shortfall.
func writeError(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agent.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrAgentExists), errors.Is(err, ledger.ErrDuplicateTransaction):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, agent.ErrConfig):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, agent.ErrState):
		status = http.StatusConflict
	case errors.Is(err, agent.ErrLimitExceeded), errors.Is(err, agent.ErrBalance), errors.Is(err, agent.ErrArithmetic):
		status = http.StatusUnprocessableEntity
	}

	body := fiber.Map{"error": err.Error(), "category": Category(err)}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	var limitErr *agent.LimitError
	if errors.As(err, &limitErr) {
		body["limit"] = limitErr.Limit
		body["cap"] = limitErr.Cap
		body["attempted"] = limitErr.Attempted
	}
	return c.Status(status).JSON(body)
}
