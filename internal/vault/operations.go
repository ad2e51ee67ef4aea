package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/notification"
	"github.com/congo-pay/agentvault/internal/transfer"
)

// SpendInput is a delegate spend. FeePayer fronted the submission cost and is
// reimbursed from the vault.
type SpendInput struct {
	AgentID     string
	Amount      uint64
	Destination common.Address
	FeePayer    common.Address
	Signature   authz.Signature
}

// SpendDigest is the digest the delegate signs.
func SpendDigest(in SpendInput) []byte {
	return authz.Digest(authz.OpSpend, in.AgentID, authz.Uint64(in.Amount), authz.Address(in.Destination), authz.Address(in.FeePayer))
}

// Spend moves Amount to Destination under the agent's constraints. It is
// authorized by the delegate in both modes.
func (s *Service) Spend(ctx context.Context, in SpendInput) (Result, error) {
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	acct, err := s.store.Get(ctx, in.AgentID)
	if err != nil {
		return Result{}, err
	}
	err = s.gate.Authorize(ctx, acct, authz.Request{Op: authz.OpSpend, Digest: SpendDigest(in), Credential: in.Signature})
	if err != nil {
		return Result{}, s.reject(acct.ID, authz.OpSpend, err)
	}

	if err := s.limiter.Apply(&acct, in.Amount, s.now().Unix()); err != nil {
		return Result{}, s.reject(acct.ID, authz.OpSpend, err)
	}

	res, err := s.execute(ctx, authz.OpSpend, transfer.Plan{
		Kind:        "agent_spend",
		Order:       transfer.PrincipalFirst,
		Account:     acct,
		Op:          agent.OpUpdate,
		Principal:   in.Amount,
		Destination: agent.AddressCode(in.Destination),
		Fee:         s.fees.OrdinarySpend,
		FeeTo:       agent.AddressCode(in.FeePayer),
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentSpend, acct.ID, fmt.Sprintf("spent %d to %s", in.Amount, in.Destination.Hex()))
	return res, nil
}

// WithdrawInput is an owner withdrawal from a direct-mode agent.
type WithdrawInput struct {
	AgentID     string
	Amount      uint64
	Destination common.Address
	Signature   authz.Signature
}

// WithdrawDigest is the digest the owner signs.
func WithdrawDigest(in WithdrawInput) []byte {
	return authz.Digest(authz.OpWithdraw, in.AgentID, authz.Uint64(in.Amount), authz.Address(in.Destination))
}

// Withdraw moves Amount to Destination. It ignores every spend constraint
// and works while the agent is frozen or expired.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (Result, error) {
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	acct, err := s.ownerAuthorized(ctx, in.AgentID, authz.OpWithdraw, in.Signature, WithdrawDigest(in))
	if err != nil {
		return Result{}, err
	}
	res, err := s.execute(ctx, authz.OpWithdraw, transfer.Plan{
		Kind:        "agent_withdraw",
		Order:       transfer.PrincipalFirst,
		Account:     acct,
		Op:          agent.OpUpdate,
		Principal:   in.Amount,
		Destination: agent.AddressCode(in.Destination),
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentWithdraw, acct.ID, fmt.Sprintf("withdrew %d to %s", in.Amount, in.Destination.Hex()))
	return res, nil
}

// PrivateInput carries the proof for a commitment-mode operation and the
// relayer paid for submitting it.
type PrivateInput struct {
	AgentID      string
	Proof        authz.Proof
	FeeRecipient common.Address
}

// WithdrawPrivateInput is a proof-authorized withdrawal.
type WithdrawPrivateInput struct {
	PrivateInput
	Amount      uint64
	Destination common.Address
}

// WithdrawPrivate pays the relayer fee, then moves Amount to Destination.
func (s *Service) WithdrawPrivate(ctx context.Context, in WithdrawPrivateInput) (Result, error) {
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	acct, err := s.proofAuthorized(ctx, in.PrivateInput, authz.OpWithdraw)
	if err != nil {
		return Result{}, err
	}
	res, err := s.execute(ctx, authz.OpWithdraw, transfer.Plan{
		Kind:        "agent_withdraw_private",
		Order:       transfer.FeeFirst,
		Account:     acct,
		Op:          agent.OpUpdate,
		Principal:   in.Amount,
		Destination: agent.AddressCode(in.Destination),
		Fee:         s.fees.PrivilegedOperation,
		FeeTo:       agent.AddressCode(in.FeeRecipient),
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentWithdraw, acct.ID, fmt.Sprintf("withdrew %d to %s", in.Amount, in.Destination.Hex()))
	return res, nil
}

// OwnerInput is a direct-mode operation without parameters.
type OwnerInput struct {
	AgentID   string
	Signature authz.Signature
}

// FreezeDigest is the digest the owner signs to freeze.
func FreezeDigest(agentID string) []byte {
	return authz.Digest(authz.OpFreeze, agentID)
}

// UnfreezeDigest is the digest the owner signs to unfreeze.
func UnfreezeDigest(agentID string) []byte {
	return authz.Digest(authz.OpUnfreeze, agentID)
}

// Freeze stops delegate spends on a direct-mode agent.
func (s *Service) Freeze(ctx context.Context, in OwnerInput) (Result, error) {
	return s.setFrozen(ctx, in, authz.OpFreeze, true)
}

// Unfreeze re-enables delegate spends on a direct-mode agent.
func (s *Service) Unfreeze(ctx context.Context, in OwnerInput) (Result, error) {
	return s.setFrozen(ctx, in, authz.OpUnfreeze, false)
}

func (s *Service) setFrozen(ctx context.Context, in OwnerInput, op authz.Operation, frozen bool) (Result, error) {
	acct, err := s.ownerAuthorized(ctx, in.AgentID, op, in.Signature, authz.Digest(op, in.AgentID))
	if err != nil {
		return Result{}, err
	}
	acct.Frozen = frozen
	res, err := s.execute(ctx, op, transfer.Plan{
		Kind:    "agent_" + string(op),
		Order:   transfer.PrincipalFirst,
		Account: acct,
		Op:      agent.OpUpdate,
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, frozenKind(frozen), acct.ID, string(op))
	return res, nil
}

// FreezePrivate freezes a commitment-mode agent and pays the relayer.
func (s *Service) FreezePrivate(ctx context.Context, in PrivateInput) (Result, error) {
	return s.setFrozenPrivate(ctx, in, authz.OpFreeze, true)
}

// UnfreezePrivate unfreezes a commitment-mode agent and pays the relayer.
func (s *Service) UnfreezePrivate(ctx context.Context, in PrivateInput) (Result, error) {
	return s.setFrozenPrivate(ctx, in, authz.OpUnfreeze, false)
}

func (s *Service) setFrozenPrivate(ctx context.Context, in PrivateInput, op authz.Operation, frozen bool) (Result, error) {
	acct, err := s.proofAuthorized(ctx, in, op)
	if err != nil {
		return Result{}, err
	}
	acct.Frozen = frozen
	res, err := s.execute(ctx, op, s.privilegedPlan(acct, "agent_"+string(op)+"_private", in.FeeRecipient))
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, frozenKind(frozen), acct.ID, string(op))
	return res, nil
}

// UpdateConstraintsInput changes the provided constraint fields of a
// direct-mode agent.
type UpdateConstraintsInput struct {
	AgentID   string
	Update    agent.ConstraintUpdate
	Signature authz.Signature
}

// UpdateConstraintsDigest is the digest the owner signs.
func UpdateConstraintsDigest(in UpdateConstraintsInput) []byte {
	return authz.Digest(authz.OpUpdateConstraints, in.AgentID, authz.Update(in.Update))
}

// UpdateConstraints replaces the provided fields. Spend counters and the
// frozen flag are left as they are.
func (s *Service) UpdateConstraints(ctx context.Context, in UpdateConstraintsInput) (Result, error) {
	acct, err := s.ownerAuthorized(ctx, in.AgentID, authz.OpUpdateConstraints, in.Signature, UpdateConstraintsDigest(in))
	if err != nil {
		return Result{}, err
	}
	acct.Constraints = in.Update.Apply(acct.Constraints)
	res, err := s.execute(ctx, authz.OpUpdateConstraints, transfer.Plan{
		Kind:    "agent_update_constraints",
		Order:   transfer.PrincipalFirst,
		Account: acct,
		Op:      agent.OpUpdate,
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentConstraintsUpdated, acct.ID, describeConstraints(acct.Constraints))
	return res, nil
}

// UpdateConstraintsPrivateInput is the proof-authorized constraint update.
type UpdateConstraintsPrivateInput struct {
	PrivateInput
	Update agent.ConstraintUpdate
}

// UpdateConstraintsPrivate updates a commitment-mode agent and pays the relayer.
func (s *Service) UpdateConstraintsPrivate(ctx context.Context, in UpdateConstraintsPrivateInput) (Result, error) {
	acct, err := s.proofAuthorized(ctx, in.PrivateInput, authz.OpUpdateConstraints)
	if err != nil {
		return Result{}, err
	}
	acct.Constraints = in.Update.Apply(acct.Constraints)
	res, err := s.execute(ctx, authz.OpUpdateConstraints, s.privilegedPlan(acct, "agent_update_constraints_private", in.FeeRecipient))
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentConstraintsUpdated, acct.ID, describeConstraints(acct.Constraints))
	return res, nil
}

// CloseDigest is the digest the owner signs to close.
func CloseDigest(agentID string) []byte {
	return authz.Digest(authz.OpClose, agentID)
}

// Close sweeps the vault to the owner, refunds the record deposit to the
// owner and removes the agent.
func (s *Service) Close(ctx context.Context, in OwnerInput) (Result, error) {
	acct, err := s.ownerAuthorized(ctx, in.AgentID, authz.OpClose, in.Signature, CloseDigest(in.AgentID))
	if err != nil {
		return Result{}, err
	}
	owner, _ := acct.Identity.Owner()
	res, err := s.execute(ctx, authz.OpClose, transfer.Plan{
		Kind:        "agent_close",
		Order:       transfer.PrincipalFirst,
		Account:     acct,
		Op:          agent.OpDelete,
		Destination: agent.AddressCode(owner),
		Sweep:       true,
		RefundTo:    agent.AddressCode(owner),
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentClosed, acct.ID, fmt.Sprintf("closed, %d swept to %s", res.Principal, owner.Hex()))
	return res, nil
}

// ClosePrivateInput closes a commitment-mode agent.
type ClosePrivateInput struct {
	PrivateInput
	Destination common.Address
}

// ClosePrivate pays the relayer fee, sweeps the rest of the vault to
// Destination and refunds the record deposit to the relayer, which is
// assumed to have funded the agent's creation.
func (s *Service) ClosePrivate(ctx context.Context, in ClosePrivateInput) (Result, error) {
	acct, err := s.proofAuthorized(ctx, in.PrivateInput, authz.OpClose)
	if err != nil {
		return Result{}, err
	}
	relayer := agent.AddressCode(in.FeeRecipient)
	res, err := s.execute(ctx, authz.OpClose, transfer.Plan{
		Kind:        "agent_close_private",
		Order:       transfer.FeeFirst,
		Account:     acct,
		Op:          agent.OpDelete,
		Destination: agent.AddressCode(in.Destination),
		Fee:         s.fees.PrivilegedOperation,
		FeeTo:       relayer,
		Sweep:       true,
		RefundTo:    relayer,
	})
	if err != nil {
		return Result{}, err
	}
	s.emit(ctx, notification.KindAgentClosed, acct.ID, fmt.Sprintf("closed, %d swept to %s", res.Principal, in.Destination.Hex()))
	return res, nil
}

func (s *Service) ownerAuthorized(ctx context.Context, agentID string, op authz.Operation, sig authz.Signature, digest []byte) (agent.Account, error) {
	acct, err := s.store.Get(ctx, agentID)
	if err != nil {
		return agent.Account{}, err
	}
	err = s.gate.Authorize(ctx, acct, authz.Request{Op: op, Mode: agent.ModeDirect, Digest: digest, Credential: sig})
	if err != nil {
		return agent.Account{}, s.reject(acct.ID, op, err)
	}
	return acct, nil
}

func (s *Service) proofAuthorized(ctx context.Context, in PrivateInput, op authz.Operation) (agent.Account, error) {
	acct, err := s.store.Get(ctx, in.AgentID)
	if err != nil {
		return agent.Account{}, err
	}
	err = s.gate.Authorize(ctx, acct, authz.Request{Op: op, Mode: agent.ModeCommitment, Credential: in.Proof})
	if err != nil {
		return agent.Account{}, s.reject(acct.ID, op, err)
	}
	return acct, nil
}

// privilegedPlan charges the relayer fee without moving principal.
func (s *Service) privilegedPlan(acct agent.Account, kind string, relayer common.Address) transfer.Plan {
	return transfer.Plan{
		Kind:    kind,
		Order:   transfer.FeeFirst,
		Account: acct,
		Op:      agent.OpUpdate,
		Fee:     s.fees.PrivilegedOperation,
		FeeTo:   agent.AddressCode(relayer),
	}
}

func frozenKind(frozen bool) string {
	if frozen {
		return notification.KindAgentFrozen
	}
	return notification.KindAgentUnfrozen
}

func describeConstraints(c agent.Constraints) string {
	return fmt.Sprintf("max_per_tx=%d daily_limit=%d total_limit=%d expires_at=%d", c.MaxPerTx, c.DailyLimit, c.TotalLimit, c.ExpiresAt)
}
