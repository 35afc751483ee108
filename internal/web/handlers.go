package web

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/spendflow/internal/domain"
)

type createPlanRequest struct {
	Owner            string `json:"owner" binding:"required"`
	Goal             string `json:"goal"`
	TargetAmount     string `json:"target_amount" binding:"required"`
	RiskTier         string `json:"risk_tier" binding:"required"`
	Allocation       []int  `json:"allocation" binding:"required"`
	RebalanceEnabled bool   `json:"rebalance_enabled"`
}

type statusRequest struct {
	Action string `json:"action" binding:"required"`
}

type authorizationRequest struct {
	Purpose   string `json:"purpose"`
	Account   string `json:"account" binding:"required"`
	Spender   string `json:"spender" binding:"required"`
	Token     string `json:"token"`
	Allowance string `json:"allowance" binding:"required"`
	Period    uint32 `json:"period" binding:"required"`
	Start     uint64 `json:"start"`
	End       uint64 `json:"end" binding:"required"`
	Salt      string `json:"salt"`
	ExtraData string `json:"extra_data"`
	Signature string `json:"signature" binding:"required"`
}

func badRequest(c *gin.Context, err error) {
	Fail(c, domain.NewError(domain.CategoryValidation, "", err), nil)
}

func (s *Server) executeDue(c *gin.Context) {
	summary, err := s.runner.ExecuteDue(c.Request.Context())
	if err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, summary, nil)
}

func (s *Server) executePlan(c *gin.Context) {
	record, err := s.executor.ExecutePlan(c.Request.Context(), c.Param("id"), domain.TriggerManual)
	if err != nil {
		if record != nil && record.Succeeded() {
			Ok(c, record, map[string]any{"warning": err.Error()})
			return
		}
		Fail(c, err, record)
		return
	}
	Ok(c, record, nil)
}

func (s *Server) setPlanStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	plan, err := s.executor.SetPlanStatus(c.Request.Context(), c.Param("id"), domain.StatusAction(strings.ToLower(req.Action)))
	if err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, plan, nil)
}

func (s *Server) createPlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	target, ok := new(big.Int).SetString(req.TargetAmount, 10)
	if !ok {
		badRequest(c, errors.Wrapf(domain.ErrInvalidAmount, "target_amount %q", req.TargetAmount))
		return
	}
	if len(req.Allocation) != domain.AllocationTargets {
		badRequest(c, errors.Wrapf(domain.ErrInvalidAllocation, "expected %d shares", domain.AllocationTargets))
		return
	}

	var allocation domain.Allocation
	copy(allocation[:], req.Allocation)

	now := s.now().UTC()
	plan := &domain.Plan{
		ID:               uuid.NewString(),
		Owner:            req.Owner,
		Goal:             req.Goal,
		TargetAmount:     target,
		RiskTier:         domain.RiskTier(strings.ToLower(req.RiskTier)),
		Allocation:       allocation,
		RebalanceEnabled: req.RebalanceEnabled,
		TotalWithdrawn:   new(big.Int),
		Status:           domain.PlanStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := plan.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	if err := s.store.CreatePlan(plan); err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, plan, nil)
}

func (s *Server) getPlan(c *gin.Context) {
	plan, err := s.store.GetPlan(c.Param("id"))
	if err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, plan, nil)
}

func (s *Server) listExecutions(c *gin.Context) {
	if _, err := s.store.GetPlan(c.Param("id")); err != nil {
		Fail(c, err, nil)
		return
	}

	records, err := s.store.Executions(c.Param("id"))
	if err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, records, map[string]any{"total": len(records)})
}

func (s *Server) createAuthorization(c *gin.Context) {
	var req authorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	auth, err := req.toAuthorization(c.Param("id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	auth.ID = uuid.NewString()
	auth.CreatedAt = s.now().UTC()

	if err := auth.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.store.SaveAuthorization(auth); err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, auth, nil)
}

func (s *Server) revokeAuthorization(c *gin.Context) {
	if err := s.store.RevokeAuthorization(c.Param("id")); err != nil {
		Fail(c, err, nil)
		return
	}
	Ok(c, gin.H{"id": c.Param("id"), "revoked": true}, nil)
}

func (r authorizationRequest) toAuthorization(planID string) (*domain.SpendAuthorization, error) {
	for name, addr := range map[string]string{"account": r.Account, "spender": r.Spender} {
		if !common.IsHexAddress(addr) {
			return nil, errors.Errorf("%s is not a hex address", name)
		}
	}

	token := domain.NativeToken
	if r.Token != "" {
		if !common.IsHexAddress(r.Token) {
			return nil, errors.New("token is not a hex address")
		}
		token = common.HexToAddress(r.Token)
	}

	allowance, ok := new(big.Int).SetString(r.Allowance, 10)
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "allowance %q", r.Allowance)
	}

	salt := new(big.Int)
	if r.Salt != "" {
		if _, ok := salt.SetString(r.Salt, 0); !ok {
			return nil, errors.Errorf("salt %q is not an integer", r.Salt)
		}
	}

	signature, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "signature")
	}

	var extra []byte
	if r.ExtraData != "" {
		if extra, err = hexutil.Decode(r.ExtraData); err != nil {
			return nil, errors.Wrap(err, "extra_data")
		}
	}

	purpose := domain.PurposeWithdrawal
	if r.Purpose != "" {
		purpose = domain.AuthorizationPurpose(r.Purpose)
	}

	return &domain.SpendAuthorization{
		PlanID:    planID,
		Purpose:   purpose,
		Account:   common.HexToAddress(r.Account),
		Spender:   common.HexToAddress(r.Spender),
		Token:     token,
		Allowance: allowance,
		Period:    r.Period,
		Start:     r.Start,
		End:       r.End,
		Salt:      salt,
		ExtraData: extra,
		Signature: signature,
	}, nil
}
