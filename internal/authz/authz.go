// Package authz checks that a caller holds the role an operation requires. Roles are
// scoped to a single project: a supervisor is whoever hashes to the project's
// supervisor commitment, a contractor is whoever was revealed on the approved tender.
package authz

import (
	"civicledger/internal/apperr"
	"civicledger/internal/commitment"
	"civicledger/internal/model"
)

// 角色常量
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleContractor = "contractor"
)

// Guard 校验调用方身份
type Guard struct{}

// NewGuard 创建权限校验器
func NewGuard() *Guard {
	return &Guard{}
}

// RequireCommitted 校验调用方身份的承诺是否等于 expected
func (g *Guard) RequireCommitted(op string, caller model.Identity, expected commitment.Commitment, role string) error {
	if caller.IsZero() || expected.IsZero() {
		return denied(op, role)
	}
	if !commitment.Verify(expected, caller.Bytes()) {
		return denied(op, role)
	}
	return nil
}

// RequireIdentity 校验调用方是否为 expected 本人（用于已揭示的承包商）
func (g *Guard) RequireIdentity(op string, caller, expected model.Identity, role string) error {
	if caller.IsZero() || expected.IsZero() {
		return denied(op, role)
	}
	if !commitment.Equal(commitment.Identity(caller.String()), commitment.Identity(expected.String())) {
		return denied(op, role)
	}
	return nil
}

func denied(op, role string) error {
	return apperr.New(apperr.KindUnauthorized, op, "caller is not the project %s", role)
}
