package auth

// Basis names what settled an authorization decision.
type Basis string

const (
	BasisAdmin       Basis = "admin"
	BasisGrant       Basis = "grant"
	BasisRoleDefault Basis = "role_default"
	BasisUnknownUser Basis = "unknown_user"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Basis   Basis
	Grant   *Grant
}

// roleDefaults apply when no explicit grant covers the resource.
// Admins never reach this table.
var roleDefaults = map[Role]map[Action]bool{
	RoleEditor: {ActionRead: true, ActionWrite: true, ActionDelete: true},
	RoleUser:   {ActionRead: true, ActionWrite: true},
}

// RoleAllows reports the fallback outcome for role r.
func RoleAllows(r Role, a Action) bool {
	return roleDefaults[r][a]
}

// Decide is the pure decision function. grant is the applicable grant as
// chosen by SelectGrant or FindApplicableGrant, or nil.
func Decide(user User, grant *Grant, action Action) Decision {
	if user.Role == RoleAdmin {
		return Decision{Allowed: true, Basis: BasisAdmin}
	}
	if grant != nil && !grant.Revoked() {
		return Decision{Allowed: grant.Level.Allows(action), Basis: BasisGrant, Grant: grant}
	}
	return Decision{Allowed: RoleAllows(user.Role, action), Basis: BasisRoleDefault}
}
