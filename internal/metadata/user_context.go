package metadata

// UserContext is the authenticated caller, attached by auth middleware and
// consulted by the permission evaluator and state machine runtime.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds at least one of the given roles.
// An empty requirement list allows everyone.
func (u *UserContext) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

func (u *UserContext) IsAdmin() bool {
	return u.HasRole("admin")
}
