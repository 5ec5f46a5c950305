// Package rbac contains the domain types for roles, permissions, users and
// role assignments.
package rbac

import (
	"net"
	"slices"
	"strings"
	"time"
)

// ScopeGlobal is the scope tag that matches any requested scope.
const ScopeGlobal = "global"

// Permission is an atomic grant to perform an action on a resource within a scope.
type Permission struct {
	// Name uniquely identifies the permission. Defaults to "resource:action".
	Name string `json:"name" yaml:"name"`
	// Resource is the protected resource kind (e.g. "job", "payment").
	Resource string `json:"resource" yaml:"resource"`
	// Action is the operation on the resource (e.g. "read", "refund").
	Action string `json:"action" yaml:"action"`
	// Scope holds the scope tags this grant applies to ("own", "company", "region:X", "global").
	Scope []string `json:"scope" yaml:"scope"`
	// Conditions narrow when the grant applies.
	Conditions Conditions `json:"conditions" yaml:"conditions"`
	// Version increments every time the permission is revised.
	Version int `json:"version" yaml:"-"`
}

// Conditions are optional restrictions attached to a permission.
type Conditions struct {
	// TimeWindow restricts the grant to certain days and hours.
	TimeWindow *TimeWindow `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	// IPAllowList restricts the grant to IP literals or CIDR ranges. Empty means any.
	IPAllowList []string `json:"ip_allow_list,omitempty" yaml:"ip_allow_list,omitempty"`
	// RequiredTrustLevel is the minimum trust score (0-100) needed without step-up.
	RequiredTrustLevel int `json:"required_trust_level,omitempty" yaml:"required_trust_level,omitempty"`
	// Expression is an optional CEL boolean expression evaluated per request.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// TimeWindow is a recurring day-of-week and hour-of-day window.
// EndHour is exclusive. A window with StartHour > EndHour wraps midnight.
type TimeWindow struct {
	Days      []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
	StartHour int            `json:"start_hour" yaml:"start_hour"`
	EndHour   int            `json:"end_hour" yaml:"end_hour"`
	// Location is an IANA zone name. Empty means UTC.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Role is a named bundle of permissions with optional parent roles.
type Role struct {
	Name string `json:"name" yaml:"name"`
	// Level increases with privilege. Used for ordering, not as a security boundary.
	Level int `json:"level" yaml:"level"`
	// Permissions are permission names granted directly by this role.
	Permissions []string `json:"permissions" yaml:"permissions"`
	// Inherits are parent role names whose permissions are unioned in.
	Inherits []string `json:"inherits" yaml:"inherits"`
	// IsSystem roles cannot be deleted or renamed by non-privileged operations.
	IsSystem  bool      `json:"is_system" yaml:"is_system"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// User is a principal that can authenticate and hold roles.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	// PasswordHash is an argon2id PHC string.
	PasswordHash string `json:"password_hash,omitempty"`
	// OTPSecret is the base32 TOTP secret used for step-up.
	OTPSecret       string    `json:"otp_secret,omitempty"`
	PreferredStepUp string    `json:"preferred_step_up,omitempty"`
	Disabled        bool      `json:"disabled"`
	CreatedAt       time.Time `json:"created_at"`
}

// Assignment links a user to a role.
type Assignment struct {
	UserID     string    `json:"user_id"`
	RoleName   string    `json:"role_name"`
	AssignedAt time.Time `json:"assigned_at"`
}

// PermissionName returns the default permission name for a resource/action pair.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// Normalize fills the default name and sorts the scope tags.
func (p Permission) Normalize() Permission {
	if p.Name == "" {
		p.Name = PermissionName(p.Resource, p.Action)
	}
	p.Scope = normalizeTags(p.Scope)
	return p
}

// Matches reports whether the permission covers the resource and action.
func (p Permission) Matches(resource, action string) bool {
	return p.Resource == resource && p.Action == action
}

// CoversScope reports whether any of the requested scope tags is granted.
// A permission scoped "global" covers every request.
func (p Permission) CoversScope(tags []string) bool {
	for _, s := range p.Scope {
		if s == ScopeGlobal {
			return true
		}
		if slices.Contains(tags, s) {
			return true
		}
	}
	return false
}

// Equal reports whether two permissions carry the same grant, ignoring Version.
func (p Permission) Equal(o Permission) bool {
	a, b := p.Normalize(), o.Normalize()
	if a.Name != b.Name || a.Resource != b.Resource || a.Action != b.Action {
		return false
	}
	if !slices.Equal(a.Scope, b.Scope) {
		return false
	}
	ac, bc := a.Conditions, b.Conditions
	if ac.RequiredTrustLevel != bc.RequiredTrustLevel || ac.Expression != bc.Expression {
		return false
	}
	if !slices.Equal(ac.IPAllowList, bc.IPAllowList) {
		return false
	}
	switch {
	case ac.TimeWindow == nil && bc.TimeWindow == nil:
		return true
	case ac.TimeWindow == nil || bc.TimeWindow == nil:
		return false
	}
	tw, ow := ac.TimeWindow, bc.TimeWindow
	return tw.StartHour == ow.StartHour && tw.EndHour == ow.EndHour &&
		tw.Location == ow.Location && slices.Equal(tw.Days, ow.Days)
}

// Contains reports whether t falls inside the window.
// An unknown Location falls back to UTC.
func (w *TimeWindow) Contains(t time.Time) bool {
	loc := time.UTC
	if w.Location != "" {
		if l, err := time.LoadLocation(w.Location); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	if len(w.Days) > 0 && !slices.Contains(w.Days, local.Weekday()) {
		return false
	}
	h := local.Hour()
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// AllowsIP reports whether ip matches the allow-list. An empty list allows any IP.
// Unparsable addresses never match a non-empty list.
func (c Conditions) AllowsIP(ip string) bool {
	if len(c.IPAllowList) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, entry := range c.IPAllowList {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil && network.Contains(addr) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(addr) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the role.
func (r Role) Clone() Role {
	r.Permissions = slices.Clone(r.Permissions)
	r.Inherits = slices.Clone(r.Inherits)
	return r
}

// Clone returns a deep copy of the permission.
func (p Permission) Clone() Permission {
	p.Scope = slices.Clone(p.Scope)
	p.Conditions.IPAllowList = slices.Clone(p.Conditions.IPAllowList)
	if p.Conditions.TimeWindow != nil {
		tw := *p.Conditions.TimeWindow
		tw.Days = slices.Clone(tw.Days)
		p.Conditions.TimeWindow = &tw
	}
	return p
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
