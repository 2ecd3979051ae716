// Package security decides who may read or change a registry entry.
package security

import "github.com/rs/zerolog/log"

// AdminUser bypasses every owner permission check.
const AdminUser = "admin"

// Permission digit values. The units digit applies to principals sharing
// the owner's group, the tens digit to everyone else.
const (
	Deny  = 1
	Read  = 2
	Write = 3
)

// GroupResolver maps a principal onto its group.
type GroupResolver interface {
	GroupOf(principal string) (string, bool)
}

// Groups is a fixed principal -> group table.
type Groups map[string]string

func (g Groups) GroupOf(principal string) (string, bool) {
	group, ok := g[principal]
	return group, ok && group != ""
}

// Evaluate reports whether principal may read (or write, if wantsWrite) an
// entry owned by owner under the two-digit permission encoding.
func Evaluate(principal, owner string, permission int, wantsWrite bool, groups GroupResolver) bool {
	if principal == "" || owner == "" || permission == 0 || principal == owner || principal == AdminUser {
		return true
	}

	digit := permission / 10 % 10
	if sameGroup(principal, owner, groups) {
		digit = permission % 10
	}

	allowed := false
	switch digit {
	case Write:
		allowed = true
	case Read:
		allowed = !wantsWrite
	}
	if !allowed {
		log.Debug().
			Str("principal", principal).
			Str("owner", owner).
			Int("permission", permission).
			Bool("write", wantsWrite).
			Msg("owner permission denied")
	}
	return allowed
}

func sameGroup(principal, owner string, groups GroupResolver) bool {
	if groups == nil {
		return false
	}
	pg, ok := groups.GroupOf(principal)
	if !ok {
		return false
	}
	og, ok := groups.GroupOf(owner)
	return ok && pg == og
}
