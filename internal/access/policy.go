// Package access decides whether a grid cell may be edited by a role.
package access

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/gridsync/internal/normalize"
)

// Built-in role names.
const (
	RoleAdmin      = "admin"
	RoleAccountant = "accountant"
	RoleManager    = "manager"
)

var ErrInvalidPolicy = errors.New("invalid access policy")

// RolePolicy describes what one role may edit.
type RolePolicy struct {
	// Elevated roles load the admin view of all periods.
	Elevated bool `yaml:"elevated" json:"elevated"`
	// BypassCellLocks ignores the whole-row managerBlock; lock ranges still apply.
	BypassCellLocks bool `yaml:"bypassCellLocks" json:"bypassCellLocks"`
	// LockedColumns are always read-only for the role (letters).
	LockedColumns []string `yaml:"lockedColumns" json:"lockedColumns"`
	// ManagerBlockExempt columns stay editable on a managerBlock record.
	ManagerBlockExempt []string `yaml:"managerBlockExempt" json:"managerBlockExempt"`

	locked map[int]struct{}
	exempt map[int]struct{}
}

func (p *RolePolicy) compile() error {
	locked, err := columnSet(p.LockedColumns)
	if err != nil {
		return fmt.Errorf("lockedColumns: %w", err)
	}
	exempt, err := columnSet(p.ManagerBlockExempt)
	if err != nil {
		return fmt.Errorf("managerBlockExempt: %w", err)
	}
	p.locked, p.exempt = locked, exempt
	return nil
}

func (p RolePolicy) staticallyLocked(col int) bool {
	_, ok := p.locked[col]
	return ok
}

func (p RolePolicy) exemptFromBlock(col int) bool {
	_, ok := p.exempt[col]
	return ok
}

func columnSet(specs []string) (map[int]struct{}, error) {
	out := make(map[int]struct{})
	for _, spec := range specs {
		from, to, err := normalize.ColumnRange(normalize.SplitColumnSpec(spec))
		if err != nil {
			return nil, err
		}
		for col := from; col <= to; col++ {
			out[col] = struct{}{}
		}
	}
	return out, nil
}

// Policy maps role names to their rules. Roles missing from the map use
// Fallback.
type Policy struct {
	Roles    map[string]RolePolicy `yaml:"roles" json:"roles"`
	Fallback RolePolicy            `yaml:"fallback" json:"fallback"`
}

// DefaultPolicy returns the built-in rules: admins see everything and
// ignore record locks; accountants are restricted but may edit payments;
// managers cannot touch ids or paid amounts and keep only the comment
// column on blocked records. Unknown roles behave like managers.
func DefaultPolicy() Policy {
	policy := Policy{
		Roles: map[string]RolePolicy{
			RoleAdmin: {
				Elevated:        true,
				BypassCellLocks: true,
				LockedColumns:   []string{"A"},
			},
			RoleAccountant: {
				LockedColumns:      []string{"A"},
				ManagerBlockExempt: []string{"H:I", "K"},
			},
			RoleManager: {
				LockedColumns:      []string{"A", "I"},
				ManagerBlockExempt: []string{"K"},
			},
		},
		Fallback: RolePolicy{
			LockedColumns:      []string{"A", "I"},
			ManagerBlockExempt: []string{"K"},
		},
	}
	if err := policy.Compile(); err != nil {
		panic(err)
	}
	return policy
}

// Compile validates column letters and prepares lookup sets. It must be
// called on any Policy not obtained from DefaultPolicy or LoadPolicy.
func (p *Policy) Compile() error {
	roles := make(map[string]RolePolicy, len(p.Roles))
	for name, role := range p.Roles {
		key := normalizeRole(name)
		if key == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidPolicy)
		}
		if err := role.compile(); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidPolicy, name, err)
		}
		roles[key] = role
	}
	if err := p.Fallback.compile(); err != nil {
		return fmt.Errorf("%w: fallback: %v", ErrInvalidPolicy, err)
	}
	p.Roles = roles
	return nil
}

// Role returns the rules for role, or the fallback rules.
func (p Policy) Role(role string) RolePolicy {
	if rules, ok := p.Roles[normalizeRole(role)]; ok {
		return rules
	}
	return p.Fallback
}

// Elevated reports whether role reads the admin view.
func (p Policy) Elevated(role string) bool {
	return p.Role(role).Elevated
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// ParsePolicy decodes a YAML policy document. Roles declared in the
// document replace the built-in role of the same name; others are kept.
func ParsePolicy(data []byte) (Policy, error) {
	var doc Policy
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	policy := DefaultPolicy()
	for name, role := range doc.Roles {
		policy.Roles[normalizeRole(name)] = role
	}
	if len(doc.Fallback.LockedColumns) > 0 || len(doc.Fallback.ManagerBlockExempt) > 0 || doc.Fallback.Elevated || doc.Fallback.BypassCellLocks {
		policy.Fallback = doc.Fallback
	}
	if err := policy.Compile(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	return ParsePolicy(data)
}
