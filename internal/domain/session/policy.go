package session

import (
	"fmt"
	"time"
)

// Params are the four inputs the policy table is keyed on.
type Params struct {
	Role       Role `json:"role"`
	InER       bool `json:"in_er"`
	FromNative bool `json:"from_native"`
	LongLived  bool `json:"long_lived"`
}

// Lifetime is how long a token lives and how often its expiry may slide.
type Lifetime struct {
	Validity   time.Duration
	MinRefresh time.Duration
}

// PolicyConfig holds the lifetimes for every allowed combination.
type PolicyConfig struct {
	TechnicianER     Lifetime
	PatientER        Lifetime
	PatientHome      Lifetime
	PatientLongLived Lifetime
}

// DefaultPolicyConfig returns the production lifetimes.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		TechnicianER:     Lifetime{Validity: 10 * time.Minute, MinRefresh: 5 * time.Second},
		PatientER:        Lifetime{Validity: time.Hour, MinRefresh: 5 * time.Second},
		PatientHome:      Lifetime{Validity: 24 * time.Hour, MinRefresh: time.Minute},
		PatientLongLived: Lifetime{Validity: 30 * 24 * time.Hour, MinRefresh: time.Hour},
	}
}

const (
	msgTechnicianNotInER   = "Technicians can only access the system in the ER right now."
	msgTechnicianNative    = "Technicians cannot access native apps right now."
	msgTechnicianLongLived = "Technicians cannot have long-lived tokens."
	msgPatientERNative     = "Patients cannot access the system in the ER from native apps right now."
	msgPatientERLongLived  = "Patients cannot have long-lived tokens in the ER."
	msgUnknownRole         = "Unknown session role."
)

// Policy maps session parameters to a lifetime or a classified violation.
// It holds no state beyond its configuration.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy validates cfg and returns a Policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	checks := []struct {
		name string
		lt   Lifetime
	}{
		{"technician ER", cfg.TechnicianER},
		{"patient ER", cfg.PatientER},
		{"patient home", cfg.PatientHome},
		{"patient long-lived", cfg.PatientLongLived},
	}
	for _, c := range checks {
		if c.lt.Validity <= 0 {
			return nil, fmt.Errorf("%s validity must be positive, got %s", c.name, c.lt.Validity)
		}
		if c.lt.MinRefresh < 0 || c.lt.MinRefresh >= c.lt.Validity {
			return nil, fmt.Errorf("%s min refresh must be in [0, %s), got %s", c.name, c.lt.Validity, c.lt.MinRefresh)
		}
	}
	return &Policy{cfg: cfg}, nil
}

// Evaluate returns the lifetime for p, or a *PolicyViolationError wrapping
// ErrPolicyUserFacing or ErrPolicyInternal. Rules are checked in order and
// cover every combination of the four inputs.
func (p *Policy) Evaluate(in Params) (Lifetime, error) {
	switch in.Role {
	case RoleTechnician:
		switch {
		case !in.InER:
			return Lifetime{}, userFacing(in, msgTechnicianNotInER)
		case in.FromNative:
			return Lifetime{}, userFacing(in, msgTechnicianNative)
		case in.LongLived:
			return Lifetime{}, internal(in, msgTechnicianLongLived)
		default:
			return p.cfg.TechnicianER, nil
		}
	case RolePatient:
		switch {
		case in.InER && in.FromNative:
			return Lifetime{}, userFacing(in, msgPatientERNative)
		case in.InER && in.LongLived:
			return Lifetime{}, internal(in, msgPatientERLongLived)
		case in.InER:
			return p.cfg.PatientER, nil
		case in.LongLived:
			return p.cfg.PatientLongLived, nil
		default:
			return p.cfg.PatientHome, nil
		}
	default:
		return Lifetime{}, internal(in, msgUnknownRole)
	}
}
