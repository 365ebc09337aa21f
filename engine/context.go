// Package engine runs a two-party price negotiation to a terminal
// outcome: calling both agents' decision endpoints turn by turn,
// verifying the proofs they return, and settling the agreed price with
// a Nash-weighted optimizer. A deterministic in-process engine stands
// in when endpoint negotiation is off or fails and fallback is allowed.
package engine

import (
	"fmt"
	"math"
	"strings"

	"moltd/apierr"
)

// Role labels inside private contexts.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Turn count bounds for a single negotiation.
const (
	DefaultMaxTurns = 8
	MinTurns        = 1
	MaxTurns        = 50
)

// PrivateContext is an agent's unsealed negotiation posture. Only the
// service sees it; transcripts carry banded summaries.
type PrivateContext struct {
	Role         string
	Reservation  float64
	InitialPrice *float64
	Step         float64
	Urgency      *float64
	Income       *float64
	CreditScore  *float64
	Raw          map[string]interface{}
}

// ParseContext extracts the negotiation posture from an unsealed
// payload. Reservation is mandatory; everything else has defaults.
func ParseContext(raw map[string]interface{}) (PrivateContext, error) {
	pc := PrivateContext{Raw: raw, Step: 1.0}
	if raw == nil {
		return pc, apierr.New(apierr.CodeInvalidRequest, "private context payload is empty")
	}
	pc.Role = strings.ToLower(strings.TrimSpace(stringField(raw, "role")))
	if pc.Role != RoleBuyer && pc.Role != RoleSeller {
		return pc, apierr.Newf(apierr.CodeInvalidRequest, "private context role must be buyer or seller, got %q", pc.Role)
	}

	reservation, ok := numberField(raw, "reservationPrice", "reservation")
	if !ok || !finite(reservation) || reservation <= 0 {
		return pc, apierr.New(apierr.CodeInvalidRequest, "private context requires a positive reservation price")
	}
	pc.Reservation = reservation

	if initial, ok := numberField(raw, "initialPrice", "initialOffer"); ok && finite(initial) {
		pc.InitialPrice = &initial
	}
	if step, ok := numberField(raw, "step", "concessionStep"); ok && finite(step) && step > 0 {
		pc.Step = step
	}
	if urgency, ok := numberField(raw, "urgency"); ok && finite(urgency) {
		clamped := clamp01(urgency)
		pc.Urgency = &clamped
	}
	if income, ok := numberField(raw, "income", "annualIncome"); ok && finite(income) {
		pc.Income = &income
	}
	if credit, ok := numberField(raw, "creditScore", "credit"); ok && finite(credit) {
		pc.CreditScore = &credit
	}
	return pc, nil
}

// InitialOffer returns the opening position for the context's role.
// Buyers anchor below their reservation, sellers above, unless the
// context names an explicit initial price.
func (c PrivateContext) InitialOffer() float64 {
	if c.Role == RoleBuyer {
		start := c.Reservation - 2*c.Step
		if c.InitialPrice != nil {
			start = *c.InitialPrice
		}
		return math.Min(c.Reservation, start)
	}
	start := c.Reservation + 2*c.Step
	if c.InitialPrice != nil {
		start = *c.InitialPrice
	}
	return math.Max(c.Reservation, start)
}

// BargainingPower scores the side's standing in [0,1] from financial
// leverage and urgency. Absent signals default to the midpoint.
func (c PrivateContext) BargainingPower() float64 {
	leverage := 0.5
	if c.Income != nil || c.CreditScore != nil {
		var sum float64
		var n int
		if c.Income != nil {
			sum += clamp01(*c.Income / 200000)
			n++
		}
		if c.CreditScore != nil {
			sum += clamp01((*c.CreditScore - 300) / 550)
			n++
		}
		leverage = sum / float64(n)
	}
	urgency := 0.5
	if c.Urgency != nil {
		urgency = *c.Urgency
	}
	return 0.7*leverage + 0.3*(1-urgency)
}

// SplitRoles partitions two contexts into (buyer, seller). The pair
// must cover both roles exactly.
func SplitRoles(a, b Participant) (Participant, Participant, error) {
	if a.Context.Role == RoleBuyer && b.Context.Role == RoleSeller {
		return a, b, nil
	}
	if a.Context.Role == RoleSeller && b.Context.Role == RoleBuyer {
		return b, a, nil
	}
	return Participant{}, Participant{}, apierr.New(apierr.CodeInvalidRequest, "roles_must_include_buyer_and_seller")
}

// ClampTurns bounds the configured turn budget.
func ClampTurns(n int) int {
	if n <= 0 {
		return DefaultMaxTurns
	}
	if n < MinTurns {
		return MinTurns
	}
	if n > MaxTurns {
		return MaxTurns
	}
	return n
}

func stringField(raw map[string]interface{}, key string) string {
	if s, ok := raw[key].(string); ok {
		return s
	}
	return ""
}

func numberField(raw map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
