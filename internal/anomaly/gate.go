// Package anomaly scores login attempts against the user's recent history
// and decides whether to allow the login, demand step-up verification, or
// deny it outright. The gate is stateless: it computes over facts supplied
// by the caller and holds nothing between calls.
package anomaly

import (
	"math"
	"time"

	"github.com/Thanush-07/aegis/internal/models"
)

// Decision severity is ordered: Allow < StepUp < Deny. Adding risk factors
// can only move the decision toward Deny, never back toward Allow.
type Decision int

const (
	Allow Decision = iota
	StepUp
	Deny
)

func (d Decision) String() string {
	switch d {
	case StepUp:
		return "step_up"
	case Deny:
		return "deny"
	default:
		return "allow"
	}
}

// Factor names embedded in audit events
const (
	FactorNewIP          = "new_ip"
	FactorNewDevice      = "new_device"
	FactorGeoVelocity    = "geo_velocity"
	FactorRecentFailures = "recent_failures"
	FactorDormantAccount = "dormant_account"
)

// Weights are the per-factor score contributions. All must be non-negative;
// negative weights would break the monotonicity guarantee.
type Weights struct {
	NewIP             int
	NewDevice         int
	GeoVelocity       int
	PerRecentFailure  int
	MaxFailurePenalty int
	DormantAccount    int
}

// Thresholds map an aggregate score to a decision.
type Thresholds struct {
	StepUp int // score >= StepUp demands step-up verification
	Deny   int // score >= Deny denies the attempt
}

// DefaultWeights are a policy starting point, overridable via config.
func DefaultWeights() Weights {
	return Weights{
		NewIP:             25,
		NewDevice:         25,
		GeoVelocity:       40,
		PerRecentFailure:  5,
		MaxFailurePenalty: 30,
		DormantAccount:    10,
	}
}

// Input is everything the gate consumes for one attempt. History comes from
// the session registry; RecentFailures from the credential store's counter.
type Input struct {
	Meta           models.DeviceMeta
	History        []*models.Session
	RecentFailures int
	LastSuccess    *time.Time
	Now            time.Time
}

// Assessment is the scored outcome. TriggeredFactors is embedded in the
// audit event for the attempt; the score itself is never shown to the user.
type Assessment struct {
	Score            int
	Decision         Decision
	TriggeredFactors []string
}

// Gate scores login attempts.
type Gate struct {
	weights    Weights
	thresholds Thresholds
}

func NewGate(weights Weights, thresholds Thresholds) *Gate {
	return &Gate{weights: weights, thresholds: thresholds}
}

// maxPlausibleSpeedKmh bounds geo velocity: faster than a commercial flight
// between two logins is implausible travel.
const maxPlausibleSpeedKmh = 900.0

// dormancyThreshold is how long without a successful login before the
// account counts as dormant. Reactivated dormant accounts are a favored
// takeover target.
const dormancyThreshold = 60 * 24 * time.Hour

// Score evaluates one login attempt.
func (g *Gate) Score(in Input) Assessment {
	var assessment Assessment

	if g.isNewIP(in) {
		assessment.Score += g.weights.NewIP
		assessment.TriggeredFactors = append(assessment.TriggeredFactors, FactorNewIP)
	}

	if g.isNewDevice(in) {
		assessment.Score += g.weights.NewDevice
		assessment.TriggeredFactors = append(assessment.TriggeredFactors, FactorNewDevice)
	}

	if g.implausibleVelocity(in) {
		assessment.Score += g.weights.GeoVelocity
		assessment.TriggeredFactors = append(assessment.TriggeredFactors, FactorGeoVelocity)
	}

	if in.RecentFailures > 0 {
		penalty := in.RecentFailures * g.weights.PerRecentFailure
		if penalty > g.weights.MaxFailurePenalty {
			penalty = g.weights.MaxFailurePenalty
		}
		assessment.Score += penalty
		assessment.TriggeredFactors = append(assessment.TriggeredFactors, FactorRecentFailures)
	}

	if g.isDormant(in) {
		assessment.Score += g.weights.DormantAccount
		assessment.TriggeredFactors = append(assessment.TriggeredFactors, FactorDormantAccount)
	}

	switch {
	case assessment.Score >= g.thresholds.Deny:
		assessment.Decision = Deny
	case assessment.Score >= g.thresholds.StepUp:
		assessment.Decision = StepUp
	default:
		assessment.Decision = Allow
	}

	return assessment
}

// isNewIP reports whether the source address has never been seen in the
// user's history. An empty history (first login) is not treated as novel.
func (g *Gate) isNewIP(in Input) bool {
	if len(in.History) == 0 {
		return false
	}
	for _, s := range in.History {
		if s.IPAddress == in.Meta.IPAddress {
			return false
		}
	}
	return true
}

func (g *Gate) isNewDevice(in Input) bool {
	if len(in.History) == 0 || in.Meta.Fingerprint == "" {
		return false
	}
	for _, s := range in.History {
		if s.DeviceFingerprint == in.Meta.Fingerprint {
			return false
		}
	}
	return true
}

// isDormant reports a long gap since the last successful login. A nil
// LastSuccess means no success on record, which first logins and fresh
// registrations share, so it does not score.
func (g *Gate) isDormant(in Input) bool {
	if in.LastSuccess == nil {
		return false
	}
	return in.Now.Sub(*in.LastSuccess) > dormancyThreshold
}

// implausibleVelocity checks the most recent located session: two logins
// from a geographically implausible distance within an implausible window.
func (g *Gate) implausibleVelocity(in Input) bool {
	if in.Meta.GeoLat == nil || in.Meta.GeoLon == nil {
		return false
	}

	for _, s := range in.History {
		if s.GeoLat == nil || s.GeoLon == nil {
			continue
		}

		elapsed := in.Now.Sub(s.LastUsedAt)
		if elapsed <= 0 {
			elapsed = time.Second
		}

		distanceKm := haversineKm(*s.GeoLat, *s.GeoLon, *in.Meta.GeoLat, *in.Meta.GeoLon)
		speedKmh := distanceKm / elapsed.Hours()

		return speedKmh > maxPlausibleSpeedKmh
	}

	return false
}

// haversineKm computes great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
