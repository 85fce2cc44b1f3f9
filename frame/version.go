package frame

// Version is a (major, minor) protocol version pair, negotiated per
// connection as min(ours, theirs) (spec §4.4).
type Version struct {
	Major int
	Minor int
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) AtLeast(o Version) bool { return !v.Less(o) }

// Min returns the effective negotiated version.
func Min(a, b Version) Version {
	if a.Less(b) {
		return a
	}
	return b
}

// MinSynchronize is the minimum peer version (MAJOR=2, MINOR=12) required
// to exchange SynchronizeIQ on connection open (spec §4.4).
var MinSynchronize = Version{Major: 2, Minor: 12}

// Current is the protocol version this implementation advertises; the
// effective version on any connection is Min(Current, theirs) (spec §4.4).
var Current = Version{Major: 2, Minor: 14}

// Feature identifies an optional wire field/capability gated by version.
type Feature int

const (
	FeatureReplyTo Feature = iota
	FeatureExpireTimeout
	FeatureAnnotations
	FeatureSynchronize
	FeatureGroupSignedAttestation
)

// capabilityMatrix maps a Feature to the minimum version that supports it.
// An operation whose descriptor requires a feature unsupported by the
// negotiated peer version must not be sent (spec §4.4).
var capabilityMatrix = map[Feature]Version{
	FeatureReplyTo:                {Major: 2, Minor: 8},
	FeatureExpireTimeout:          {Major: 2, Minor: 9},
	FeatureAnnotations:            {Major: 2, Minor: 11},
	FeatureSynchronize:            MinSynchronize,
	FeatureGroupSignedAttestation: {Major: 2, Minor: 14},
}

// Supports reports whether peerVersion supports feature.
func Supports(peerVersion Version, feature Feature) bool {
	min, ok := capabilityMatrix[feature]
	if !ok {
		return true
	}
	return peerVersion.AtLeast(min)
}
