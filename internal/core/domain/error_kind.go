package domain

// ErrorKind is the failure taxonomy that drives retry policy.
type ErrorKind int

const (
	// KindTransient is the zero value: unknown failures are always retried later.
	KindTransient ErrorKind = iota
	KindPermanent
	KindGeoRestricted
	KindBotChallenge
	// KindInfrastructure marks artifact store or control channel outages.
	KindInfrastructure
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindGeoRestricted:
		return "geo_restricted"
	case KindBotChallenge:
		return "bot_challenge"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "transient"
	}
}

// RotatesIdentity reports whether a new network identity may clear the failure.
func (k ErrorKind) RotatesIdentity() bool {
	return k == KindGeoRestricted || k == KindBotChallenge
}
