package protocol

// Option tokens carried in a TRACK command's Args. REDIRECT and PREFIX each
// consume the following token as their argument.
const (
	TokenBcast    = "BCAST"
	TokenOptIn    = "OPTIN"
	TokenOptOut   = "OPTOUT"
	TokenNoLoop   = "NOLOOP"
	TokenRedirect = "REDIRECT"
	TokenPrefix   = "PREFIX"
)

// Arguments for the CACHING command.
const (
	CachingYes = "yes"
	CachingNo  = "no"
)
