package broker

// Client-visible error strings. These are wire contract: existing clients
// match on them, so change the text only with a protocol rev.
const (
	errInvalidInstanceID    = "Invalid instance ID format. Use 1-32 alphanumeric characters, hyphens, or underscores."
	errInvalidRecipientID   = "Invalid recipient ID format"
	errInvalidNewInstanceID = "Invalid new instance ID format"
	errInvalidSession       = "Invalid or missing session token"
	errInvalidAuthToken     = "Invalid auth token"
	errRateLimited          = "Rate limit exceeded. Please wait before sending more requests."
	errRegisterStorm        = "Too many registration attempts. Please wait."
	errMissingMessage       = "Missing required field: message"
	errSpillFailed          = "Failed to store large message"
)
