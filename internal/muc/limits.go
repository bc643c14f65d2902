package muc

// Input limits enforced at the room boundary. Oversized input is rejected
// with ErrNotAcceptable rather than truncated.
const (
	maxNicknameLength = 64
	maxSubjectLength  = 256
	maxMessageLength  = 8192
)
