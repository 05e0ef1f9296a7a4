package common

// Business codes carried in the response envelope. The client maps them back
// to its own error values, so they are part of the wire contract.
const (
	CodeOK = 0

	CodeInvalidJSON     = 10001
	CodeValidation      = 10002
	CodeInvalidCategory = 10003
	CodeKeyTooLong      = 10004

	CodeUnauthorized = 40101
	CodeTokenExpired = 40102
	CodeBadLogin     = 40103

	CodeForbidden      = 40301
	CodeNotParticipant = 40302

	CodeNotFound      = 40401
	CodeRouteNotFound = 40400

	CodeMethodNotAllowed = 40500

	CodeAlreadyClaimed   = 40901
	CodeSessionNotActive = 40902
	CodeEmailTaken       = 40903

	CodeInternal = 50001
)
