package security

// Event types for security audit logging.
const (
	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when a browser or delegated flow starts
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeForwarded is logged when an upstream code is relayed to a delegated client
	EventAuthorizationCodeForwarded = "authorization_code_forwarded"

	// EventPendingStateRejected is logged when a callback carries an unknown, expired or replayed state
	EventPendingStateRejected = "pending_state_rejected"

	// EventCodeExchanged is logged when a delegated code is exchanged upstream
	EventCodeExchanged = "code_exchanged"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration metadata is refused
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientExpired is logged when the reaper removes a client past its retention
	EventClientExpired = "client_expired"

	// Session events

	// EventSessionIssued is logged when a browser login creates a session
	EventSessionIssued = "session_issued"

	// EventSessionRefreshed is logged when a session is refreshed on read
	EventSessionRefreshed = "session_refreshed"

	// EventSessionRefreshFailed is logged when a refresh fails and the session is dropped
	EventSessionRefreshFailed = "session_refresh_failed"

	// EventSessionEnded is logged on logout
	EventSessionEnded = "session_ended"

	// Security violation events

	// EventAuthFailure is logged when client authentication or validation fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
