package aclconn

// Removal is the complete vocabulary of reasons a connection leaves the
// ACL's connection table, used for stats and logging (§4.5).
type Removal string

const (
	NormalCompletion                     Removal = "normal_completion"
	IOError                              Removal = "io_error"
	CurrentOperationTimedOut             Removal = "current_operation_timed_out"
	UnsupportedProtocol                  Removal = "unsupported_protocol"
	ProtocolError                        Removal = "protocol_error"
	UnexpectedAndUnsupportedCase         Removal = "unexpected_and_unsupported_case"
	NoActivityForTooLong                 Removal = "no_activity_for_too_long"
	CurrentOperationCanceled             Removal = "current_operation_canceled"
	UnhandledException                   Removal = "unhandled_exception"
	IPVersionMismatch                    Removal = "ip_version_mismatch"
	AccessDenied                         Removal = "access_denied"
	UnresolvedTarget                     Removal = "unresolved_target"
	TargetEndBroken                      Removal = "target_end_broken"
	UserEndBroken                        Removal = "user_end_broken"
	HTTPResponseBeforeCompletionOfHTTPRequest Removal = "http_response_before_completion_of_http_request"
	UserEndClosedByClient                Removal = "user_end_closed_by_client"
	HTTPNoIncomingRequest                Removal = "http_no_incoming_request"
)
