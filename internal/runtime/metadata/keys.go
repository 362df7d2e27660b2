package metadata

// Reserved metadata keys. Custom headers should not reuse them.
const (
	// KeyCorrelationID tracks related messages across endpoints.
	KeyCorrelationID = "correlation_id"

	// KeyMessageType identifies the Go or protobuf type of a payload.
	KeyMessageType = "flowbus_message_type"

	// KeyReplyChannel names the channel an endpoint should send its output
	// to, overriding the endpoint's default output channel.
	KeyReplyChannel = "flowbus_reply_channel"

	// KeyEnqueuedAt records when a message entered a channel (RFC3339Nano).
	KeyEnqueuedAt = "flowbus_enqueued_at"

	// KeyChannel names the channel a message was delivered from.
	KeyChannel = "flowbus_channel"

	// KeyEndpoint names the endpoint handling the message.
	KeyEndpoint = "flowbus_endpoint"

	// Error message keys set when a failure is routed to the invalid-message channel.
	KeyError         = "flowbus_error"
	KeyFailureKind   = "flowbus_failure_kind"
	KeyOriginChannel = "flowbus_origin_channel"
	KeyAttempts      = "flowbus_attempts"
	KeyOriginalUUID  = "flowbus_original_uuid"
	KeyFailedAt      = "flowbus_failed_at"

	// KeyTraceID stores the distributed tracing ID.
	KeyTraceID = "trace_id"

	// KeySpanID stores the distributed tracing span ID.
	KeySpanID = "span_id"
)
