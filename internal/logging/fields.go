package logging

const (
	// FieldComponent identifies the subsystem emitting the record.
	FieldComponent = "component"
	// FieldJobID carries the pipeline job identifier.
	FieldJobID = "job_id"
	// FieldStage carries the workflow stage name.
	FieldStage = "stage"
	// FieldSegmentID carries the segment identifier during rendering.
	FieldSegmentID = "segment_id"
	// FieldCorrelationID carries the request correlation identifier.
	FieldCorrelationID = "correlation_id"
	// FieldEventType labels the event for log-based alerting.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the operator's next step after a failure.
	FieldErrorHint = "error_hint"
	// FieldAlert flags anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)
