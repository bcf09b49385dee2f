package logging

// Standardized attribute keys shared across components. Keeping these in one
// place makes log queries stable as the codebase evolves.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldImpact    = "impact"

	FieldMonitorID  = "monitor_id"
	FieldDeviceName = "device_name"
	FieldChunkType  = "chunk_type"
	FieldChunkPath  = "chunk_path"
	FieldItemID     = "item_id"
	FieldGeneration = "generation"
	FieldMode       = "capture_mode"
	FieldRunID      = "run_id"
)
