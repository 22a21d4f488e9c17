package frames

// Meta keys shared by producers and consumers of frames.
const (
	MetaTurnID   = "turn_id"
	MetaSide     = "side"
	MetaLanguage = "language"
	MetaEncoding = "encoding"
	MetaSource   = "source"
	MetaIsFinal  = "is_final"
	MetaTraceID  = "trace_id"
)
