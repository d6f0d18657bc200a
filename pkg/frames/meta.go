package frames

// Meta keys shared across the pipeline. Values are always strings so frames
// stay cheap to clone.
const (
	MetaStreamID    = "stream_id"
	MetaSessionID   = "session_id"
	MetaChunkNumber = "chunk_number"
	MetaSource      = "source"
	MetaIsFinal     = "is_final"
)
