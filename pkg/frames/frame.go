package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindChunk Kind = "chunk"
	KindText  Kind = "text"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// ChunkFrame carries one sealed audio chunk from the capture controller to
// the upload pipeline. The payload is immutable once sealed; only the upload
// state tracked by the pipeline transitions afterwards.
type ChunkFrame struct {
	pts    int64
	data   []byte
	number int
	dur    time.Duration
	meta   map[string]string
	pooled bool
}

func NewChunkFrame(streamID string, pts int64, data []byte, number int, dur time.Duration, meta map[string]string) ChunkFrame {
	return ChunkFrame{
		pts:    pts,
		data:   data,
		number: number,
		dur:    dur,
		meta:   mergeMeta(streamID, meta),
	}
}

func NewChunkFrameFromPool(streamID string, pts int64, data []byte, number int, dur time.Duration, meta map[string]string) ChunkFrame {
	buf := AcquireChunkBuf(len(data))
	copy(buf, data)
	return ChunkFrame{
		pts:    pts,
		data:   buf,
		number: number,
		dur:    dur,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (c ChunkFrame) Kind() Kind              { return KindChunk }
func (c ChunkFrame) PTS() int64              { return c.pts }
func (c ChunkFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ChunkFrame) Data() []byte            { return append([]byte(nil), c.data...) }
func (c ChunkFrame) RawPayload() []byte      { return c.data }
func (c ChunkFrame) Number() int             { return c.number }
func (c ChunkFrame) Duration() time.Duration { return c.dur }
func (c ChunkFrame) ByteSize() int           { return len(c.data) }

func ReleaseChunkFrame(f Frame) bool {
	cf, ok := f.(ChunkFrame)
	if !ok {
		if cp, ok := f.(*ChunkFrame); ok {
			cf = *cp
		} else {
			return false
		}
	}
	if cf.pooled {
		ReleaseChunkBuf(cf.data)
		return true
	}
	return false
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// PTSGen issues monotonically increasing per-stream timestamps for frames
// whose producer has no natural clock of its own.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

var chunkBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 64*1024)
	},
}

func AcquireChunkBuf(size int) []byte {
	b := chunkBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseChunkBuf(b []byte) {
	chunkBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
