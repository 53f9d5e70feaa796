// Package chunkplan partitions a file's byte range into the ordered, fixed-size
// chunks that the transfer pipeline uploads one by one.
package chunkplan

// DefaultChunkSizeBytes is the chunk size used when the caller doesn't specify one.
const DefaultChunkSizeBytes int64 = 5 * 1024 * 1024

// Chunk is one contiguous byte range of a file. Offset and Length address the
// source file directly, so a chunk can be re-read at any time with a section reader.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// Plan is the ordered chunk sequence covering [0, fileSize) with no gaps or overlaps.
type Plan []Chunk

// Build computes the chunk plan for a file of fileSize bytes. The same inputs
// always produce the same plan, which is what makes resuming an interrupted
// upload safe: indices recorded earlier keep addressing the same byte ranges.
// Every file has at least one chunk; a zero-byte file gets a single empty chunk.
func Build(fileSize, chunkSize int64) Plan {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSizeBytes
	}
	if fileSize <= 0 {
		return Plan{{Index: 0, Offset: 0, Length: 0}}
	}

	count := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		count++
	}

	plan := make(Plan, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		plan = append(plan, Chunk{
			Index:  int(i),
			Offset: offset,
			Length: length,
		})
	}
	return plan
}

// TotalSize returns the number of bytes covered by the plan.
func (p Plan) TotalSize() int64 {
	var total int64
	for _, c := range p {
		total += c.Length
	}
	return total
}

// NextIndex returns the lowest chunk index not present in uploaded, or -1 if
// every chunk is accounted for.
func (p Plan) NextIndex(uploaded map[int]struct{}) int {
	for _, c := range p {
		if _, ok := uploaded[c.Index]; !ok {
			return c.Index
		}
	}
	return -1
}

// Coverage reports whether the plan is a contiguous partition of [0, fileSize):
// indices ascend from zero and every byte is covered exactly once.
func (p Plan) Coverage(fileSize int64) bool {
	if len(p) == 0 {
		return false
	}
	var next int64
	for i, c := range p {
		if c.Index != i || c.Offset != next || c.Length < 0 {
			return false
		}
		next += c.Length
	}
	if fileSize < 0 {
		fileSize = 0
	}
	return next == fileSize
}
