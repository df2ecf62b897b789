package frag

// SequenceBuffer remembers the most recent NumEntries image ids inserted into it.
// Receivers keep one per peer to recognize late fragments of images they are done with.
type SequenceBuffer struct {
	NumEntries    int
	EntrySequence []uint32
	EntryData     []uint32
	used          []bool
	next          int
}

func NewSequenceBuffer(numEntries int) *SequenceBuffer {
	sb := &SequenceBuffer{
		NumEntries:    numEntries,
		EntrySequence: make([]uint32, numEntries),
		EntryData:     make([]uint32, numEntries),
		used:          make([]bool, numEntries),
	}
	return sb
}

func (sb *SequenceBuffer) Reset() {
	for i := range sb.used {
		sb.used[i] = false
	}
	sb.next = 0
}

// Insert records sequence, overwriting the oldest entry when full.
func (sb *SequenceBuffer) Insert(sequence uint32) {
	sb.InsertData(sequence, 0)
}

// InsertData records sequence with a value that Find returns.
func (sb *SequenceBuffer) InsertData(sequence, data uint32) {
	if sb.NumEntries == 0 || sb.Exists(sequence) {
		return
	}
	sb.EntrySequence[sb.next] = sequence
	sb.EntryData[sb.next] = data
	sb.used[sb.next] = true
	sb.next = (sb.next + 1) % sb.NumEntries
}

func (sb *SequenceBuffer) Exists(sequence uint32) bool {
	_, ok := sb.Find(sequence)
	return ok
}

func (sb *SequenceBuffer) Find(sequence uint32) (uint32, bool) {
	for i, s := range sb.EntrySequence {
		if sb.used[i] && s == sequence {
			return sb.EntryData[i], true
		}
	}
	return 0, false
}

func (sb *SequenceBuffer) Len() int {
	var n int
	for _, u := range sb.used {
		if u {
			n++
		}
	}
	return n
}
