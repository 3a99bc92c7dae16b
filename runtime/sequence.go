package runtime

import "sync/atomic"

// seqGen numbers the events of one run, starting at 1. Replay and SSE
// resumption (Last-Event-ID) rely on the numbers being gap-free.
type seqGen struct{ n atomic.Uint64 }

func newSeqGen() *seqGen { return new(seqGen) }

func (s *seqGen) Next() uint64 { return s.n.Add(1) }
