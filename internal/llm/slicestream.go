package llm

// SliceStream is an in-memory Stream over pre-built chunks. Used to
// synthesize streams (e.g. replaying buffered provider output after a
// tool-call decision) and by fakes in tests.
type SliceStream struct {
	chunks []StreamChunk
	pos    int
	err    error
}

// NewSliceStream builds a stream that yields the given chunks in order.
func NewSliceStream(chunks ...StreamChunk) *SliceStream {
	return &SliceStream{chunks: chunks, pos: -1}
}

// NewTextStream splits text into single-chunk pieces of the given size.
func NewTextStream(text string, pieceLen int) *SliceStream {
	if pieceLen <= 0 {
		pieceLen = len(text)
	}
	var chunks []StreamChunk
	for i := 0; i < len(text); i += pieceLen {
		end := i + pieceLen
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, StreamChunk{Content: text[i:end]})
	}
	return NewSliceStream(chunks...)
}

// FailWith makes the stream return err after its chunks are drained.
func (s *SliceStream) FailWith(err error) *SliceStream {
	s.err = err
	return s
}

func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Current() StreamChunk { return s.chunks[s.pos] }
func (s *SliceStream) Err() error           { return s.err }
func (s *SliceStream) Close() error         { return nil }
