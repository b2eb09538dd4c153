package cli

import (
	"context"

	"nanobatch-go/nanobatch"
)

// mockModelRunner stands in for a real backend the way the teacher's
// MockModelRunner (nanovllm/model_runner.go) does: it derives a token
// deterministically from the sequence id and the number of input tokens
// in its batch entry instead of
// running an actual model, which is out of scope for this repository.
// It exists only so `nanobatch run` has something to drive the
// scheduling loop against.
type mockModelRunner struct {
	vocab int32
	eos   int32
}

func newMockModelRunner(eos int32) *mockModelRunner {
	return &mockModelRunner{vocab: 32000, eos: eos}
}

// VocabSize implements nanobatch.VocabSizer.
func (m *mockModelRunner) VocabSize() int { return int(m.vocab) }

func (m *mockModelRunner) Forward(ctx context.Context, batch nanobatch.Batch) ([]int32, error) {
	out := make([]int32, len(batch.Entries))
	for i, e := range batch.Entries {
		pos := int32(len(e.TokenIDs))
		tok := (int32(e.SeqID) + pos) % m.vocab
		if pos > 0 && (e.SeqID+int64(pos))%7 == 0 {
			tok = m.eos
		}
		out[i] = tok
	}
	return out, nil
}
