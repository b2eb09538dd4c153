package nanobatch

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// echoRunner returns the same deterministic token for every entry of a
// batch, taken from a counter that advances once per Forward call, so
// tests can assert on exact output without a real model.
type echoRunner struct {
	nextToken int32
}

func (r *echoRunner) Forward(ctx context.Context, batch Batch) ([]int32, error) {
	out := make([]int32, len(batch.Entries))
	for i := range batch.Entries {
		out[i] = r.nextToken
	}
	r.nextToken++
	return out, nil
}

func decodeNoop(ids []int32) string {
	s := ""
	for _, id := range ids {
		s += strconv.Itoa(int(id)) + " "
	}
	return s
}

func TestPipelineAddRequestIsSafeFromManyGoroutines(t *testing.T) {
	cfg := NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(64), WithMaxNumSeqs(32))
	p := NewPipeline(cfg, &echoRunner{}, nil, nil)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			p.AddRequest("req-"+strconv.Itoa(i), mkPrompt(4), NewSamplingConfig(WithMaxNewTokens(1)))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ctx := context.Background()
	out, err := p.Step(ctx, decodeNoop)
	require.NoError(t, err)
	assert.Equal(t, 16, out.NumTokens/4, "every request's prompt should be admitted in the first step")
	assert.Equal(t, 16, p.Metrics().TrackedRequests)
}

func TestPipelineStepAdvancesAndFinishesOnMaxTokens(t *testing.T) {
	cfg := NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(8))
	p := NewPipeline(cfg, &echoRunner{}, nil, nil)

	reqID := p.AddRequest("", mkPrompt(4), NewSamplingConfig(WithMaxNewTokens(1)))

	ctx := context.Background()
	_, err := p.Step(ctx, decodeNoop) // admits the prompt
	require.NoError(t, err)

	out, err := p.Step(ctx, decodeNoop) // samples the one allowed token
	require.NoError(t, err)

	require.Len(t, out.Finished, 1)
	assert.Equal(t, reqID, out.Finished[0].RequestID)
	assert.Equal(t, GenFinished, out.Finished[0].GenerationStatus())

	_, stillTracked := p.Group(reqID)
	assert.False(t, stillTracked, "a finished request must be forgotten")
}

func TestPipelineDropRequestFreesBlocksImmediately(t *testing.T) {
	cfg := NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(8))
	p := NewPipeline(cfg, &echoRunner{}, nil, nil)

	reqID := p.AddRequest("", mkPrompt(4), NewSamplingConfig())
	ctx := context.Background()
	_, err := p.Step(ctx, decodeNoop)
	require.NoError(t, err)

	before := p.Metrics().CacheUsage
	require.Greater(t, before, 0.0)

	require.NoError(t, p.DropRequest(reqID))
	assert.Equal(t, 0.0, p.Metrics().CacheUsage)

	err = p.DropRequest(reqID)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestPipelineChatSessionSurvivesAcrossFinishCalls(t *testing.T) {
	cfg := NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(8))
	p := NewPipeline(cfg, &echoRunner{}, nil, nil)

	reqID := p.StartChat("chat-1", mkPrompt(4), NewSamplingConfig(WithMaxNewTokens(1)))
	ctx := context.Background()
	_, err := p.Step(ctx, decodeNoop) // admit
	require.NoError(t, err)
	_, err = p.Step(ctx, decodeNoop) // finish via max tokens
	require.NoError(t, err)

	// A finished chat group is not forgotten automatically.
	_, tracked := p.Group(reqID)
	assert.True(t, tracked)
	assert.Greater(t, p.Metrics().CacheUsage, 0.0)

	require.NoError(t, p.FinishChat(reqID))
	assert.Equal(t, 0.0, p.Metrics().CacheUsage)

	err = p.FinishChat(reqID)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestPipelineAddChatTurnReusesSessionAcrossTurns(t *testing.T) {
	cfg := NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(8))
	p := NewPipeline(cfg, &echoRunner{}, nil, nil)

	reqID := p.StartChat("chat-2", mkPrompt(4), NewSamplingConfig(WithMaxNewTokens(1)))
	ctx := context.Background()
	_, err := p.Step(ctx, decodeNoop) // admit turn 1
	require.NoError(t, err)
	out, err := p.Step(ctx, decodeNoop) // finish turn 1 via max tokens
	require.NoError(t, err)
	require.Len(t, out.Finished, 1)

	g, ok := p.Group(reqID)
	require.True(t, ok)
	seq := g.Sequences()[0]
	lenBeforeTurn2 := seq.Len()

	require.NoError(t, p.AddChatTurn(reqID, []int32{7, 8}))
	assert.Equal(t, lenBeforeTurn2+2, seq.Len())
	assert.False(t, g.IsFinished())

	_, err = p.Step(ctx, decodeNoop) // admit turn 2's pending tokens
	require.NoError(t, err)
	out, err = p.Step(ctx, decodeNoop) // finish turn 2
	require.NoError(t, err)
	require.Len(t, out.Finished, 1)

	err = p.AddChatTurn("no-such-chat", []int32{1})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}
