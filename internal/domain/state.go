package domain

import (
	"fmt"
	"strings"
)

// Stage names a step of the ingestion or query flow.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageChunk      Stage = "chunk"
	StageEmbed      Stage = "embed"
	StageIndex      Stage = "index"
	StageRetrieve   Stage = "retrieve"
	StageRerank     Stage = "rerank"
	StageSynthesize Stage = "synthesize"
)

// IngestState is a state of the ingestion flow.
type IngestState string

const (
	IngestReceived  IngestState = "received"
	IngestExtracted IngestState = "extracted"
	IngestChunked   IngestState = "chunked"
	IngestEmbedded  IngestState = "embedded"
	IngestIndexed   IngestState = "indexed"
	IngestDone      IngestState = "done"
	IngestFailed    IngestState = "failed"
)

var ingestTransitions = map[IngestState]IngestState{
	IngestReceived:  IngestExtracted,
	IngestExtracted: IngestChunked,
	IngestChunked:   IngestEmbedded,
	IngestEmbedded:  IngestIndexed,
	IngestIndexed:   IngestDone,
}

// QueryState is a state of the query flow.
type QueryState string

const (
	QueryReceived    QueryState = "received"
	QueryRetrieved   QueryState = "retrieved"
	QueryReranked    QueryState = "reranked"
	QuerySynthesized QueryState = "synthesized"
	QueryDone        QueryState = "done"
	QueryNoResults   QueryState = "no_results"
	QueryFailed      QueryState = "failed"
)

var queryTransitions = map[QueryState][]QueryState{
	QueryReceived:    {QueryRetrieved},
	QueryRetrieved:   {QueryReranked, QueryNoResults},
	QueryReranked:    {QuerySynthesized},
	QuerySynthesized: {QueryDone},
}

// Outcome classifies a finished query.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoResults Outcome = "no_results"
	OutcomeFailed    Outcome = "failed"
)

// IngestTrace records the states an ingestion passed through.
type IngestTrace struct {
	states []IngestState
}

// NewIngestTrace starts a trace in the received state.
func NewIngestTrace() *IngestTrace {
	return &IngestTrace{states: []IngestState{IngestReceived}}
}

// Current returns the latest state.
func (t *IngestTrace) Current() IngestState {
	return t.states[len(t.states)-1]
}

// Advance moves to next. Failed is reachable from any non-terminal state.
func (t *IngestTrace) Advance(next IngestState) error {
	cur := t.Current()
	if cur == IngestDone || cur == IngestFailed {
		return fmt.Errorf("ingestion already finished in state %s", cur)
	}
	if next != IngestFailed && ingestTransitions[cur] != next {
		return fmt.Errorf("invalid ingestion transition %s -> %s", cur, next)
	}
	t.states = append(t.states, next)
	return nil
}

// States returns a copy of the visited states.
func (t *IngestTrace) States() []IngestState {
	out := make([]IngestState, len(t.states))
	copy(out, t.states)
	return out
}

func (t *IngestTrace) String() string {
	parts := make([]string, len(t.states))
	for i, s := range t.states {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}

// QueryTrace records the states a query passed through.
type QueryTrace struct {
	states []QueryState
}

// NewQueryTrace starts a trace in the received state.
func NewQueryTrace() *QueryTrace {
	return &QueryTrace{states: []QueryState{QueryReceived}}
}

// Current returns the latest state.
func (t *QueryTrace) Current() QueryState {
	return t.states[len(t.states)-1]
}

// Advance moves to next. Failed is reachable from any non-terminal state.
func (t *QueryTrace) Advance(next QueryState) error {
	cur := t.Current()
	if cur == QueryDone || cur == QueryNoResults || cur == QueryFailed {
		return fmt.Errorf("query already finished in state %s", cur)
	}
	if next == QueryFailed {
		t.states = append(t.states, next)
		return nil
	}
	for _, allowed := range queryTransitions[cur] {
		if allowed == next {
			t.states = append(t.states, next)
			return nil
		}
	}
	return fmt.Errorf("invalid query transition %s -> %s", cur, next)
}

// States returns a copy of the visited states.
func (t *QueryTrace) States() []QueryState {
	out := make([]QueryState, len(t.states))
	copy(out, t.states)
	return out
}

// Outcome classifies the trace's terminal state.
func (t *QueryTrace) Outcome() Outcome {
	switch t.Current() {
	case QueryDone:
		return OutcomeSuccess
	case QueryNoResults:
		return OutcomeNoResults
	default:
		return OutcomeFailed
	}
}
