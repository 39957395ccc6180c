package llm

import "context"

// FakeClient replays a scripted sequence of responses, used by Agent Loop
// tests that need to drive exact classification branches without a real
// inference endpoint.
type FakeClient struct {
	Responses []*Response
	// OnCall, when set, fires before each Generate call returns, with the
	// zero-based index of the call about to be served — lets tests inspect
	// state between scripted turns of a single Agent Loop pass.
	OnCall func(callIndex int)
	calls  int
}

func (f *FakeClient) Generate(_ context.Context, _ Request) (*Response, error) {
	if f.OnCall != nil {
		f.OnCall(f.calls)
	}
	if f.calls >= len(f.Responses) {
		return &Response{Content: "done"}, nil
	}
	resp := f.Responses[f.calls]
	f.calls++
	return resp, nil
}

// Calls reports how many times Generate has been invoked.
func (f *FakeClient) Calls() int { return f.calls }

var _ Client = (*FakeClient)(nil)
