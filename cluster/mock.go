package cluster

import (
	"strings"

	"nova-rpc/common"
	"nova-rpc/rpc"
)

// mockClusterWrapper decorates every cluster policy: the invoker it
// joins consults the mock parameter before dispatching.
type mockClusterWrapper struct {
	inner Cluster
}

func (w *mockClusterWrapper) Join(directory Directory) (rpc.Invoker, error) {
	invoker, err := w.inner.Join(directory)
	if err != nil {
		return nil, err
	}
	return &mockClusterInvoker{Invoker: invoker, directory: directory}, nil
}

// mockClusterInvoker short-circuits to the mock when the URL forces it,
// and falls back to the mock on failure when the URL asks for that.
type mockClusterInvoker struct {
	rpc.Invoker
	directory Directory
}

func (m *mockClusterInvoker) Invoke(inv *rpc.Invocation) rpc.Result {
	mock := m.URL().Param(common.MockKey, "")
	switch {
	case mock == "" || mock == "false":
		return m.Invoker.Invoke(inv)
	case strings.HasPrefix(mock, "force"):
		return mockResult(mock)
	case strings.HasPrefix(mock, "fail"):
		res := m.Invoker.Invoke(inv)
		if res.Err == nil {
			return res
		}
		return mockResult(mock)
	default:
		// A bare truthy mock value behaves like fail-back.
		res := m.Invoker.Invoke(inv)
		if res.Err == nil {
			return res
		}
		return mockResult(mock)
	}
}

// mockResult derives the mocked value from the parameter:
// "force:return x" and "fail:return x" yield "x", anything else nil.
func mockResult(mock string) rpc.Result {
	if i := strings.Index(mock, ":"); i >= 0 {
		spec := mock[i+1:]
		if v, ok := strings.CutPrefix(spec, "return "); ok {
			return rpc.NewResult(v)
		}
		if spec == "return" {
			return rpc.NewResult(nil)
		}
	}
	return rpc.NewResult(nil)
}
