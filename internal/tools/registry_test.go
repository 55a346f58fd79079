package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

func stubTool(name string, perm Permission, fn func() (*Result, error)) *Tool {
	return &Tool{
		Name:               name,
		Description:        "stub",
		RequiredPermission: perm,
		Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
			return fn()
		},
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil, &Context{})
	if res.Success {
		t.Fatal("unknown tool must fail")
	}
	if res.Error == "" {
		t.Fatal("failure must carry an error message")
	}
}

func TestExecutePermissionCheck(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("write_thing", PermWrite, func() (*Result, error) {
		return &Result{Success: true}, nil
	}))

	res := r.Execute(context.Background(), "write_thing", nil,
		&Context{Permissions: []Permission{PermRead}})
	if res.Success {
		t.Fatal("read-only caller must not execute a write tool")
	}

	res = r.Execute(context.Background(), "write_thing", nil,
		&Context{Permissions: []Permission{PermExecute}})
	if !res.Success {
		t.Fatalf("higher level should clear a lower requirement: %s", res.Error)
	}
}

func TestExecuteNilContextIsReadOnly(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("read_thing", PermRead, func() (*Result, error) {
		return &Result{Success: true}, nil
	}))
	r.Register(stubTool("write_thing", PermWrite, func() (*Result, error) {
		return &Result{Success: true}, nil
	}))

	if res := r.Execute(context.Background(), "read_thing", nil, nil); !res.Success {
		t.Fatalf("nil context should still read: %s", res.Error)
	}
	if res := r.Execute(context.Background(), "write_thing", nil, nil); res.Success {
		t.Fatal("nil context must not write")
	}
}

func TestExecuteWrapsErrorsAndNilResults(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("errs", PermRead, func() (*Result, error) {
		return nil, errors.New("backend unreachable")
	}))
	r.Register(stubTool("silent", PermRead, func() (*Result, error) {
		return nil, nil
	}))

	res := r.Execute(context.Background(), "errs", nil, &Context{})
	if res.Success || res.Error != "backend unreachable" {
		t.Fatalf("tool error should become a failed result: %+v", res)
	}
	res = r.Execute(context.Background(), "silent", nil, &Context{})
	if res.Success || res.Error == "" {
		t.Fatalf("nil result should become a failed result: %+v", res)
	}
}

func TestExecuteStampsDuration(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("ok", PermRead, func() (*Result, error) {
		return &Result{Success: true}, nil
	}))
	res := r.Execute(context.Background(), "ok", nil, &Context{})
	if _, ok := res.Metadata["duration_ms"]; !ok {
		t.Fatal("every execution should carry duration metadata")
	}
}

func TestListFiltersByPermission(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("b_read", PermRead, nil))
	r.Register(stubTool("a_read", PermRead, nil))
	r.Register(stubTool("c_write", PermWrite, nil))

	readOnly := r.List(nil)
	if len(readOnly) != 2 {
		t.Fatalf("nil perms should list READ tools only, got %d", len(readOnly))
	}
	if readOnly[0].Name != "a_read" || readOnly[1].Name != "b_read" {
		t.Fatalf("listing should be name-sorted: %s, %s", readOnly[0].Name, readOnly[1].Name)
	}

	all := r.List([]Permission{PermWrite})
	if len(all) != 3 {
		t.Fatalf("write caller should see all three, got %d", len(all))
	}
}

func TestExecuteParallelPriorityGroups(t *testing.T) {
	r := NewRegistry()
	var firstDone atomic.Bool
	var ordered atomic.Bool

	r.Register(stubTool("early", PermRead, func() (*Result, error) {
		firstDone.Store(true)
		return &Result{Success: true}, nil
	}))
	r.Register(stubTool("late", PermRead, func() (*Result, error) {
		ordered.Store(firstDone.Load())
		return &Result{Success: true}, nil
	}))

	results := r.ExecuteParallel(context.Background(), []Call{
		{Name: "late", Priority: 2},
		{Name: "early", Priority: 1},
	}, &Context{})

	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	if !results["early"].Success || !results["late"].Success {
		t.Fatalf("both calls should succeed: %+v", results)
	}
	if !ordered.Load() {
		t.Fatal("priority 1 must complete before priority 2 starts")
	}
}

func TestExecuteParallelIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool("good", PermRead, func() (*Result, error) {
		return &Result{Success: true}, nil
	}))
	r.Register(stubTool("bad", PermRead, func() (*Result, error) {
		return nil, errors.New("boom")
	}))

	results := r.ExecuteParallel(context.Background(), []Call{
		{Name: "good"},
		{Name: "bad"},
	}, &Context{})

	if !results["good"].Success {
		t.Fatal("a failing sibling must not poison the batch")
	}
	if results["bad"].Success {
		t.Fatal("the failing call should report failure")
	}
}
