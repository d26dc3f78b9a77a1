package waf

import (
	"errors"
	"testing"
)

type stubModule struct {
	calls    int
	decision *Decision
}

func (m *stubModule) Handle(*Context) *Decision {
	m.calls++
	return m.decision
}

type countingAction struct{ calls int }

func (a *countingAction) Execute(*Context) { a.calls++ }

type mapResolver map[string]Module

func (r mapResolver) Module(name string) (Module, error) {
	m, ok := r[name]
	if !ok {
		return nil, errors.New("not defined")
	}
	return m, nil
}

func TestEngineStopsAtFirstBlock(t *testing.T) {
	act := &countingAction{}
	blocked := Block(act, "nope")
	a := &stubModule{decision: &blocked}
	b := &stubModule{}
	e, err := NewEngine(mapResolver{"a": a, "b": b}, []string{"a", "b"}, ModeEnforce, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	d := e.Run(NewContext(Request{}))
	if !d.Blocked || d.Reason != "nope" {
		t.Fatalf("expected block, got %+v", d)
	}
	if b.calls != 0 {
		t.Fatal("module after a block must not run")
	}
	if act.calls != 1 {
		t.Fatalf("expected action to run once, ran %d", act.calls)
	}
}

func TestEngineReportMode(t *testing.T) {
	blocked := BlockWithResponse(nil, "bad", 418, map[string]string{"X": "1"}, "teapot", map[string]any{"k": "v"})
	a := &stubModule{decision: &blocked}
	b := &stubModule{}
	e, err := NewEngine(mapResolver{"a": a, "b": b}, []string{"a", "b"}, ParseMode("report"), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	c := NewContext(Request{})
	d := e.Run(c)
	if d.Blocked {
		t.Fatal("report mode must not block")
	}
	if b.calls != 0 {
		t.Fatal("report mode still stops at the first blocking module")
	}
	if v, _ := c.Attribute(AttrReportOnly); v != true {
		t.Fatal("expected report_only attribute")
	}
	v, _ := c.Attribute(AttrReportDecision)
	rd, ok := v.(ReportDecision)
	if !ok || rd.Reason != "bad" || rd.Status != 418 || rd.Module != "a" || rd.Meta["k"] != "v" {
		t.Fatalf("unexpected report decision %#v", v)
	}
}

func TestEngineRunsNonBlockingActions(t *testing.T) {
	act := &countingAction{}
	side := WithAction(act, "noted")
	a := &stubModule{decision: &side}
	b := &stubModule{}
	e, _ := NewEngine(mapResolver{"a": a, "b": b}, []string{"a", "b"}, ModeEnforce, nil)

	d := e.Run(NewContext(Request{}))
	if d.Blocked || act.calls != 1 || b.calls != 1 {
		t.Fatalf("unexpected state blocked=%v action=%d b=%d", d.Blocked, act.calls, b.calls)
	}
}

func TestEngineUnknownModuleIsConfigError(t *testing.T) {
	if _, err := NewEngine(mapResolver{}, []string{"missing"}, ModeEnforce, nil); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode(" REPORT ") != ModeReport {
		t.Fatal("expected report mode")
	}
	if ParseMode("whatever") != ModeEnforce {
		t.Fatal("unknown mode must fall back to enforce")
	}
}

func TestBlockForCarriesPendingResponse(t *testing.T) {
	c := NewContext(Request{})
	if d := BlockFor(c, nil, "r", nil); d.HasResponse() {
		t.Fatal("expected plain block")
	}
	c.SetAttribute(AttrResponse, Response{Status: 429, Headers: map[string]string{"Retry-After": "10"}})
	d := BlockFor(c, nil, "r", map[string]any{"module": "x"})
	if !d.HasResponse() || d.Status != 429 || d.Body != "r" || d.Headers["Retry-After"] != "10" {
		t.Fatalf("unexpected decision %+v", d)
	}
}
