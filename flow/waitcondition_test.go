package flow

import (
	"testing"
	"time"
)

func TestWaitAllSatisfied(t *testing.T) {
	wc := &WaitCondition{Type: WaitAll, ExpectedCount: 2}
	if wc.Satisfied() {
		t.Fatal("no results yet, should not be satisfied")
	}
	wc.Results = append(wc.Results, ChildResult{ChildFlowID: "a", Success: true})
	if wc.Satisfied() {
		t.Fatal("1 of 2 results, should not be satisfied")
	}
	wc.Results = append(wc.Results, ChildResult{ChildFlowID: "b", Success: false})
	if !wc.Satisfied() {
		t.Fatal("2 of 2 results, should be satisfied regardless of success")
	}
	if wc.Succeeded() {
		t.Fatal("WaitAll with one failure must not have Succeeded")
	}
}

func TestWaitAnySatisfiedOnFirstSuccess(t *testing.T) {
	wc := &WaitCondition{Type: WaitAny, ExpectedCount: 3}
	wc.Results = append(wc.Results, ChildResult{ChildFlowID: "a", Success: false})
	if wc.Satisfied() {
		t.Fatal("1 failure of 3 expected, WaitAny must not be satisfied yet")
	}
	wc.Results = append(wc.Results, ChildResult{ChildFlowID: "b", Success: true})
	if !wc.Satisfied() {
		t.Fatal("a success arrived, WaitAny must be satisfied")
	}
	if !wc.Succeeded() {
		t.Fatal("WaitAny with one success must have Succeeded")
	}
}

func TestWaitAnyAllFailedStillSatisfied(t *testing.T) {
	wc := &WaitCondition{Type: WaitAny, ExpectedCount: 2}
	wc.Results = append(wc.Results,
		ChildResult{ChildFlowID: "a", Success: false, Error: "boom-a"},
		ChildResult{ChildFlowID: "b", Success: false, Error: "boom-b"},
	)
	if !wc.Satisfied() {
		t.Fatal("all arrived (even all failed) must be satisfied")
	}
	if wc.Succeeded() {
		t.Fatal("no success among results, Succeeded must be false")
	}
	first, ok := wc.FirstFailure()
	if !ok || first.ChildFlowID != "a" {
		t.Fatalf("FirstFailure = %+v, %v; want child a (first-arrived)", first, ok)
	}
}

func TestHasChildDedup(t *testing.T) {
	wc := &WaitCondition{Type: WaitAll, ExpectedCount: 2}
	wc.Results = append(wc.Results, ChildResult{ChildFlowID: "a", Success: true})
	if !wc.HasChild("a") {
		t.Error("HasChild(a) = false, want true")
	}
	if wc.HasChild("b") {
		t.Error("HasChild(b) = true, want false")
	}
}

func TestOthersToCancelPreservesOrder(t *testing.T) {
	wc := &WaitCondition{ChildFlowIDs: []string{"a", "b", "c"}}
	got := wc.OthersToCancel("b")
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("OthersToCancel(b) = %v, want [a c]", got)
	}
}

func TestTimedOut(t *testing.T) {
	now := time.Now()
	wc := &WaitCondition{
		Type: WaitAll, ExpectedCount: 2,
		CreatedAt: now.Add(-time.Hour), Timeout: time.Minute,
	}
	if !wc.TimedOut(now) {
		t.Fatal("unsatisfied condition past its timeout should report TimedOut")
	}
	wc.Results = append(wc.Results,
		ChildResult{ChildFlowID: "a", Success: true},
		ChildResult{ChildFlowID: "b", Success: true},
	)
	if wc.TimedOut(now) {
		t.Fatal("a satisfied condition must never be considered TimedOut")
	}
}
