package dsl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/store"
	"github.com/sagaflow/sagaflow/mediator"
)

type importState struct {
	OrderID string
	Total   int
	Path    string
	Items   []string
	Failed  []string
}

func testDSLOptions() flow.Options {
	return flow.Apply(
		flow.WithHeartbeatInterval(5*time.Millisecond),
		flow.WithClaimTimeout(50*time.Millisecond),
	)
}

type addTotal struct{ Amount int }

func newTestExecutor() (*Executor[importState], *mediator.InMemoryMediator, store.Store[importState]) {
	m := mediator.NewInMemoryMediator(nil)
	mediator.RegisterSend[addTotal](m, func(ctx context.Context, msg addTotal) (bool, error) {
		return true, nil
	})
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)
	return exec, m, st
}

func TestExecuteRunsASendStepAndCompletes(t *testing.T) {
	exec, _, _ := newTestExecutor()

	program, err := NewBuilder("add_total").
		Send(Step{
			Message: func(s any) any { return addTotal{Amount: s.(importState).Total} },
			Into: func(s any, result any) any {
				st := s.(importState)
				st.Path = "sent"
				return st
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, owned, err := exec.Execute(context.Background(), "flow-1", "add_total", importState{OrderID: "o-1", Total: 42}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership")
	}
	if snap.Status != flow.StatusCompleted {
		t.Fatalf("Status = %s, want Completed", snap.Status)
	}
	if snap.State.Path != "sent" {
		t.Errorf("State.Path = %q, want %q", snap.State.Path, "sent")
	}
}

func TestExecuteIfBranchesOnCondition(t *testing.T) {
	exec, _, _ := newTestExecutor()

	program, err := NewBuilder("branching").
		If(
			func(s any) bool { return s.(importState).Total > 100 },
			Branch{{Kind: KindPublish, Event: func(s any) any { return "big" }}},
			nil,
			Branch{{Kind: KindPublish, Event: func(s any) any { return "small" }}},
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-2", "branching", importState{Total: 5}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusCompleted {
		t.Fatalf("Status = %s, want Completed", snap.Status)
	}
}

func TestExecuteSwitchFallsBackToDefault(t *testing.T) {
	exec, _, _ := newTestExecutor()

	program, err := NewBuilder("routing").
		Switch(
			func(s any) any { return "unknown-key" },
			[]SwitchCase{
				{Key: "a", Then: Branch{{Kind: KindPublish, Event: func(s any) any { return "A" }}}},
			},
			Branch{{Kind: KindPublish, Event: func(s any) any { return "default" }}},
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-3", "routing", importState{}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusCompleted {
		t.Fatalf("Status = %s, want Completed", snap.Status)
	}
}

func TestExecuteForEachProcessesEveryItem(t *testing.T) {
	exec, _, _ := newTestExecutor()

	program, err := NewBuilder("bulk_import").
		ForEach(Step{
			Collection: func(s any) any {
				items := make([]any, len(s.(importState).Items))
				for i, v := range s.(importState).Items {
					items[i] = v
				}
				return items
			},
			ItemProgram: func(item any, index int) Branch {
				return Branch{{Kind: KindPublish, Event: func(s any) any { return item }}}
			},
			OnItemSuccess: func(s any, index int, result any) any {
				st := s.(importState)
				st.Path += "."
				return st
			},
			BatchSize:     2,
			Parallelism:   2,
			FailurePolicy: "ContinueOnFailure",
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-4", "bulk_import", importState{Items: []string{"a", "b", "c"}}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusCompleted {
		t.Fatalf("Status = %s, want Completed", snap.Status)
	}
	if len(snap.State.Path) != 3 {
		t.Errorf("expected OnItemSuccess to run once per item, Path = %q", snap.State.Path)
	}
}

func TestExecuteDelayNotYetDueSuspends(t *testing.T) {
	exec, _, _ := newTestExecutor()

	program, err := NewBuilder("scheduled").
		Delay(time.Hour, nil).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, owned, err := exec.Execute(context.Background(), "flow-5", "scheduled", importState{}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership")
	}
	if snap.Status != flow.StatusSuspended {
		t.Fatalf("Status = %s, want Suspended", snap.Status)
	}
	if snap.WakeAt == nil {
		t.Fatal("expected WakeAt to be set")
	}

	again, _, err := exec.Execute(context.Background(), "flow-5", "scheduled", importState{}, program)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if again.Status != flow.StatusSuspended {
		t.Fatalf("re-entry before WakeAt should still be Suspended, got %s", again.Status)
	}
}

func TestExecuteSendFailureFailsFlowAndRunsCompensation(t *testing.T) {
	m := mediator.NewInMemoryMediator(nil)
	var compensated bool
	type reserve struct{}
	type release struct{}
	type pay struct{}
	mediator.RegisterSend[reserve](m, func(ctx context.Context, msg reserve) (bool, error) { return true, nil })
	mediator.RegisterSend[release](m, func(ctx context.Context, msg release) (bool, error) {
		compensated = true
		return true, nil
	})
	mediator.RegisterSend[pay](m, func(ctx context.Context, msg pay) (bool, error) {
		return false, errors.New("card declined")
	})
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)

	program, err := NewBuilder("payment").
		Send(Step{
			Message:      func(s any) any { return reserve{} },
			Compensation: func(s any) any { return release{} },
		}).
		Send(Step{Message: func(s any) any { return pay{} }}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-6", "payment", importState{}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusFailed {
		t.Fatalf("Status = %s, want Failed", snap.Status)
	}
	if snap.Error == "" {
		t.Error("expected Error to be recorded")
	}
	if !compensated {
		t.Error("expected reserve's compensation to run after pay failed")
	}
}

func TestExecuteForEachCollectErrorsSucceedsWithRecordedErrors(t *testing.T) {
	m := mediator.NewInMemoryMediator(nil)
	type doItem struct{ Value string }
	mediator.RegisterSend[doItem](m, func(ctx context.Context, msg doItem) (bool, error) {
		if msg.Value == "b" {
			return false, errors.New("item b failed")
		}
		return true, nil
	})
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)

	program, err := NewBuilder("bulk_import_collect").
		ForEach(Step{
			Collection: func(s any) any {
				items := make([]any, len(s.(importState).Items))
				for i, v := range s.(importState).Items {
					items[i] = v
				}
				return items
			},
			ItemProgram: func(item any, index int) Branch {
				return Branch{{Kind: KindSend, Message: func(s any) any { return doItem{Value: item.(string)} }}}
			},
			OnItemSuccess: func(s any, index int, result any) any {
				st := s.(importState)
				st.Path += "."
				return st
			},
			OnForEachErrors: func(s any, errs []error) any {
				st := s.(importState)
				for _, e := range errs {
					st.Failed = append(st.Failed, e.Error())
				}
				return st
			},
			BatchSize:     1,
			Parallelism:   1,
			FailurePolicy: "CollectErrors",
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-collect", "bulk_import_collect", importState{Items: []string{"a", "b", "c"}}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusCompleted {
		t.Fatalf("Status = %s, want Completed (CollectErrors must not fail the flow)", snap.Status)
	}
	if len(snap.State.Failed) == 0 {
		t.Fatal("expected OnForEachErrors to record the collected failure in state")
	}
	if snap.State.Path != ".." {
		t.Fatalf("expected both successful items to still run, Path = %q", snap.State.Path)
	}
}

func TestExecuteForEachPersistsStateAfterEachBatch(t *testing.T) {
	m := mediator.NewInMemoryMediator(nil)
	type doItem struct{ Value string }
	mediator.RegisterSend[doItem](m, func(ctx context.Context, msg doItem) (bool, error) {
		if msg.Value == "b" {
			return false, errors.New("item b failed")
		}
		return true, nil
	})
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)

	program, err := NewBuilder("bulk_import_stop").
		ForEach(Step{
			Collection: func(s any) any {
				items := make([]any, len(s.(importState).Items))
				for i, v := range s.(importState).Items {
					items[i] = v
				}
				return items
			},
			ItemProgram: func(item any, index int) Branch {
				return Branch{{Kind: KindSend, Message: func(s any) any { return doItem{Value: item.(string)} }}}
			},
			OnItemSuccess: func(s any, index int, result any) any {
				st := s.(importState)
				st.Path += "."
				return st
			},
			BatchSize:     1,
			Parallelism:   1,
			FailurePolicy: "StopOnFirstFailure",
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	snap, _, err := exec.Execute(context.Background(), "flow-stop", "bulk_import_stop", importState{Items: []string{"a", "b", "c"}}, program)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snap.Status != flow.StatusFailed {
		t.Fatalf("Status = %s, want Failed", snap.Status)
	}

	// The batch that processed "a" (index 0) must have been persisted
	// before "b" (index 1) failed the loop — a crash right after would
	// not have lost that batch's state mutation (§4.6 step 3d).
	persisted, err := st.Get(context.Background(), "flow-stop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.State.Path != "." {
		t.Fatalf("State.Path = %q, want %q (item a's batch must be persisted before item b's failure)", persisted.State.Path, ".")
	}
}

func TestExecuteWhenAllResumesParentOnChildCompletion(t *testing.T) {
	m := mediator.NewInMemoryMediator(nil)
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)

	childProgram, err := NewBuilder("fanout_child").
		Send(Step{Message: func(s any) any { return childWork{} }}).
		Build()
	if err != nil {
		t.Fatalf("Build child: %v", err)
	}
	mediator.RegisterSend[childWork](m, func(ctx context.Context, msg childWork) (bool, error) { return true, nil })

	var wg sync.WaitGroup
	mediator.RegisterSend[ChildFlowStarted](m, func(ctx context.Context, msg ChildFlowStarted) (bool, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.ExecuteChild(context.Background(), msg.ChildFlowID, "fanout_child", importState{}, childProgram, msg.ParentFlowID, msg.CorrelationID)
		}()
		return true, nil
	})
	mediator.RegisterSend[finalMarker](m, func(ctx context.Context, msg finalMarker) (bool, error) { return true, nil })

	parentProgram, err := NewBuilder("fanout_parent").
		WhenAll([]ChildFactory{
			func(s any, childFlowID string) any { return nil },
			func(s any, childFlowID string) any { return nil },
		}, 5*time.Second, nil).
		Send(Step{
			Message: func(s any) any { return finalMarker{} },
			Into: func(s any, result any) any {
				st := s.(importState)
				st.Path = "resumed"
				return st
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build parent: %v", err)
	}

	snap, owned, err := exec.Execute(context.Background(), "parent-1", "fanout_parent", importState{OrderID: "o-1"}, parentProgram)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership")
	}
	if snap.Status != flow.StatusSuspended {
		t.Fatalf("Status = %s, want Suspended (children haven't reported yet)", snap.Status)
	}

	wg.Wait()

	final, err := st.Get(context.Background(), "parent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != flow.StatusCompleted {
		t.Fatalf("final Status = %s, want Completed (parent should resume once both children report)", final.Status)
	}
	if final.State.Path != "resumed" {
		t.Fatalf("final State.Path = %q, want %q", final.State.Path, "resumed")
	}
}

func TestExecuteWhenAnyAppliesResultIntoFromWinningChild(t *testing.T) {
	m := mediator.NewInMemoryMediator(nil)
	st := store.NewMemStore[importState]()
	exec := NewExecutor[importState](st, "node-a", testDSLOptions(), m)

	childProgram, err := NewBuilder("race_child").
		Send(Step{
			Message: func(s any) any { return childWork{} },
			Into: func(s any, result any) any {
				cs := s.(importState)
				cs.Path = "winner"
				return cs
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build child: %v", err)
	}
	mediator.RegisterSend[childWork](m, func(ctx context.Context, msg childWork) (bool, error) { return true, nil })

	var wg sync.WaitGroup
	mediator.RegisterSend[ChildFlowStarted](m, func(ctx context.Context, msg ChildFlowStarted) (bool, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.ExecuteChild(context.Background(), msg.ChildFlowID, "race_child", importState{}, childProgram, msg.ParentFlowID, msg.CorrelationID)
		}()
		return true, nil
	})
	mediator.RegisterSend[finalMarker](m, func(ctx context.Context, msg finalMarker) (bool, error) { return true, nil })

	parentProgram, err := NewBuilder("race_parent").
		WhenAny([]ChildFactory{
			func(s any, childFlowID string) any { return nil },
		}, 5*time.Second, true, func(s any, result any) any {
			var child importState
			if b, ok := result.([]byte); ok {
				_ = json.Unmarshal(b, &child)
			}
			st := s.(importState)
			st.Path = child.Path
			return st
		}).
		Send(Step{Message: func(s any) any { return finalMarker{} }}).
		Build()
	if err != nil {
		t.Fatalf("Build parent: %v", err)
	}

	_, owned, err := exec.Execute(context.Background(), "race-1", "race_parent", importState{}, parentProgram)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership")
	}

	wg.Wait()

	final, err := st.Get(context.Background(), "race-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != flow.StatusCompleted {
		t.Fatalf("final Status = %s, want Completed", final.Status)
	}
	if final.State.Path != "winner" {
		t.Fatalf("final State.Path = %q, want %q (ResultInto should copy the winning child's state)", final.State.Path, "winner")
	}
}

type childWork struct{}
type finalMarker struct{}
