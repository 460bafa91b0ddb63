package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/store"
)

type orderState struct {
	OrderID string
	Paid    bool
}

func testOptions() flow.Options {
	return flow.Apply(
		flow.WithHeartbeatInterval(5*time.Millisecond),
		flow.WithClaimTimeout(50*time.Millisecond),
	)
}

func TestExecuteCreatesAndCompletesANewFlow(t *testing.T) {
	st := store.NewMemStore[orderState]()
	exec := NewExecutor[orderState](st, "node-a", testOptions())

	snap, owned, err := exec.Execute(context.Background(), "flow-1", "payment_saga", orderState{OrderID: "o-1"},
		func(s flow.FlowSnapshot[orderState]) []Step {
			return []Step{
				{Name: "CreateOrder", Forward: func(ctx context.Context) StepResult { return StepResult{Success: true} }},
				{Name: "Pay", Forward: func(ctx context.Context) StepResult { return StepResult{Success: true} }},
			}
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected this node to own a freshly created flow")
	}
	if snap.Status != flow.StatusCompleted {
		t.Errorf("Status = %s, want Completed", snap.Status)
	}
}

func TestExecuteCompensatesOnForwardFailure(t *testing.T) {
	st := store.NewMemStore[orderState]()
	exec := NewExecutor[orderState](st, "node-a", testOptions())

	var compensated bool
	snap, owned, err := exec.Execute(context.Background(), "flow-2", "payment_saga", orderState{OrderID: "o-2"},
		func(s flow.FlowSnapshot[orderState]) []Step {
			return []Step{
				{
					Name:    "ReserveStock",
					Forward: func(ctx context.Context) StepResult { return StepResult{Success: true} },
					Compensation: func(ctx context.Context) StepResult {
						compensated = true
						return StepResult{Success: true}
					},
				},
				{
					Name: "Pay",
					Forward: func(ctx context.Context) StepResult {
						return StepResult{Success: false, Err: errors.New("card declined")}
					},
				},
			}
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership")
	}
	if snap.Status != flow.StatusFailed {
		t.Errorf("Status = %s, want Failed", snap.Status)
	}
	if snap.Error == "" {
		t.Error("expected Error to be set on a failed flow")
	}
	if !compensated {
		t.Error("expected ReserveStock's compensation to run")
	}
}

func TestExecuteIsIdempotentOnATerminalFlow(t *testing.T) {
	st := store.NewMemStore[orderState]()
	exec := NewExecutor[orderState](st, "node-a", testOptions())

	program := func(s flow.FlowSnapshot[orderState]) []Step {
		return []Step{{Name: "Noop", Forward: func(ctx context.Context) StepResult { return StepResult{Success: true} }}}
	}

	first, _, err := exec.Execute(context.Background(), "flow-3", "payment_saga", orderState{OrderID: "o-3"}, program)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	second, owned, err := exec.Execute(context.Background(), "flow-3", "payment_saga", orderState{OrderID: "o-3"}, program)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !owned {
		t.Fatal("re-entry on a terminal flow should report owned=true (stored result returned directly)")
	}
	if second.Version != first.Version {
		t.Errorf("re-entry on a terminal flow must not mutate the row: got version %d, want %d", second.Version, first.Version)
	}
}

func TestExecuteDoesNotRunAFlowOwnedByAnotherLiveNode(t *testing.T) {
	st := store.NewMemStore[orderState]()
	opts := testOptions()

	blocker := make(chan struct{})
	slowExec := NewExecutor[orderState](st, "node-a", opts)
	done := make(chan struct{})
	go func() {
		slowExec.Execute(context.Background(), "flow-4", "payment_saga", orderState{OrderID: "o-4"},
			func(s flow.FlowSnapshot[orderState]) []Step {
				return []Step{{Name: "Slow", Forward: func(ctx context.Context) StepResult {
					<-blocker
					return StepResult{Success: true}
				}}}
			})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)

	otherExec := NewExecutor[orderState](st, "node-b", opts)
	_, owned, err := otherExec.Execute(context.Background(), "flow-4", "payment_saga", orderState{OrderID: "o-4"},
		func(s flow.FlowSnapshot[orderState]) []Step { return nil })
	if err != nil {
		t.Fatalf("Execute while owned: %v", err)
	}
	if owned {
		t.Error("a second node should not take ownership of a freshly-heartbeaten flow")
	}

	close(blocker)
	<-done
}
