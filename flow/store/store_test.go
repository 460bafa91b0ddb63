package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/flow"
	"github.com/sagaflow/sagaflow/flow/store"
)

type orderState struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

type storeCase struct {
	name      string
	storeFunc func(t *testing.T) store.Store[orderState]
}

// backends runs every conformance test below against MemStore and
// SQLiteStore unconditionally, and against MySQLStore when
// SAGAFLOW_MYSQL_DSN is set in the environment.
func backends(t *testing.T) []storeCase {
	cases := []storeCase{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T) store.Store[orderState] {
				return store.NewMemStore[orderState]()
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) store.Store[orderState] {
				path := filepath.Join(t.TempDir(), "flows.db")
				st, err := store.NewSQLiteStore[orderState](path)
				if err != nil {
					t.Fatalf("NewSQLiteStore: %v", err)
				}
				t.Cleanup(func() { _ = st.Close() })
				return st
			},
		},
	}
	if dsn := os.Getenv("SAGAFLOW_MYSQL_DSN"); dsn != "" {
		cases = append(cases, storeCase{
			name: "MySQLStore",
			storeFunc: func(t *testing.T) store.Store[orderState] {
				st, err := store.NewMySQLStore[orderState](dsn)
				if err != nil {
					t.Fatalf("NewMySQLStore: %v", err)
				}
				t.Cleanup(func() { _ = st.Close() })
				return st
			},
		})
	}
	return cases
}

func TestCreateGetRoundTrip(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			snap := flow.FlowSnapshot[orderState]{
				FlowID:   "flow-1",
				Type:     "payment_saga",
				State:    orderState{OrderID: "ord-1", Total: 1000},
				Position: flow.Initial(),
				Status:   flow.StatusNotStarted,
			}

			created, err := st.Create(ctx, snap)
			if err != nil || !created {
				t.Fatalf("Create = %v, %v; want true, nil", created, err)
			}

			again, err := st.Create(ctx, snap)
			if err != nil || again {
				t.Fatalf("second Create = %v, %v; want false, nil", again, err)
			}

			loaded, err := st.Get(ctx, "flow-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if loaded.State.OrderID != "ord-1" || loaded.State.Total != 1000 {
				t.Errorf("loaded state = %+v, want {ord-1 1000}", loaded.State)
			}
			if loaded.Version != 0 {
				t.Errorf("loaded version = %d, want 0", loaded.Version)
			}
		})
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.storeFunc(t)
			_, err := st.Get(context.Background(), "does-not-exist")
			if !errors.Is(err, flow.ErrNotFound) {
				t.Errorf("Get = %v, want flow.ErrNotFound", err)
			}
		})
	}
}

func TestUpdateCASConflict(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			snap := flow.FlowSnapshot[orderState]{
				FlowID: "flow-2", Type: "payment_saga",
				State: orderState{OrderID: "ord-2", Total: 1},
				Status: flow.StatusRunning,
			}
			if _, err := st.Create(ctx, snap); err != nil {
				t.Fatalf("Create: %v", err)
			}

			loaded, err := st.Get(ctx, "flow-2")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}

			loaded.State.Total = 2
			updated, err := st.Update(ctx, loaded)
			if err != nil {
				t.Fatalf("first Update: %v", err)
			}
			if updated.Version != loaded.Version+1 {
				t.Errorf("version = %d, want %d", updated.Version, loaded.Version+1)
			}

			// loaded now has a stale version; retrying Update must conflict.
			loaded.State.Total = 3
			_, err = st.Update(ctx, loaded)
			if !errors.Is(err, flow.ErrVersionConflict) {
				t.Errorf("stale Update = %v, want flow.ErrVersionConflict", err)
			}
		})
	}
}

func TestTryClaimExcludesOwnedFreshRows(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			snap := flow.FlowSnapshot[orderState]{
				FlowID: "flow-3", Type: "order_fanout",
				State: orderState{OrderID: "ord-3"},
				Status: flow.StatusNotStarted,
			}
			if _, err := st.Create(ctx, snap); err != nil {
				t.Fatalf("Create: %v", err)
			}

			claimed, err := st.TryClaim(ctx, "order_fanout", "node-a", 20*time.Second)
			if err != nil {
				t.Fatalf("first TryClaim: %v", err)
			}
			if claimed.Owner != "node-a" {
				t.Errorf("owner = %q, want node-a", claimed.Owner)
			}

			_, err = st.TryClaim(ctx, "order_fanout", "node-b", 20*time.Second)
			if !errors.Is(err, flow.ErrNotFound) {
				t.Errorf("second TryClaim = %v, want flow.ErrNotFound (fresh lease held)", err)
			}
		})
	}
}

func TestTryClaimReclaimsStaleLease(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			snap := flow.FlowSnapshot[orderState]{
				FlowID: "flow-4", Type: "order_fanout",
				State: orderState{OrderID: "ord-4"},
				Status: flow.StatusNotStarted,
			}
			if _, err := st.Create(ctx, snap); err != nil {
				t.Fatalf("Create: %v", err)
			}

			if _, err := st.TryClaim(ctx, "order_fanout", "node-a", time.Nanosecond); err != nil {
				t.Fatalf("first TryClaim: %v", err)
			}
			time.Sleep(2 * time.Millisecond)

			reclaimed, err := st.TryClaim(ctx, "order_fanout", "node-b", time.Nanosecond)
			if err != nil {
				t.Fatalf("reclaim TryClaim: %v", err)
			}
			if reclaimed.Owner != "node-b" {
				t.Errorf("owner = %q, want node-b", reclaimed.Owner)
			}
		})
	}
}

func TestHeartbeatRejectsWrongOwnerOrVersion(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			snap := flow.FlowSnapshot[orderState]{
				FlowID: "flow-5", Type: "bulk_import",
				State: orderState{}, Status: flow.StatusNotStarted,
			}
			if _, err := st.Create(ctx, snap); err != nil {
				t.Fatalf("Create: %v", err)
			}
			claimed, err := st.TryClaim(ctx, "bulk_import", "node-a", 20*time.Second)
			if err != nil {
				t.Fatalf("TryClaim: %v", err)
			}

			ok, err := st.Heartbeat(ctx, "flow-5", "node-wrong", claimed.Version)
			if err != nil {
				t.Fatalf("Heartbeat wrong owner: %v", err)
			}
			if ok {
				t.Error("Heartbeat with wrong owner should fail")
			}

			ok, err = st.Heartbeat(ctx, "flow-5", "node-a", claimed.Version+99)
			if err != nil {
				t.Fatalf("Heartbeat wrong version: %v", err)
			}
			if ok {
				t.Error("Heartbeat with stale version should fail")
			}

			ok, err = st.Heartbeat(ctx, "flow-5", "node-a", claimed.Version)
			if err != nil {
				t.Fatalf("Heartbeat: %v", err)
			}
			if !ok {
				t.Error("Heartbeat with correct owner/version should succeed")
			}
		})
	}
}

func TestWaitConditionLifecycle(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			wc := flow.WaitCondition{
				CorrelationID: "corr-1",
				Type:          flow.WaitAll,
				ExpectedCount: 2,
				ChildFlowIDs:  []string{"child-a", "child-b"},
				Timeout:       time.Minute,
				CreatedAt:     time.Now(),
				FlowID:        "flow-6",
				FlowType:      "order_fanout",
			}
			if err := st.SetWaitCondition(ctx, wc); err != nil {
				t.Fatalf("SetWaitCondition: %v", err)
			}

			got, err := st.GetWaitCondition(ctx, "corr-1")
			if err != nil {
				t.Fatalf("GetWaitCondition: %v", err)
			}
			if got.ExpectedCount != 2 {
				t.Errorf("ExpectedCount = %d, want 2", got.ExpectedCount)
			}

			updated, err := st.UpdateWaitCondition(ctx, "corr-1", func(wc *flow.WaitCondition) error {
				wc.Results = append(wc.Results, flow.ChildResult{ChildFlowID: "child-a", Success: true})
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateWaitCondition: %v", err)
			}
			if len(updated.Results) != 1 {
				t.Errorf("Results = %v, want 1 entry", updated.Results)
			}

			if err := st.ClearWaitCondition(ctx, "corr-1"); err != nil {
				t.Fatalf("ClearWaitCondition: %v", err)
			}
			if _, err := st.GetWaitCondition(ctx, "corr-1"); !errors.Is(err, flow.ErrNotFound) {
				t.Errorf("GetWaitCondition after clear = %v, want flow.ErrNotFound", err)
			}

			// Clearing an already-cleared row must not error.
			if err := st.ClearWaitCondition(ctx, "corr-1"); err != nil {
				t.Errorf("second ClearWaitCondition: %v", err)
			}
		})
	}
}

func TestGetTimedOutWaitConditions(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			fresh := flow.WaitCondition{
				CorrelationID: "corr-fresh", Type: flow.WaitAll, ExpectedCount: 1,
				Timeout: time.Hour, CreatedAt: time.Now(),
			}
			stale := flow.WaitCondition{
				CorrelationID: "corr-stale", Type: flow.WaitAll, ExpectedCount: 1,
				Timeout: time.Millisecond, CreatedAt: time.Now().Add(-time.Hour),
			}
			if err := st.SetWaitCondition(ctx, fresh); err != nil {
				t.Fatalf("SetWaitCondition fresh: %v", err)
			}
			if err := st.SetWaitCondition(ctx, stale); err != nil {
				t.Fatalf("SetWaitCondition stale: %v", err)
			}

			out, err := st.GetTimedOutWaitConditions(ctx, time.Now())
			if err != nil {
				t.Fatalf("GetTimedOutWaitConditions: %v", err)
			}
			if len(out) != 1 || out[0].CorrelationID != "corr-stale" {
				t.Errorf("timed out = %+v, want only corr-stale", out)
			}
		})
	}
}

func TestForEachProgressLifecycle(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			progress := flow.NewForEachProgress("flow-7", 2, 10)
			progress.MarkCompleted(0)
			progress.MarkCompleted(1)
			progress.MarkFailed(2)
			progress.Advance()

			if err := st.SaveForEachProgress(ctx, *progress); err != nil {
				t.Fatalf("SaveForEachProgress: %v", err)
			}

			loaded, err := st.GetForEachProgress(ctx, "flow-7", 2)
			if err != nil {
				t.Fatalf("GetForEachProgress: %v", err)
			}
			if !loaded.Done(0) || !loaded.Done(1) || !loaded.Done(2) {
				t.Errorf("loaded progress lost completed/failed markers: %+v", loaded)
			}
			if loaded.CurrentIndex != 3 {
				t.Errorf("CurrentIndex = %d, want 3", loaded.CurrentIndex)
			}

			if err := st.ClearForEachProgress(ctx, "flow-7", 2); err != nil {
				t.Fatalf("ClearForEachProgress: %v", err)
			}
			if _, err := st.GetForEachProgress(ctx, "flow-7", 2); !errors.Is(err, flow.ErrNotFound) {
				t.Errorf("GetForEachProgress after clear = %v, want flow.ErrNotFound", err)
			}
		})
	}
}

func TestListByStatusAndType(t *testing.T) {
	for _, tc := range backends(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := tc.storeFunc(t)

			for i, status := range []flow.Status{flow.StatusRunning, flow.StatusRunning, flow.StatusCompleted} {
				snap := flow.FlowSnapshot[orderState]{
					FlowID: "flow-list-" + string(rune('a'+i)),
					Type:   "payment_saga",
					Status: status,
					State:  orderState{OrderID: "x"},
				}
				if _, err := st.Create(ctx, snap); err != nil {
					t.Fatalf("Create: %v", err)
				}
			}

			running, err := st.ListByStatus(ctx, flow.StatusRunning, 0)
			if err != nil {
				t.Fatalf("ListByStatus: %v", err)
			}
			if len(running) != 2 {
				t.Errorf("ListByStatus(Running) returned %d rows, want 2", len(running))
			}

			byType, err := st.ListByType(ctx, "payment_saga", 1)
			if err != nil {
				t.Fatalf("ListByType: %v", err)
			}
			if len(byType) != 1 {
				t.Errorf("ListByType with limit=1 returned %d rows, want 1", len(byType))
			}
		})
	}
}
