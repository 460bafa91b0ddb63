package mediator

import (
	"context"
	"errors"
	"testing"
)

type createOrder struct {
	OrderID string
}

type getOrderTotal struct {
	OrderID string
}

type orderCreated struct {
	OrderID string
}

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	m := NewInMemoryMediator(nil)
	var got createOrder
	RegisterSend(m, func(ctx context.Context, msg createOrder) (bool, error) {
		got = msg
		return true, nil
	})

	res := Send(context.Background(), m, createOrder{OrderID: "o-1"})
	if !res.Success || res.Err != nil {
		t.Fatalf("Send = %+v, want success", res)
	}
	if got.OrderID != "o-1" {
		t.Errorf("handler received %+v, want OrderID=o-1", got)
	}
}

func TestSendWithoutRegisteredHandlerFails(t *testing.T) {
	m := NewInMemoryMediator(nil)
	res := Send(context.Background(), m, createOrder{OrderID: "o-1"})
	if res.Success || res.Err == nil {
		t.Fatalf("Send with no handler = %+v, want failure", res)
	}
}

func TestSendHandlerErrorPropagates(t *testing.T) {
	m := NewInMemoryMediator(nil)
	wantErr := errors.New("payment declined")
	RegisterSend(m, func(ctx context.Context, msg createOrder) (bool, error) {
		return false, wantErr
	})

	res := Send(context.Background(), m, createOrder{OrderID: "o-1"})
	if res.Success {
		t.Fatal("Send should not report success when handler errors")
	}
	if !errors.Is(res.Err, wantErr) {
		t.Errorf("Send err = %v, want %v", res.Err, wantErr)
	}
}

func TestQueryNarrowsResultToResponseType(t *testing.T) {
	m := NewInMemoryMediator(nil)
	RegisterQuery(m, func(ctx context.Context, msg getOrderTotal) (int, error) {
		return 4200, nil
	})

	total, err := Query[getOrderTotal, int](context.Background(), m, getOrderTotal{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 4200 {
		t.Errorf("Query result = %d, want 4200", total)
	}
}

func TestQueryWrongResponseTypeIsAnError(t *testing.T) {
	m := NewInMemoryMediator(nil)
	RegisterQuery(m, func(ctx context.Context, msg getOrderTotal) (string, error) {
		return "not an int", nil
	})

	_, err := Query[getOrderTotal, int](context.Background(), m, getOrderTotal{OrderID: "o-1"})
	if err == nil {
		t.Fatal("Query should fail when the registered handler's response type does not match")
	}
}

func TestPublishFansOutToAllSubscribersInOrder(t *testing.T) {
	m := NewInMemoryMediator(nil)
	var order []int
	Subscribe(m, func(ctx context.Context, evt orderCreated) { order = append(order, 1) })
	Subscribe(m, func(ctx context.Context, evt orderCreated) { order = append(order, 2) })

	Publish(context.Background(), m, orderCreated{OrderID: "o-1"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("subscribers ran in order %v, want [1 2]", order)
	}
}

func TestPublishWithNoSubscribersIsANoop(t *testing.T) {
	m := NewInMemoryMediator(nil)
	Publish(context.Background(), m, orderCreated{OrderID: "o-1"})
}

func TestNextIDIsUniquePerCall(t *testing.T) {
	m := NewInMemoryMediator(nil)
	a := m.NextID()
	b := m.NextID()
	if a == b {
		t.Fatalf("NextID returned the same id twice: %d", a)
	}
}
