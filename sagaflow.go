// Package sagaflow provides saga orchestration primitives for event-driven
// Go applications. It coordinates long-running business processes that span
// several local transactions, with compensating rollback and an embedded
// Try-Confirm-Cancel (TCC) reservation protocol.
//
// # Quick Start
//
// Define a saga factory that wires declarative event mappings:
//
//	factory := func(state *sagaflow.SagaState) (*sagaflow.Saga, error) {
//	    saga := sagaflow.NewSaga(state, sagaflow.WithCommandRegistry(commands))
//	    err := saga.On("OrderPlaced", sagaflow.EventMapping{
//	        Send: func(e sagaflow.Event) sagaflow.Command {
//	            return ReserveStock{OrderID: e.CorrelationID()}
//	        },
//	        Step: "reserving-stock",
//	        Compensate: func(e sagaflow.Event) sagaflow.Command {
//	            return ReleaseStock{OrderID: e.CorrelationID()}
//	        },
//	        CompensateDescription: "release reserved stock",
//	    })
//	    if err != nil {
//	        return nil, err
//	    }
//	    err = saga.On("OrderShipped", sagaflow.EventMapping{
//	        Send:     func(e sagaflow.Event) sagaflow.Command { return CloseOrder{} },
//	        Complete: true,
//	    })
//	    return saga, err
//	}
//
// Register it and route events through a manager:
//
//	registry := sagaflow.NewSagaRegistry()
//	registry.RegisterSaga(sagaflow.SagaDefinition{SagaType: "OrderFulfillment", Factory: factory})
//
//	store := memory.NewSagaStore()
//	manager := sagaflow.NewSagaManager(registry, store, bus,
//	    sagaflow.WithCommands(commands))
//
//	err := manager.Handle(ctx, event)
//
// Crash recovery and timeout escalation run on a background worker:
//
//	worker := sagaflow.NewRecoveryWorker(manager)
//	worker.Start(ctx)
//	defer worker.Stop(ctx)
//
// Sagas persist every produced command before it is handed to the command
// bus, so a crash between "recorded" and "sent" is repaired by the next
// recovery sweep, and every inbound event id is remembered so at-least-once
// delivery never double-applies an event.
package sagaflow

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}
