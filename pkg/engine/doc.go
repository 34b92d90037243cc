// Package engine creates one object in a versioned external model and names
// it, inside a transaction, with every step recorded.
//
// # Workflow
//
// Orchestrator.Run drives a fixed sequence of steps against a Provider:
//
//  1. Validate the request and parse the resource locator.
//  2. Check the request against the configured RequestPolicy.
//  3. Take the per-handle lock (wait or reject, see package lock).
//  4. Open a session and the target document (ResourceSession).
//  5. Begin a transaction (TransactionCoordinator).
//  6. Create the object and set its attribute (MutationApplier).
//  7. Commit, or roll back when creation failed.
//  8. Save the document (PersistenceCommitter).
//  9. Close the session, always.
//
// Steps 5 through 8 can be performed in more than one way depending on the
// provider's version. Each step lists its strategies most specific first and
// probes them in order; the capability interfaces in provider.go
// (NamedTransactionBeginner, TokenCommitter, PropertySetter and the rest)
// decide which strategies a provider supports.
//
// # Reports
//
// Run never panics and never returns a bare error. It returns an
// OperationReport holding per-step StrategyOutcomes, non-fatal warnings, a
// human readable trail and at most one fatal error:
//
//	rep := o.Run(ctx, "file:///models/sales.yaml", engine.NewEntityRequest("CUSTOMER"))
//	fmt.Println(rep.Summary())
//	os.Exit(rep.Status().ExitCode())
//
// A run that created the object but failed a later step is partial, not
// failed. Errors carry an ErrorKind; use KindOf and IsKind to inspect them.
//
// # History
//
// StoreRecorder writes reports to a RunStore so runs can be listed and
// inspected later. Recording failures are logged and never change the
// outcome of a run.
package engine
