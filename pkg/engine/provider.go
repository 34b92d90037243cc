package engine

import "context"

// Provider opens sessions against an external modeling resource.
//
// A provider only has to implement this interface and SessionHandle. Every
// other capability is optional: the orchestrator discovers it with a type
// assertion and treats a missing method as a failed strategy.
type Provider interface {
	// Name returns the provider's name (e.g., "modelfile").
	Name() string

	// OpenSession opens an exclusive session on the document at locator.
	// It fails when the provider is unavailable or the locator is invalid.
	OpenSession(ctx context.Context, locator string) (SessionHandle, error)
}

// SessionHandle is an open session returned by Provider.OpenSession.
type SessionHandle interface {
	// Document returns the document the session is bound to.
	// It may return nil when the provider exposes no saveable document.
	Document() Document

	// Close releases the session.
	Close() error
}

// Document is the saveable model document behind a session.
type Document interface {
	// Locator returns the locator the document was opened from.
	Locator() string
}

// ModelObject is an object created inside a transaction.
type ModelObject interface {
	// ID returns the provider's identifier for the object.
	ID() string
}

// Transaction capabilities, implemented by SessionHandle values.

// NamedTransactionBeginner begins a named transaction and returns its token.
type NamedTransactionBeginner interface {
	BeginNamedTransaction(name string) (string, error)
}

// TransactionBeginner begins an anonymous transaction.
type TransactionBeginner interface {
	BeginTransaction() error
}

// TokenCommitter commits the transaction identified by token.
type TokenCommitter interface {
	CommitTransaction(token string) error
}

// Committer commits the current transaction.
type Committer interface {
	Commit() error
}

// TokenRollbacker rolls back the transaction identified by token.
type TokenRollbacker interface {
	RollbackTransaction(token string) error
}

// Rollbacker rolls back the current transaction.
type Rollbacker interface {
	Rollback() error
}

// ObjectCreator creates a new object of the given kind.
type ObjectCreator interface {
	CreateObject(kind string) (ModelObject, error)
}

// Attribute capabilities, implemented by ModelObject values.

// PropertySetter sets an attribute through an indexed property accessor.
type PropertySetter interface {
	SetProperty(name, value string) error
}

// FieldSetter sets an attribute as a direct field.
type FieldSetter interface {
	SetField(name, value string) error
}

// Persistence capabilities, implemented by Document values.

// TargetSaver saves the document to an explicit target.
type TargetSaver interface {
	SaveTo(target string) error
}

// DefaultSaver saves the document to the location it was opened from.
type DefaultSaver interface {
	Save() error
}
