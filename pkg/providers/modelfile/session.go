package modelfile

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// session holds the state shared by both API surfaces. Changes are staged
// on the document's model; a snapshot taken at begin restores it on
// rollback.
type session struct {
	mu       sync.Mutex
	provider *Provider
	doc      *document
	logger   *telemetry.Logger

	closed   bool
	active   bool
	token    string
	snapshot *Model
}

// Document implements engine.SessionHandle.
func (s *session) Document() engine.Document {
	if s.provider.surface == SurfaceModern {
		return &ModernDocument{document: s.doc}
	}
	return &LegacyDocument{document: s.doc}
}

// Close implements engine.SessionHandle. An active transaction is rolled back.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.active {
		s.doc.restore(s.snapshot)
		s.active = false
		s.snapshot = nil
		s.logger.Zerolog().Warn().Str("token", s.token).Msg("Session closed with an open transaction, rolled back")
		s.token = ""
	}
	s.closed = true
	s.doc.unwatch()

	s.logger.Zerolog().Debug().Msg("Session closed")
	return nil
}

// InTransaction reports whether a transaction is open.
func (s *session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.doc.isStale() {
		return ErrStaleDocument
	}
	return nil
}

func (s *session) begin(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return "", err
	}
	if s.active {
		return "", ErrTransactionActive
	}

	s.snapshot = s.doc.snapshot()
	s.active = true
	s.token = uuid.New().String()

	s.logger.Zerolog().Debug().Str("transaction", name).Str("token", s.token).Msg("Transaction started")
	return s.token, nil
}

// end commits or rolls back. An empty token skips the token check.
func (s *session) end(token string, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.active {
		return ErrNoTransaction
	}
	if token != "" && token != s.token {
		return fmt.Errorf("%w: %s", ErrTokenMismatch, token)
	}

	if commit {
		if s.doc.isStale() {
			return ErrStaleDocument
		}
		s.doc.markDirty()
	} else {
		s.doc.restore(s.snapshot)
	}

	s.logger.Zerolog().Debug().Str("token", s.token).Bool("commit", commit).Msg("Transaction ended")
	s.active = false
	s.snapshot = nil
	s.token = ""
	return nil
}

func (s *session) create(kind string) (*object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if !s.active {
		return nil, ErrNoTransaction
	}
	if !slices.Contains(Kinds, kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	id := uuid.New().String()
	s.doc.add(Object{ID: id, Kind: kind, Properties: map[string]string{}})

	s.logger.Zerolog().Debug().Str("kind", kind).Str("object_id", id).Msg("Object created")
	return &object{session: s, id: id}, nil
}

func (s *session) set(id, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if !s.active {
		return ErrNoTransaction
	}
	if name == "" {
		return ErrEmptyPropertyName
	}
	return s.doc.setProperty(id, name, value)
}

// ModernSession is the session handle of the modern surface.
type ModernSession struct {
	*session
}

// BeginNamedTransaction starts a transaction and returns its token.
func (s *ModernSession) BeginNamedTransaction(name string) (string, error) {
	return s.begin(name)
}

// CommitTransaction commits the transaction identified by token.
func (s *ModernSession) CommitTransaction(token string) error {
	return s.end(token, true)
}

// RollbackTransaction rolls back the transaction identified by token.
func (s *ModernSession) RollbackTransaction(token string) error {
	return s.end(token, false)
}

// CreateObject creates an object whose attributes are set by property.
func (s *ModernSession) CreateObject(kind string) (engine.ModelObject, error) {
	obj, err := s.create(kind)
	if err != nil {
		return nil, err
	}
	return &PropertyObject{object: obj}, nil
}

// LegacySession is the session handle of the legacy surface.
type LegacySession struct {
	*session
}

// BeginTransaction starts an anonymous transaction.
func (s *LegacySession) BeginTransaction() error {
	_, err := s.begin("")
	return err
}

// Commit commits the open transaction.
func (s *LegacySession) Commit() error {
	return s.end("", true)
}

// Rollback rolls back the open transaction.
func (s *LegacySession) Rollback() error {
	return s.end("", false)
}

// CreateObject creates an object whose attributes are set as fields.
func (s *LegacySession) CreateObject(kind string) (engine.ModelObject, error) {
	obj, err := s.create(kind)
	if err != nil {
		return nil, err
	}
	return &FieldObject{object: obj}, nil
}

type object struct {
	session *session
	id      string
}

// ID implements engine.ModelObject.
func (o *object) ID() string {
	return o.id
}

// PropertyObject is an object of the modern surface.
type PropertyObject struct {
	*object
}

// SetProperty sets any named property.
func (o *PropertyObject) SetProperty(name, value string) error {
	return o.session.set(o.id, name, value)
}

// FieldObject is an object of the legacy surface.
type FieldObject struct {
	*object
}

// SetField sets one of LegacyFields.
func (o *FieldObject) SetField(name, value string) error {
	if !slices.Contains(LegacyFields, name) {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return o.session.set(o.id, name, value)
}
