package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSession(t *testing.T) (*ResourceSession, *fakeHandle) {
	t.Helper()
	p, h := newFakeProvider()
	s := NewResourceSession(p, nil)
	handle, err := ParseHandle("doc1")
	require.NoError(t, err)
	require.NoError(t, s.Acquire(context.Background(), handle))
	return s, h
}

func TestResourceSession_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, h := openTestSession(t)
	assert.Equal(t, SessionOpen, s.State())
	assert.NotNil(t, s.Document())

	token, outcome, err := s.BeginTransaction(ctx, "Create Entity")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", token)
	assert.Equal(t, StrategyBeginNamed, outcome.Succeeded)
	assert.Equal(t, SessionTransactionActive, s.State())
	assert.Equal(t, "tx-1", s.Token())

	outcome, err = s.EndTransaction(ctx, token, true)
	require.NoError(t, err)
	assert.Equal(t, StrategyCommitToken, outcome.Succeeded)
	assert.Equal(t, SessionOpen, s.State())
	assert.Empty(t, s.Token())

	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())
	assert.Nil(t, s.Handle())
	assert.Nil(t, s.Document())
	assert.Equal(t, 1, h.count("close"))
}

func TestResourceSession_CloseTwiceIsNoop(t *testing.T) {
	s, h := openTestSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, s.Closes())
	assert.Equal(t, 1, h.count("close"))
}

func TestResourceSession_CloseDuringTransaction(t *testing.T) {
	s, h := openTestSession(t)
	_, _, err := s.BeginTransaction(context.Background(), "tx")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, 0, h.count("rollback-token:tx-1"))
}

func TestResourceSession_CloseFailureStillCloses(t *testing.T) {
	s, h := openTestSession(t)
	h.closeErr = errFake

	err := s.Close()
	assert.ErrorIs(t, err, ErrCleanup)
	assert.Equal(t, SessionClosed, s.State())
	assert.NoError(t, s.Close())
}

func TestResourceSession_InvalidState(t *testing.T) {
	ctx := context.Background()
	p, _ := newFakeProvider()
	s := NewResourceSession(p, nil)

	_, _, err := s.BeginTransaction(ctx, "tx")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.EndTransaction(ctx, "", true)
	assert.ErrorIs(t, err, ErrInvalidState)

	s, _ = openTestSession(t)
	handle, _ := ParseHandle("doc1")
	assert.ErrorIs(t, s.Acquire(ctx, handle), ErrInvalidState)

	_, err = s.EndTransaction(ctx, "", false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResourceSession_AcquireFailure(t *testing.T) {
	p, _ := newFakeProvider()
	p.openErr = errFake
	s := NewResourceSession(p, nil)

	handle, _ := ParseHandle("doc1")
	err := s.Acquire(context.Background(), handle)
	assert.ErrorIs(t, err, ErrSessionAcquisition)
	assert.ErrorIs(t, err, errFake)
	assert.Equal(t, SessionClosed, s.State())
}

func TestResourceSession_BeginFallsBack(t *testing.T) {
	s, h := openTestSession(t)
	h.beginNamedErr = errFake

	token, outcome, err := s.BeginTransaction(context.Background(), "tx")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, StrategyBeginBare, outcome.Succeeded)
	assert.Equal(t, []string{StrategyBeginNamed, StrategyBeginBare}, outcome.Attempted)

	outcome, err = s.EndTransaction(context.Background(), token, true)
	require.NoError(t, err)
	assert.Equal(t, []string{StrategyCommitBare}, outcome.Attempted)
	assert.Equal(t, 0, h.count("commit-token:"))
}

func TestResourceSession_EndFailureReturnsToOpen(t *testing.T) {
	s, h := openTestSession(t)
	h.rollbackTokenErr = errFake
	h.rollbackErr = errFake

	token, _, err := s.BeginTransaction(context.Background(), "tx")
	require.NoError(t, err)

	_, err = s.EndTransaction(context.Background(), token, false)
	assert.ErrorIs(t, err, ErrRollback)
	assert.False(t, IsFatal(err))
	assert.Equal(t, SessionOpen, s.State())
}

func TestResourceSession_InterruptedCommitStaysActive(t *testing.T) {
	s, h := openTestSession(t)

	token, _, err := s.BeginTransaction(context.Background(), "tx")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.EndTransaction(ctx, token, true)
	assert.ErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SessionTransactionActive, s.State())
	assert.Equal(t, "tx-1", s.Token())
	assert.Equal(t, 0, h.count("commit-token:tx-1"))

	outcome, err := s.EndTransaction(context.Background(), token, false)
	require.NoError(t, err)
	assert.Equal(t, StrategyRollbackToken, outcome.Succeeded)
	assert.Equal(t, SessionOpen, s.State())
}

func TestTransactionCoordinator_RollbackIgnoresCancelledContext(t *testing.T) {
	s, h := openTestSession(t)
	c := NewTransactionCoordinator(nil)

	token, _, err := c.Begin(context.Background(), s, "tx")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := c.End(ctx, s, token, false)
	require.NoError(t, err)
	assert.Equal(t, StrategyRollbackToken, outcome.Succeeded)
	assert.Equal(t, 1, h.count("rollback-token:tx-1"))
}

func TestMutationApplier_RequiresTransaction(t *testing.T) {
	s, h := openTestSession(t)
	a := NewMutationApplier(nil)

	_, err := a.Apply(context.Background(), s, NewEntityRequest("CUSTOMER"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, h.count("create:Entity"))
}

func TestMutationApplier_NilObject(t *testing.T) {
	s, h := openTestSession(t)
	h.obj = nil
	a := NewMutationApplier(nil)

	_, _, err := s.BeginTransaction(context.Background(), "tx")
	require.NoError(t, err)

	res, err := a.Apply(context.Background(), s, NewEntityRequest("CUSTOMER"))
	assert.ErrorIs(t, err, ErrMutationCreate)
	assert.False(t, res.Created)
}

func TestPersistenceCommitter_NoDocument(t *testing.T) {
	c := NewPersistenceCommitter("model", nil)
	handle, _ := ParseHandle("doc1")

	outcome, err := c.Save(context.Background(), nil, handle)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, outcome.Attempted)
}
