package engine

import (
	"context"
	"errors"

	"github.com/kkurt/erwin-addin-sub001/pkg/probe"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// ApplyResult describes what MutationApplier managed to do.
type ApplyResult struct {
	Object      ModelObject
	Created     bool
	NameApplied bool

	CreateOutcome    StrategyOutcome
	AttributeOutcome StrategyOutcome

	// AttributeErr is a MutationAttributeError when the object was created
	// but could not be named.
	AttributeErr error
}

// MutationApplier creates the requested object and sets its attribute.
type MutationApplier struct {
	logger *telemetry.Logger
}

// NewMutationApplier creates an applier.
func NewMutationApplier(logger *telemetry.Logger) *MutationApplier {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &MutationApplier{logger: logger}
}

// Apply runs req inside the session's active transaction.
//
// A creation failure is returned as a MutationCreateError and the caller
// must roll back. A naming failure is not returned; it is reported through
// ApplyResult.AttributeErr with NameApplied false.
func (a *MutationApplier) Apply(ctx context.Context, sess *ResourceSession, req MutationRequest) (ApplyResult, error) {
	var res ApplyResult

	if st := sess.State(); st != SessionTransactionActive {
		return res, NewError(KindInvalidState, "mutation requires an active transaction", errors.New("session is "+string(st))).
			WithStep(StepCreate)
	}
	h := sess.Handle()

	obj, createOutcome, err := probe.Run(ctx, StepCreate, []probe.Strategy[ModelObject]{
		{
			Name: StrategyCreateObject,
			Run: func(context.Context) (ModelObject, error) {
				c, ok := h.(ObjectCreator)
				if !ok {
					return nil, probe.Unsupported(StrategyCreateObject)
				}
				obj, err := c.CreateObject(req.TargetKind)
				if err != nil {
					return nil, err
				}
				if obj == nil {
					return nil, errors.New("provider returned no object")
				}
				return obj, nil
			},
		},
	}, probeOptions(a.logger)...)
	res.CreateOutcome = createOutcome
	if err != nil {
		return res, NewMutationCreateError("failed to create "+req.TargetKind, err).
			WithStep(StepCreate).WithDetail("target_kind", req.TargetKind)
	}

	res.Object = obj
	res.Created = true
	a.logger.Zerolog().Info().Str("kind", req.TargetKind).Str("object_id", obj.ID()).Msg("Object created")

	attrOutcome, err := probe.Do(ctx, StepAttribute, []probe.Strategy[struct{}]{
		probe.Action(StrategySetProperty, func() error {
			s, ok := obj.(PropertySetter)
			if !ok {
				return probe.Unsupported(StrategySetProperty)
			}
			return s.SetProperty(req.AttributeName, req.AttributeValue)
		}),
		probe.Action(StrategySetField, func() error {
			s, ok := obj.(FieldSetter)
			if !ok {
				return probe.Unsupported(StrategySetField)
			}
			return s.SetField(req.AttributeName, req.AttributeValue)
		}),
	}, probeOptions(a.logger)...)
	res.AttributeOutcome = attrOutcome

	if err != nil {
		res.AttributeErr = NewMutationAttributeError("failed to set "+req.AttributeName+", object may be unnamed", err).
			WithStep(StepAttribute).WithDetail("object_id", obj.ID())
		a.logger.Zerolog().Warn().Err(err).Str("attribute", req.AttributeName).Msg("Attribute not applied")
		return res, nil
	}

	res.NameApplied = true
	return res, nil
}
