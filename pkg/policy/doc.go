// Package policy checks mutation requests against Open Policy Agent (Rego)
// policies before any resource is acquired.
//
// Every policy defines a "deny" set in its package. Members are either plain
// strings or objects with "message", "severity" and "field" keys; other keys
// are kept as violation metadata. Violations with severity error or critical
// block the request, info and warning violations are reported as warnings.
//
// Built-in policies:
//
//   - attribute-naming: value must not be blank, longer than 128 characters
//     or contain control characters; leading or trailing whitespace warns
//   - target-kind: target kind must not be empty
//   - reserved-words: warns when the value is an SQL reserved word
//
// Additional policies are loaded from .rego files (named after the file) or
// .json definitions:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	orch, err := engine.NewOrchestrator(provider, engine.WithPolicy(eng))
//
// Long-running processes can use Engine.Watch instead, which reloads the
// policy set when files under the given paths change.
package policy
