// Package modelfile is a provider for model documents stored as YAML files.
//
// A document holds typed objects (Entity, Attribute, Relationship, ...) with
// string properties. The provider exposes one of two API surfaces chosen by
// its version:
//
//   - modern (>= 9.0): named transactions with tokens, token commit and
//     rollback, SetProperty on objects, SaveTo and Save on documents
//   - legacy (< 9.0): anonymous transactions, Commit and Rollback, SetField
//     for Name, Definition and Comment only, Save in place only
//
// Changes are staged in memory and a snapshot restores the model on
// rollback. Saves write a temp file next to the target and rename it into
// place. Locators are raw paths or "file://path" / "modelfile://path".
//
// A document may declare a provider version constraint:
//
//	name: Sales
//	requires: ">= 9.0"
//	objects:
//	  - id: 0b6f...
//	    kind: Entity
//	    properties:
//	      Name: CUSTOMER
package modelfile
