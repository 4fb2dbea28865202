// Package policy gates configuration sets with Open Policy Agent (OPA) Rego
// policies.
//
// An Engine compiles each policy once and evaluates its deny set against
// the whole set. Policies see the set with its units flattened, parents
// before children:
//
//	input.set.name
//	input.set.units[_].identifier
//	input.set.units[_].type
//	input.set.units[_].intent        // apply, assert or inform
//	input.set.units[_].is_group
//	input.set.units[_].inactive
//	input.set.units[_].parent        // display name of the enclosing group
//	input.set.units[_].depth
//	input.set.units[_].dependencies
//	input.set.units[_].settings
//	input.set.units[_].metadata      // description, module, allowPrerelease
//	input.context.environment
//	input.context.user
//
// Documents written with Engine.SetData are visible as data.external.
//
// # Writing Policies
//
// Policies must define a deny set. Entries are either strings or objects
// with message, and optionally severity, unit and remediation:
//
//	package configset.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//		some unit in input.set.units
//		unit.type == "command"
//		not unit.metadata.description
//		violation := {
//			"message": sprintf("command %s needs a description", [unit.identifier]),
//			"unit": unit.identifier,
//		}
//	}
//
// Violations with error or critical severity block the set. Info and
// warning violations are reported as warnings.
//
// # Gating
//
// Engine implements engine.Gate:
//
//	pol, err := policy.NewEngine(logger, policy.WithEnvironment("production"))
//	if err != nil {
//		return err
//	}
//	processor := engine.NewProcessor(factory, engine.WithGate(pol))
//
// In ModeEnforce a blocked set fails with a *DeniedError and nothing runs.
// ModeAdvisory only logs the violations.
//
// # Loading Policies
//
// The Loader reads .rego files (named after the file, description taken
// from leading comments) and JSON or YAML policy definitions. Directories
// are walked recursively. Watch reloads the loaded policies when files
// change, debounced by 500ms.
package policy
