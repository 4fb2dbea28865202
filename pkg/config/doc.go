// Package config loads configuration documents and converts them to
// engine.ConfigurationSet values.
//
// # Document Format
//
// Documents are YAML (or JSON) by default, or CUE when the file ends in .cue:
//
//	properties:
//	  configurationVersion: 0.2.0
//	  assertions:
//	    - resource: builtin/echo
//	      id: os
//	      settings:
//	        value: linux
//	  resources:
//	    - resource: file
//	      id: motd
//	      dependsOn: [os]
//	      directives:
//	        description: Message of the day
//	      settings:
//	        path: /etc/motd
//	        content: hello
//	    - resource: configset/AssertionsGroup
//	      id: checks
//	      units:
//	        - resource: command
//	          settings:
//	            test: ["true"]
//
// Assertions default to the assert intent and run before resources. A
// resource with a units list is a group. The intent and inactive directives
// override the defaults. Parameters and variables are rejected with
// ErrUnsupported.
//
// # Validation
//
// Each document is checked in three passes:
//
//   - the built-in CUE document schema, with file positions in errors
//   - struct tags through go-playground/validator
//   - per unit type settings schemas registered under SettingsSchemaName
//
// Failures are collected in a *LoadError. Graph problems (duplicate
// identifiers, missing dependencies, cycles) are left to the engine, which
// reports them per unit.
//
// # Thread Safety
//
// Loader and SchemaRegistry are safe for concurrent use.
package config
