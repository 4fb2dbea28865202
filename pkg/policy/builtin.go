package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unitIdentifiersPolicy(),
		commandSafetyPolicy(),
		remoteHostsPolicy(),
		prereleasePolicy(),
		unitDescriptionsPolicy(),
	}
}

// unitIdentifiersPolicy flags identifiers that are awkward to reference.
func unitIdentifiersPolicy() Policy {
	return Policy{
		Name:        "unit-identifiers",
		Description: "Flags unit identifiers that contain whitespace or are unreasonably long",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package configset.policies.identifiers

import rego.v1

deny contains violation if {
	some unit in input.set.units
	regex.match("\\s", unit.identifier)
	violation := {
		"message": sprintf("Unit identifier '%s' contains whitespace", [unit.identifier]),
		"unit": unit.identifier,
	}
}

deny contains violation if {
	some unit in input.set.units
	count(unit.identifier) > 128
	violation := {
		"message": sprintf("Unit identifier '%s...' exceeds 128 characters", [substring(unit.identifier, 0, 32)]),
		"unit": unit.identifier,
	}
}`,
	}
}

// commandSafetyPolicy blocks destructive commands in production.
func commandSafetyPolicy() Policy {
	return Policy{
		Name:        "command-safety",
		Description: "Prevents command units from running destructive commands in production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"commands", "safety", "production"},
		Rego: `package configset.policies.commands

import rego.v1

destructive_patterns := ["rm -rf /", "mkfs", "dd if=", "shutdown", "reboot"]

command_units contains unit if {
	some unit in input.set.units
	unit.type in {"command", "remote/command"}
	unit.intent == "apply"
	not unit.inactive
}

deny contains violation if {
	input.context.environment == "production"
	some unit in command_units
	text := concat(" ", unit.settings.apply)
	some pattern in destructive_patterns
	contains(text, pattern)
	violation := {
		"message": sprintf("Command unit %s runs destructive command '%s' in production", [unit.identifier, text]),
		"unit": unit.identifier,
	}
}`,
	}
}

// remoteHostsPolicy checks connection settings of remote units.
func remoteHostsPolicy() Policy {
	return Policy{
		Name:        "remote-hosts",
		Description: "Requires remote units to name a host and verify host keys in production",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"remote", "ssh", "security"},
		Rego: `package configset.policies.remote

import rego.v1

remote_units contains unit if {
	some unit in input.set.units
	startswith(unit.type, "remote/")
}

deny contains violation if {
	some unit in remote_units
	not unit.settings.host
	violation := {
		"message": sprintf("Remote unit %s must set a host", [unit.identifier]),
		"unit": unit.identifier,
	}
}

deny contains violation if {
	input.context.environment == "production"
	some unit in remote_units
	unit.settings.insecure_ignore_host_key == true
	violation := {
		"message": sprintf("Remote unit %s skips host key verification in production", [unit.identifier]),
		"severity": "critical",
		"unit": unit.identifier,
	}
}`,
	}
}

// prereleasePolicy warns about prerelease software in production.
func prereleasePolicy() Policy {
	return Policy{
		Name:        "prerelease",
		Description: "Warns when units allow prerelease software in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"versioning", "production"},
		Rego: `package configset.policies.prerelease

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	some unit in input.set.units
	unit.metadata.allowPrerelease == true
	violation := {
		"message": sprintf("Unit %s allows prerelease software in production", [unit.identifier]),
		"unit": unit.identifier,
	}
}`,
	}
}

// unitDescriptionsPolicy asks for a description on every leaf unit.
func unitDescriptionsPolicy() Policy {
	return Policy{
		Name:        "unit-descriptions",
		Description: "Reports leaf units without a description directive",
		Severity:    SeverityInfo,
		Enabled:     false,
		Builtin:     true,
		Tags:        []string{"documentation"},
		Rego: `package configset.policies.descriptions

import rego.v1

deny contains violation if {
	some unit in input.set.units
	not unit.is_group
	not unit.metadata.description
	violation := {
		"message": sprintf("Unit %s has no description", [unit.identifier]),
		"unit": unit.identifier,
	}
}`,
	}
}
