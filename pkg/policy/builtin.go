package policy

import (
	"time"
)

// MaxNameLength is the longest attribute value the naming policy accepts.
const MaxNameLength = 128

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		attributeNamingPolicy(),
		targetKindPolicy(),
		reservedWordsPolicy(),
	}
}

// attributeNamingPolicy rejects values that no model object can carry as a name.
func attributeNamingPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "attribute-naming",
		Description: "Attribute values must be non-blank, at most 128 characters and free of control characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package modelmut.policies.naming

import rego.v1

max_length := 128

name := input.request.attribute_name

value := input.request.attribute_value

deny contains violation if {
	trim_space(value) == ""
	violation := {
		"message": sprintf("%s must not be blank", [name]),
		"severity": "error",
		"field": "attribute_value",
	}
}

deny contains violation if {
	count(value) > max_length
	violation := {
		"message": sprintf("%s must not exceed %d characters, got %d", [name, max_length, count(value)]),
		"severity": "error",
		"field": "attribute_value",
	}
}

deny contains violation if {
	regex.match("[\\x00-\\x1f\\x7f]", value)
	violation := {
		"message": sprintf("%s must not contain control characters", [name]),
		"severity": "error",
		"field": "attribute_value",
	}
}

deny contains violation if {
	trim_space(value) != ""
	trim_space(value) != value
	violation := {
		"message": sprintf("%s '%s' has leading or trailing whitespace", [name, value]),
		"severity": "warning",
		"field": "attribute_value",
	}
}
`,
	}
}

// targetKindPolicy requires a target kind.
func targetKindPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "target-kind",
		Description: "Target kind must be non-empty",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"request"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package modelmut.policies.kind

import rego.v1

deny contains violation if {
	trim_space(input.request.target_kind) == ""
	violation := {
		"message": "target kind must not be empty",
		"severity": "error",
		"field": "target_kind",
	}
}
`,
	}
}

// reservedWordsPolicy warns about names that collide with SQL keywords.
func reservedWordsPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "reserved-words",
		Description: "Warns when a name is an SQL reserved word",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "sql"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package modelmut.policies.reserved

import rego.v1

reserved := {
	"ALL", "AND", "AS", "BY", "CHECK", "COLUMN", "CREATE", "DELETE", "DROP",
	"FROM", "GROUP", "INDEX", "INSERT", "KEY", "NOT", "NULL", "OR", "ORDER",
	"SELECT", "TABLE", "UPDATE", "USER", "VIEW", "WHERE",
}

deny contains violation if {
	upper(trim_space(input.request.attribute_value)) in reserved
	violation := {
		"message": sprintf("'%s' is an SQL reserved word", [input.request.attribute_value]),
		"severity": "warning",
		"field": "attribute_value",
	}
}
`,
	}
}
