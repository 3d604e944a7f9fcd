package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyDeletionLimit    = "deletion-limit"
	PolicyArtifactNaming   = "artifact-naming"
	PolicyPipelineIdentity = "pipeline-identity"
	PolicyProtectedEnv     = "protected-environment"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		deletionLimitPolicy(),
		artifactNamingPolicy(),
		pipelineIdentityPolicy(),
		protectedEnvironmentPolicy(),
	}
}

// deletionLimitPolicy stops plans that would empty a workspace by accident.
func deletionLimitPolicy() Policy {
	return Policy{
		Name:        PolicyDeletionLimit,
		Description: "Rejects plans deleting more artifacts than params.max_deletions",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deletions", "safety"},
		UpdatedAt:   time.Now(),
		Rego: `package wsdeploy.policies.deletions

import rego.v1

deny contains violation if {
	input.params.max_deletions >= 0
	input.plan.counts.delete > input.params.max_deletions
	violation := {
		"message": sprintf("plan deletes %d artifacts, limit is %d", [input.plan.counts.delete, input.params.max_deletions]),
		"severity": "error",
	}
}

# Nothing should be deleted from a workspace this run created.
deny contains violation if {
	input.workspace.created
	input.plan.counts.delete > 0
	violation := {
		"message": "plan deletes artifacts from a newly created workspace",
		"severity": "critical",
	}
}`,
	}
}

// artifactNamingPolicy rejects display names the platform refuses.
func artifactNamingPolicy() Policy {
	return Policy{
		Name:        PolicyArtifactNaming,
		Description: "Display names must be non-blank, trimmed, at most 256 characters and free of reserved characters",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		UpdatedAt:   time.Now(),
		Rego: `package wsdeploy.policies.naming

import rego.v1

planned contains a if {
	some a in input.plan.create
}

planned contains a if {
	some a in input.plan.update
}

deny contains violation if {
	some a in planned
	trim_space(a.name) == ""
	violation := {
		"message": "display name is blank",
		"severity": "error",
		"resource": a.source,
	}
}

deny contains violation if {
	some a in planned
	trim_space(a.name) != a.name
	violation := {
		"message": sprintf("display name '%s' has leading or trailing whitespace", [a.name]),
		"severity": "error",
		"resource": a.source,
	}
}

deny contains violation if {
	some a in planned
	count(a.name) > 256
	violation := {
		"message": sprintf("display name of %s exceeds 256 characters", [a.type]),
		"severity": "error",
		"resource": a.source,
	}
}

deny contains violation if {
	some a in planned
	regex.match("[\\\\/:*?\"<>|]", a.name)
	violation := {
		"message": sprintf("display name '%s' contains a reserved character", [a.name]),
		"severity": "error",
		"resource": a.source,
	}
}`,
	}
}

// pipelineIdentityPolicy warns about pipelines other pipelines cannot reference.
func pipelineIdentityPolicy() Policy {
	return Policy{
		Name:        PolicyPipelineIdentity,
		Description: "Warns when a created pipeline carries no logical id",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"pipelines", "references"},
		UpdatedAt:   time.Now(),
		Rego: `package wsdeploy.policies.identity

import rego.v1

deny contains violation if {
	some a in input.plan.create
	lower(a.type) == "datapipeline"
	not a.logical_id
	violation := {
		"message": sprintf("pipeline '%s' has no logical id; references to it cannot be rewritten", [a.name]),
		"severity": "warning",
		"resource": a.source,
	}
}`,
	}
}

// protectedEnvironmentPolicy flags destructive plans in production.
func protectedEnvironmentPolicy() Policy {
	return Policy{
		Name:        PolicyProtectedEnv,
		Description: "Warns about deletions in production deployments",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deletions", "production"},
		UpdatedAt:   time.Now(),
		Rego: `package wsdeploy.policies.environment

import rego.v1

protected := {"prod", "production"}

deny contains violation if {
	lower(input.context.environment) in protected
	not input.context.dry_run
	some a in input.plan.delete
	violation := {
		"message": sprintf("%s '%s' will be deleted from a production workspace", [a.type, a.name]),
		"severity": "warning",
		"resource": a.remote_id,
	}
}`,
	}
}
