// Package policy guards deployments with Open Policy Agent (OPA) policies.
//
// An Engine evaluates Rego policies against every reconciliation plan
// before the plan touches the platform. It implements engine.PlanGuard, so
// the reconciler consults it between planning and the first deletion.
//
// # Input
//
// Policies see the plan flattened into plain data:
//
//	input.workspace  {name, id, created}
//	input.plan       {create: [...], update: [...], delete: [...], counts: {create, update, delete}}
//	input.context    {environment, build_number, operation, timestamp, dry_run}
//	input.params     {max_deletions}
//
// Each planned artifact carries name, type, logical_id, remote_id and source.
//
// # Violations
//
// Violations are read from the deny set of the policy's package. A member is
// either a string or an object with message, severity and resource keys;
// the policy's own severity applies when the member names none. Error and
// critical violations block the plan in enforcing mode and are logged in
// advisory mode. Warnings never block.
//
// # Built-in policies
//
//   - deletion-limit: at most params.max_deletions deletions, none from a
//     workspace created by this run
//   - artifact-naming: display names the platform accepts
//   - pipeline-identity: created pipelines should carry a logical id
//   - protected-environment: deletions in production are called out
//
// # Custom policies
//
// Loader reads .rego files (named after the file, header comments supply
// the description and optional "severity:" and "tags:" lines) and JSON
// policy definitions, from files or directory trees:
//
//	eng, err := policy.NewEngine(policy.Config{Mode: policy.ModeEnforcing, MaxDeletions: 10}, logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
// Engine.Watch reloads those paths on change with fsnotify; built-in
// policies survive every reload.
package policy
