// Package config loads the wsdeploy configuration and validates the
// documents a deployment reads.
//
// # Overview
//
// Configuration is an explicit Config value handed to the deployment entry
// point. Load builds it in layers:
//
//  1. Default values, including the engine's retry, poll and reconciler
//     policies.
//  2. The YAML file (wsdeploy.yaml unless another path is named).
//  3. Environment variables. Each WSDEPLOY_* variable wins over its legacy
//     name (deployment_env, environment_type, artifact_path, tenant_id,
//     client_id, client_secret, build_number, workspaceName).
//  4. The deployment profile CSV, when profile.path is set. The first
//     onboarded row matching the deployment environment, environment type
//     and transformation layer fills whatever is still empty: workspace
//     name, capacity, principals and the ARM/<layer> target folder.
//
// The result is validated with go-playground/validator struct tags and the
// engine policy validators.
//
// # Example
//
//	workspace:
//	  name: analytics-dev
//	  capacity_id: 6f1c...
//	repository:
//	  root: ./workspace
//	  target_folder: ARM/Operations
//	platform:
//	  tenant_id: ...
//	  client_id: ...
//	reconciler:
//	  parallelism: 4
//	  lookup_mode: repository
//	policy:
//	  max_deletions: 25
//	environment:
//	  name: Spark_Environment
//	  runtime_version: "1.3"
//
// # Schemas
//
// SchemaRegistry holds CUE schemas. The built-in "sidecar" schema checks the
// .platform descriptor of every artifact folder; "principal" checks
// workspace members.
package config
