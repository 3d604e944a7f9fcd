// Package engine provides the deployment reconciliation and dependency-ordering
// engine of wsdeploy.
//
// # Overview
//
// A deployment keeps a remote analytics workspace synchronized with a
// folder of artifacts in a source repository. Every run re-reads the
// deployed state; nothing about the workspace is cached between runs.
// The Deployer drives a run through these steps:
//
//  1. Desired - Load and validate repository artifacts (ArtifactInventory)
//  2. Resolve - Find or create the workspace (WorkspaceResolver)
//  3. Deployed - List the items already in the workspace (ArtifactInventory)
//  4. Reconcile - Diff, delete stale items, confirm, deploy (Reconciler)
//  5. Report - Append a DeploymentRecord per touched artifact
//
// # Reconciler States
//
// The Reconciler is a small state machine:
//
//	initial -> diffed -> deleting -> confirming_deletion -> deploying -> done
//	                \_________________________________________/
//
// Deletion is skipped when the workspace was created by the run or when
// nothing is stale. Any error moves the machine to failed, which is
// absorbing. Artifacts present on both sides are always re-submitted.
//
// # Ordering
//
// Artifacts deploy in waves: definition-less items (storage, databases,
// environments) first, then compute items, then pipelines. Pipelines that
// invoke other pipelines are ordered by the DependencyResolver using Kahn's
// algorithm; a cycle fails the run with ErrCyclicDependency before any item
// is changed.
//
// # Identifiers
//
// Repository artifacts refer to each other by logical id. Before an artifact
// is submitted, the ArtifactUpserter replaces every logical id in its body
// with the remote id of the referenced artifact. Referencing an artifact
// that has no remote id yet fails with ErrUnresolvedReference.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: network failures and 5xx responses, retried
//   - Throttled: quota rejections, retried after the server's hint
//   - Conflict: naming conflicts, resolved by the caller
//   - Permanent: everything else
//
// Each taxonomy member carries an ErrCode constant and a sentinel usable
// with errors.Is:
//
//	if errors.Is(err, engine.ErrCyclicDependency) {
//	    // fix the pipeline definitions
//	}
//
// # Remote Calls
//
// All platform access goes through the interfaces in interfaces.go. Remote
// calls run under a RetryExecutor; long-running operations are awaited by
// the AsyncOperationPoller. Both take a Clock so that schedules can be
// tested without sleeping.
package engine
