package engine

import (
	"sort"
	"strings"
)

// ComputePlan compares the deployed and desired snapshots by (displayName,
// type). Artifacts present on both sides are always updated; content is not
// compared. Each list is sorted by type and then display name.
func ComputePlan(deployed, desired map[ArtifactKey]*ArtifactDescriptor) *ReconciliationPlan {
	plan := &ReconciliationPlan{
		ToCreate: make([]*ArtifactDescriptor, 0),
		ToUpdate: make([]PlannedUpdate, 0),
		ToDelete: make([]*ArtifactDescriptor, 0),
	}

	for _, key := range sortedKeys(desired) {
		want := desired[key]
		if have, ok := deployed[key]; ok {
			plan.ToUpdate = append(plan.ToUpdate, PlannedUpdate{Artifact: want, RemoteID: have.RemoteID})
			continue
		}
		plan.ToCreate = append(plan.ToCreate, want)
	}

	for _, key := range sortedKeys(deployed) {
		if _, ok := desired[key]; !ok {
			plan.ToDelete = append(plan.ToDelete, deployed[key])
		}
	}

	return plan
}

func sortedKeys(m map[ArtifactKey]*ArtifactDescriptor) []ArtifactKey {
	keys := make([]ArtifactKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return strings.ToLower(keys[i].DisplayName) < strings.ToLower(keys[j].DisplayName)
	})
	return keys
}

// deployWaves groups the artifacts to create or update by deploy tier. The
// existing remote id of each artifact is returned alongside.
func deployWaves(plan *ReconciliationPlan) [][]PlannedUpdate {
	byTier := make(map[int][]PlannedUpdate)
	maxTier := 0
	add := func(u PlannedUpdate) {
		tier := u.Artifact.Type.Tier()
		byTier[tier] = append(byTier[tier], u)
		if tier > maxTier {
			maxTier = tier
		}
	}
	for _, a := range plan.ToCreate {
		add(PlannedUpdate{Artifact: a})
	}
	for _, u := range plan.ToUpdate {
		add(u)
	}

	waves := make([][]PlannedUpdate, 0, maxTier+1)
	for tier := 0; tier <= maxTier; tier++ {
		wave := byTier[tier]
		sort.SliceStable(wave, func(i, j int) bool {
			return strings.ToLower(wave[i].Artifact.DisplayName) < strings.ToLower(wave[j].Artifact.DisplayName)
		})
		waves = append(waves, wave)
	}
	return waves
}

// pipelineBodies returns the pipelines to create or update, sorted by name.
func pipelineBodies(plan *ReconciliationPlan) []PipelineBody {
	var pipelines []PipelineBody
	for _, wave := range deployWaves(plan) {
		for _, u := range wave {
			if u.Artifact.Type.IsPipeline() {
				pipelines = append(pipelines, PipelineBody{Name: u.Artifact.DisplayName, Body: u.Artifact.Body})
			}
		}
	}
	return pipelines
}
