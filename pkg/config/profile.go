package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// DefaultTransformationLayer is selected when the profile selector names none.
const DefaultTransformationLayer = "Operations"

// profileColumns are the CSV columns a deployment profile must carry.
var profileColumns = []string{
	"to_be_onboarded",
	"deployment_env",
	"environment_type",
	"transformation_layer",
	"capacity_id",
	"workspace_prefix",
	"workspace_default_groups",
}

// Profile is one row of the deployment profile CSV.
type Profile struct {
	ToBeOnboarded       bool
	DeploymentEnv       string
	EnvironmentType     string
	TransformationLayer string
	CapacityID          string
	WorkspaceName       string
	Principals          string
}

// TargetFolder is the repository folder holding the layer's artifacts.
func (p Profile) TargetFolder() string {
	return "ARM/" + p.TransformationLayer
}

// LoadProfiles reads a deployment profile CSV file.
func LoadProfiles(path string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment profiles: %w", err)
	}
	defer f.Close()

	profiles, err := ParseProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// ParseProfiles reads deployment profiles from CSV. The header row names the
// columns; extra columns are ignored.
func ParseProfiles(r io.Reader) ([]Profile, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, engine.NewValidationError("deployment profile file is empty", nil)
		}
		return nil, engine.NewValidationError("failed to read deployment profile header", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range profileColumns {
		if _, ok := index[col]; !ok {
			return nil, engine.NewValidationError(fmt.Sprintf("deployment profile is missing column %q", col), nil)
		}
	}

	var out []Profile
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("failed to read deployment profile line %d", line), err)
		}
		field := func(col string) string {
			i := index[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		out = append(out, Profile{
			ToBeOnboarded:       parseFlag(field("to_be_onboarded")),
			DeploymentEnv:       field("deployment_env"),
			EnvironmentType:     field("environment_type"),
			TransformationLayer: field("transformation_layer"),
			CapacityID:          field("capacity_id"),
			WorkspaceName:       field("workspace_prefix"),
			Principals:          field("workspace_default_groups"),
		})
	}
	return out, nil
}

func parseFlag(raw string) bool {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	switch strings.ToLower(raw) {
	case "yes", "y":
		return true
	}
	return false
}

// SelectProfile returns the first onboarded profile matching the selector.
// Matching trims and ignores case.
func SelectProfile(profiles []Profile, sel ProfileSelector) (Profile, error) {
	layer := sel.TransformationLayer
	if layer == "" {
		layer = DefaultTransformationLayer
	}
	for _, p := range profiles {
		if !p.ToBeOnboarded {
			continue
		}
		if sameFold(p.DeploymentEnv, sel.DeploymentEnv) &&
			sameFold(p.EnvironmentType, sel.EnvironmentType) &&
			sameFold(p.TransformationLayer, layer) {
			return p, nil
		}
	}
	return Profile{}, engine.NewValidationError("no matching deployment profile found", nil).
		WithDetail("deployment_env", sel.DeploymentEnv).
		WithDetail("environment_type", sel.EnvironmentType).
		WithDetail("transformation_layer", layer)
}

func sameFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
