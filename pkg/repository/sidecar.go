package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Sidecar is the decoded .platform descriptor of an artifact folder.
type Sidecar struct {
	Schema   string          `json:"$schema,omitempty"`
	Metadata SidecarMetadata `json:"metadata"`
	Config   SidecarConfig   `json:"config"`
}

// SidecarMetadata names the artifact.
type SidecarMetadata struct {
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

// SidecarConfig carries the repository-local identity.
type SidecarConfig struct {
	Version   string `json:"version,omitempty"`
	LogicalID string `json:"logicalId,omitempty"`
}

// SidecarValidator checks a decoded sidecar document.
type SidecarValidator interface {
	ValidateSidecar(ctx context.Context, doc map[string]interface{}) error
}

// ParseSidecar strips JSONC comments and trailing commas from data, checks
// the document with v when it is non-nil and decodes it.
func ParseSidecar(ctx context.Context, data []byte, v SidecarValidator) (*Sidecar, error) {
	stripped := jsonc.ToJSON(data)

	if v != nil {
		var doc map[string]interface{}
		if err := json.Unmarshal(stripped, &doc); err != nil {
			return nil, engine.NewValidationError("sidecar is not a JSON object", err)
		}
		if err := v.ValidateSidecar(ctx, doc); err != nil {
			return nil, err
		}
	}

	var sc Sidecar
	if err := json.Unmarshal(stripped, &sc); err != nil {
		return nil, engine.NewValidationError("failed to decode sidecar", err)
	}
	if sc.Metadata.DisplayName == "" || sc.Metadata.Type == "" {
		return nil, engine.NewValidationError("sidecar metadata needs type and displayName", nil)
	}
	return &sc, nil
}

// ReadSidecar reads and parses the sidecar at path.
func ReadSidecar(ctx context.Context, path string, v SidecarValidator) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	sc, err := ParseSidecar(ctx, data, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}
