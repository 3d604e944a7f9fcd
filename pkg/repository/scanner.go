// Package repository reads desired artifacts from a repository checkout.
//
// Every artifact lives in its own folder named "<name>.<Type>" that carries
// a .platform sidecar. The sidecar supplies the display name, type,
// description and logical id; the folder's files form the definition.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// DefaultMaxFileSize bounds a single definition file.
const DefaultMaxFileSize = 32 << 20

// primaryFiles is the definition body of each artifact type.
var primaryFiles = map[engine.ArtifactType]string{
	engine.ArtifactTypePipeline:    "pipeline-content.json",
	engine.ArtifactTypeNotebook:    "notebook-content.py",
	engine.ArtifactTypeLakehouse:   "lakehouse.metadata.json",
	engine.ArtifactTypeEventhouse:  "EventhouseProperties.json",
	engine.ArtifactTypeKQLDatabase: "DatabaseProperties.json",
	engine.ArtifactTypeEnvironment: "Setting/Sparkcompute.yml",
}

// PrimaryFile returns the body file name of t, if the type has one.
func PrimaryFile(t engine.ArtifactType) (string, bool) {
	name, ok := primaryFiles[t.Canonical()]
	return name, ok
}

// Scanner implements engine.ArtifactSource over the local filesystem.
type Scanner struct {
	validator   SidecarValidator
	maxFileSize int64
	logger      zerolog.Logger
}

var _ engine.ArtifactSource = (*Scanner)(nil)

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// NewScanner creates a scanner. A nil validator skips schema validation.
func NewScanner(validator SidecarValidator, logger zerolog.Logger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		validator:   validator,
		maxFileSize: DefaultMaxFileSize,
		logger:      logger.With().Str("component", "repository").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadArtifacts returns the artifacts below targetFolder of repositoryRoot
// in lexical folder order.
func (s *Scanner) LoadArtifacts(ctx context.Context, repositoryRoot, targetFolder string) ([]*engine.ArtifactDescriptor, error) {
	base, err := resolveBase(repositoryRoot, targetFolder)
	if err != nil {
		return nil, err
	}

	folders, err := s.artifactFolders(ctx, base)
	if err != nil {
		return nil, err
	}

	out := make([]*engine.ArtifactDescriptor, 0, len(folders))
	for _, dir := range folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := s.loadFolder(ctx, base, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}

	s.logger.Debug().
		Str("path", base).
		Int("artifacts", len(out)).
		Msg("Repository scanned")
	return out, nil
}

// Base returns the folder LoadArtifacts scans.
func Base(repositoryRoot, targetFolder string) (string, error) {
	return resolveBase(repositoryRoot, targetFolder)
}

func resolveBase(repositoryRoot, targetFolder string) (string, error) {
	if repositoryRoot == "" {
		return "", engine.NewValidationError("repository root is required", nil)
	}
	clean := filepath.Clean(filepath.FromSlash(targetFolder))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", engine.NewValidationError("target folder must stay inside the repository", nil).
			WithResource(targetFolder)
	}
	base := filepath.Join(repositoryRoot, clean)

	info, err := os.Stat(base)
	if err != nil {
		return "", engine.NewValidationError(fmt.Sprintf("target folder %q does not exist", targetFolder), err)
	}
	if !info.IsDir() {
		return "", engine.NewValidationError(fmt.Sprintf("target folder %q is not a directory", targetFolder), nil)
	}
	return base, nil
}

// artifactFolders finds every "<name>.<Type>" folder holding a sidecar.
// Artifact folders are not searched for nested artifacts.
func (s *Scanner) artifactFolders(ctx context.Context, base string) ([]string, error) {
	var folders []string
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !entry.IsDir() {
			return nil
		}
		if path != base && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		if _, _, ok := splitFolderName(entry.Name()); !ok {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, engine.SidecarFileName)); statErr != nil {
			return nil
		}
		folders = append(folders, path)
		return filepath.SkipDir
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, engine.NewValidationError("failed to scan repository", err).WithResource(base)
	}
	return folders, nil
}

// splitFolderName splits "Load Sales.DataPipeline" into its name and type.
func splitFolderName(name string) (string, engine.ArtifactType, bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], engine.ArtifactType(name[i+1:]), true
}

func (s *Scanner) loadFolder(ctx context.Context, base, dir string) (*engine.ArtifactDescriptor, error) {
	rel, err := filepath.Rel(base, dir)
	if err != nil {
		rel = dir
	}
	rel = filepath.ToSlash(rel)

	sc, err := ReadSidecar(ctx, filepath.Join(dir, engine.SidecarFileName), s.validator)
	if err != nil {
		return nil, withResource(err, rel)
	}

	_, folderType, _ := splitFolderName(filepath.Base(dir))
	itemType := engine.ArtifactType(sc.Metadata.Type).Canonical()
	if !itemType.Equal(folderType) {
		return nil, engine.NewValidationError(
			fmt.Sprintf("folder type %s does not match sidecar type %s", folderType, itemType), nil).WithResource(rel)
	}

	desc := &engine.ArtifactDescriptor{
		DisplayName: strings.TrimSpace(sc.Metadata.DisplayName),
		Type:        itemType,
		LogicalID:   strings.TrimSpace(sc.Config.LogicalID),
		Description: sc.Metadata.Description,
		Source:      rel,
	}

	primary, hasPrimary := PrimaryFile(itemType)
	files, err := s.readFiles(dir)
	if err != nil {
		return nil, withResource(err, rel)
	}
	for _, f := range files {
		if hasPrimary && f.Path == primary {
			desc.BodyPath = f.Path
			desc.Body = f.Payload
			continue
		}
		desc.Parts = append(desc.Parts, f)
	}

	if itemType.IsPipeline() && desc.BodyPath == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("pipeline folder has no %s", primary), nil).WithResource(rel)
	}
	return desc, nil
}

// readFiles returns every file of an artifact folder, sorted by path, with
// paths relative to the folder.
func (s *Scanner) readFiles(dir string) ([]engine.DefinitionPart, error) {
	var parts []engine.DefinitionPart
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() > s.maxFileSize {
			return fmt.Errorf("%s exceeds %d bytes", path, s.maxFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		parts = append(parts, engine.DefinitionPart{Path: filepath.ToSlash(rel), Payload: data})
		return nil
	})
	if err != nil {
		return nil, engine.NewValidationError("failed to read artifact folder", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Path < parts[j].Path })
	return parts, nil
}

func withResource(err error, resource string) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Resource == "" {
		ee.WithResource(resource)
	}
	return err
}
