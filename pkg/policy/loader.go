package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// reloadDebounce is how long policy files must stay quiet before a reload.
const reloadDebounce = 500 * time.Millisecond

// Loader reads user policies from Rego files, single-policy JSON files and
// JSON bundles, and reloads them when they change.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: reloadDebounce,
	}
}

// LoadFromPaths reads the policies in every file or directory tree of
// paths. A file named explicitly must load; unreadable files found while
// walking a directory are logged and skipped. Two sources defining the
// same policy name is a validation error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		origin   = make(map[string]string)
	)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range loaded {
			src := sourceOf(p)
			if prev, dup := origin[p.Name]; dup {
				return nil, engine.NewValidationError(
					fmt.Sprintf("policy %s is defined by both %s and %s", p.Name, prev, src), nil)
			}
			origin[p.Name] = src
			policies = append(policies, p)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return l.readFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	var policies []Policy
	for _, f := range files {
		loaded, err := l.readFile(f)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", f).Msg("Skipping unreadable policy file")
			continue
		}
		policies = append(policies, loaded...)
	}
	return policies, nil
}

// readFile returns the policies of one file. JSON files holding a
// "policies" array are read as bundles.
func (l *Loader) readFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".rego":
		return []Policy{parseRego(path, data)}, nil
	case ".json":
		var shape struct {
			Policies json.RawMessage `json:"policies"`
		}
		if err := json.Unmarshal(data, &shape); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if shape.Policies != nil {
			bundle, err := parseBundle(path, data)
			if err != nil {
				return nil, err
			}
			return bundle.Policies, nil
		}
		p, err := parsePolicyJSON(path, data)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// LoadBundle reads a JSON policy bundle.
func (l *Loader) LoadBundle(ctx context.Context, path string) (*PolicyBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	bundle, err := parseBundle(path, data)
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")

	return bundle, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// parseRego names the policy after its file. Leading comment lines supply
// the description, and "severity:" or "tags:" lines in that header
// override the defaults.
func parseRego(path string, data []byte) Policy {
	header := parseHeader(string(data))
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    header.severity,
		Enabled:     true,
		Tags:        header.tags,
		Metadata:    map[string]interface{}{"source": path},
		UpdatedAt:   time.Now(),
	}
}

func parsePolicyJSON(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if err := normalize(&p, path); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseBundle(path string, data []byte) (*PolicyBundle, error) {
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if len(bundle.Policies) == 0 {
		return nil, fmt.Errorf("bundle %s holds no policies", path)
	}
	for i := range bundle.Policies {
		if err := normalize(&bundle.Policies[i], path); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", path, err)
		}
	}
	return &bundle, nil
}

// normalize fills defaults of a policy read from JSON. Files never load as
// built-ins.
func normalize(p *Policy, source string) error {
	if p.Name == "" || p.Rego == "" {
		return errors.New("JSON policy needs a name and rego")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Builtin = false
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = source
	return nil
}

func sourceOf(p Policy) string {
	if src, ok := p.Metadata["source"].(string); ok {
		return src
	}
	return p.Name
}

type regoHeader struct {
	description string
	severity    Severity
	tags        []string
}

// parseHeader reads the comment block at the top of a Rego file.
func parseHeader(content string) regoHeader {
	h := regoHeader{severity: SeverityWarning, tags: []string{}}
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if description.Len() > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch {
		case found && strings.EqualFold(strings.TrimSpace(key), "severity"):
			switch sev := Severity(strings.ToLower(strings.TrimSpace(value))); sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				h.severity = sev
			}
		case found && strings.EqualFold(strings.TrimSpace(key), "tags"):
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
		case comment != "":
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		}
	}

	h.description = description.String()
	return h
}

// Watch calls reload with the policies under paths after they change,
// until ctx is done or StopWatching is called. Files are watched through
// their folder so editors that replace files on save are followed.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	files := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if info.IsDir() {
			err = addDirs(fsw, path)
		} else {
			files[filepath.Clean(path)] = true
			err = fsw.Add(filepath.Dir(path))
		}
		if err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	l.fsw = fsw

	relevant := func(name string) bool {
		if files[filepath.Clean(name)] {
			return true
		}
		for _, path := range paths {
			if !files[filepath.Clean(path)] && strings.HasPrefix(name, filepath.Clean(path)+string(filepath.Separator)) {
				return isPolicyFile(name) || filepath.Ext(name) == ""
			}
		}
		return false
	}

	go l.run(ctx, paths, relevant, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

func addDirs(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}

func (l *Loader) run(ctx context.Context, paths []string, relevant func(string) bool, reload func([]Policy) error) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.fsw.Close()
			return

		case event, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirs(l.fsw, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new folder")
					}
				}
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			if timer == nil {
				timer = time.NewTimer(l.debounce)
			} else {
				timer.Stop()
				timer.Reset(l.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := l.reload(ctx, paths, reload); err != nil {
				// The previous policy set stays active.
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reload func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reload(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.fsw != nil {
		return l.fsw.Close()
	}
	return nil
}
