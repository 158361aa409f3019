package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// settleDelay is how long the policy directory must stay quiet after a
// change before it is read again.
const settleDelay = 500 * time.Millisecond

// Loader reads custom policies from disk.
//
// A policy is either a bare .rego file, named after the file, or a .yaml
// descriptor that names a Rego module inline or through rego_file. Files
// ending in _test.rego are OPA unit tests and are skipped, as are dotfiles.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// descriptor is the .yaml form of a policy.
type descriptor struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Severity    Severity `yaml:"severity"`
	Disabled    bool     `yaml:"disabled"`
	Tags        []string `yaml:"tags"`
	Rego        string   `yaml:"rego"`
	RegoFile    string   `yaml:"rego_file"`
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths reads every policy under paths, which may be files or
// directories. Two policies with the same name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var files []string
	for _, root := range paths {
		found, err := policyFiles(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		files = append(files, found...)
	}

	seen := make(map[string]string, len(files))
	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			// A broken file inside a directory must not take the others down.
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			continue
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, file)
		}
		seen[p.Name] = file
		policies = append(policies, *p)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("files", len(files)).
		Msg("Policies read from disk")
	return policies, nil
}

// policyFiles lists the policy files below root in lexical order. A root
// that is itself a file is returned as is, whatever its name.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego":
		return !strings.HasSuffix(path, "_test.rego")
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, string(data))
	case ".yaml", ".yml":
		if p, err = descriptorPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path
	return p, nil
}

// regoPolicy builds a policy from a bare Rego module. Its header comment is
// the description. Deny entries without a severity block.
func regoPolicy(path, src string) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(src),
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
	}
}

func descriptorPolicy(path string, data []byte) (*Policy, error) {
	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse policy descriptor: %w", err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("policy descriptor has no name")
	}

	switch {
	case d.Rego != "" && d.RegoFile != "":
		return nil, fmt.Errorf("policy %s sets both rego and rego_file", d.Name)
	case d.RegoFile != "":
		file := d.RegoFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", d.Name, err)
		}
		d.Rego = string(src)
	case d.Rego == "":
		return nil, fmt.Errorf("policy %s has no rego", d.Name)
	}

	if d.Severity == "" {
		d.Severity = SeverityError
	}
	if d.Description == "" {
		d.Description = extractDescription(d.Rego)
	}
	return &Policy{
		Name:        d.Name,
		Description: d.Description,
		Rego:        d.Rego,
		Severity:    d.Severity,
		Enabled:     !d.Disabled,
		Tags:        d.Tags,
	}, nil
}

// extractDescription joins the first block of comment lines.
func extractDescription(src string) string {
	var words []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " ")
}

// Watch calls apply with a fresh policy set each time the files under paths
// settle after a change. Directories created later are watched too. It
// returns once the watcher runs; the watcher ends with ctx or StopWatching.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		return fmt.Errorf("policy loader is already watching")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	l.watcher = w
	l.done = make(chan struct{})
	go l.watch(ctx, w, l.done, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addTree watches root and, when it is a directory, every directory below.
func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, done <-chan struct{}, paths []string, apply func([]Policy) error) {
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.StopWatching()
			return
		case <-done:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(w, ev.Name)
					settle.Reset(settleDelay)
					continue
				}
			}
			if !isPolicyFile(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			settle.Reset(settleDelay)

		case <-settle.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous set")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching ends a running Watch. It is safe to call when not watching.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher, l.done = nil, nil
	return err
}
