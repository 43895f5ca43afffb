package experiment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/sjwo/lab/pkg/props"
)

// Resource is a named binding of a file or directory to a destination inside
// a buildable's directory. The name is exposed to run commands as a shell
// variable resolving to the destination path.
type Resource struct {
	Name   string
	Source string
	Dest   string

	// Required makes a missing source a fatal build error. Ignored for
	// symlinks: a missing symlink source is always skipped.
	Required bool

	// Symlink emits a relative symlink instead of copying.
	Symlink bool
}

type newFile struct {
	name    string
	dest    string
	content string
	mode    os.FileMode
}

// buildable is the shared base of Experiment and Run: a property store, a
// set of resource bindings and a set of synthesized files, plus the single
// materialization pass that writes them to disk.
type buildable struct {
	path      string
	props     *props.Properties
	resources []Resource
	newFiles  []newFile
}

func newBuildable() buildable {
	return buildable{props: props.New()}
}

// Path returns the directory this buildable materializes into. Empty for a
// run whose experiment has not been built yet.
func (b *buildable) Path() string {
	return b.path
}

// SetProperty records a key-value property for later evaluation. Every run
// must have the property "id": a non-empty list of strings that determines
// where its results land in the combined properties file.
func (b *buildable) SetProperty(name string, value any) {
	b.props.Set(name, value)
}

// Property returns a previously set property.
func (b *buildable) Property(name string) (any, bool) {
	return b.props.Get(name)
}

// AddResource includes the file or directory source under dest, available to
// commands under name. Exact duplicate declarations are no-ops.
func (b *buildable) AddResource(name, source, dest string, required, symlink bool) {
	r := Resource{Name: name, Source: source, Dest: dest, Required: required, Symlink: symlink}
	for _, existing := range b.resources {
		if existing == r {
			return
		}
	}
	b.resources = append(b.resources, r)
}

// Resources returns the declared resource bindings.
func (b *buildable) Resources() []Resource {
	out := make([]Resource, len(b.resources))
	copy(out, b.resources)
	return out
}

// AddNewFile writes content to dest at build time and makes the file
// available to commands as name.
func (b *buildable) AddNewFile(name, dest, content string) {
	b.addNewFile(name, dest, content, 0o644)
}

func (b *buildable) addNewFile(name, dest, content string, mode os.FileMode) {
	f := newFile{name: name, dest: dest, content: content, mode: mode}
	for i, existing := range b.newFiles {
		if existing.name == f.name && existing.dest == f.dest {
			b.newFiles[i] = f
			return
		}
	}
	b.newFiles = append(b.newFiles, f)
}

func (b *buildable) absPath(rel string) string {
	return filepath.Join(b.path, rel)
}

// envVars maps every binding name to the absolute destination path of its
// resource or synthesized file.
func (b *buildable) envVars() map[string]string {
	vars := make(map[string]string, len(b.newFiles)+len(b.resources))
	for _, f := range b.newFiles {
		vars[f.name] = b.absPath(f.dest)
	}
	for _, r := range b.resources {
		vars[r.Name] = b.absPath(r.Dest)
	}
	return vars
}

// warnDuplicateNames flags resource declarations that share a name but
// differ otherwise. Which binding wins is implementation-defined; it must
// never happen silently.
func (b *buildable) warnDuplicateNames() {
	seen := make(map[string]Resource, len(b.resources))
	for _, r := range b.resources {
		if prev, ok := seen[r.Name]; ok && prev != r {
			log.Warn().
				Str("resource", r.Name).
				Str("source", r.Source).
				Str("previous_source", prev.Source).
				Msg("duplicate resource name with differing declarations")
			continue
		}
		seen[r.Name] = r
	}
}

// buildResources materializes synthesized files first, then resource
// bindings. The order matters: a synthesized file (such as a generated run
// script) may be the source of a later-declared resource.
func (b *buildable) buildResources() error {
	b.warnDuplicateNames()

	for _, f := range b.newFiles {
		filename := b.absPath(f.dest)
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return NewResourceError("creating directory", err).WithEntity(f.name)
		}
		log.Debug().Str("file", filename).Msg("writing file")
		if err := os.WriteFile(filename, []byte(f.content), f.mode); err != nil {
			return NewResourceError("writing file", err).WithEntity(f.name)
		}
		// os.WriteFile does not change the mode of an existing file.
		if err := os.Chmod(filename, f.mode); err != nil {
			return NewResourceError("setting file mode", err).WithEntity(f.name)
		}
	}

	for _, r := range b.resources {
		exists := pathExists(r.Source)
		if r.Symlink {
			// Symlinks degrade gracefully: skip when the source is missing,
			// regardless of the required flag.
			if !exists {
				continue
			}
			if err := b.linkResource(r); err != nil {
				return err
			}
			continue
		}
		if !exists {
			if r.Required {
				return NewResourceError(
					fmt.Sprintf("required resource not found: %s", r.Source), nil).
					WithEntity(r.Name)
			}
			continue
		}
		dest := b.absPath(r.Dest)
		log.Debug().Str("source", r.Source).Str("dest", dest).Msg("copying resource")
		if err := copyAll(r.Source, dest); err != nil {
			return NewResourceError("copying resource", err).WithEntity(r.Name)
		}
	}
	return nil
}

func (b *buildable) linkResource(r Resource) error {
	dest := b.absPath(r.Dest)
	source, err := filepath.Abs(r.Source)
	if err != nil {
		return NewResourceError("resolving symlink source", err).WithEntity(r.Name)
	}
	target, err := filepath.Rel(filepath.Dir(dest), source)
	if err != nil {
		// Source on another volume: fall back to an absolute target.
		target = source
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return NewResourceError("creating directory", err).WithEntity(r.Name)
	}
	// Replace a link left over from a previous build.
	_ = os.Remove(dest)
	log.Debug().Str("target", target).Str("dest", dest).Msg("linking resource")
	if err := os.Symlink(target, dest); err != nil {
		return NewResourceError("creating symlink", err).WithEntity(r.Name)
	}
	return nil
}

// buildPropertiesFile loads any existing properties file, overlays the
// in-memory store and rewrites the whole file. Incremental rebuilds keep
// previously recorded keys.
func (b *buildable) buildPropertiesFile() error {
	combined, err := props.Load(b.absPath("properties"))
	if err != nil {
		return err
	}
	combined.Update(b.props)
	return combined.Write()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// overwriteDir removes path (if present) and recreates it empty.
func overwriteDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return nil
}

// copyAll copies a file or directory tree from src to dst, preserving file
// modes.
func copyAll(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyAll(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
