package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
)

// DependencyDir is where descriptors without a file extension are looked up as packages.
const DependencyDir = "node_modules"

// Bundle is a transform module packed so the worker can load it without further resolution.
type Bundle struct {
	ID   string `json:"id"`
	Main string `json:"main"`
	// Sources maps slash-separated paths to module sources.
	Sources map[string]string `json:"sources"`
	// Resolutions maps a source path to its resolved relative specifiers.
	Resolutions map[string]map[string]string `json:"resolutions"`
}

type Bundler interface {
	Bundle(ctx context.Context, d Descriptor) ([]byte, error)
}

// DirBundler bundles transform modules found in an app directory.
// A name without an extension is a package under node_modules whose package.json "main" is the entry,
// any other name is an entry file relative to the app directory.
// Packages that are not installed but name a builtin transform get an empty bundle.
type DirBundler struct {
	Dir string
}

var (
	sourceExts = map[string]bool{".js": true, ".cjs": true, ".mjs": true, ".json": true}
	specifier  = regexp.MustCompile(`(?:require\s*\(\s*|\bfrom\s+|\bimport\s+)["'](\.{1,2}/[^"']+)["']`)
)

func (b *DirBundler) Bundle(ctx context.Context, d Descriptor) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bundle, err := b.resolve(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bundle)
}

func (b *DirBundler) resolve(d Descriptor) (*Bundle, error) {
	var root, main string
	if filepath.Ext(d.Name) == "" {
		root = filepath.Join(b.Dir, DependencyDir, filepath.FromSlash(d.Name))
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			if _, ok := Builtins[d.Name]; ok {
				return &Bundle{ID: d.Name, Main: "builtin:" + d.Name}, nil
			}
			return nil, fmt.Errorf("package %s is not installed in %s", d.Name, DependencyDir)
		}
		m, err := packageMain(root)
		if err != nil {
			return nil, err
		}
		main = m
	} else {
		entry := filepath.Join(b.Dir, filepath.FromSlash(d.Name))
		root = filepath.Dir(entry)
		main = filepath.Base(entry)
	}

	bundle := &Bundle{
		ID:          d.Name,
		Main:        main,
		Sources:     map[string]string{},
		Resolutions: map[string]map[string]string{},
	}
	err := filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !sourceExts[filepath.Ext(p)] {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		bundle.Sources[filepath.ToSlash(rel)] = string(src)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting sources of %s: %w", d.Name, err)
	}
	if _, ok := bundle.Sources[main]; !ok {
		return nil, fmt.Errorf("entry %s of %s not found", main, d.Name)
	}

	for p, src := range bundle.Sources {
		for _, m := range specifier.FindAllStringSubmatch(src, -1) {
			resolved, ok := resolveSpecifier(bundle.Sources, p, m[1])
			if !ok {
				return nil, fmt.Errorf("cannot resolve %q from %s in %s", m[1], p, d.Name)
			}
			if bundle.Resolutions[p] == nil {
				bundle.Resolutions[p] = map[string]string{}
			}
			bundle.Resolutions[p][m[1]] = resolved
		}
	}
	return bundle, nil
}

func packageMain(dir string) (string, error) {
	main := "index.js"
	b, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return main, nil
	}
	if err != nil {
		return "", err
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(b, &pkg); err != nil {
		return "", fmt.Errorf("decoding %s: %w", filepath.Join(dir, "package.json"), err)
	}
	if pkg.Main != "" {
		main = path.Clean(pkg.Main)
	}
	return main, nil
}

func resolveSpecifier(sources map[string]string, from, spec string) (string, bool) {
	p := path.Join(path.Dir(from), spec)
	for _, c := range []string{p, p + ".js", p + ".cjs", p + ".mjs", p + ".json", p + "/index.js"} {
		if _, ok := sources[c]; ok {
			return c, true
		}
	}
	return "", false
}
