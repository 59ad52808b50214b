package transform

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func bundle(t *testing.T, b Bundler, name string) *Bundle {
	raw, err := b.Bundle(context.Background(), Descriptor{Name: name})
	require.NoError(t, err)
	var out Bundle
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

func TestDirBundlerPackage(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"node_modules/minify/package.json":      `{"main": "./lib/index.js"}`,
		"node_modules/minify/lib/index.js":      `const u = require("./util"); import cfg from "../config.json"`,
		"node_modules/minify/lib/util/index.js": `module.exports = {}`,
		"node_modules/minify/config.json":       `{}`,
		"node_modules/minify/README.md":         `ignored`,
	})
	b := bundle(t, &DirBundler{Dir: dir}, "minify")

	assert.Equal(t, "minify", b.ID)
	assert.Equal(t, "lib/index.js", b.Main)
	assert.ElementsMatch(t, []string{"package.json", "lib/index.js", "lib/util/index.js", "config.json"}, keys(b.Sources))
	assert.Equal(t, map[string]string{
		"./util":         "lib/util/index.js",
		"../config.json": "config.json",
	}, b.Resolutions["lib/index.js"])
}

func TestDirBundlerDefaultMain(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"node_modules/@scope/pkg/index.js": `export default 1`})
	b := bundle(t, &DirBundler{Dir: dir}, "@scope/pkg")
	assert.Equal(t, "index.js", b.Main)
}

func TestDirBundlerEntryFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"transforms/banner.js": `import { text } from "./text.mjs"`,
		"transforms/text.mjs":  `export const text = "x"`,
	})
	b := bundle(t, &DirBundler{Dir: dir}, "transforms/banner.js")
	assert.Equal(t, "banner.js", b.Main)
	assert.Equal(t, "text.mjs", b.Resolutions["banner.js"]["./text.mjs"])
}

func TestDirBundlerBuiltin(t *testing.T) {
	b := bundle(t, &DirBundler{Dir: t.TempDir()}, "uppercase")
	assert.Equal(t, "builtin:uppercase", b.Main)
	assert.Empty(t, b.Sources)
}

func TestDirBundlerErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"node_modules/broken/index.js":      `require("./missing")`,
		"node_modules/nomain/package.json":  `{"main": "dist/main.js"}`,
		"node_modules/badjson/package.json": `{`,
	})
	cases := []string{"not-installed", "broken", "nomain", "badjson", "transforms/missing.js"}
	for _, name := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := (&DirBundler{Dir: dir}).Bundle(context.Background(), Descriptor{Name: name})
			assert.Error(t, err)
		})
	}
}

func keys(m map[string]string) []string {
	var ks []string
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
