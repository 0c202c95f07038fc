// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syntax

import (
	"path"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Imports returns the modules the file imports, in source order without
// duplicates.
//
// Go yields import paths. Python yields dotted module names; relative
// imports keep their leading dots, and `from m import n` yields both
// "m" and "m.n" since n may itself be a module.
func (t *Tree) Imports() []string {
	var raw []string
	switch t.Language {
	case LanguageGo:
		raw = t.goImports()
	case LanguagePython:
		raw = t.pythonImports()
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, imp := range raw {
		if imp == "" {
			continue
		}
		if _, ok := seen[imp]; ok {
			continue
		}
		seen[imp] = struct{}{}
		out = append(out, imp)
	}
	return out
}

func (t *Tree) goImports() []string {
	var out []string
	Walk(t.Root(), func(n *sitter.Node, _ []*sitter.Node) bool {
		switch n.Type() {
		case "source_file", "import_declaration", "import_spec_list":
			return true
		case "import_spec":
			if p := n.ChildByFieldName("path"); p != nil {
				out = append(out, strings.Trim(t.Text(p), "\"`"))
			}
			return false
		default:
			return false
		}
	})
	return out
}

func (t *Tree) pythonImports() []string {
	var out []string
	Walk(t.Root(), func(n *sitter.Node, _ []*sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				out = append(out, t.importedName(n.NamedChild(i)))
			}
			return false
		case "import_from_statement":
			mod := n.ChildByFieldName("module_name")
			if mod == nil {
				return false
			}
			base := t.Text(mod)
			out = append(out, base)
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.StartByte() == mod.StartByte() && child.EndByte() == mod.EndByte() {
					continue
				}
				name := t.importedName(child)
				if name == "" {
					continue
				}
				if strings.HasSuffix(base, ".") {
					out = append(out, base+name)
				} else {
					out = append(out, base+"."+name)
				}
			}
			return false
		default:
			return true
		}
	})
	return out
}

// importedName returns the dotted name of a dotted_name or aliased_import.
func (t *Tree) importedName(n *sitter.Node) string {
	switch n.Type() {
	case "dotted_name":
		return t.Text(n)
	case "aliased_import":
		if name := n.ChildByFieldName("name"); name != nil {
			return t.Text(name)
		}
	}
	return ""
}

// Resolver maps imports to ids of known files.
//
// Ids are slash-separated paths relative to the watched root.
type Resolver struct {
	ids     map[string]struct{}
	byDir   map[string][]string
	modules map[string]string // module path -> module root dir
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithGoModules maps module root directories ("." for the watched root)
// to the module paths their go.mod files declare. Go imports under a known
// module resolve exactly; others fall back to suffix matching.
func WithGoModules(dirToPath map[string]string) ResolverOption {
	return func(r *Resolver) {
		for dir, mod := range dirToPath {
			r.modules[mod] = dir
		}
	}
}

// NewResolver indexes ids.
func NewResolver(ids []string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		ids:     make(map[string]struct{}, len(ids)),
		byDir:   make(map[string][]string),
		modules: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, id := range ids {
		r.ids[id] = struct{}{}
		if DetectLanguage(id) == LanguageGo {
			dir := path.Dir(id)
			r.byDir[dir] = append(r.byDir[dir], id)
		}
	}
	for dir := range r.byDir {
		sort.Strings(r.byDir[dir])
	}
	return r
}

// Resolve returns the sorted ids that from depends on through imports.
// Unresolvable imports (standard library, third-party) are dropped and
// from never depends on itself.
func (r *Resolver) Resolve(from string, lang Language, imports []string) []string {
	set := make(map[string]struct{})
	for _, imp := range imports {
		var targets []string
		switch lang {
		case LanguageGo:
			targets = r.resolveGo(from, imp)
		case LanguagePython:
			targets = r.resolvePython(from, imp)
		}
		for _, id := range targets {
			if id != from {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// resolveGo maps imports under a known module to their directory, and
// otherwise matches the longest package directory the import path ends
// with. Files in the importer's own directory are never targets.
func (r *Resolver) resolveGo(from, imp string) []string {
	own := path.Dir(from)
	if dir, ok := r.moduleDir(imp); ok {
		if dir == own {
			return nil
		}
		return r.byDir[dir]
	}
	best := ""
	for dir := range r.byDir {
		if dir == "." || dir == own {
			continue
		}
		if imp == dir || strings.HasSuffix(imp, "/"+dir) {
			if len(dir) > len(best) {
				best = dir
			}
		}
	}
	if best == "" {
		return nil
	}
	return r.byDir[best]
}

// moduleDir returns the directory of imp inside the longest known module
// path that prefixes it.
func (r *Resolver) moduleDir(imp string) (string, bool) {
	bestMod := ""
	for mod := range r.modules {
		if (imp == mod || strings.HasPrefix(imp, mod+"/")) && len(mod) > len(bestMod) {
			bestMod = mod
		}
	}
	if bestMod == "" {
		return "", false
	}
	return path.Join(r.modules[bestMod], strings.TrimPrefix(imp, bestMod)), true
}

func (r *Resolver) resolvePython(from, imp string) []string {
	var rel string
	if strings.HasPrefix(imp, ".") {
		dots := len(imp) - len(strings.TrimLeft(imp, "."))
		dir := path.Dir(from)
		for i := 1; i < dots; i++ {
			dir = path.Dir(dir)
		}
		rest := strings.ReplaceAll(strings.TrimLeft(imp, "."), ".", "/")
		rel = path.Join(dir, rest)
		if rest == "" {
			return r.existing(path.Join(dir, "__init__.py"))
		}
		return r.existing(rel+".py", path.Join(rel, "__init__.py"))
	}

	rel = strings.ReplaceAll(imp, ".", "/")
	if found := r.existing(rel+".py", path.Join(rel, "__init__.py")); len(found) > 0 {
		return found
	}
	// src-style layouts: match by suffix.
	for _, suffix := range []string{"/" + rel + ".py", "/" + rel + "/__init__.py"} {
		var matches []string
		for id := range r.ids {
			if strings.HasSuffix(id, suffix) {
				matches = append(matches, id)
			}
		}
		if len(matches) == 1 {
			return matches
		}
	}
	return nil
}

func (r *Resolver) existing(candidates ...string) []string {
	for _, c := range candidates {
		if _, ok := r.ids[c]; ok {
			return []string{c}
		}
	}
	return nil
}
