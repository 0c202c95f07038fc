// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package updater

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codehealth/services/codehealth/embed"
	"github.com/AleutianAI/codehealth/services/codehealth/graph"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
	"github.com/AleutianAI/codehealth/services/codehealth/syntax"
)

// prepared is the read-only work for one event, done off the owner
// goroutine.
type prepared struct {
	change   risk.Change
	imports  []string
	lang     syntax.Language
	warnings []string

	// err makes the event invalid before classification.
	err error
}

// rawImports are the unresolved imports of a graph node, kept so that
// imports of files that do not exist yet can be linked once they appear.
type rawImports struct {
	lang    syntax.Language
	imports []string
}

func (p *prepared) close() {
	if p.change.Tree != nil {
		p.change.Tree.Close()
		p.change.Tree = nil
	}
}

func (p *prepared) node() graph.Node {
	n := graph.Node{
		ID:            p.change.Path,
		Hash:          p.change.Hash,
		StructureHash: p.change.StructureHash,
		Dependencies:  p.change.Dependencies,
	}
	if len(p.change.Embedding) > 0 {
		n.Embedding = p.change.Embedding
		n.EmbeddingHash = p.change.Hash
	}
	return n
}

// prepareAll reads, parses and embeds events on the worker pool.
//
// # Description
//
// Files are read and parsed concurrently, bounded by the configured
// worker count. Imports are resolved against the union of the ids in
// snap and the ids in this batch. A file that is new to snap also collects, as
// Change.Edges, the edges from existing nodes whose imports now resolve
// to it. Every surviving text is then encoded through the pool in one
// fan-out. Encoding failures leave Embedding nil and add a warning; they
// never fail the event.
//
// # Inputs
//
//   - ctx: Cancels reads, parses and encoding.
//   - events: The batch.
//   - snap: The graph the batch is validated against. Nil when there is
//     no graph yet.
//
// # Outputs
//
//   - []*prepared: One per event, same order. Callers must close each.
func (u *Updater) prepareAll(ctx context.Context, events []Event, snap *graph.Snapshot) []*prepared {
	out := make([]*prepared, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for i, ev := range events {
		g.Go(func() error {
			out[i] = u.prepare(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	var ids []string
	if snap != nil {
		ids = snap.IDs()
	}
	for _, p := range out {
		if p.err == nil && p.change.Kind != risk.ChangeDeleted {
			ids = append(ids, p.change.Path)
		}
	}
	resolver := syntax.NewResolver(ids, syntax.WithGoModules(u.modules))
	for _, p := range out {
		if p.lang != syntax.LanguageUnknown {
			p.change.Dependencies = resolver.Resolve(p.change.Path, p.lang, p.imports)
		}
	}
	if snap != nil {
		u.linkWaiting(resolver, snap, out)
	}

	u.embed(ctx, out)
	return out
}

func (u *Updater) prepare(ctx context.Context, ev Event) *prepared {
	p := &prepared{change: risk.Change{Kind: ev.Kind, Path: ev.Path}}
	if ev.Kind == risk.ChangeDeleted {
		return p
	}

	content := ev.Content
	if !ev.Proposed {
		data, err := os.ReadFile(u.policy.Abs(ev.Path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Removed again before the batch ran.
			p.change.Kind = risk.ChangeDeleted
			return p
		case err != nil:
			p.err = fmt.Errorf("read %s: %w", ev.Path, err)
			return p
		}
		content = data
	}

	if limit := u.policy.MaxFileBytes(); limit > 0 && int64(len(content)) > limit {
		p.err = fmt.Errorf("%w: %s is %d bytes, limit %d", syntax.ErrFileTooLarge, ev.Path, len(content), limit)
		return p
	}
	if ev.Kind == risk.ChangeCreated {
		if _, ok := u.store.Node(ev.Path); ok {
			p.change.Kind = risk.ChangeModified
		}
	}

	p.change.Content = content
	p.change.Hash = syntax.ContentHash(content)

	p.lang = syntax.DetectLanguage(ev.Path)
	if p.lang == syntax.LanguageUnknown {
		return p
	}
	tree, err := syntax.Parse(ctx, p.lang, content)
	if err != nil {
		p.warnings = append(p.warnings, fmt.Sprintf("parse failed: %v", err))
		p.lang = syntax.LanguageUnknown
		return p
	}
	p.change.Tree = tree
	p.change.StructureHash = tree.StructureHash()
	p.imports = tree.Imports()
	return p
}

// linkWaiting re-resolves the raw imports of nodes outside the batch and
// attaches to each new file the edges that now point at it. Imports of a
// missing file resolve to nothing, so these edges are absent from snap.
func (u *Updater) linkWaiting(resolver *syntax.Resolver, snap *graph.Snapshot, batch []*prepared) {
	created := make(map[string]*prepared)
	inBatch := make(map[string]struct{}, len(batch))
	for _, p := range batch {
		inBatch[p.change.Path] = struct{}{}
		if p.err == nil && p.change.Kind != risk.ChangeDeleted && !snap.Has(p.change.Path) {
			created[p.change.Path] = p
		}
	}
	if len(created) == 0 {
		return
	}

	for id, raw := range u.imports {
		if _, ok := inBatch[id]; ok || !snap.Has(id) {
			continue
		}
		current := snap.Dependencies(id)
		for _, dep := range resolver.Resolve(id, raw.lang, raw.imports) {
			p, ok := created[dep]
			if !ok || slices.Contains(current, dep) {
				continue
			}
			p.change.Edges = append(p.change.Edges, graph.Edge{From: id, To: dep, Kind: graph.EdgeDependency, Weight: 1})
		}
	}
	for _, p := range created {
		slices.SortFunc(p.change.Edges, func(a, b graph.Edge) int {
			return cmp.Compare(a.From, b.From)
		})
	}
}

// embed fills Embedding for every prepared change with content.
func (u *Updater) embed(ctx context.Context, batch []*prepared) {
	var (
		docs  []embed.Document
		index []int
	)
	for i, p := range batch {
		if p.err == nil && p.change.Kind != risk.ChangeDeleted {
			docs = append(docs, embed.Document{Path: p.change.Path, Text: string(p.change.Content)})
			index = append(index, i)
		}
	}
	if len(docs) == 0 {
		return
	}

	vecs, err := u.pool.EncodeDocuments(ctx, docs)
	if err != nil {
		u.logger.Warn("embedding failed for part of batch",
			slog.Int("documents", len(docs)),
			slog.String("error", err.Error()),
		)
	}
	for j, i := range index {
		if j < len(vecs) && len(vecs[j]) > 0 {
			batch[i].change.Embedding = vecs[j]
			continue
		}
		batch[i].warnings = append(batch[i].warnings, "embedding unavailable; node excluded from similarity until re-embedded")
	}
}
