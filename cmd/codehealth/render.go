// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/codehealth/pkg/ux"
	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/updater"
)

const barWidth = 20

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderReport writes a human-readable health report.
func renderReport(w io.Writer, r health.Report) {
	s := ux.NewStyles(w)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/100\n\n", s.Title.Render("Code health"), s.Score(r.HealthScore))
	for _, m := range []struct {
		name string
		rate float64
	}{
		{"duplication", r.Metrics.DuplicationRate},
		{"orphans", r.Metrics.OrphanRate},
		{"divergence", r.Metrics.DivergenceRate},
	} {
		fmt.Fprintf(&b, "%-12s %s %6.2f%%\n", m.name, ux.Bar(m.rate/100, barWidth), m.rate)
	}
	fmt.Fprintln(w, s.Box.Render(strings.TrimSuffix(b.String(), "\n")))

	if len(r.Issues) == 0 {
		fmt.Fprintf(w, "%s no issues\n", s.Icon(ux.IconSuccess))
	}
	for _, issue := range r.Issues {
		icon := ux.IconWarning
		if issue.Severity == health.SeverityError || issue.Severity == health.SeverityCritical {
			icon = ux.IconError
		}
		fmt.Fprintf(w, "%s %s %s\n", s.Icon(icon), s.Bold.Render(issue.Type), s.Muted.Render("("+string(issue.Severity)+")"))
		fmt.Fprintf(w, "  %s\n", issue.Details)
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.Subtitle.Render("Recommendations"))
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "%s %s\n", s.Icon(ux.IconBullet), rec)
		}
	}
}

// renderResult writes one line per terminal result, plus warnings.
func renderResult(w io.Writer, r *updater.Result) {
	s := ux.NewStyles(w)

	icon := ux.IconSuccess
	switch r.State {
	case updater.StateInvalid, updater.StateFailed:
		icon = ux.IconError
	case updater.StateThrottled:
		icon = ux.IconPending
	}
	line := fmt.Sprintf("%s %s %s %s", s.Icon(icon), r.Event.Path, s.Icon(ux.IconArrow), r.State)
	if v := r.Validation; v != nil && v.Classification != "" {
		line += " " + s.Muted.Render(fmt.Sprintf("[%s, impact %.2f]", v.Classification, v.Impact))
	}
	if r.Report != nil {
		line += " health " + s.Score(r.Report.HealthScore)
	}
	fmt.Fprintln(w, line)

	warnings := r.Warnings
	if r.Validation != nil {
		warnings = append(append([]string{}, r.Validation.Warnings...), warnings...)
	}
	for _, warn := range warnings {
		fmt.Fprintf(w, "  %s %s\n", s.Icon(ux.IconWarning), warn)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", s.Icon(ux.IconError), r.Error)
	}
}
