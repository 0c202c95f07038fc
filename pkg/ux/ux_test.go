// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyles_PlainForNonTerminal(t *testing.T) {
	s := NewStyles(&bytes.Buffer{})

	assert.Equal(t, "✓", s.Icon(IconSuccess))
	assert.Equal(t, "→", s.Icon(IconArrow))
	assert.Equal(t, "92.50", s.Score(92.5))
	assert.Equal(t, "12.00", s.Score(12))
	assert.NotContains(t, s.Title.Render("title"), "\x1b[")

	boxed := s.Box.Render("hi")
	assert.True(t, strings.Contains(boxed, "╭"), boxed)
	assert.Contains(t, boxed, "hi")
}

func TestBar(t *testing.T) {
	tests := []struct {
		fraction float64
		width    int
		want     string
	}{
		{0.5, 10, "█████░░░░░"},
		{0, 4, "░░░░"},
		{1, 4, "████"},
		{1.7, 3, "███"},
		{-1, 3, "░░░"},
		{0.5, 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bar(tt.fraction, tt.width))
	}
}
