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
	"fmt"

	"golang.org/x/mod/modfile"
)

// ModulePath returns the module path a go.mod file declares.
//
// Parsing is lax: unknown directives from newer toolchains are ignored.
func ModulePath(content []byte) (string, error) {
	f, err := modfile.ParseLax("go.mod", content, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGoMod, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return "", fmt.Errorf("%w: no module directive", ErrInvalidGoMod)
	}
	return f.Module.Mod.Path, nil
}
