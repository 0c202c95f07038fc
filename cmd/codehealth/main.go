// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command codehealth watches a source tree, classifies every change by
// risk and keeps a live code-health score.
//
// Usage:
//
//	codehealth score ./repo                 # one-shot JSON health report
//	codehealth watch ./repo                 # validate changes as they happen
//	codehealth serve ./repo --addr :8087    # watch plus the HTTP API
//	codehealth config init codehealth.yaml  # write the default config
//
// Example requests against serve:
//
//	curl http://localhost:8087/v1/codehealth/health | jq
//	curl -X POST http://localhost:8087/v1/codehealth/propose \
//	  -H "Content-Type: application/json" \
//	  -d '{"path": "pkg/util.py", "content": "def f():\n    return 1\n"}'
package main

import (
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	code := 0
	if err := newRootCmd().Execute(); err != nil {
		code = 1
	}
	// Wipe locked credentials before the process exits.
	memguard.Purge()
	os.Exit(code)
}
