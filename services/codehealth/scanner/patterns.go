// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scanner

// Category names a class of insecure code.
type Category string

const (
	CategoryHardcodedSecrets      Category = "hardcoded_secrets"
	CategorySQLInjection          Category = "sql_injection"
	CategoryCommandInjection      Category = "command_injection"
	CategoryUnsafeDeserialization Category = "unsafe_deserialization"
	CategoryUncheckedFileAccess   Category = "unchecked_file_access"
)

// Categories returns every category in reporting order.
func Categories() []Category {
	return []Category{
		CategoryCommandInjection,
		CategoryHardcodedSecrets,
		CategorySQLInjection,
		CategoryUncheckedFileAccess,
		CategoryUnsafeDeserialization,
	}
}

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// placeholderHints mark assignments that are clearly not real credentials.
const placeholderHints = `(?i)(?:example|placeholder|changeme|change_me|dummy|redacted|your[_-]|<[^>]*>|\$\{|%\()`

// defaultPatterns returns the built-in detection patterns.
//
// Patterns run per file against raw text; the negative pattern is checked
// against the line containing the match.
func defaultPatterns() []Pattern {
	return []Pattern{
		// ---------------------------------------------------------------
		// Hardcoded secrets (CWE-798)
		// ---------------------------------------------------------------
		{
			ID:          "SEC-S01",
			Category:    CategoryHardcodedSecrets,
			Description: "Credential-like name assigned a string literal",
			CWE:         "CWE-798",
			Severity:    SeverityCritical,
			Expr:        `(?i)(?:password|passwd|pwd|secret|api[_-]?key|apikey|access[_-]?token|auth[_-]?token|private[_-]?key)\w*["']?\s*(?::=|=|:)\s*["']([^"'\s]{3,})["']`,
			Negative:    placeholderHints,
			Secret:      true,
		},
		{
			ID:          "SEC-S02",
			Category:    CategoryHardcodedSecrets,
			Description: "AWS access key id",
			CWE:         "CWE-798",
			Severity:    SeverityCritical,
			Expr:        `\b((?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16})\b`,
			Secret:      true,
		},
		{
			ID:          "SEC-S03",
			Category:    CategoryHardcodedSecrets,
			Description: "Embedded private key",
			CWE:         "CWE-321",
			Severity:    SeverityCritical,
			Expr:        `-----BEGIN (?:RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----`,
		},
		{
			ID:          "SEC-S04",
			Category:    CategoryHardcodedSecrets,
			Description: "Connection string with inline credentials",
			CWE:         "CWE-798",
			Severity:    SeverityHigh,
			Expr:        `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/"']+:([^@\s"']+)@`,
			Negative:    placeholderHints,
			Secret:      true,
		},
		{
			ID:          "SEC-S05",
			Category:    CategoryHardcodedSecrets,
			Description: "Vendor token (GitHub, Slack, Stripe)",
			CWE:         "CWE-798",
			Severity:    SeverityCritical,
			Expr:        `((?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}|xox[baprs]-[0-9A-Za-z-]{10,}|(?:sk|rk)_live_[0-9a-zA-Z]{24,})`,
			Secret:      true,
		},

		// ---------------------------------------------------------------
		// SQL injection (CWE-89)
		// ---------------------------------------------------------------
		{
			ID:          "SEC-Q01",
			Category:    CategorySQLInjection,
			Description: "SQL statement built by concatenation or interpolation",
			CWE:         "CWE-89",
			Severity:    SeverityCritical,
			Expr:        `(?i)\b(?:select\s.+\sfrom|insert\s+into|update\s+\w+\s+set|delete\s+from)\b[^\n]*(?:["'\x60]\s*\+\s*\w|\w\s*\+\s*["'\x60]|["']\s*%\s*[\w(]|\{[a-zA-Z_][\w.]*\})`,
		},
		{
			ID:          "SEC-Q02",
			Category:    CategorySQLInjection,
			Description: "SQL statement formatted with Sprintf",
			CWE:         "CWE-89",
			Severity:    SeverityCritical,
			Expr:        `fmt\.Sprintf\(\s*["\x60](?i:\s*(?:select|insert|update|delete)\b)`,
		},
		{
			ID:          "SEC-Q03",
			Category:    CategorySQLInjection,
			Description: "SQL statement formatted with str.format",
			CWE:         "CWE-89",
			Severity:    SeverityCritical,
			Expr:        `(?i)["'](?:select|insert|update|delete)\b[^"']*\{[^"']*["']\s*\.format\(`,
		},

		// ---------------------------------------------------------------
		// Command injection (CWE-78)
		// ---------------------------------------------------------------
		{
			ID:          "SEC-C01",
			Category:    CategoryCommandInjection,
			Description: "Shell command via os.system or os.popen",
			CWE:         "CWE-78",
			Severity:    SeverityHigh,
			Expr:        `\bos\.(?:system|popen)\s*\(`,
		},
		{
			ID:          "SEC-C02",
			Category:    CategoryCommandInjection,
			Description: "subprocess call with shell=True",
			CWE:         "CWE-78",
			Severity:    SeverityHigh,
			Expr:        `\bsubprocess\.\w+\([^\n]*shell\s*=\s*True`,
		},
		{
			ID:          "SEC-C03",
			Category:    CategoryCommandInjection,
			Description: "Dynamic code evaluation",
			CWE:         "CWE-95",
			Severity:    SeverityHigh,
			Expr:        `(?:^|[^.\w])(?:eval|exec)\s*\(`,
		},
		{
			ID:          "SEC-C04",
			Category:    CategoryCommandInjection,
			Description: "exec.Command through a shell",
			CWE:         "CWE-78",
			Severity:    SeverityHigh,
			Expr:        `exec\.Command(?:Context)?\([^\n]*"(?:sh|bash|/bin/sh|/bin/bash|cmd|cmd\.exe|powershell)"\s*,\s*"(?:-c|/c|/C)"`,
		},
		{
			ID:          "SEC-C05",
			Category:    CategoryCommandInjection,
			Description: "exec.Command with a built argument",
			CWE:         "CWE-78",
			Severity:    SeverityMedium,
			Expr:        `exec\.Command(?:Context)?\([^\n]*(?:\+\s*\w|fmt\.Sprintf)`,
		},

		// ---------------------------------------------------------------
		// Unsafe deserialization (CWE-502)
		// ---------------------------------------------------------------
		{
			ID:          "SEC-D01",
			Category:    CategoryUnsafeDeserialization,
			Description: "pickle-family load of untrusted data",
			CWE:         "CWE-502",
			Severity:    SeverityCritical,
			Expr:        `\b(?:c?[Pp]ickle|dill|jsonpickle|marshal)\.(?:loads?|decode|Unpickler)\s*\(`,
		},
		{
			ID:          "SEC-D02",
			Category:    CategoryUnsafeDeserialization,
			Description: "yaml.load without a safe loader",
			CWE:         "CWE-502",
			Severity:    SeverityHigh,
			Expr:        `\byaml\.(?:unsafe_)?load(?:_all)?\s*\(`,
			Negative:    `Loader\s*=\s*(?:yaml\.)?(?:Safe|Base|CSafe)Loader`,
		},
		{
			ID:          "SEC-D03",
			Category:    CategoryUnsafeDeserialization,
			Description: "shelve database opened from a path",
			CWE:         "CWE-502",
			Severity:    SeverityMedium,
			Expr:        `\bshelve\.open\s*\(`,
		},
		{
			ID:          "SEC-D04",
			Category:    CategoryUnsafeDeserialization,
			Description: "gob decoder reading a request body",
			CWE:         "CWE-502",
			Severity:    SeverityMedium,
			Expr:        `\bgob\.NewDecoder\s*\(\s*(?:r|req|request)\.Body`,
		},

		// ---------------------------------------------------------------
		// Unchecked file access (CWE-22)
		// ---------------------------------------------------------------
		{
			ID:          "SEC-F01",
			Category:    CategoryUncheckedFileAccess,
			Description: "open() on request-controlled or built path",
			CWE:         "CWE-22",
			Severity:    SeverityHigh,
			Expr:        `(?:^|[^.\w])open\s*\(\s*(?:request\.|req\.|params\[|sys\.argv|input\(|f["']|[\w.]+\s*\+)`,
			Negative:    `os\.path\.(?:basename|realpath|abspath)|secure_filename`,
		},
		{
			ID:          "SEC-F02",
			Category:    CategoryUncheckedFileAccess,
			Description: "os file call on request-controlled or built path",
			CWE:         "CWE-22",
			Severity:    SeverityHigh,
			Expr:        `\b(?:os\.(?:Open|OpenFile|ReadFile|Create|Remove|RemoveAll|WriteFile)|ioutil\.ReadFile)\s*\([^\n]*(?:\+\s*\w|fmt\.Sprintf|r\.URL|FormValue|\.Query\(\))`,
			Negative:    `filepath\.(?:Clean|Base|Rel)|securejoin`,
		},
	}
}
