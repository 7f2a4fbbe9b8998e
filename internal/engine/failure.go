package engine

import "strings"

// FailureKind separates failures the diagnosis loop can plausibly fix
// from those it cannot.
type FailureKind string

const (
	// FailureEnvironment means the environment itself is broken: an
	// unreachable service, a missing tool, a full disk. Diagnosis is
	// skipped because no code patch repairs the machine.
	FailureEnvironment FailureKind = "environment"

	// FailureExhausted means every retry and diagnosis cycle was spent
	// without producing a success.
	FailureExhausted FailureKind = "exhausted"
)

// Failure describes why a step ended FAILED.
type Failure struct {
	Kind       FailureKind
	Signature  string
	Diagnostic string
}

// envSignature is a named class of environment failure matched by
// output substrings.
type envSignature struct {
	name    string
	matches []string
}

// envSignatures are checked in order; the first match names the
// failure class.
var envSignatures = []envSignature{
	{
		name: "service_unreachable",
		matches: []string{
			"connection refused",
			"connection timed out",
			"no route to host",
			"network is unreachable",
			"could not connect to server",
			"i/o timeout",
		},
	},
	{
		name: "missing_tool",
		matches: []string{
			"command not found",
			"executable file not found",
			"not recognized as an internal or external command",
		},
	},
	{
		name: "permission_denied",
		matches: []string{
			"permission denied",
			"operation not permitted",
		},
	},
	{
		name: "disk_full",
		matches: []string{
			"no space left on device",
			"disk quota exceeded",
		},
	},
}

// classifyEnvFailure reports whether the output carries an environment
// failure signature and, if so, which class.
func classifyEnvFailure(output string) (string, bool) {
	lower := strings.ToLower(output)
	for _, sig := range envSignatures {
		for _, m := range sig.matches {
			if strings.Contains(lower, m) {
				return sig.name, true
			}
		}
	}
	return "", false
}
