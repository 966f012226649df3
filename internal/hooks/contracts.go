// Package hooks holds the cross-cutting handlers that plug into the agent
// loop: pre-tool contract lookup, post-tool contract extraction,
// pre-compaction summary injection, and stop-continuation detection.
package hooks

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Contract kinds.
const (
	ContractAPIEndpoint   = "api_endpoint"
	ContractFunctionSig   = "function_signature"
	ContractTypeDef       = "type_definition"
	ContractSQLSchema     = "sql_schema"
	ContractGraphQLSchema = "graphql_schema"
)

// Contract is one machine-extractable piece of code intent found in a
// written file.
type Contract struct {
	Kind       string  `json:"kind"`
	Topic      string  `json:"topic"`
	Decision   string  `json:"decision"`
	File       string  `json:"file"`
	Confidence float64 `json:"confidence"`
}

var (
	// Route registrations and handler annotations across common frameworks.
	apiEndpointRe = regexp.MustCompile(`(?m)(?:@(?:Get|Post|Put|Patch|Delete)Mapping|\.(?:get|post|put|patch|delete)\s*\(\s*["'` + "`" + `]|router\.(?:GET|POST|PUT|PATCH|DELETE)\s*\(\s*["'` + "`" + `]|@app\.(?:get|post|put|patch|delete)\s*\(\s*["'])(/[\w\-./:{}]*)`)

	// Exported function/method signatures (Go, TS/JS, Python).
	functionSigRe = regexp.MustCompile(`(?m)^(?:export\s+)?(?:async\s+)?(?:func(?:tion)?|def)\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)

	// Type declarations (Go structs/interfaces, TS interfaces/types).
	typeDefRe = regexp.MustCompile(`(?m)^(?:export\s+)?(?:type|interface|class)\s+([A-Z]\w*)`)

	sqlSchemaRe = regexp.MustCompile(`(?im)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?["'` + "`" + `]?(\w+)`)

	graphqlSchemaRe = regexp.MustCompile(`(?m)^(?:type|input|enum|interface)\s+([A-Z]\w*)\s*(?:implements\s+\w+\s*)?\{`)
)

// lowPriorityPath reports paths whose contracts are not worth persisting:
// tests, docs, config, and lock files.
func lowPriorityPath(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasSuffix(base, ".md"),
		strings.HasSuffix(base, ".txt"),
		strings.HasSuffix(base, ".lock"),
		base == "package-lock.json",
		base == "go.sum",
		strings.HasSuffix(base, ".yaml"),
		strings.HasSuffix(base, ".yml"),
		strings.HasSuffix(base, ".toml"),
		strings.HasSuffix(base, ".ini"):
		return true
	}
	for _, dir := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		switch strings.ToLower(dir) {
		case "test", "tests", "testdata", "docs", "doc", "node_modules", "vendor":
			return true
		}
	}
	return false
}

// ExtractContracts scans file content with the kind detectors and returns
// candidate contracts. Low-priority paths yield nothing.
func ExtractContracts(path, content string) []Contract {
	if lowPriorityPath(path) {
		return nil
	}

	var out []Contract

	for _, m := range apiEndpointRe.FindAllStringSubmatch(content, -1) {
		route := m[1]
		out = append(out, Contract{
			Kind:       ContractAPIEndpoint,
			Topic:      "contract_endpoint_" + sanitizeTopic(route),
			Decision:   "endpoint " + route + " defined in " + filepath.Base(path),
			File:       path,
			Confidence: 0.8,
		})
	}

	for _, m := range functionSigRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if !isExported(name) {
			continue
		}
		sig := name + "(" + normalizeSpace(m[2]) + ")"
		out = append(out, Contract{
			Kind:       ContractFunctionSig,
			Topic:      "contract_func_" + name,
			Decision:   "function " + sig + " in " + filepath.Base(path),
			File:       path,
			Confidence: 0.6,
		})
	}

	for _, m := range typeDefRe.FindAllStringSubmatch(content, -1) {
		out = append(out, Contract{
			Kind:       ContractTypeDef,
			Topic:      "contract_type_" + m[1],
			Decision:   "type " + m[1] + " defined in " + filepath.Base(path),
			File:       path,
			Confidence: 0.6,
		})
	}

	for _, m := range sqlSchemaRe.FindAllStringSubmatch(content, -1) {
		out = append(out, Contract{
			Kind:       ContractSQLSchema,
			Topic:      "contract_table_" + m[1],
			Decision:   "table " + m[1] + " schema in " + filepath.Base(path),
			File:       path,
			Confidence: 0.9,
		})
	}

	if strings.HasSuffix(path, ".graphql") || strings.HasSuffix(path, ".gql") {
		for _, m := range graphqlSchemaRe.FindAllStringSubmatch(content, -1) {
			out = append(out, Contract{
				Kind:       ContractGraphQLSchema,
				Topic:      "contract_graphql_" + m[1],
				Decision:   "graphql type " + m[1] + " in " + filepath.Base(path),
				File:       path,
				Confidence: 0.9,
			})
		}
	}

	return out
}

func sanitizeTopic(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func isExported(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return (c >= 'A' && c <= 'Z') || !strings.HasPrefix(name, "_")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
