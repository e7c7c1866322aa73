package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/openapi"
)

// Namer shortens an operation into a tool name. The gateway ships a plain
// sanitizing namer; deployments may plug in their own heuristic.
type Namer interface {
	Name(op *openapi.OperationInfo) string
}

// NamerConfig bounds generated names.
type NamerConfig struct {
	MaxLength     int
	WarnThreshold int
}

// DefaultNamerConfig mirrors common MCP client limits.
var DefaultNamerConfig = NamerConfig{MaxLength: 64, WarnThreshold: 48}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizingNamer lowercases the operationId, replaces invalid characters
// with underscores, and truncates over-long names with a short hash suffix
// so truncation stays collision-free.
type SanitizingNamer struct {
	Config NamerConfig
}

// Name implements Namer.
func (n *SanitizingNamer) Name(op *openapi.OperationInfo) string {
	cfg := n.Config
	if cfg.MaxLength == 0 {
		cfg = DefaultNamerConfig
	}

	name := op.OperationID
	if name == "" {
		name = strings.ToLower(op.Method) + op.Path
	}
	name = invalidNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(strings.ToLower(name), "_")

	if len(name) > cfg.WarnThreshold {
		logger.Warnf("tool name %q exceeds the warning threshold of %d characters", name, cfg.WarnThreshold)
	}
	if len(name) > cfg.MaxLength {
		sum := sha256.Sum256([]byte(name))
		suffix := "_" + hex.EncodeToString(sum[:])[:6]
		name = name[:cfg.MaxLength-len(suffix)] + suffix
	}
	return name
}

// DefaultProfile synthesizes one tool per indexed operation when no profile
// file is supplied. Each tool dispatches a single "call" action to its
// operation.
func DefaultProfile(index *openapi.Index, namer Namer) *Profile {
	if namer == nil {
		namer = &SanitizingNamer{}
	}

	ops := index.AllOperations()
	sort.Slice(ops, func(i, j int) bool { return ops[i].OperationID < ops[j].OperationID })

	p := &Profile{ProfileName: "default"}
	used := make(map[string]int)

	for _, op := range ops {
		name := namer.Name(op)
		if n := used[name]; n > 0 {
			logger.Warnf("generated tool name %q collides, appending suffix", name)
			name = name + "_" + strconv.Itoa(n+1)
		}
		used[name]++

		tool := Tool{
			Name:        name,
			Description: describeOperation(op),
			Parameters: map[string]ParameterSpec{
				"action": {
					Type:     "string",
					Required: true,
					Enum:     []any{"call"},
				},
			},
			Operations: map[string]string{"call": op.OperationID},
		}
		for _, param := range op.Parameters {
			if param.In != "path" && param.In != "query" {
				continue
			}
			spec := ParameterSpec{
				Type:     param.Type,
				Required: param.Required,
				Enum:     param.Enum,
			}
			if spec.Type == "" {
				spec.Type = "string"
			}
			if param.ItemType != "" {
				spec.Items = &ItemsSpec{Type: param.ItemType}
			}
			tool.Parameters[param.Name] = spec
		}
		p.Tools = append(p.Tools, tool)
	}
	return p
}

func describeOperation(op *openapi.OperationInfo) string {
	if op.Summary != "" {
		return op.Summary
	}
	if op.Description != "" {
		return op.Description
	}
	return op.Method + " " + op.Path
}
