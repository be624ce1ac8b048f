package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewRuleEnvironment creates the CEL environment for rule `when`
// expressions. It declares:
//   - doc: the document being checked (map, JSON-shaped)
//   - user: the identity as {id, name, roles}; empty for anonymous callers
//   - glob(pattern, s): shell-style match
//   - entity_type(id): the part of a document id before the first colon
func NewRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("entity_type",
			cel.Overload("entity_type_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(id ref.Val) ref.Val {
					s, ok := id.Value().(string)
					if !ok {
						return types.String("")
					}
					typ, _, found := strings.Cut(s, ":")
					if !found {
						return types.String("")
					}
					return types.String(typ)
				}),
			),
		),
	)
}
