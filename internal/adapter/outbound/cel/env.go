package cel

import (
	"net"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/trustgate/internal/domain/authz"
)

// NewConditionEnvironment creates the CEL environment permission conditions
// are compiled against. Variables:
//   - user_id, session_id, ip, path, method, country (string)
//   - hour (int, 0-23 in the permission's zone), weekday (string, e.g. "Monday")
//   - trust_score (int), trust_level (string)
//   - scope_tags (list of string)
//
// Functions: glob(pattern, s) and ip_in_cidr(ip, cidr).
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("user_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.StringType),
		cel.Variable("trust_score", cel.IntType),
		cel.Variable("trust_level", cel.StringType),
		cel.Variable("scope_tags", cel.ListType(cel.StringType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, s ref.Val) ref.Val {
					matched, _ := filepath.Match(pattern.Value().(string), s.Value().(string))
					return types.Bool(matched)
				}),
			),
		),

		// Usage: ip_in_cidr(ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ip := net.ParseIP(ipVal.Value().(string))
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrVal.Value().(string))
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// activation maps an expression input onto the environment's variables.
func activation(in authz.ExpressionInput) map[string]any {
	tags := in.ScopeTags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"user_id":     in.UserID,
		"session_id":  in.SessionID,
		"ip":          in.IP,
		"path":        in.Path,
		"method":      in.Method,
		"country":     in.Country,
		"hour":        int64(in.Hour),
		"weekday":     in.Weekday,
		"trust_score": int64(in.TrustScore),
		"trust_level": in.TrustLevel,
		"scope_tags":  tags,
	}
}
