package config

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// EnvFunc implements env(name[, default]) for configuration files. Unset
// variables yield the default, or an empty string when none is given.
var EnvFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

// EvalContext returns the context configuration expressions are evaluated in.
func EvalContext() *hcl.EvalContext {
	wd, _ := os.Getwd()
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"cwd": cty.StringVal(wd),
		},
		Functions: map[string]function.Function{
			"env":      EnvFunc,
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"coalesce": stdlib.CoalesceFunc,
			"format":   stdlib.FormatFunc,
		},
	}
}
