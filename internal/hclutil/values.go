package hclutil

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// CanonicalJSON renders v as compact JSON. Object attributes and map keys
// come out sorted, so equal values always render to equal text. A null or
// absent value renders as "{}".
func CanonicalJSON(v cty.Value) (string, error) {
	if v == cty.NilVal || v.IsNull() {
		return "{}", nil
	}
	if !v.IsWhollyKnown() {
		return "", fmt.Errorf("value is not fully known")
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExprJSON evaluates expr without variables and renders it with
// CanonicalJSON. Omitted expressions render as "{}".
func ExprJSON(expr hcl.Expression) (string, hcl.Diagnostics) {
	if !IsDefined(expr) {
		return "{}", nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return "", diags
	}
	s, err := CanonicalJSON(v)
	if err != nil {
		return "", hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("The value cannot be rendered as JSON: %s.", err),
			Subject:  expr.Range().Ptr(),
		}}
	}
	return s, nil
}
