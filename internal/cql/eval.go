package cql

import (
	"context"
	"fmt"
	"reflect"

	"github.com/spf13/cast"
)

type node interface {
	eval(ctx context.Context, c *Context) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(context.Context, *Context) (any, error) { return n.value, nil }

type refNode struct{ name string }

func (n *refNode) eval(ctx context.Context, c *Context) (any, error) {
	return c.evaluateDefinition(ctx, n.name)
}

type retrieveNode struct {
	dataType string
	code     string
}

func (n *retrieveNode) eval(ctx context.Context, c *Context) (any, error) {
	return c.retrieve(ctx, n.dataType, n.code)
}

type existsNode struct{ x node }

func (n *existsNode) eval(ctx context.Context, c *Context) (any, error) {
	v, err := n.x.eval(ctx, c)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return false, nil
	}
	if l, ok := asList(v); ok {
		return len(l) > 0, nil
	}
	return true, nil
}

type notNode struct{ x node }

func (n *notNode) eval(ctx context.Context, c *Context) (any, error) {
	v, err := n.x.eval(ctx, c)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("not: expected Boolean, got %T", v)
	}
	return !b, nil
}

// logicalNode implements three-valued and/or with short-circuiting.
type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(ctx context.Context, c *Context) (any, error) {
	l, err := evalBool(ctx, c, n.left, n.op)
	if err != nil {
		return nil, err
	}
	if l != nil && *l == (n.op == "or") {
		return *l, nil
	}
	r, err := evalBool(ctx, c, n.right, n.op)
	if err != nil {
		return nil, err
	}
	switch {
	case r != nil && *r == (n.op == "or"):
		return *r, nil
	case l == nil || r == nil:
		return nil, nil
	}
	return *l, nil
}

func evalBool(ctx context.Context, c *Context, x node, op string) (*bool, error) {
	v, err := x.eval(ctx, c)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%s: expected Boolean, got %T", op, v)
	}
	return &b, nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(ctx context.Context, c *Context) (any, error) {
	l, err := n.left.eval(ctx, c)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx, c)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}

	lf, lerr := cast.ToFloat64E(l)
	rf, rerr := cast.ToFloat64E(r)
	if lerr == nil && rerr == nil {
		return compareOrdered(n.op, lf, rf), nil
	}
	ls, lerr := cast.ToStringE(l)
	rs, rerr := cast.ToStringE(r)
	if lerr != nil || rerr != nil {
		return nil, fmt.Errorf("cannot compare %T with %T", l, r)
	}
	return compareOrdered(n.op, ls, rs), nil
}

func compareOrdered[T float64 | string](op string, l, r T) bool {
	switch op {
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case "<":
		return l < r
	case "!=":
		return l != r
	}
	return l == r
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(ctx context.Context, c *Context) (any, error) {
	fn, ok := functions[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.name)
	}
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(ctx, c)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	v, err := fn(ctx, c, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

// asList reports whether v is a list value and returns its elements.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
