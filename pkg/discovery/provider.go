// Package discovery finds wallet providers in a shared global scope by their
// shape rather than by any declared type.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Provider member names every conforming object must expose.
const (
	MemberRequest        = "request"
	MemberOn             = "on"
	MemberEmit           = "emit"
	MemberRemoveListener = "removeListener"
)

var members = []string{MemberRequest, MemberOn, MemberEmit, MemberRemoveListener}

// Provider is a native wallet provider speaking the bridge methods.
type Provider interface {
	Request(ctx context.Context, method string, params json.RawMessage) (any, error)
	On(event string, fn func(payload any)) uint64
	Emit(event string, payload any) bool
	RemoveListener(event string, id uint64) bool
}

// Function shapes a dynamic object's members must have.
type (
	RequestFunc        = func(ctx context.Context, method string, params json.RawMessage) (any, error)
	OnFunc             = func(event string, fn func(payload any)) uint64
	EmitFunc           = func(event string, payload any) bool
	RemoveListenerFunc = func(event string, id uint64) bool
)

// NonConformingError lists what a candidate object lacks.
type NonConformingError struct {
	Missing    []string
	WrongShape []string
}

func (e *NonConformingError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.WrongShape) > 0 {
		parts = append(parts, "unexpected shape of "+strings.Join(e.WrongShape, ", "))
	}
	return "not a wallet provider: " + strings.Join(parts, "; ")
}

// Conform checks v structurally. A Go value implementing Provider conforms. A
// map conforms when its four members are callable with the expected shapes.
func Conform(v any) (Provider, error) {
	switch p := v.(type) {
	case nil:
		return nil, &NonConformingError{Missing: append([]string(nil), members...)}
	case Provider:
		return p, nil
	case map[string]any:
		return conformObject(p)
	default:
		return nil, &NonConformingError{Missing: missingMethods(v)}
	}
}

func conformObject(obj map[string]any) (Provider, error) {
	nc := &NonConformingError{}
	for _, m := range members {
		fn, ok := obj[m]
		if !ok || fn == nil {
			nc.Missing = append(nc.Missing, m)
			continue
		}
		if reflect.TypeOf(fn).Kind() != reflect.Func {
			nc.WrongShape = append(nc.WrongShape, m)
		}
	}
	if len(nc.Missing) > 0 || len(nc.WrongShape) > 0 {
		return nil, nc
	}

	dp := &dynamicProvider{obj: obj}
	var ok bool
	if dp.request, ok = obj[MemberRequest].(RequestFunc); !ok {
		nc.WrongShape = append(nc.WrongShape, MemberRequest)
	}
	if dp.on, ok = obj[MemberOn].(OnFunc); !ok {
		nc.WrongShape = append(nc.WrongShape, MemberOn)
	}
	if dp.emit, ok = obj[MemberEmit].(EmitFunc); !ok {
		nc.WrongShape = append(nc.WrongShape, MemberEmit)
	}
	if dp.removeListener, ok = obj[MemberRemoveListener].(RemoveListenerFunc); !ok {
		nc.WrongShape = append(nc.WrongShape, MemberRemoveListener)
	}
	if len(nc.WrongShape) > 0 {
		return nil, nc
	}
	return dp, nil
}

// missingMethods names the Provider methods a non-conforming Go value lacks.
func missingMethods(v any) []string {
	t := reflect.TypeOf(v)
	methods := [][2]string{
		{"Request", MemberRequest},
		{"On", MemberOn},
		{"Emit", MemberEmit},
		{"RemoveListener", MemberRemoveListener},
	}
	var missing []string
	for _, m := range methods {
		if _, ok := t.MethodByName(m[0]); !ok {
			missing = append(missing, m[1])
		}
	}
	if len(missing) == 0 {
		// every name is present but the signatures differ
		return []string{fmt.Sprintf("Provider methods on %s", t)}
	}
	return missing
}

// dynamicProvider adapts a conforming map to Provider.
type dynamicProvider struct {
	obj            map[string]any
	request        RequestFunc
	on             OnFunc
	emit           EmitFunc
	removeListener RemoveListenerFunc
}

func (d *dynamicProvider) Request(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return d.request(ctx, method, params)
}

func (d *dynamicProvider) On(event string, fn func(payload any)) uint64 {
	return d.on(event, fn)
}

func (d *dynamicProvider) Emit(event string, payload any) bool {
	return d.emit(event, payload)
}

func (d *dynamicProvider) RemoveListener(event string, id uint64) bool {
	return d.removeListener(event, id)
}
