package discovery

import (
	"errors"
	"reflect"
	"sort"
)

// Scope is the shared global object wallets inject themselves into.
type Scope map[string]any

// WellKnownPaths are read directly. NamespacePaths hold maps of providers
// keyed by wallet name and are scanned one level deep.
var (
	WellKnownPaths = []string{"canton", "cantonWallet", "splice"}
	NamespacePaths = []string{"cantonWallets", "wallets"}
)

type Source string

const (
	SourceInjected  Source = "injected"
	SourceNamespace Source = "namespace"
)

// Discovered is one provider found in a scope.
type Discovered struct {
	// ID is the path the provider was first found at, e.g. "cantonWallets.acme".
	ID       string
	Source   Source
	Provider Provider
	// Aliases are further paths pointing at the same object.
	Aliases []string

	identity any
}

// Rejection is a candidate that failed the structural check.
type Rejection struct {
	Path string
	Err  error
}

type Report struct {
	Found    []Discovered
	Rejected []Rejection
}

// Scan returns the providers in scope, deduplicated by object identity.
// It does not modify scope and returns the same result for the same scope.
func Scan(scope Scope) []Discovered {
	return Inspect(scope).Found
}

// Inspect is Scan plus the candidates that did not conform.
func Inspect(scope Scope) Report {
	var r Report
	index := map[any]int{}

	add := func(path string, src Source, v any) {
		p, err := Conform(v)
		if err != nil {
			var nc *NonConformingError
			if errors.As(err, &nc) {
				r.Rejected = append(r.Rejected, Rejection{Path: path, Err: err})
			}
			return
		}
		id := identityOf(v, path)
		if i, seen := index[id]; seen {
			r.Found[i].Aliases = append(r.Found[i].Aliases, path)
			return
		}
		index[id] = len(r.Found)
		r.Found = append(r.Found, Discovered{ID: path, Source: src, Provider: p, identity: id})
	}

	for _, ns := range NamespacePaths {
		entries, ok := scope[ns].(map[string]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(ns+"."+name, SourceNamespace, entries[name])
		}
	}

	for _, path := range WellKnownPaths {
		if v, ok := scope[path]; ok {
			add(path, SourceInjected, v)
		}
	}

	return r
}

type pointerIdentity struct {
	typ reflect.Type
	ptr uintptr
}

// identityOf keys reference values by address. Other values key by value
// when they compare at runtime, which rules out a comparable struct holding a
// map or func in an interface field. Anything else is unique to its path.
func identityOf(v any, path string) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Invalid:
		return "path:" + path
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return pointerIdentity{typ: rv.Type(), ptr: rv.Pointer()}
	}
	if rv.Comparable() {
		return v
	}
	return "path:" + path
}
