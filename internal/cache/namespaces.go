package cache

import "fmt"

// Purpose identifies which partition a namespace belongs to.
type Purpose string

const (
	PurposeShell   Purpose = "shell"
	PurposeRuntime Purpose = "runtime"
	PurposeImage   Purpose = "image"
)

// Namespace is one versioned cache partition.
type Namespace struct {
	Name    string
	Version string
	Purpose Purpose
}

// Namespaces is the current generation of every partition. It is built once
// per relay instance and never mutated afterwards.
type Namespaces struct {
	shell   Namespace
	runtime Namespace
	image   Namespace
}

// segment is the purpose as it appears in a namespace name.
func (p Purpose) segment() string {
	if p == PurposeImage {
		return "images"
	}
	return string(p)
}

// NewNamespaces builds the current generation as <prefix>-<segment>-<version>,
// e.g. chatr-shell-v1, chatr-runtime-v1, chatr-images-v1.
func NewNamespaces(prefix, version string) Namespaces {
	mk := func(p Purpose) Namespace {
		return Namespace{
			Name:    fmt.Sprintf("%s-%s-%s", prefix, p.segment(), version),
			Version: version,
			Purpose: p,
		}
	}
	return Namespaces{
		shell:   mk(PurposeShell),
		runtime: mk(PurposeRuntime),
		image:   mk(PurposeImage),
	}
}

func (n Namespaces) Shell() Namespace   { return n.shell }
func (n Namespaces) Runtime() Namespace { return n.runtime }
func (n Namespaces) Image() Namespace   { return n.image }

// All returns the three current namespaces. The slice is a fresh copy.
func (n Namespaces) All() []Namespace {
	return []Namespace{n.shell, n.runtime, n.image}
}

// For returns the current namespace serving purpose p.
func (n Namespaces) For(p Purpose) (Namespace, bool) {
	switch p {
	case PurposeShell:
		return n.shell, true
	case PurposeRuntime:
		return n.runtime, true
	case PurposeImage:
		return n.image, true
	}
	return Namespace{}, false
}

// Contains reports whether name is one of the current generation.
func (n Namespaces) Contains(name string) bool {
	for _, ns := range n.All() {
		if ns.Name == name {
			return true
		}
	}
	return false
}
