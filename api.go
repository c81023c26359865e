package dllproxy

import (
	"go.uber.org/zap"

	"github.com/carved4/go-dllproxy/pkg/config"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/generate"
	"github.com/carved4/go-dllproxy/pkg/image"
	"github.com/carved4/go-dllproxy/pkg/resolve"
)

type (
	Table       = exports.Table
	Entry       = exports.Entry
	Spec        = exports.Spec
	SpecEntry   = exports.SpecEntry
	Declaration = generate.Declaration
	Module      = resolve.Module
	Trampoline  = resolve.Trampoline
)

var ReadExports = image.ReadFile
var ParseExports = image.Read
var BuildImage = image.Build

var GenerateStatic = generate.Static
var WriteDef = generate.WriteDef
var LinkerArgs = generate.LinkerArgs
var ForwarderImage = generate.Image

var NewModule = resolve.NewModule
var Attach = resolve.Attach
var Follow = resolve.Follow

var LoadConfig = config.Load

// SetLogger routes the resolver's and generator's logs to l.
func SetLogger(l *zap.Logger) {
	resolve.SetLogger(l)
	generate.SetLogger(l)
}

// ForwardAll reads the library at target and forwards every named export
// to it.
func ForwardAll(target string) ([]Declaration, error) {
	t, err := image.ReadFile(target)
	if err != nil {
		return nil, err
	}
	return generate.Static(t, t.NamedSpec(), generate.Options{TargetPath: target})
}

// Proxy reads target's exports now and returns a module that loads
// runtimePath and resolves all of them on Initialize.
func Proxy(target, runtimePath string, opts ...resolve.Option) (*Module, error) {
	t, err := image.ReadFile(target)
	if err != nil {
		return nil, err
	}
	return resolve.NewModule(runtimePath, t.Spec(), opts...)
}
