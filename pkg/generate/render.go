package generate

import (
	"bufio"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/image"
)

// WriteDef renders a module-definition file. With ordinals=false the @N
// suffix is left out and the toolchain picks the generated ordinals.
func WriteDef(w io.Writer, library string, decls []Declaration, ordinals bool) error {
	bw := bufio.NewWriter(w)
	if library != "" {
		fmt.Fprintf(bw, "LIBRARY %s\n", library)
	}
	fmt.Fprintln(bw, "EXPORTS")
	for _, d := range decls {
		if ordinals {
			fmt.Fprintf(bw, "    %s=%s @%d\n", d.Name, d.Target, d.Ordinal)
		} else {
			fmt.Fprintf(bw, "    %s=%s\n", d.Name, d.Target)
		}
	}
	return bw.Flush()
}

// LinkerArgs renders one /EXPORT switch per declaration.
func LinkerArgs(decls []Declaration, ordinals bool) []string {
	args := make([]string, 0, len(decls))
	for _, d := range decls {
		if ordinals {
			args = append(args, fmt.Sprintf("/EXPORT:%s=%s,@%d", d.Name, d.Target, d.Ordinal))
		} else {
			args = append(args, fmt.Sprintf("/EXPORT:%s=%s", d.Name, d.Target))
		}
	}
	return args
}

// ImageOptions names and targets the forwarder DLL written by Image.
type ImageOptions struct {
	Library string
	Machine uint16
}

// Image writes a forwarder-only DLL. Its export directory is written
// directly, so the declared ordinals are always kept.
func Image(decls []Declaration, opts ImageOptions) ([]byte, error) {
	entries := make([]exports.Entry, 0, len(decls))
	for _, d := range decls {
		entries = append(entries, exports.Entry{
			Ordinal: d.Ordinal,
			Name:    d.Name,
			Target:  exports.Forward(d.Target),
		})
	}
	data, err := image.Build(image.ImageSpec{Name: opts.Library, Machine: opts.Machine, Entries: entries})
	if err != nil {
		return nil, err
	}
	Logger().Debug("forwarder image built",
		zap.String("library", opts.Library),
		zap.String("machine", image.MachineName(opts.Machine)),
		zap.Int("bytes", len(data)))
	return data, nil
}
