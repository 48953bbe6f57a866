// Package cli implements bridgectl, the offline tool for inspecting wire
// chunks and scene captures.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	MaxPayload int
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Inspect scene bridge wire data",
		Long:  "Decode, build and replay the framed messages scenes send to the host.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.MaxPayload <= 0 {
				return NewExitError(ExitCommandError, "--max-payload must be positive")
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().IntVar(&opts.MaxPayload, "max-payload", wire.DefaultMaxPayload, "largest accepted frame payload in bytes")

	cmd.AddCommand(NewDecodeCommand(opts))
	cmd.AddCommand(NewEncodeCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewDigestCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// newRegistry binds the built-in component kinds so commands can name and
// decode payloads. The pools are never used.
func newRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := component.RegisterAll(reg, zap.NewNop(), component.PoolOptions{}); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}
