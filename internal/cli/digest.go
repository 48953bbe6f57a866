package cli

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type FileDigest struct {
	File   string `json:"file"`
	Frames int    `json:"frames"`
	Keys   int    `json:"keys"`
	Digest string `json:"digest"`
}

type DigestResult struct {
	Files     []FileDigest `json:"files"`
	Converged bool         `json:"converged"`
}

func NewDigestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "digest <file>...",
		Short: "Reconcile wire chunks and print the state digest",
		Long: `Apply each wire chunk to an empty scene state and print the digest of
the result. With several files the digests are compared: chunks holding the
same messages in any order must converge.

Exit codes:
  0 - Digests agree
  1 - Digests differ
  2 - Command error (unreadable file)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(rootOpts, cmd, args)
		},
	}
}

func runDigest(opts *RootOptions, cmd *cobra.Command, paths []string) error {
	reg, err := newRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build component registry", err)
	}

	result := DigestResult{Converged: true}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read chunk", err)
		}
		fd := digestChunk(reg, data, opts.MaxPayload)
		fd.File = p
		if len(result.Files) > 0 && fd.Digest != result.Files[0].Digest {
			result.Converged = false
		}
		result.Files = append(result.Files, fd)
	}

	out := opts.formatter(cmd)
	var failure *ResponseError
	if !result.Converged {
		failure = &ResponseError{Code: "E_DIVERGED", Message: "digests differ"}
	}
	if opts.Format == "json" {
		if err := out.JSON(result, failure); err != nil {
			return err
		}
	} else {
		for _, fd := range result.Files {
			fmt.Fprintf(out.Writer, "%s  %s\n", fd.Digest, fd.File)
		}
		if len(result.Files) > 1 {
			if result.Converged {
				fmt.Fprintln(out.Writer, "converged")
			} else {
				fmt.Fprintln(out.Writer, "diverged")
			}
		}
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

func digestChunk(reg *registry.Registry, data []byte, maxPayload int) FileDigest {
	st := crdt.NewState(reg, 0)
	var fd FileDigest
	var outcomes []crdt.Outcome
	for m := range wire.NewDecoder(data, maxPayload).All() {
		fd.Frames++
		outcomes, _ = st.Apply(outcomes[:0], m)
	}
	d := st.Digest()
	fd.Digest = hex.EncodeToString(d[:])
	fd.Keys = st.Len()
	return fd
}
