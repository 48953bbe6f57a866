package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

// hexLimit caps how much of an unknown payload text output shows.
const hexLimit = 32

type FrameView struct {
	Offset    int    `json:"offset"`
	Kind      string `json:"kind"`
	Entity    uint32 `json:"entity"`
	Component uint16 `json:"component"`
	Name      string `json:"name,omitempty"`
	Timestamp uint32 `json:"timestamp"`
	Length    int    `json:"length"`
	Payload   string `json:"payload,omitempty"` // hex
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`

	msg wire.Message
}

type FaultView struct {
	Offset int    `json:"offset"`
	Error  string `json:"error"`
}

type DecodeResult struct {
	File   string      `json:"file"`
	Frames []FrameView `json:"frames"`
	Faults []FaultView `json:"faults"`
}

func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <file>",
		Short: "Print the frames of a wire chunk",
		Long: `Decode a raw wire chunk and print every frame, naming known components
and formatting their payloads. Dropped frames are listed with their offset.

Exit codes:
  0 - Every frame decoded
  1 - One or more frames were dropped
  2 - Command error (unreadable file, bad flags)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(rootOpts, cmd, args[0])
		},
	}
}

func runDecode(opts *RootOptions, cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read chunk", err)
	}
	reg, err := newRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build component registry", err)
	}

	result := decodeChunk(reg, path, data, opts.MaxPayload)
	out := opts.formatter(cmd)
	out.VerboseLog("decoded %d bytes from %s", len(data), path)

	var failure *ResponseError
	if len(result.Faults) > 0 {
		failure = &ResponseError{Code: "E_FRAMING", Message: fmt.Sprintf("%d frame(s) dropped", len(result.Faults))}
	}
	if opts.Format == "json" {
		if err := out.JSON(result, failure); err != nil {
			return err
		}
	} else {
		writeDecodeText(out.Writer, result)
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

func decodeChunk(reg *registry.Registry, path string, data []byte, maxPayload int) DecodeResult {
	result := DecodeResult{File: path, Frames: []FrameView{}, Faults: []FaultView{}}
	dec := wire.NewDecoder(data, maxPayload)
	for m, ok := dec.Next(); ok; m, ok = dec.Next() {
		start := dec.Offset() - wire.HeaderSize - len(m.Payload)
		result.Frames = append(result.Frames, viewFrame(reg, start, m))
	}
	for _, f := range dec.Faults() {
		result.Faults = append(result.Faults, FaultView{Offset: f.Offset, Error: f.Err.Error()})
	}
	return result
}

func viewFrame(reg *registry.Registry, off int, m wire.Message) FrameView {
	v := FrameView{
		Offset:    off,
		Kind:      m.Kind.String(),
		Entity:    uint32(m.Entity),
		Component: uint16(m.Component),
		Timestamp: uint32(m.Timestamp),
		Length:    len(m.Payload),
		Payload:   hex.EncodeToString(m.Payload),
		msg:       m,
	}
	if m.Kind == wire.KindDeleteEntity {
		return v
	}
	b, ok := reg.Lookup(m.Component)
	if !ok {
		return v
	}
	v.Name = b.Name
	if len(m.Payload) > 0 {
		if s, err := b.Describe(m.Payload); err != nil {
			v.Error = err.Error()
		} else {
			v.Value = s
		}
	}
	return v
}

func writeDecodeText(w io.Writer, r DecodeResult) {
	for _, f := range r.Frames {
		fmt.Fprintf(w, "@%d %s", f.Offset, f.msg)
		switch {
		case f.Name != "" && f.Error != "":
			fmt.Fprintf(w, " %s !%s", f.Name, f.Error)
		case f.Name != "" && f.Value != "":
			fmt.Fprintf(w, " %s %s", f.Name, f.Value)
		case f.Name != "":
			fmt.Fprintf(w, " %s", f.Name)
		case f.Payload != "":
			fmt.Fprintf(w, " %s", truncateHex(f.Payload))
		}
		fmt.Fprintln(w)
	}
	for _, f := range r.Faults {
		fmt.Fprintf(w, "fault @%d: %s\n", f.Offset, f.Error)
	}
	fmt.Fprintf(w, "\n%d frames, %d faults\n", len(r.Frames), len(r.Faults))
}

func truncateHex(s string) string {
	if len(s) <= hexLimit*2 {
		return s
	}
	return s[:hexLimit*2] + "..."
}
