package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/l1jgo/scenebridge/internal/component"
	"github.com/l1jgo/scenebridge/internal/registry"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type EncodeOptions struct {
	*RootOptions
	Output string
}

// messageList is the YAML layout encode accepts.
type messageList struct {
	Messages []messageEntry `yaml:"messages"`
}

// messageEntry is one frame. Component is a number or a registered name;
// at most one of Hex, Text and Str supplies the payload.
type messageEntry struct {
	Entity    uint32 `yaml:"entity"`
	Component string `yaml:"component"`
	Kind      string `yaml:"kind"`
	Timestamp uint32 `yaml:"ts"`
	Hex       string `yaml:"hex"`
	Text      string `yaml:"text"` // raw bytes
	Str       string `yaml:"str"`  // length-prefixed string field
}

type EncodeResult struct {
	Output string `json:"output"`
	Frames int    `json:"frames"`
	Bytes  int    `json:"bytes"`
}

func NewEncodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EncodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "encode <messages.yaml>",
		Short: "Build a wire chunk from a YAML message list",
		Long: `Encode a YAML list of messages into a raw wire chunk.

Example input:
  messages:
    - {entity: 600, component: Billboard, kind: put, ts: 1, hex: "01"}
    - {entity: 600, component: SceneLog, kind: append, ts: 1, str: "hello"}
    - {entity: 600, kind: delete_entity}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncode(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "chunk file to write (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runEncode(opts *EncodeOptions, cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read message list", err)
	}
	reg, err := newRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build component registry", err)
	}
	msgs, err := parseMessages(reg, raw, opts.MaxPayload)
	if err != nil {
		return WrapExitError(ExitCommandError, path, err)
	}

	w := wire.NewWriter()
	for _, m := range msgs {
		w.Write(m)
	}
	if err := os.WriteFile(opts.Output, w.Bytes(), 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write chunk", err)
	}

	result := EncodeResult{Output: opts.Output, Frames: w.Len(), Bytes: len(w.Bytes())}
	out := opts.formatter(cmd)
	if opts.Format == "json" {
		return out.JSON(result, nil)
	}
	fmt.Fprintf(out.Writer, "wrote %d frames (%d bytes) to %s\n", result.Frames, result.Bytes, result.Output)
	return nil
}

func parseMessages(reg *registry.Registry, raw []byte, maxPayload int) ([]wire.Message, error) {
	var list messageList
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(list.Messages))
	for i, s := range list.Messages {
		m, err := s.message(reg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if len(m.Payload) > maxPayload {
			return nil, fmt.Errorf("message %d: payload of %d bytes exceeds %d", i, len(m.Payload), maxPayload)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s messageEntry) message(reg *registry.Registry) (wire.Message, error) {
	kind, err := parseKind(s.Kind)
	if err != nil {
		return wire.Message{}, err
	}
	if kind == wire.KindDeleteEntity {
		return wire.DeleteEntity(wire.EntityID(s.Entity)), nil
	}
	c, err := parseComponent(reg, s.Component)
	if err != nil {
		return wire.Message{}, err
	}
	payload, err := s.payload()
	if err != nil {
		return wire.Message{}, err
	}
	if kind == wire.KindDelete && payload != nil {
		return wire.Message{}, fmt.Errorf("DELETE carries no payload")
	}
	return wire.Message{
		Entity:    wire.EntityID(s.Entity),
		Component: c,
		Kind:      kind,
		Timestamp: wire.Timestamp(s.Timestamp),
		Payload:   payload,
	}, nil
}

func (s messageEntry) payload() ([]byte, error) {
	set := 0
	for _, v := range []string{s.Hex, s.Text, s.Str} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of hex, text and str may be set")
	}
	switch {
	case s.Hex != "":
		b, err := hex.DecodeString(strings.ReplaceAll(s.Hex, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("hex payload: %w", err)
		}
		return b, nil
	case s.Text != "":
		return []byte(s.Text), nil
	case s.Str != "":
		w := component.NewWriter(nil)
		w.WriteS(s.Str)
		return w.Bytes(), nil
	}
	return nil, nil
}

func parseKind(s string) (wire.Kind, error) {
	switch strings.ToLower(s) {
	case "put", "":
		return wire.KindPut, nil
	case "delete":
		return wire.KindDelete, nil
	case "delete_entity":
		return wire.KindDeleteEntity, nil
	case "append":
		return wire.KindAppend, nil
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

func parseComponent(reg *registry.Registry, s string) (wire.ComponentID, error) {
	if s == "" {
		return 0, fmt.Errorf("component is required")
	}
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return wire.ComponentID(n), nil
	}
	for _, b := range reg.Bridges() {
		if strings.EqualFold(b.Name, s) {
			return b.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown component %q", s)
}
