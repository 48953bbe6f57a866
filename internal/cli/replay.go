package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/l1jgo/scenebridge/internal/capture"
	"github.com/l1jgo/scenebridge/internal/crdt"
	"github.com/l1jgo/scenebridge/internal/wire"
)

type ReplayOptions struct {
	*RootOptions
	Scene     string
	MaxAppend int
}

// ReplaySceneResult summarizes one scene of a capture after replay.
type ReplaySceneResult struct {
	Scene     string `json:"scene"`
	Records   int    `json:"records"`
	Frames    int    `json:"frames"`
	Faults    int    `json:"faults"`
	Rejected  int    `json:"rejected"`
	Added     int    `json:"added"`
	Modified  int    `json:"modified"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
	Keys      int    `json:"keys"`
	Digest    string `json:"digest"`

	state *crdt.State
}

type ReplayResult struct {
	Capture string              `json:"capture"`
	Records int                 `json:"records"`
	Scenes  []ReplaySceneResult `json:"scenes"`
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <capture.zst>",
		Short: "Rebuild scene state from a capture",
		Long: `Replay a recorded capture through the reconciler and report, per scene,
how many frames were applied and the digest of the resulting state.

Two hosts that ingested the same chunks report the same digest.

Examples:
  bridgectl replay captures/host-2026-10-14-120000.capture.zst
  bridgectl replay --scene lobby --format json capture.zst`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Scene, "scene", "", "replay one scene only")
	cmd.Flags().IntVar(&opts.MaxAppend, "max-append", crdt.DefaultMaxAppend, "append set size limit")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command, path string) error {
	r, err := capture.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open capture", err)
	}
	defer r.Close()

	reg, err := newRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build component registry", err)
	}
	out := opts.formatter(cmd)

	result := ReplayResult{Capture: path, Scenes: []ReplaySceneResult{}}
	scenes := make(map[string]*ReplaySceneResult)
	var outcomes []crdt.Outcome
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("record %d", result.Records), err)
		}
		result.Records++
		if opts.Scene != "" && rec.Scene != opts.Scene {
			continue
		}

		sc := scenes[rec.Scene]
		if sc == nil {
			sc = &ReplaySceneResult{Scene: rec.Scene, state: crdt.NewState(reg, opts.MaxAppend)}
			scenes[rec.Scene] = sc
		}
		sc.Records++

		dec := wire.NewDecoder(rec.Chunk, opts.MaxPayload)
		for m, ok := dec.Next(); ok; m, ok = dec.Next() {
			sc.Frames++
			outcomes, err = sc.state.Apply(outcomes[:0], m)
			if err != nil {
				sc.Rejected++
				out.VerboseLog("%s: rejected %s: %v", rec.Scene, m, err)
				continue
			}
			sc.count(outcomes)
		}
		for _, f := range dec.Faults() {
			out.VerboseLog("%s: dropped %v", rec.Scene, f)
		}
		sc.Faults += len(dec.Faults())
	}

	for _, sc := range scenes {
		d := sc.state.Digest()
		sc.Digest = hex.EncodeToString(d[:])
		sc.Keys = sc.state.Len()
		result.Scenes = append(result.Scenes, *sc)
	}
	sort.Slice(result.Scenes, func(i, j int) bool { return result.Scenes[i].Scene < result.Scenes[j].Scene })

	if opts.Format == "json" {
		return out.JSON(result, nil)
	}
	writeReplayText(out.Writer, result)
	return nil
}

func (sc *ReplaySceneResult) count(outcomes []crdt.Outcome) {
	for _, o := range outcomes {
		if o.EntityDeleted {
			continue
		}
		switch o.Effect {
		case crdt.ComponentAdded:
			sc.Added++
		case crdt.ComponentModified:
			sc.Modified++
		case crdt.ComponentDeleted:
			sc.Deleted++
		default:
			sc.Unchanged++
		}
	}
}

func writeReplayText(w io.Writer, r ReplayResult) {
	fmt.Fprintf(w, "Replay: %d records, %d scene(s)\n", r.Records, len(r.Scenes))
	for _, sc := range r.Scenes {
		fmt.Fprintln(w)
		fmt.Fprintln(w, sc.Scene)
		fmt.Fprintf(w, "  records: %d  frames: %d  faults: %d  rejected: %d\n", sc.Records, sc.Frames, sc.Faults, sc.Rejected)
		fmt.Fprintf(w, "  effects: added=%d modified=%d deleted=%d unchanged=%d\n", sc.Added, sc.Modified, sc.Deleted, sc.Unchanged)
		fmt.Fprintf(w, "  keys: %d  digest: %s\n", sc.Keys, sc.Digest)
	}
}
